package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils" // Using the SafeCommand wrapper
)

// Detector turns a frame into the set of labeled regions found in it.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error)
	Close()
}

// Config is passed to the Python detector as command-line arguments.
type Config struct {
	Script      string  // defaults to python/detector.py
	Model       string  // e.g. yolov5n.pt
	Confidence  float64 // minimum detection confidence
	Width       int     // raw frame geometry, RGB24
	Height      int
	ReadTimeout time.Duration
}

const (
	statusOK    = 0
	statusError = 1
)

// ErrTimeout is returned when the Python process does not answer within ReadTimeout.
var ErrTimeout = errors.New("python worker timed out")

type PythonDetectWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration
}

// NewPythonDetectWorker starts the detector process and returns once its pipes are wired.
// The model is loaded lazily by the Python side; the first Detect call absorbs that cost.
func NewPythonDetectWorker(ctx context.Context, id int, cfg Config) (*PythonDetectWorker, error) {
	script := cfg.Script
	if script == "" {
		script = "python/detector.py"
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, "python3", "-u", script,
		"--model", cfg.Model,
		"--confidence", strconv.FormatFloat(cfg.Confidence, 'f', -1, 64),
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
	)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonDetectWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *PythonDetectWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect runs inference on one RGB24 frame.
func (w *PythonDetectWorker) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	return w.ProcessFrame(ctx, frame.Pix)
}

// ProcessFrame sends raw frame bytes and decodes the detections, honoring the read timeout.
func (w *PythonDetectWorker) ProcessFrame(ctx context.Context, data []byte) ([]types.Detection, error) {
	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(data)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.Timeout > 0 {
		timer := time.NewTimer(w.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return DecodeDetections(r.body)
	case <-timeout:
		// The pipe is now out of sync; the worker must not be reused.
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DecodeDetections parses a response payload.
//
//	OK:    [Status:0] [Count:u32] Count x ([LabelLen:u16] [Label] [Conf:f32] [Box:4xi32])
//	Error: [Status:1] [MsgLen:u32] [Msg]
func DecodeDetections(payload []byte) ([]types.Detection, error) {
	r := bytes.NewReader(payload)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed detection count: %w", err)
	}

	dets := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var labelLen uint16
		if err := binary.Read(r, binary.BigEndian, &labelLen); err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		label := make([]byte, labelLen)
		if _, err := io.ReadFull(r, label); err != nil {
			return nil, fmt.Errorf("detection %d label: %w", i, err)
		}
		var conf float32
		if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
			return nil, fmt.Errorf("detection %d confidence: %w", i, err)
		}
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("detection %d box: %w", i, err)
		}
		dets = append(dets, types.Detection{
			Label:      string(label),
			Confidence: float64(conf),
			Box:        [4]int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
		})
	}
	return dets, nil
}

func (w *PythonDetectWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
