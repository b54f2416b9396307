package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

// Source supplies frames on demand. Read returns io.EOF once the stream is exhausted.
type Source interface {
	Read(ctx context.Context) (types.Frame, error)
	Close() error
}

// Options describe where frames come from and at which geometry they are delivered.
type Options struct {
	Input  string // device index ("0"), device path ("/dev/video0"), file or URL
	Width  int    // 0 = source size for files, 640x480 for devices
	Height int
	FPS    float64 // 0 = native rate
}

// IsDevice reports whether the input names a local camera rather than a file or URL.
func IsDevice(input string) bool {
	if _, err := strconv.Atoi(input); err == nil {
		return true
	}
	return strings.HasPrefix(input, "/dev/video")
}

// InputArgs builds the ffmpeg demuxer arguments for a source.
func InputArgs(opts Options, goos string) []string {
	if !IsDevice(opts.Input) {
		args := []string{}
		if strings.HasPrefix(opts.Input, "rtsp://") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		return append(args, "-i", opts.Input)
	}

	dev := opts.Input
	var args []string
	switch goos {
	case "darwin":
		args = []string{"-f", "avfoundation"}
		if opts.FPS > 0 {
			args = append(args, "-framerate", formatFPS(opts.FPS))
		}
		dev = strings.TrimPrefix(dev, "/dev/video")
	default:
		args = []string{"-f", "v4l2"}
		if opts.FPS > 0 {
			args = append(args, "-framerate", formatFPS(opts.FPS))
		}
		if opts.Width > 0 && opts.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
		}
		if _, err := strconv.Atoi(dev); err == nil {
			dev = "/dev/video" + dev
		}
	}
	return append(args, "-i", dev)
}

// DecoderArgs builds the full ffmpeg command line producing raw RGB24 frames on stdout.
func DecoderArgs(opts Options, goos string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, InputArgs(opts, goos)...)
	args = append(args, "-an", "-f", "rawvideo", "-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
	if opts.FPS > 0 && !IsDevice(opts.Input) {
		args = append(args, "-r", formatFPS(opts.FPS))
	}
	return append(args, "-")
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

// FFmpegSource decodes any input ffmpeg understands into fixed-geometry RGB24 frames.
type FFmpegSource struct {
	opts   Options
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	cancel context.CancelFunc
	index  int
	done   bool
}

// Cameras report no size up front; they are asked for this size unless told otherwise.
const (
	DefaultDeviceWidth  = 640
	DefaultDeviceHeight = 480
)

var inspectVideo = utils.ProbeVideo

// resolveGeometry fills in a missing frame size: the device default for cameras,
// the stream's own size (and rate) for files and URLs.
func resolveGeometry(ctx context.Context, opts Options) (Options, error) {
	if opts.Width > 0 && opts.Height > 0 {
		return opts, nil
	}
	if IsDevice(opts.Input) {
		opts.Width, opts.Height = DefaultDeviceWidth, DefaultDeviceHeight
		return opts, nil
	}
	info, err := inspectVideo(ctx, opts.Input)
	if err != nil {
		return opts, fmt.Errorf("failed to determine video dimensions: %w", err)
	}
	opts.Width, opts.Height = info.Width, info.Height
	if opts.FPS <= 0 {
		opts.FPS = info.FPS
	}
	return opts, nil
}

// Open validates the input and starts the ffmpeg decoder.
// Any error here is a fatal startup error for the caller.
func Open(ctx context.Context, opts Options) (*FFmpegSource, error) {
	if !IsDevice(opts.Input) && !strings.Contains(opts.Input, "://") {
		info, err := os.Stat(opts.Input)
		if err != nil {
			return nil, fmt.Errorf("unable to access input: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("input %s is a directory, expected a video file", opts.Input)
		}
	}

	opts, err := resolveGeometry(ctx, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", DecoderArgs(opts, runtime.GOOS)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	return &FFmpegSource{opts: opts, cmd: cmd, out: out, cancel: cancel}, nil
}

// Width and Height return the delivered frame geometry.
func (s *FFmpegSource) Width() int  { return s.opts.Width }
func (s *FFmpegSource) Height() int { return s.opts.Height }

// FPS returns the configured or detected frame rate (0 when unknown).
func (s *FFmpegSource) FPS() float64 { return s.opts.FPS }

// Cmd exposes the decoder process so callers can dump its logs on failure.
func (s *FFmpegSource) Cmd() *utils.SafeCommand { return s.cmd }

// Read blocks until the next full frame is available.
// A short or failed read is reported as io.EOF: the stream simply ends.
func (s *FFmpegSource) Read(ctx context.Context) (types.Frame, error) {
	if s.done {
		return types.Frame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	buf := make([]byte, s.opts.Width*s.opts.Height*3)
	if _, err := io.ReadFull(s.out, buf); err != nil {
		s.done = true
		return types.Frame{}, io.EOF
	}

	f := types.Frame{
		Index:    s.index,
		Width:    s.opts.Width,
		Height:   s.opts.Height,
		Pix:      buf,
		Captured: time.Now(),
	}
	s.index++
	return f, nil
}

// Close stops the decoder and reaps the process.
func (s *FFmpegSource) Close() error {
	s.cancel()
	s.out.Close()
	err := s.cmd.Wait()
	if err != nil && s.index == 0 && s.cmd.Stderr.Len() > 0 {
		return fmt.Errorf("decoder exited before the first frame: %w", err)
	}
	return nil
}

// SliceSource replays frames from memory.
type SliceSource struct {
	Frames []types.Frame
	pos    int
}

// Read returns the next stored frame, then io.EOF once all have been replayed.
func (s *SliceSource) Read(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if s.pos >= len(s.Frames) {
		return types.Frame{}, io.EOF
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }
