package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/vigil/internal/assembler"
	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/media"
	"github.com/andresmejia3/vigil/internal/notify"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/worker"
)

// StopReason explains why the capture loop ended.
type StopReason string

const (
	StopEventComplete StopReason = "event_complete"
	StopEndOfStream   StopReason = "end_of_stream"
	StopCancelled     StopReason = "cancelled"
	StopDetectFailed  StopReason = "detect_failed"
)

// ClipEncoder writes a finished clip to disk. *media.Encoder satisfies it.
type ClipEncoder interface {
	Encode(ctx context.Context, outPath string, frames []types.Frame, fps float64, progress func()) error
}

// Notifier accepts notifications without blocking. *notify.Dispatcher satisfies it.
type Notifier interface {
	Enqueue(n notify.Notification) error
}

// EventStore persists event history. *store.Store satisfies it.
type EventStore interface {
	InsertEvent(ctx context.Context, e types.ClipEvent) error
	FinishEvent(ctx context.Context, id uuid.UUID, clipPath string, frameCount int, partial bool) error
}

// Session runs one capture session: frames flow from Source through Detector
// into the Assembler until the event closes, the stream ends or ctx is cancelled.
// Dispatcher and Store are optional.
type Session struct {
	Config     *config.Session
	Source     capture.Source
	Detector   worker.Detector
	Assembler  *assembler.Assembler
	Encoder    ClipEncoder
	Dispatcher Notifier
	Store      EventStore

	// OnTrigger is called once when the event starts.
	OnTrigger func(e types.ClipEvent)
	// OnEncode returns a per-frame progress callback for a clip of total frames.
	OnEncode func(total int) func()
}

// Summary describes a finished session.
type Summary struct {
	FramesRead    int
	Skipped       int // frames rejected for geometry
	State         types.EventState
	Stop          StopReason
	StopErr       error
	Event         *types.ClipEvent
	ClipLen       int
	Partial       bool
	Notifications int
}

// Run drives the loop. The returned error is reserved for failures that lose
// the clip (encoding); read, detection, store and delivery failures are logged
// and reflected in the Summary.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	cfg := s.Config

	for {
		// Cancellation takes effect at the iteration boundary.
		if ctx.Err() != nil {
			sum.Stop = StopCancelled
			break
		}

		frame, err := s.Source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sum.Stop = StopCancelled
			} else {
				sum.Stop = StopEndOfStream
				if !errors.Is(err, io.EOF) {
					sum.StopErr = err
					slog.Warn("frame read failed, ending session", "error", err)
				}
			}
			break
		}
		sum.FramesRead++

		dets, err := s.Detector.Detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				sum.Stop = StopCancelled
			} else {
				sum.Stop = StopDetectFailed
				sum.StopErr = err
				slog.Error("detector failed, ending session", "frame", frame.Index, "error", err)
			}
			break
		}
		label, hit := types.Triggered(dets, cfg.Event.TriggerLabels)

		res, err := s.Assembler.Ingest(frame, hit)
		if err != nil {
			sum.Skipped++
			slog.Warn("frame skipped", "frame", frame.Index, "error", err)
			continue
		}

		if res.Triggered {
			sum.Event = s.startEvent(ctx, frame, label, &sum)
		}
		if res.ShouldEnd {
			sum.Stop = StopEventComplete
			break
		}
	}

	sum.State = s.Assembler.State()
	return sum, s.finish(ctx, &sum)
}

func eventDir(e types.ClipEvent) string {
	return fmt.Sprintf("%s_%s", e.TriggeredAt.Format("20060102-150405"), e.ID.String()[:8])
}

func (s *Session) startEvent(ctx context.Context, frame types.Frame, label string, sum *Summary) *types.ClipEvent {
	cfg := s.Config
	at := frame.Captured
	if at.IsZero() {
		at = time.Now()
	}
	e := &types.ClipEvent{
		ID:           uuid.New(),
		Camera:       cfg.Camera,
		TriggerLabel: label,
		TriggeredAt:  at.UTC(),
		PreFrames:    s.Assembler.PreFramesAtTrigger(),
	}

	still := cfg.StillPath(eventDir(*e))
	if err := media.WriteStill(still, frame, cfg.Output.JPEGQuality); err != nil {
		slog.Error("failed to write still", "path", still, "error", err)
	} else {
		e.StillPath = still
	}

	if s.Store != nil {
		if err := s.Store.InsertEvent(ctx, *e); err != nil {
			slog.Error("failed to record event", "event", e.ID, "error", err)
		}
	}

	slog.Info("event triggered", "event", e.ID, "label", label, "frame", frame.Index, "pre_frames", e.PreFrames)
	if s.OnTrigger != nil {
		s.OnTrigger(*e)
	}

	text := fmt.Sprintf("%s detected on %s at %s", label, cfg.Camera, e.TriggeredAt.Format(time.RFC3339))
	s.enqueue(notify.Notification{Kind: notify.KindMessage, Text: text, Event: e}, sum)
	if cfg.SendStill && e.StillPath != "" {
		s.enqueue(notify.Notification{Kind: notify.KindPhoto, Path: e.StillPath, Text: text, Event: e}, sum)
	}
	return e
}

// finish flushes and encodes the clip, if any, and hands it to the dispatcher.
func (s *Session) finish(ctx context.Context, sum *Summary) error {
	clip, partial, err := s.Assembler.Flush()
	if errors.Is(err, assembler.ErrNothingToFlush) {
		return nil
	}
	if err != nil {
		return err
	}
	sum.ClipLen = len(clip)
	sum.Partial = partial

	e := sum.Event
	path := s.Config.ClipPath(eventDir(*e))

	// A cancelled session still gets its clip written.
	encCtx := context.WithoutCancel(ctx)
	var progress func()
	if s.OnEncode != nil {
		progress = s.OnEncode(len(clip))
	}
	if err := s.Encoder.Encode(encCtx, path, clip, s.Config.Output.ClipFPS, progress); err != nil {
		return fmt.Errorf("failed to encode clip %s: %w", path, err)
	}

	e.ClipPath = path
	e.FrameCount = len(clip)
	e.Partial = partial
	e.FinishedAt = time.Now().UTC()

	if s.Store != nil {
		if err := s.Store.FinishEvent(encCtx, e.ID, path, len(clip), partial); err != nil {
			slog.Error("failed to record clip", "event", e.ID, "error", err)
		}
	}

	caption := fmt.Sprintf("%s on %s, %d frames", e.TriggerLabel, e.Camera, len(clip))
	if partial {
		caption += " (partial)"
	}
	s.enqueue(notify.Notification{Kind: notify.KindVideo, Path: path, Text: caption, Event: e}, sum)
	return nil
}

// enqueue hands the dispatcher its own copy of the event; the loop keeps mutating e.
func (s *Session) enqueue(n notify.Notification, sum *Summary) {
	if s.Dispatcher == nil {
		return
	}
	if n.Event != nil {
		ev := *n.Event
		n.Event = &ev
	}
	if err := s.Dispatcher.Enqueue(n); err != nil {
		slog.Warn("notification dropped", "kind", n.Kind, "error", err)
		return
	}
	sum.Notifications++
}
