package assembler

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/vigil/internal/types"
)

var (
	// ErrGeometryMismatch is returned when a frame's dimensions differ from the
	// first frame of the session. The frame is not ingested.
	ErrGeometryMismatch = errors.New("frame geometry differs from session geometry")
	// ErrNothingToFlush is returned by Flush when no event was ever triggered.
	ErrNothingToFlush = errors.New("no clip to flush")
	// ErrAlreadyFlushed is returned by every Flush after the first successful one.
	ErrAlreadyFlushed = errors.New("clip already flushed")
)

// Config controls the size of the recording window around a trigger.
type Config struct {
	PreBuffer     int // frames kept before the trigger
	PostEvent     int // frames kept after the last trigger
	MaxClipFrames int // hard cap on clip length, 0 means unbounded
}

// DefaultConfig mirrors the 50 frames before / 50 frames after window.
func DefaultConfig() Config {
	return Config{PreBuffer: 50, PostEvent: 50}
}

// Result describes the assembler state after one Ingest.
type Result struct {
	State     types.EventState
	Triggered bool // this frame moved the assembler out of Idle
	ShouldEnd bool // raised once, when the post-event window (or cap) is exhausted
	ClipLen   int
}

// Assembler turns a stream of frames and per-frame trigger flags into one
// bounded clip: the pre-buffer snapshot at trigger time followed by every
// frame seen until the post-event window closes.
//
// It is owned by a single capture loop and is not safe for concurrent use.
type Assembler struct {
	cfg Config

	ring  []types.Frame
	head  int // index of the oldest frame
	size  int
	geom  *types.Frame
	state types.EventState

	counter  int
	ended    bool
	clip     []types.Frame
	trigger  types.Frame
	flushed  bool
	preAtHit int
}

// New creates an assembler. Non-positive sizes fall back to DefaultConfig.
func New(cfg Config) *Assembler {
	def := DefaultConfig()
	if cfg.PreBuffer < 1 {
		cfg.PreBuffer = def.PreBuffer
	}
	if cfg.PostEvent < 0 {
		cfg.PostEvent = def.PostEvent
	}
	if cfg.MaxClipFrames < 0 {
		cfg.MaxClipFrames = 0
	}
	return &Assembler{
		cfg:  cfg,
		ring: make([]types.Frame, cfg.PreBuffer),
	}
}

// Ingest advances the assembler by one frame.
func (a *Assembler) Ingest(frame types.Frame, triggered bool) (Result, error) {
	if a.geom == nil {
		g := types.Frame{Width: frame.Width, Height: frame.Height}
		a.geom = &g
	} else if !frame.SameGeometry(*a.geom) {
		return a.result(false, false), fmt.Errorf("%w: got %dx%d, want %dx%d",
			ErrGeometryMismatch, frame.Width, frame.Height, a.geom.Width, a.geom.Height)
	}

	// 1. Rolling pre-buffer
	a.push(frame)

	// 2./3. Trigger handling
	started := false
	if triggered {
		if a.state == types.Idle {
			a.state = types.Active
			a.clip = append(a.clip, a.PreBuffer()...)
			a.preAtHit = a.size
			a.trigger = frame
			started = true
		}
		a.counter = 0
	}

	// 4. Post-event accumulation
	shouldEnd := false
	if a.state != types.Idle {
		a.clip = append(a.clip, frame)
		a.counter++
		capped := a.cfg.MaxClipFrames > 0 && len(a.clip) >= a.cfg.MaxClipFrames
		if !a.ended && (a.counter > a.cfg.PostEvent || capped) {
			a.state = types.Closing
			a.ended = true
			shouldEnd = true
		}
	}

	return a.result(started, shouldEnd), nil
}

func (a *Assembler) push(f types.Frame) {
	capacity := len(a.ring)
	if a.size < capacity {
		a.ring[(a.head+a.size)%capacity] = f
		a.size++
		return
	}
	a.ring[a.head] = f
	a.head = (a.head + 1) % capacity
}

func (a *Assembler) result(triggered, shouldEnd bool) Result {
	return Result{
		State:     a.state,
		Triggered: triggered,
		ShouldEnd: shouldEnd,
		ClipLen:   len(a.clip),
	}
}

// Flush hands the finished clip to the caller. It succeeds at most once.
// A clip flushed before the post-event window closed is a partial clip.
func (a *Assembler) Flush() (clip []types.Frame, partial bool, err error) {
	if a.flushed {
		return nil, false, ErrAlreadyFlushed
	}
	if len(a.clip) == 0 {
		return nil, false, ErrNothingToFlush
	}
	a.flushed = true
	clip = a.clip
	a.clip = nil
	return clip, !a.ended, nil
}

// PreBuffer returns a copy of the rolling buffer, oldest first.
func (a *Assembler) PreBuffer() []types.Frame {
	out := make([]types.Frame, a.size)
	for i := 0; i < a.size; i++ {
		out[i] = a.ring[(a.head+i)%len(a.ring)]
	}
	return out
}

// State returns the current event state.
func (a *Assembler) State() types.EventState { return a.state }

// PreBufferLen returns how many frames the rolling buffer holds.
func (a *Assembler) PreBufferLen() int { return a.size }

// ClipLen returns the number of frames collected for the clip so far.
func (a *Assembler) ClipLen() int { return len(a.clip) }

// Counter returns the frames ingested since the last trigger, including it.
func (a *Assembler) Counter() int { return a.counter }

// PreFramesAtTrigger is the pre-buffer length when the event started.
func (a *Assembler) PreFramesAtTrigger() int { return a.preAtHit }

// TriggerFrame returns the frame that started the event, if any.
func (a *Assembler) TriggerFrame() (types.Frame, bool) {
	return a.trigger, a.state != types.Idle
}
