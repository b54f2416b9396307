package types

import (
	"time"

	"github.com/google/uuid"
)

// Frame is a single RGB24 image read from a capture source.
// Pix is never modified after capture, so frames can be shared by reference.
type Frame struct {
	Index    int
	Width    int
	Height   int
	Pix      []byte // len = Width * Height * 3
	Captured time.Time
}

// SameGeometry reports whether two frames have identical dimensions.
func (f Frame) SameGeometry(o Frame) bool {
	return f.Width == o.Width && f.Height == o.Height
}

// Detection matches one labeled region coming back from the Python detector
type Detection struct {
	Label      string
	Confidence float64
	Box        [4]int // [x1, y1, x2, y2]
}

// Triggered reduces a detection set to a single per-frame trigger.
// Several matching regions in one frame still count as one trigger.
func Triggered(dets []Detection, labels []string) (string, bool) {
	for _, d := range dets {
		for _, l := range labels {
			if d.Label == l {
				return l, true
			}
		}
	}
	return "", false
}

// EventState is the lifecycle of a recording within one capture session.
type EventState int

const (
	Idle EventState = iota
	Active
	Closing
)

func (s EventState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// ClipEvent is the persisted record of one triggered recording.
type ClipEvent struct {
	ID           uuid.UUID `json:"id"`
	Camera       string    `json:"camera"`
	TriggerLabel string    `json:"trigger_label"`
	TriggeredAt  time.Time `json:"triggered_at"`
	StillPath    string    `json:"still_path"`
	ClipPath     string    `json:"clip_path,omitempty"`
	PreFrames    int       `json:"pre_frames"`
	FrameCount   int       `json:"frame_count"`
	Partial      bool      `json:"partial"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}
