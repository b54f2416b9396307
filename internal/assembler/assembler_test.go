package assembler

import (
	"errors"
	"testing"

	"github.com/andresmejia3/vigil/internal/types"
)

func frame(i int) types.Frame {
	return types.Frame{Index: i, Width: 4, Height: 2, Pix: make([]byte, 4*2*3)}
}

// feed ingests n frames starting at index start, triggering on the given indices.
func feed(t *testing.T, a *Assembler, start, n int, triggerAt map[int]bool) []Result {
	t.Helper()
	var out []Result
	for i := start; i < start+n; i++ {
		res, err := a.Ingest(frame(i), triggerAt[i])
		if err != nil {
			t.Fatalf("Ingest(%d) failed: %v", i, err)
		}
		out = append(out, res)
	}
	return out
}

func TestNoTriggerStaysIdle(t *testing.T) {
	a := New(DefaultConfig())
	for _, res := range feed(t, a, 0, 200, nil) {
		if res.State != types.Idle || res.ClipLen != 0 || res.ShouldEnd {
			t.Fatalf("Expected idle with empty clip, got %+v", res)
		}
	}
	if _, _, err := a.Flush(); !errors.Is(err, ErrNothingToFlush) {
		t.Errorf("Expected ErrNothingToFlush, got %v", err)
	}
}

func TestPreBufferCapacity(t *testing.T) {
	tests := []struct {
		name    string
		ingests int
		wantLen int
		first   int
	}{
		{"Partially filled", 10, 10, 0},
		{"Exactly full", 50, 50, 0},
		{"Wrapped once", 51, 50, 1},
		{"Wrapped many times", 173, 50, 123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(DefaultConfig())
			feed(t, a, 0, tt.ingests, nil)

			buf := a.PreBuffer()
			if len(buf) != tt.wantLen || a.PreBufferLen() != tt.wantLen {
				t.Fatalf("Expected pre-buffer length %d, got %d", tt.wantLen, len(buf))
			}
			for i, f := range buf {
				if f.Index != tt.first+i {
					t.Fatalf("Expected frame %d at position %d, got %d", tt.first+i, i, f.Index)
				}
			}
		})
	}
}

func TestTriggerSnapshotsPreBuffer(t *testing.T) {
	tests := []struct {
		name      string
		triggerAt int
		wantClip  int
	}{
		{"First frame", 0, 2},
		{"Before buffer is full", 9, 11},
		{"After buffer is full", 120, 51},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(DefaultConfig())
			feed(t, a, 0, tt.triggerAt, nil)

			res, err := a.Ingest(frame(tt.triggerAt), true)
			if err != nil {
				t.Fatal(err)
			}
			if !res.Triggered || res.State != types.Active {
				t.Fatalf("Expected trigger into active, got %+v", res)
			}
			if res.ClipLen != a.PreBufferLen()+1 || res.ClipLen != tt.wantClip {
				t.Errorf("Expected clip length %d (pre-buffer %d + 1), got %d", tt.wantClip, a.PreBufferLen(), res.ClipLen)
			}
			if got, ok := a.TriggerFrame(); !ok || got.Index != tt.triggerAt {
				t.Errorf("Expected trigger frame %d, got %d (ok=%v)", tt.triggerAt, got.Index, ok)
			}
			if a.PreFramesAtTrigger() != a.PreBufferLen() {
				t.Errorf("Expected %d pre frames at trigger, got %d", a.PreBufferLen(), a.PreFramesAtTrigger())
			}
		})
	}
}

func TestRetriggerExtendsWindow(t *testing.T) {
	a := New(DefaultConfig())
	feed(t, a, 0, 5, map[int]bool{0: true})
	if a.Counter() != 5 {
		t.Fatalf("Expected counter 5, got %d", a.Counter())
	}
	before := a.ClipLen()

	res, err := a.Ingest(frame(5), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Triggered {
		t.Error("Re-trigger must not report a new event")
	}
	if res.State != types.Active {
		t.Errorf("Expected state active, got %s", res.State)
	}
	if a.Counter() != 1 {
		t.Errorf("Expected counter reset then incremented to 1, got %d", a.Counter())
	}
	if res.ClipLen != before+1 {
		t.Errorf("Expected clip to grow from %d to %d, got %d", before, before+1, res.ClipLen)
	}
}

func TestPostEventWindowClosesOnce(t *testing.T) {
	a := New(DefaultConfig())
	results := feed(t, a, 0, 100, map[int]bool{0: true})

	ends := 0
	for i, res := range results {
		if res.ShouldEnd {
			ends++
			// The trigger frame plus 50 non-triggering frames: 51 ingests.
			if i != 50 {
				t.Errorf("Expected end signal on ingest 51 after trigger, got ingest %d", i+1)
			}
		}
		if i < 50 && res.State != types.Active {
			t.Errorf("Ingest %d: expected active, got %s", i, res.State)
		}
		if i >= 50 && res.State != types.Closing {
			t.Errorf("Ingest %d: expected closing, got %s", i, res.State)
		}
	}
	if ends != 1 {
		t.Errorf("Expected exactly one end signal, got %d", ends)
	}
}

func TestRetriggerWhileClosing(t *testing.T) {
	a := New(Config{PreBuffer: 5, PostEvent: 2})
	results := feed(t, a, 0, 3, map[int]bool{0: true})
	if last := results[2]; !last.ShouldEnd || last.State != types.Closing {
		t.Fatalf("Expected window to close on ingest 3, got %+v", last)
	}
	before := a.ClipLen()

	res, err := a.Ingest(frame(3), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != types.Closing {
		t.Errorf("Expected state to stay closing, got %s", res.State)
	}
	if res.Triggered || res.ShouldEnd {
		t.Errorf("Re-trigger while closing must not start or end an event, got %+v", res)
	}
	if a.Counter() != 1 {
		t.Errorf("Expected counter reset then incremented to 1, got %d", a.Counter())
	}
	if res.ClipLen != before+1 {
		t.Errorf("Expected clip to grow to %d, got %d", before+1, res.ClipLen)
	}

	// The counter runs past the window again without a second end signal.
	for _, r := range feed(t, a, 4, 5, nil) {
		if r.ShouldEnd || r.State != types.Closing {
			t.Fatalf("Expected closing without end signal, got %+v", r)
		}
	}
	if a.Counter() != 6 {
		t.Errorf("Expected counter 6, got %d", a.Counter())
	}
}

func TestEndToEndSixtyFrames(t *testing.T) {
	a := New(DefaultConfig())
	// Frame 10 (1-based) triggers.
	results := feed(t, a, 1, 60, map[int]bool{10: true})

	last := results[len(results)-1]
	if !last.ShouldEnd || last.State != types.Closing {
		t.Fatalf("Expected the 60th frame to close the event, got %+v", last)
	}

	clip, partial, err := a.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	// 10 pre-buffer frames (including the trigger) + trigger + 50 post frames.
	if len(clip) != 61 {
		t.Errorf("Expected clip of 61 frames, got %d", len(clip))
	}
	if partial {
		t.Error("Clip closed by the post-event window must not be partial")
	}
	if clip[0].Index != 1 || clip[len(clip)-1].Index != 60 {
		t.Errorf("Unexpected clip bounds %d..%d", clip[0].Index, clip[len(clip)-1].Index)
	}
	if _, _, err := a.Flush(); !errors.Is(err, ErrAlreadyFlushed) {
		t.Errorf("Expected ErrAlreadyFlushed on second flush, got %v", err)
	}
}

func TestPartialClipFlush(t *testing.T) {
	a := New(DefaultConfig())
	feed(t, a, 0, 20, map[int]bool{15: true})

	clip, partial, err := a.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if !partial {
		t.Error("Expected partial clip when the stream ends early")
	}
	// 16 pre-buffer frames + trigger + frames 16..19.
	if len(clip) != 21 {
		t.Errorf("Expected 21 frames, got %d", len(clip))
	}
}

func TestGeometryMismatchRejected(t *testing.T) {
	a := New(DefaultConfig())
	feed(t, a, 0, 3, map[int]bool{1: true})
	before := a.ClipLen()

	odd := types.Frame{Index: 99, Width: 8, Height: 8}
	if _, err := a.Ingest(odd, true); !errors.Is(err, ErrGeometryMismatch) {
		t.Fatalf("Expected ErrGeometryMismatch, got %v", err)
	}
	if a.ClipLen() != before || a.PreBufferLen() != 3 {
		t.Error("Rejected frame must not change assembler state")
	}
}

func TestMaxClipFramesCap(t *testing.T) {
	a := New(Config{PreBuffer: 5, PostEvent: 50, MaxClipFrames: 12})
	trig := map[int]bool{}
	for i := 5; i < 40; i++ {
		trig[i] = true // keep re-triggering, window never expires on its own
	}
	results := feed(t, a, 0, 40, trig)

	ends := 0
	for _, res := range results {
		if res.ShouldEnd {
			ends++
			if res.ClipLen != 12 {
				t.Errorf("Expected cap to close at 12 frames, got %d", res.ClipLen)
			}
		}
	}
	if ends != 1 {
		t.Errorf("Expected one end signal, got %d", ends)
	}
}
