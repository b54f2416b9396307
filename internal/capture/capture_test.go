package capture

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

func TestIsDevice(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"0", true},
		{"2", true},
		{"/dev/video1", true},
		{"clip.mp4", false},
		{"rtsp://cam.local/stream", false},
	}
	for _, tt := range tests {
		if got := IsDevice(tt.input); got != tt.want {
			t.Errorf("IsDevice(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDecoderArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		goos string
		want []string
	}{
		{
			name: "Linux camera index",
			opts: Options{Input: "0", Width: 640, Height: 480, FPS: 30},
			goos: "linux",
			want: []string{"-hide_banner", "-loglevel", "error",
				"-f", "v4l2", "-framerate", "30", "-video_size", "640x480", "-i", "/dev/video0",
				"-an", "-f", "rawvideo", "-pix_fmt", "rgb24", "-s", "640x480", "-"},
		},
		{
			name: "macOS camera",
			opts: Options{Input: "/dev/video1", Width: 1280, Height: 720},
			goos: "darwin",
			want: []string{"-hide_banner", "-loglevel", "error",
				"-f", "avfoundation", "-i", "1",
				"-an", "-f", "rawvideo", "-pix_fmt", "rgb24", "-s", "1280x720", "-"},
		},
		{
			name: "File with resampled rate",
			opts: Options{Input: "in.mp4", Width: 320, Height: 240, FPS: 12.5},
			goos: "linux",
			want: []string{"-hide_banner", "-loglevel", "error",
				"-i", "in.mp4",
				"-an", "-f", "rawvideo", "-pix_fmt", "rgb24", "-s", "320x240", "-r", "12.5", "-"},
		},
		{
			name: "RTSP stream",
			opts: Options{Input: "rtsp://cam/live", Width: 640, Height: 360},
			goos: "linux",
			want: []string{"-hide_banner", "-loglevel", "error",
				"-rtsp_transport", "tcp", "-i", "rtsp://cam/live",
				"-an", "-f", "rawvideo", "-pix_fmt", "rgb24", "-s", "640x360", "-"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecoderArgs(tt.opts, tt.goos); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecoderArgs() =\n%v\nwant\n%v", got, tt.want)
			}
		})
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Options{Input: "does-not-exist.mp4", Width: 2, Height: 2}); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Open(ctx, Options{Input: t.TempDir(), Width: 2, Height: 2}); err == nil {
		t.Error("Expected error for directory input")
	}
}

func TestResolveGeometry(t *testing.T) {
	defer func(orig func(context.Context, string) (utils.VideoInfo, error)) { inspectVideo = orig }(inspectVideo)
	var inspected []string
	inspectVideo = func(_ context.Context, path string) (utils.VideoInfo, error) {
		inspected = append(inspected, path)
		return utils.VideoInfo{Width: 1920, Height: 1080, FPS: 25}, nil
	}

	tests := []struct {
		name        string
		opts        Options
		wantSize    string
		wantFPS     float64
		wantInspect bool
	}{
		{"File without geometry uses its own size", Options{Input: "clip.mp4"}, "1920x1080", 25, true},
		{"File keeps an explicit rate", Options{Input: "clip.mp4", FPS: 10}, "1920x1080", 10, true},
		{"Explicit geometry wins", Options{Input: "clip.mp4", Width: 320, Height: 240}, "320x240", 0, false},
		{"Camera falls back to the device default", Options{Input: "0"}, "640x480", 0, false},
		{"Camera keeps explicit geometry", Options{Input: "/dev/video1", Width: 1280, Height: 720}, "1280x720", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inspected = nil
			got, err := resolveGeometry(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("resolveGeometry failed: %v", err)
			}
			args := DecoderArgs(got, "linux")
			if size := argAfter(args, "-s"); size != tt.wantSize {
				t.Errorf("Expected -s %s, got %s", tt.wantSize, size)
			}
			if got.FPS != tt.wantFPS {
				t.Errorf("Expected FPS %v, got %v", tt.wantFPS, got.FPS)
			}
			if (len(inspected) > 0) != tt.wantInspect {
				t.Errorf("Inspect calls %v, want inspected=%v", inspected, tt.wantInspect)
			}
		})
	}
}

func TestResolveGeometryInspectFailure(t *testing.T) {
	defer func(orig func(context.Context, string) (utils.VideoInfo, error)) { inspectVideo = orig }(inspectVideo)
	inspectVideo = func(context.Context, string) (utils.VideoInfo, error) {
		return utils.VideoInfo{}, errors.New("no video stream")
	}
	if _, err := resolveGeometry(context.Background(), Options{Input: "clip.mp4"}); err == nil {
		t.Error("Expected error when the file cannot be inspected")
	}
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestSliceSource(t *testing.T) {
	src := &SliceSource{Frames: []types.Frame{{Index: 0}, {Index: 1}}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f, err := src.Read(ctx)
		if err != nil || f.Index != i {
			t.Fatalf("Read %d: got frame %d, err %v", i, f.Index, err)
		}
	}
	if _, err := src.Read(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}
