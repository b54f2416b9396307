package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

// ErrGeometryMismatch is returned when a clip mixes frame sizes.
var ErrGeometryMismatch = errors.New("clip frames do not share one geometry")

// ErrEmptyClip is returned when asked to encode zero frames.
var ErrEmptyClip = errors.New("no frames to encode")

// ToImage wraps an RGB24 frame as an RGBA image (the alpha channel is opaque).
func ToImage(f types.Frame) (*image.RGBA, error) {
	if len(f.Pix) != f.Width*f.Height*3 {
		return nil, fmt.Errorf("frame %d: expected %d bytes, got %d", f.Index, f.Width*f.Height*3, len(f.Pix))
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(f.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 255
	}
	return img, nil
}

// FromImage converts any decoded image into an RGB24 frame.
func FromImage(img image.Image) types.Frame {
	b := img.Bounds()
	f := types.Frame{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Pix:      make([]byte, 0, b.Dx()*b.Dy()*3),
		Captured: time.Now(),
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			f.Pix = append(f.Pix, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return f
}

// LoadImage decodes a JPEG or PNG file into an RGB24 frame.
func LoadImage(path string) (types.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return types.Frame{}, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return types.Frame{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// WriteStill saves a frame as a JPEG. The write is synchronous and never retried.
func WriteStill(path string, f types.Frame, quality int) error {
	img, err := ToImage(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: quality}); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("jpeg encode failed: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// CheckGeometry verifies every frame matches the first one.
func CheckGeometry(frames []types.Frame) error {
	if len(frames) == 0 {
		return ErrEmptyClip
	}
	first := frames[0]
	for _, f := range frames[1:] {
		if !f.SameGeometry(first) {
			return fmt.Errorf("%w: frame %d is %dx%d, clip is %dx%d",
				ErrGeometryMismatch, f.Index, f.Width, f.Height, first.Width, first.Height)
		}
	}
	return nil
}

// EncoderArgs builds the ffmpeg command that turns raw RGB24 on stdin into an H.264 MP4.
func EncoderArgs(outPath string, fps float64, width, height int) []string {
	return []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outPath,
	}
}

// Encoder writes clips to video files through an ffmpeg subprocess.
type Encoder struct {
	Binary string // defaults to "ffmpeg"
}

// Encode writes frames, in order, to outPath at the given rate. The output takes the
// dimensions of the first frame. progress, if set, is called once per written frame.
func (e *Encoder) Encode(ctx context.Context, outPath string, frames []types.Frame, fps float64, progress func()) error {
	if err := CheckGeometry(frames); err != nil {
		return err
	}
	if fps <= 0 {
		fps = 30
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	bin := e.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first := frames[0]
	cmd := utils.NewSafeCommand(ctx, bin, EncoderArgs(outPath, fps, first.Width, first.Height)...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	for _, f := range frames {
		if _, err := in.Write(f.Pix); err != nil {
			in.Close()
			cmd.Wait()
			return &EncodeError{Err: err, Logs: cmd.Stderr.String()}
		}
		if progress != nil {
			progress()
		}
	}

	in.Close()
	if err := cmd.Wait(); err != nil {
		return &EncodeError{Err: err, Logs: cmd.Stderr.String()}
	}
	return nil
}

// EncodeError carries the encoder's stderr alongside the failure.
type EncodeError struct {
	Err  error
	Logs string
}

func (e *EncodeError) Error() string {
	if e.Logs == "" {
		return fmt.Sprintf("encoder failed: %v", e.Err)
	}
	return fmt.Sprintf("encoder failed: %v: %s", e.Err, e.Logs)
}

func (e *EncodeError) Unwrap() error { return e.Err }
