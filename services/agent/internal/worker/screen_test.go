package worker

import (
	"image"
	"image/color"
	"testing"
)

func splitFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= w/2 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestScreenSourceScalesWholeDisplay(t *testing.T) {
	var grabbed image.Rectangle
	src := &ScreenSource{
		width:  1920,
		height: 1080,
		bounds: func(int) image.Rectangle { return image.Rect(0, 0, 3840, 2160) },
		grab: func(rect image.Rectangle) (*image.RGBA, error) {
			grabbed = rect
			return splitFrame(rect.Dx(), rect.Dy()), nil
		},
	}
	frame, err := src.Capture()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if grabbed != image.Rect(0, 0, 3840, 2160) {
		t.Fatalf("expected full display grabbed, got %v", grabbed)
	}
	if frame.Bounds() != image.Rect(0, 0, 1920, 1080) {
		t.Fatalf("expected 1920x1080 frame, got %v", frame.Bounds())
	}
	if r, _, b, _ := frame.At(1900, 500).RGBA(); b>>8 < 200 || r>>8 > 50 {
		t.Fatalf("expected right half of the display at (1900,500), got r=%d b=%d", r>>8, b>>8)
	}
	if r, _, b, _ := frame.At(20, 500).RGBA(); r>>8 < 200 || b>>8 > 50 {
		t.Fatalf("expected left half of the display at (20,500), got r=%d b=%d", r>>8, b>>8)
	}
}

func TestFitFrameKeepsAspectAndSmallFrames(t *testing.T) {
	small := splitFrame(800, 600)
	if got := fitFrame(small, 1920, 1080); got != image.Image(small) {
		t.Fatalf("expected small frame unchanged")
	}
	tall := fitFrame(splitFrame(1000, 2000), 1920, 1080)
	if tall.Bounds() != image.Rect(0, 0, 540, 1080) {
		t.Fatalf("expected 540x1080, got %v", tall.Bounds())
	}
	if got := fitFrame(small, 0, 0); got != image.Image(small) {
		t.Fatalf("expected unbounded box to keep frame")
	}
}

func TestScreenSourceRejectsEmptyDisplay(t *testing.T) {
	src := &ScreenSource{
		bounds: func(int) image.Rectangle { return image.Rectangle{} },
		grab: func(image.Rectangle) (*image.RGBA, error) {
			t.Fatalf("grab should not run for an empty display")
			return nil, nil
		},
	}
	if _, err := src.Capture(); err == nil {
		t.Fatalf("expected empty display error")
	}
}
