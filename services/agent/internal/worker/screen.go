package worker

import (
	"errors"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"
)

// ScreenSource captures a whole display and downscales it to fit within
// width x height, keeping the aspect ratio.
type ScreenSource struct {
	display int
	width   int
	height  int
	bounds  func(display int) image.Rectangle
	grab    func(rect image.Rectangle) (*image.RGBA, error)
}

// NewScreenSource checks that the display exists.
func NewScreenSource(display, width, height int) (*ScreenSource, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, errors.New("no active displays")
	}
	if display < 0 || display >= n {
		return nil, fmt.Errorf("display %d out of range (have %d)", display, n)
	}
	return &ScreenSource{
		display: display,
		width:   width,
		height:  height,
		bounds:  screenshot.GetDisplayBounds,
		grab:    screenshot.CaptureRect,
	}, nil
}

// Capture grabs one frame.
func (s *ScreenSource) Capture() (image.Image, error) {
	rect := s.bounds(s.display)
	if rect.Empty() {
		return nil, errors.New("empty capture region")
	}
	frame, err := s.grab(rect)
	if err != nil {
		return nil, err
	}
	return fitFrame(frame, s.width, s.height), nil
}

// fitFrame scales src down to fit within maxW x maxH. Frames already inside
// the box, or a non-positive box, are returned unchanged.
func fitFrame(src image.Image, maxW, maxH int) image.Image {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if maxW <= 0 || maxH <= 0 || (sw <= maxW && sh <= maxH) {
		return src
	}
	w, h := maxW, sh*maxW/sw
	if h > maxH {
		w, h = sw*maxH/sh, maxH
	}
	dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)
	return dst
}
