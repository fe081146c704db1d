package worker

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"mirage/internal/metrics"
)

// DefaultCaptureFPS is the screen-share frame rate.
const DefaultCaptureFPS = 15

const jpegQuality = 75

// FrameSource produces screen frames.
type FrameSource interface {
	Capture() (image.Image, error)
}

// FrameSink receives JPEG-encoded frames.
type FrameSink interface {
	SendVideoFrame(jpeg []byte) error
}

// CaptureLoop grabs a frame every tick and forwards it to sink until ctx is
// cancelled. Per-frame failures are logged and the loop carries on.
func CaptureLoop(ctx context.Context, src FrameSource, sink FrameSink, fps int) error {
	if fps <= 0 {
		fps = DefaultCaptureFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		frame, err := src.Capture()
		if err != nil {
			metrics.CaptureErrors.WithLabelValues("capture").Inc()
			slog.Debug("screen capture failed", "err", err)
			continue
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: jpegQuality}); err != nil {
			metrics.CaptureErrors.WithLabelValues("encode").Inc()
			slog.Debug("frame encode failed", "err", err)
			continue
		}
		if err := sink.SendVideoFrame(bytes.Clone(buf.Bytes())); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.CaptureErrors.WithLabelValues("send").Inc()
			slog.Debug("frame send failed", "err", err)
			continue
		}
		metrics.CaptureFrames.Inc()
	}
}
