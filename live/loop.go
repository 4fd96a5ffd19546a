// Package live runs the pipeline against a camera feed and renders the
// results for display.
package live

import (
	"context"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/equipment-scanner/models"
)

type Scanner interface {
	ScanImage(ctx context.Context, frame image.Image, timings *models.ProcessingTimings) (models.ScanResult, error)
}

type Loop struct {
	Streamer VideoStreamer
	Scanner  Scanner
	Sink     Sink
	Quit     <-chan struct{}
	Log      logrus.FieldLogger
}

// Run processes frames one at a time until q is pressed, ctx ends or the
// stream runs out. A frame that fails detection is shown without boxes.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Streamer.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer l.Streamer.Stop()

	frames := l.Streamer.FrameChan()
	errs := l.Streamer.ErrorChan()
	var n int

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.Quit:
			l.Log.WithField("frames", n).Info("quit requested")
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				return fmt.Errorf("capture: %w", err)
			}
			errs = nil
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return fmt.Errorf("capture: %w", err)
					}
				default:
				}
				l.Log.WithField("frames", n).Info("end of stream")
				return nil
			}
			n++
			if err := l.renderFrame(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) renderFrame(ctx context.Context, frame image.Image) error {
	var timings models.ProcessingTimings
	result, err := l.Scanner.ScanImage(ctx, frame, &timings)
	if err != nil {
		l.Log.WithError(err).Warn("frame detection failed")
	}

	if err := l.Sink.Show(Annotate(frame, result.Detections)); err != nil {
		return fmt.Errorf("show frame: %w", err)
	}
	l.Log.WithFields(logrus.Fields{
		"count":     result.Count,
		"inference": timings.Inference,
		"total":     timings.Total,
	}).Debug("frame rendered")
	return nil
}
