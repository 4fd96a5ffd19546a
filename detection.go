package main

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/Tutortoise/equipment-scanner/detections"
	"github.com/Tutortoise/equipment-scanner/models"
	"github.com/Tutortoise/equipment-scanner/pipeline"
)

// poolDetector serves pipeline.Detector from a pool of ONNX sessions that all
// run at the same input size.
type poolDetector struct {
	pool  *ModelSessionPool
	names map[int]string
	size  int
}

func newPoolDetector(pool *ModelSessionPool, info *detections.ModelInfo, size int) *poolDetector {
	return &poolDetector{pool: pool, names: info.Names, size: size}
}

func (d *poolDetector) ClassNames() map[int]string { return d.names }

func (d *poolDetector) Detect(ctx context.Context, frame image.Image, opts pipeline.DetectOptions) ([]models.RawCandidate, error) {
	if opts.InferenceSize != 0 && opts.InferenceSize != d.size {
		return nil, fmt.Errorf("sessions run at %d, asked for %d", d.size, opts.InferenceSize)
	}

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := detections.ProcessImage(ctx, frame, session, opts.Confidence)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		d.pool.Discard(session, err)
		return nil, err
	}
	d.pool.Release(session)
	return candidates, err
}
