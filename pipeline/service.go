package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/equipment-scanner/models"
)

// Service runs decode, detect, normalize, enrich and rank for one image at a
// time. It holds only read-only handles and is safe for concurrent use.
type Service struct {
	detector Detector
	table    Table
	names    map[int]string
	opts     DetectOptions
	timeout  time.Duration
}

// NewService builds a pipeline around an already loaded detector. A timeout
// of zero disables the per-scan deadline.
func NewService(det Detector, table Table, opts DetectOptions, timeout time.Duration) (*Service, error) {
	if det == nil {
		return nil, &StartupError{Op: "build pipeline", Cause: fmt.Errorf("no detector loaded")}
	}
	names := make(map[int]string)
	for id, name := range det.ClassNames() {
		names[id] = name
	}
	return &Service{
		detector: det,
		table:    table,
		names:    names,
		opts:     opts,
		timeout:  timeout,
	}, nil
}

func (s *Service) Options() DetectOptions { return s.opts }

// Scan processes a data URL or bare base64 payload.
func (s *Service) Scan(ctx context.Context, input string, timings *models.ProcessingTimings) (models.ScanResult, error) {
	return s.run(ctx, func() (image.Image, error) { return Decode(input) }, timings)
}

// ScanBytes processes an encoded image buffer that is already binary.
func (s *Service) ScanBytes(ctx context.Context, raw []byte, timings *models.ProcessingTimings) (models.ScanResult, error) {
	return s.run(ctx, func() (image.Image, error) { return DecodeBytes(raw) }, timings)
}

// ScanImage processes a frame that is already decoded.
func (s *Service) ScanImage(ctx context.Context, frame image.Image, timings *models.ProcessingTimings) (models.ScanResult, error) {
	return s.run(ctx, func() (image.Image, error) { return frame, nil }, timings)
}

type outcome struct {
	result  models.ScanResult
	timings models.ProcessingTimings
	err     error
}

func (s *Service) run(ctx context.Context, decode func() (image.Image, error), timings *models.ProcessingTimings) (models.ScanResult, error) {
	if s.timeout <= 0 {
		var t models.ProcessingTimings
		res, err := s.process(ctx, decode, &t)
		copyTimings(timings, t)
		return res, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// The detector call itself cannot be interrupted; the deadline bounds how
	// long the caller waits for it.
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		o.result, o.err = s.process(ctx, decode, &o.timings)
		done <- o
	}()

	select {
	case o := <-done:
		copyTimings(timings, o.timings)
		return o.result, o.err
	case <-ctx.Done():
		if err := ctx.Err(); !errors.Is(err, context.DeadlineExceeded) {
			// the caller went away; not a detector failure
			return models.ScanResult{}, err
		}
		return models.ScanResult{}, &DetectionError{Message: "scan timed out", Cause: ctx.Err()}
	}
}

func (s *Service) process(ctx context.Context, decode func() (image.Image, error), t *models.ProcessingTimings) (models.ScanResult, error) {
	start := time.Now()
	defer func() { t.Total = time.Since(start) }()

	frame, err := decode()
	t.Decode = time.Since(start)
	if err != nil {
		return models.ScanResult{}, err
	}

	inferStart := time.Now()
	candidates, err := detect(ctx, s.detector, frame, s.opts)
	t.Inference = time.Since(inferStart)
	if err != nil {
		return models.ScanResult{}, err
	}

	normStart := time.Now()
	records, err := Normalize(candidates, s.names)
	t.Normalize = time.Since(normStart)
	if err != nil {
		return models.ScanResult{}, &DetectionError{Message: "unexpected detector output", Cause: err}
	}

	enrichStart := time.Now()
	records = enrichAll(records, s.table)
	t.Enrich = time.Since(enrichStart)

	rankStart := time.Now()
	result := Rank(records)
	t.Rank = time.Since(rankStart)

	return result, nil
}

func copyTimings(dst *models.ProcessingTimings, src models.ProcessingTimings) {
	if dst == nil {
		return
	}
	src.RequestID = dst.RequestID
	*dst = src
}
