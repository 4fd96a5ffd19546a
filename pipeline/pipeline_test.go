package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/Tutortoise/equipment-scanner/models"
)

type fakeDetector struct {
	candidates []models.RawCandidate
	names      map[int]string
	err        error
	delay      time.Duration
	calls      int
	lastOpts   DetectOptions
}

func (f *fakeDetector) Detect(ctx context.Context, frame image.Image, opts DetectOptions) ([]models.RawCandidate, error) {
	f.calls++
	f.lastOpts = opts
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.RawCandidate, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

func (f *fakeDetector) ClassNames() map[int]string { return f.names }

type mapTable map[string]any

func (m mapTable) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	return buf.Bytes()
}

func dataURL(t *testing.T) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(encodePNG(t, 16, 12))
}

func TestScanEndToEnd(t *testing.T) {
	det := &fakeDetector{
		names: map[int]string{0: "Wrench", 1: "Hammer"},
		candidates: []models.RawCandidate{
			{ClassID: 1, Confidence: 0.55, X1: 1, Y1: 2, X2: 3, Y2: 4},
			{ClassID: 0, Confidence: 0.91, X1: 5, Y1: 6, X2: 7, Y2: 8},
		},
	}
	table := mapTable{"wrench": map[string]any{"type": "hand tool"}}
	svc, err := NewService(det, table, ServiceOptions, time.Second)
	test.That(t, err, test.ShouldBeNil)

	timings := &models.ProcessingTimings{RequestID: "req-1"}
	res, err := svc.Scan(context.Background(), dataURL(t), timings)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Found, test.ShouldBeTrue)
	test.That(t, res.Count, test.ShouldEqual, 2)
	test.That(t, res.Detections[0].Label, test.ShouldEqual, "Wrench")
	test.That(t, res.Detections[0].Confidence, test.ShouldEqual, 0.91)
	test.That(t, res.Detections[0].Details.Known, test.ShouldBeTrue)
	test.That(t, res.Detections[1].Confidence, test.ShouldEqual, 0.55)
	test.That(t, res.Detections[1].Details.Known, test.ShouldBeFalse)
	test.That(t, det.lastOpts, test.ShouldResemble, ServiceOptions)
	test.That(t, timings.RequestID, test.ShouldEqual, "req-1")
	test.That(t, timings.Total > 0, test.ShouldBeTrue)
}

func TestScanIsIdempotent(t *testing.T) {
	det := &fakeDetector{
		names: map[int]string{0: "wrench"},
		candidates: []models.RawCandidate{
			{ClassID: 0, Confidence: 0.7, X2: 10, Y2: 10},
			{ClassID: 3, Confidence: 0.7, X2: 5, Y2: 5},
		},
	}
	svc, err := NewService(det, mapTable{"wrench": "x"}, ServiceOptions, 0)
	test.That(t, err, test.ShouldBeNil)

	input := dataURL(t)
	first, err := svc.Scan(context.Background(), input, nil)
	test.That(t, err, test.ShouldBeNil)
	second, err := svc.Scan(context.Background(), input, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldResemble, first)
	test.That(t, first.Detections[1].Label, test.ShouldEqual, "class_3")
}

func TestScanNoDetections(t *testing.T) {
	svc, err := NewService(&fakeDetector{}, mapTable{}, ServiceOptions, 0)
	test.That(t, err, test.ShouldBeNil)

	res, err := svc.ScanBytes(context.Background(), encodePNG(t, 4, 4), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Found, test.ShouldBeFalse)
	test.That(t, res.Count, test.ShouldEqual, 0)
	test.That(t, res.Detections, test.ShouldNotBeNil)
	test.That(t, res.Detections, test.ShouldHaveLength, 0)
}

func TestScanDecodeFailureSkipsDetector(t *testing.T) {
	det := &fakeDetector{}
	svc, err := NewService(det, nil, ServiceOptions, 0)
	test.That(t, err, test.ShouldBeNil)

	_, err = svc.Scan(context.Background(), "not-base64!!", nil)
	test.That(t, IsDecodeError(err), test.ShouldBeTrue)
	test.That(t, det.calls, test.ShouldEqual, 0)
}

func TestScanDetectorFailure(t *testing.T) {
	svc, err := NewService(&fakeDetector{err: errors.New("session run failed")}, nil, ServiceOptions, 0)
	test.That(t, err, test.ShouldBeNil)

	_, err = svc.Scan(context.Background(), dataURL(t), nil)
	test.That(t, IsDetectionError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "session run failed")
}

func TestScanBusyIsNotDetectionError(t *testing.T) {
	busy := &fakeDetector{err: ErrBusy}
	svc, err := NewService(busy, nil, ServiceOptions, 0)
	test.That(t, err, test.ShouldBeNil)

	_, err = svc.Scan(context.Background(), dataURL(t), nil)
	test.That(t, errors.Is(err, ErrBusy), test.ShouldBeTrue)
	test.That(t, IsDetectionError(err), test.ShouldBeFalse)
}

func TestScanTimeout(t *testing.T) {
	slow := &fakeDetector{delay: 200 * time.Millisecond}
	svc, err := NewService(slow, nil, ServiceOptions, 20*time.Millisecond)
	test.That(t, err, test.ShouldBeNil)

	_, err = svc.Scan(context.Background(), dataURL(t), nil)
	test.That(t, IsDetectionError(err), test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
}

func TestScanCallerCancelIsNotTimeout(t *testing.T) {
	slow := &fakeDetector{delay: 200 * time.Millisecond}
	svc, err := NewService(slow, nil, ServiceOptions, time.Second)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err = svc.Scan(ctx, dataURL(t), nil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, IsDetectionError(err), test.ShouldBeFalse)
}

func TestScanMalformedDetectorOutput(t *testing.T) {
	det := &fakeDetector{candidates: []models.RawCandidate{{Confidence: 1.5}}}
	svc, err := NewService(det, nil, ServiceOptions, 0)
	test.That(t, err, test.ShouldBeNil)

	_, err = svc.Scan(context.Background(), dataURL(t), nil)
	test.That(t, IsDetectionError(err), test.ShouldBeTrue)
}

func TestNewServiceWithoutDetector(t *testing.T) {
	_, err := NewService(nil, nil, ServiceOptions, 0)
	var se *StartupError
	test.That(t, errors.As(err, &se), test.ShouldBeTrue)
}
