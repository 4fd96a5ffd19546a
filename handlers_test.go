package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"go.viam.com/test"

	"github.com/Tutortoise/equipment-scanner/config"
	"github.com/Tutortoise/equipment-scanner/models"
	"github.com/Tutortoise/equipment-scanner/pipeline"
	"github.com/Tutortoise/equipment-scanner/reference"
)

type stubDetector struct {
	candidates []models.RawCandidate
	err        error
}

func (d *stubDetector) Detect(_ context.Context, _ image.Image, _ pipeline.DetectOptions) ([]models.RawCandidate, error) {
	return d.candidates, d.err
}

func (d *stubDetector) ClassNames() map[int]string {
	return map[int]string{0: "Wrench", 1: "multimeter"}
}

type stubPool struct{}

func (stubPool) GetMetrics() PoolSnapshot { return PoolSnapshot{Size: 2, Live: 2} }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))), test.ShouldBeNil)
	return buf.Bytes()
}

func newTestServer(t *testing.T, det pipeline.Detector) *httptest.Server {
	t.Helper()
	table, err := reference.Parse([]byte(`{"wrench": {"size": "10mm"}}`))
	test.That(t, err, test.ShouldBeNil)

	svc, err := pipeline.NewService(det, table, pipeline.ServiceOptions, 0)
	test.That(t, err, test.ShouldBeNil)

	log, _ := logrustest.NewNullLogger()
	cfg := config.NewDefaultConfig().Server
	cfg.StaticDir = t.TempDir()

	srv := httptest.NewServer(newRouter(&AppState{Scanner: svc, Pool: stubPool{}, Log: log}, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func postScan(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/scan", "application/json", strings.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()

	var out map[string]any
	test.That(t, json.NewDecoder(resp.Body).Decode(&out), test.ShouldBeNil)
	return resp, out
}

func scanBody(image string) string {
	return fmt.Sprintf(`{"image": %q}`, image)
}

func TestHandleScan(t *testing.T) {
	srv := newTestServer(t, &stubDetector{candidates: []models.RawCandidate{
		{ClassID: 1, Confidence: 0.55, X1: 1, Y1: 1, X2: 4, Y2: 4},
		{ClassID: 0, Confidence: 0.9104, X1: 0, Y1: 0, X2: 5, Y2: 6},
	}})

	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	resp, out := postScan(t, srv, scanBody(img))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldEqual, "application/json")
	test.That(t, out["found"], test.ShouldEqual, true)
	test.That(t, out["count"], test.ShouldEqual, 2.0)

	dets := out["detections"].([]any)
	first := dets[0].(map[string]any)
	test.That(t, first["label"], test.ShouldEqual, "Wrench")
	test.That(t, first["confidence"], test.ShouldEqual, 0.91)
	test.That(t, first["details"], test.ShouldResemble, map[string]any{"size": "10mm"})
	test.That(t, first["bbox"], test.ShouldResemble, map[string]any{"x1": 0.0, "y1": 0.0, "x2": 5.0, "y2": 6.0})

	second := dets[1].(map[string]any)
	test.That(t, second["label"], test.ShouldEqual, "multimeter")
	test.That(t, second["details"], test.ShouldBeNil)
}

func TestHandleScanEmpty(t *testing.T) {
	srv := newTestServer(t, &stubDetector{})
	resp, out := postScan(t, srv, scanBody(base64.StdEncoding.EncodeToString(pngBytes(t))))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, out["found"], test.ShouldEqual, false)
	test.That(t, out["detections"], test.ShouldResemble, []any{})
}

func TestHandleScanErrors(t *testing.T) {
	png64 := base64.StdEncoding.EncodeToString(pngBytes(t))

	for _, tc := range []struct {
		name   string
		det    *stubDetector
		body   string
		status int
		code   string
	}{
		{"malformed json", &stubDetector{}, `{"image":`, http.StatusBadRequest, CodeInvalidRequest},
		{"missing image", &stubDetector{}, `{}`, http.StatusBadRequest, CodeInvalidRequest},
		{"bad base64", &stubDetector{}, scanBody("data:image/png;base64,@@@"), http.StatusBadRequest, CodeInvalidImage},
		{"not an image", &stubDetector{}, scanBody(base64.StdEncoding.EncodeToString([]byte("hello"))), http.StatusBadRequest, CodeInvalidImage},
		{"detector failure", &stubDetector{err: errors.New("model unloaded")}, scanBody(png64), http.StatusInternalServerError, CodeDetectionError},
		{"busy", &stubDetector{err: fmt.Errorf("%w: all sessions taken", pipeline.ErrBusy)}, scanBody(png64), http.StatusServiceUnavailable, CodeDetectorBusy},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, tc.det)
			resp, out := postScan(t, srv, tc.body)
			test.That(t, resp.StatusCode, test.ShouldEqual, tc.status)
			test.That(t, out["code"], test.ShouldEqual, tc.code)
			test.That(t, out["message"], test.ShouldNotBeEmpty)
			if tc.status == http.StatusServiceUnavailable {
				test.That(t, resp.Header.Get("Retry-After"), test.ShouldEqual, retryAfter)
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &stubDetector{})

	resp, err := http.Get(srv.URL + "/health")
	test.That(t, err, test.ShouldBeNil)
	var health map[string]string
	test.That(t, json.NewDecoder(resp.Body).Decode(&health), test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, health["status"], test.ShouldEqual, "ok")

	resp, err = http.Get(srv.URL + "/metrics")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	var metrics struct {
		Pool PoolSnapshot `json:"pool"`
	}
	test.That(t, json.NewDecoder(resp.Body).Decode(&metrics), test.ShouldBeNil)
	test.That(t, metrics.Pool.Size, test.ShouldEqual, 2)
}

func TestLiveScanWebSocket(t *testing.T) {
	srv := newTestServer(t, &stubDetector{candidates: []models.RawCandidate{
		{ClassID: 0, Confidence: 0.7, X1: 0, Y1: 0, X2: 2, Y2: 2},
	}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/scan/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	test.That(t, conn.WriteMessage(websocket.BinaryMessage, pngBytes(t)), test.ShouldBeNil)
	var result models.ScanResult
	test.That(t, conn.ReadJSON(&result), test.ShouldBeNil)
	test.That(t, result.Count, test.ShouldEqual, 1)
	test.That(t, result.Detections[0].Label, test.ShouldEqual, "Wrench")

	// a bad frame gets an error reply and the connection stays open
	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("not base64 !")), test.ShouldBeNil)
	var failure ErrorResponse
	test.That(t, conn.ReadJSON(&failure), test.ShouldBeNil)
	test.That(t, failure.Code, test.ShouldEqual, CodeInvalidImage)

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte(dataURL)), test.ShouldBeNil)
	test.That(t, conn.ReadJSON(&result), test.ShouldBeNil)
	test.That(t, result.Found, test.ShouldBeTrue)
}

func TestLiveScanRejectsForeignOrigin(t *testing.T) {
	srv := newTestServer(t, &stubDetector{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/scan/live"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusForbidden)
}

func TestScanErrorMapping(t *testing.T) {
	status, body := scanError(&pipeline.DecodeError{Reason: pipeline.ReasonUnreadableImage})
	test.That(t, status, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, body.Code, test.ShouldEqual, CodeInvalidImage)

	status, _ = scanError(&pipeline.DetectionError{Message: "scan timed out", Cause: context.DeadlineExceeded})
	test.That(t, status, test.ShouldEqual, http.StatusInternalServerError)

	status, body = scanError(context.Canceled)
	test.That(t, status, test.ShouldEqual, statusClientClosedRequest)
	test.That(t, body.Code, test.ShouldEqual, CodeCanceled)

	// a detector that surfaces the caller's cancellation is not a failure either
	status, _ = scanError(&pipeline.DetectionError{Message: "detector call failed", Cause: context.Canceled})
	test.That(t, status, test.ShouldEqual, statusClientClosedRequest)
}
