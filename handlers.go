package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/equipment-scanner/config"
	"github.com/Tutortoise/equipment-scanner/models"
	"github.com/Tutortoise/equipment-scanner/pipeline"
)

const (
	maxRequestBytes = 20 << 20
	retryAfter      = "1"

	// statusClientClosedRequest follows the nginx convention for a request
	// the client abandoned before a response was ready.
	statusClientClosedRequest = 499
)

type poolStats interface {
	GetMetrics() PoolSnapshot
}

type AppState struct {
	Scanner *pipeline.Service
	Pool    poolStats
	Log     logrus.FieldLogger
}

type ScanRequest struct {
	Image string `json:"image"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func newRouter(state *AppState, cfg config.ServerConfig) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/scan", state.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/api/scan/live", state.handleLiveScan(cfg.AllowedOrigins)).Methods(http.MethodGet)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	state.addMonitoringRoutes(r)

	if info, err := os.Stat(cfg.StaticDir); err == nil && info.IsDir() {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.StaticDir)))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func newRequestID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func (s *AppState) handleScan(w http.ResponseWriter, r *http.Request) {
	timings := &models.ProcessingTimings{RequestID: newRequestID()}
	log := s.Log.WithField("request_id", timings.RequestID)

	var req ScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		log.WithError(err).Info("rejected scan request")
		sendErrorResponse(w, CodeInvalidRequest, MsgInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Image == "" {
		sendErrorResponse(w, CodeInvalidRequest, MsgInvalidRequest, "", http.StatusBadRequest)
		return
	}

	result, err := s.Scanner.Scan(r.Context(), req.Image, timings)
	if err != nil {
		s.sendScanError(w, log, err)
		return
	}

	logTimings(log, timings, result.Count)
	sendJSON(w, result, http.StatusOK)
}

// scanError maps a pipeline error onto the HTTP status and error body sent
// to the caller.
func scanError(err error) (int, ErrorResponse) {
	var decodeErr *pipeline.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, ErrorResponse{
			Code:    CodeInvalidImage,
			Message: "Failed to decode image: " + decodeErr.Reason,
			Details: decodeErr.Error(),
		}
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusServiceUnavailable, ErrorResponse{Code: CodeDetectorBusy, Message: MsgDetectorBusy}
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, ErrorResponse{Code: CodeCanceled, Message: MsgCanceled}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Code:    CodeDetectionError,
			Message: MsgDetectionFailed,
			Details: err.Error(),
		}
	}
}

func (s *AppState) sendScanError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	status, body := scanError(err)
	switch status {
	case http.StatusBadRequest:
		log.WithError(err).Info("image decode failed")
	case http.StatusServiceUnavailable:
		log.WithError(err).Warn("detector busy")
		w.Header().Set("Retry-After", retryAfter)
	case statusClientClosedRequest:
		log.WithError(err).Info("scan abandoned by client")
	default:
		log.WithError(err).Error("detection failed")
	}
	sendJSON(w, body, status)
}

func (s *AppState) handleLiveScan(allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 16,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.Log.WithError(err).Info("websocket upgrade failed")
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxRequestBytes)

		log := s.Log.WithField("remote", r.RemoteAddr)
		log.Info("live scan connected")

		for {
			kind, message, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Info("live scan connection lost")
				}
				return
			}

			timings := &models.ProcessingTimings{RequestID: newRequestID()}
			frameLog := log.WithField("request_id", timings.RequestID)

			var result models.ScanResult
			switch kind {
			case websocket.BinaryMessage:
				result, err = s.Scanner.ScanBytes(r.Context(), message, timings)
			default:
				result, err = s.Scanner.Scan(r.Context(), string(message), timings)
			}

			var reply any = result
			if err != nil {
				_, body := scanError(err)
				frameLog.WithError(err).Info("live scan frame failed")
				reply = body
			} else {
				logTimings(frameLog, timings, result.Count)
			}

			if err := conn.WriteJSON(reply); err != nil {
				log.WithError(err).Info("live scan write failed")
				return
			}
		}
	}
}

// originChecker allows same-origin requests (no Origin header) and the
// configured origins.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{}
	if s.Pool != nil {
		response["pool"] = s.Pool.GetMetrics()
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			response["rss_bytes"] = mem.RSS
		}
	}
	sendJSON(w, response, http.StatusOK)
}

func logTimings(log logrus.FieldLogger, t *models.ProcessingTimings, count int) {
	log.WithFields(logrus.Fields{
		"count":     count,
		"decode":    t.Decode,
		"inference": t.Inference,
		"normalize": t.Normalize,
		"enrich":    t.Enrich,
		"rank":      t.Rank,
		"total":     t.Total,
	}).Debug("scan processed")
}

func sendJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	sendJSON(w, ErrorResponse{Code: code, Message: message, Details: details}, status)
}
