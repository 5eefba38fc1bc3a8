package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/call"
	"github.com/voxlinkhq/voxlink/internal/config"
	"github.com/voxlinkhq/voxlink/internal/device"
	"github.com/voxlinkhq/voxlink/internal/history"
	"github.com/voxlinkhq/voxlink/internal/journal"
	"github.com/voxlinkhq/voxlink/internal/observability"
)

// Server exposes the local control API: call lifecycle, device selection,
// call-context drafting and the call journal. It is meant to listen on
// localhost; there is no auth of its own.
type Server struct {
	cfg     config.Config
	runner  *call.Runner
	devices *device.Manager
	store   journal.Store
	draft   *history.History
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(cfg config.Config, runner *call.Runner, devices *device.Manager, store journal.Store, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		runner:  runner,
		devices: devices,
		store:   store,
		draft:   history.New(cfg.HistoryDepth),
		metrics: metrics,
		log:     log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/call/start", s.handleStartCall)
	r.Post("/v1/call/stop", s.handleStopCall)
	r.Get("/v1/call/status", s.handleCallStatus)
	r.Get("/v1/call/context", s.handleGetContext)
	r.Put("/v1/call/context", s.handlePutContext)
	r.Post("/v1/call/context/undo", s.handleUndoContext)
	r.Post("/v1/call/context/redo", s.handleRedoContext)
	r.Get("/v1/calls/recent", s.handleRecentCalls)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/devices", s.handleListDevices)
	r.Post("/v1/devices/refresh", s.handleRefreshDevices)
	r.Post("/v1/devices/select", s.handleSelectDevice)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"transport": s.cfg.SignalingTransport,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"transport": s.cfg.SignalingTransport,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
