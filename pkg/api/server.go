// Package api serves the pipeline over HTTP.
//
// Routes:
//
//	POST /v1/intents                   submit an intent, returns a SubmitResult
//	GET  /v1/runs                      recent runs
//	GET  /v1/runs/{id}/report          final report of a run
//	GET  /v1/runs/{id}/shadow-errors   shadow errors recorded for a run
//	GET  /v1/runs/{id}/events          pipeline events of a run
//	GET  /metrics                      Prometheus metrics
//	GET  /healthz                      store health
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
	"github.com/openfroyo/smartpipeline/pkg/stores"
)

// maxBodyBytes bounds an intent request body.
const maxBodyBytes = 1 << 20

// Pipeline is the part of engine.Service the server exposes.
type Pipeline interface {
	SubmitIntent(ctx context.Context, intent engine.Intent) (*engine.SubmitResult, error)
	GetReport(ctx context.Context, runID string) (*engine.ObserverReport, error)
	ListShadowErrors(ctx context.Context, runID string) ([]engine.ShadowError, error)
}

// History lists stored runs and events.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]stores.RunSummary, error)
	ListEvents(ctx context.Context, runID string) ([]engine.Event, error)
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP front of the pipeline.
type Server struct {
	bind     string
	pipeline Pipeline
	history  History
	metrics  http.Handler
	logger   zerolog.Logger

	listener net.Listener
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the run listing, event and health routes.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "api").Logger() }
}

// NewServer creates a server bound to bind once started.
func NewServer(bind string, pipeline Pipeline, opts ...Option) *Server {
	s := &Server{
		bind:     bind,
		pipeline: pipeline,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the route table. Intent submissions run for as long as the
// pipeline does, so no write timeout is set on the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/intents", s.handleSubmit)
	mux.HandleFunc("GET /v1/runs", s.handleRuns)
	mux.HandleFunc("GET /v1/runs/{id}/report", s.handleReport)
	mux.HandleFunc("GET /v1/runs/{id}/shadow-errors", s.handleShadowErrors)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.logRequests(mux)
}

// Start listens on the bind address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("API server listening")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting briefly for open requests.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var intent engine.Intent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&intent); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid intent: "+err.Error())
		return
	}
	if strings.TrimSpace(intent.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "intent text is required")
		return
	}

	result, err := s.pipeline.SubmitIntent(r.Context(), intent)
	if err != nil {
		s.writeEngineError(w, err, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleShadowErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.pipeline.ListShadowErrors(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	if errs == nil {
		errs = []engine.ShadowError{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"shadow_errors": errs})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history is not available")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []stores.RunSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history is not available")
		return
	}
	events, err := s.history.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []engine.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.history != nil {
		if err := s.history.HealthCheck(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the body of every non-2xx response. Result carries the
// plan and validation when the pipeline failed after planning. Details carry
// help text and suggestions for an intent that resolved to no workflow.
type errorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Result  *engine.SubmitResult   `json:"result,omitempty"`
}

// StatusFor maps a pipeline error to an HTTP status.
func StatusFor(err error) int {
	var ee *engine.EngineError
	switch {
	case engine.IsReadOnly(err):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrRunNotFound):
		return http.StatusNotFound
	case engine.IsAmbiguousIntent(err):
		return http.StatusUnprocessableEntity
	case engine.IsPrerequisite(err):
		return http.StatusPreconditionFailed
	case engine.IsInfrastructure(err), engine.IsTransient(err):
		return http.StatusServiceUnavailable
	case engine.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &ee) && ee.Code == engine.ErrCodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, result *engine.SubmitResult) {
	resp := errorResponse{Error: err.Error(), Result: result}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		resp.Code = ee.Code
		if engine.IsAmbiguousIntent(err) || engine.IsReadOnly(err) {
			resp.Details = ee.Details
		}
	}
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
