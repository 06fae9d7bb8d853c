// Package api is the orchestrator's HTTP surface: submit/status/signal
// against a running workflow.Engine, plus fetch_capsule and
// fetch_capsule_package for retrieving a finished build. Middleware order
// (outermost to innermost) follows the teacher's documented stack —
// CORS is omitted (this is a service-to-service API, not a browser
// client) so the chain here is Correlation -> Logging -> Recovery ->
// Handler.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/capsulecraft/orchestrator/internal/logging"
	"github.com/capsulecraft/orchestrator/pkg/capsule"
	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/workflow"
)

const headerRequestID = "X-Request-ID"

// Server wires an *http.Server in front of a workflow.Engine.
type Server struct {
	engine *workflow.Engine
	logger corekit.Logger
	mux    *http.ServeMux
	server *http.Server

	readTimeout, writeTimeout, idleTimeout, shutdownTimeout time.Duration
}

// Config carries the subset of internal/config.HTTPConfig the server
// needs, kept separate so this package doesn't import internal/config
// (avoiding an api -> config -> ... import cycle risk as config grows).
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// New builds a Server. It registers routes immediately; call Start to
// bind and serve.
func New(engine *workflow.Engine, logger corekit.ComponentAwareLogger, cfg Config) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Server{
		engine:          engine,
		logger:          logger.WithComponent("api"),
		mux:             http.NewServeMux(),
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		idleTimeout:     cfg.IdleTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/v1/workflows", s.handleSubmit)
	s.mux.HandleFunc("/v1/workflows/", s.handleWorkflowPath)
}

// handler assembles the middleware chain around the mux: Correlation ->
// Logging -> Recovery -> mux, matching the teacher's outermost-to-
// innermost ordering with CORS dropped (see package doc).
func (s *Server) handler() http.Handler {
	var h http.Handler = s.mux
	h = recoveryMiddleware(s.logger)(h)
	h = loggingMiddleware(s.logger)(h)
	h = correlationMiddleware(h)
	return h
}

// Start binds and serves; it blocks until the server stops or errors.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", map[string]interface{}{"addr": s.server.Addr})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

// Stop gracefully shuts the server down within the configured
// shutdown_timeout.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx := ctx
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "healthy"})
}

type submitRequest struct {
	ID          string            `json:"id"`
	Tenant      string            `json:"tenant"`
	User        string            `json:"user"`
	Description string            `json:"description"`
	Constraints map[string]string `json:"constraints"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error("failed to decode submit request", map[string]interface{}{"error": err.Error()})
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	workflowID, err := s.engine.Submit(r.Context(), workflow.Request{
		ID:          req.ID,
		Tenant:      req.Tenant,
		User:        req.User,
		Description: req.Description,
		Constraints: req.Constraints,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{"workflow_id": workflowID})
}

// handleWorkflowPath dispatches /v1/workflows/{id}, /v1/workflows/{id}/signal,
// /v1/workflows/{id}/capsule, and /v1/workflows/{id}/capsule/package.
func (s *Server) handleWorkflowPath(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitWorkflowPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch sub {
	case "":
		s.handleStatus(w, r, id)
	case "signal":
		s.handleSignal(w, r, id)
	case "capsule":
		s.handleFetchCapsule(w, r, id)
	case "capsule/package":
		s.handleFetchCapsulePackage(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.engine.Status(workflowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, status)
}

type signalRequest struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id"`
	Notes  string `json:"notes"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig := workflow.Signal{Kind: workflow.SignalKind(req.Kind), TaskID: req.TaskID, Notes: req.Notes}
	if err := s.engine.Signal(r.Context(), workflowID, sig); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchCapsule(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := s.engine.Capsule(r.Context(), workflowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, c)
}

func (s *Server) handleFetchCapsulePackage(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := capsule.FormatZip
	if f := r.URL.Query().Get("format"); f != "" {
		format = capsule.Format(f)
	}
	c, err := s.engine.Capsule(r.Context(), workflowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := capsule.Package(c, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-v%d.%s", c.ID, c.Version, format))
	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write capsule package", map[string]interface{}{"error": err.Error(), "workflow_id": workflowID})
	}
}

// writeError maps a corekit.ClassifiedError's kind to an HTTP status the
// way the teacher maps handler errors to http.Error, generalized from a
// single 400/500 split to the fuller classification this system carries
// end to end.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ce, ok := err.(*corekit.ClassifiedError); ok {
		switch ce.Kind {
		case corekit.KindPermanent:
			status = http.StatusNotFound
		case corekit.KindThrottle:
			status = http.StatusTooManyRequests
		case corekit.KindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	s.logger.Error("request failed", map[string]interface{}{"error": err.Error()})
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, logger corekit.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// splitWorkflowPath parses /v1/workflows/{id}[/signal|/capsule[/package]].
func splitWorkflowPath(path string) (id, sub string, ok bool) {
	const prefix = "/v1/workflows/"
	if len(path) <= len(prefix) {
		return "", "", false
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return rest, "", true
}

// correlationMiddleware stamps every request with a request id, pulled
// from an inbound X-Request-ID header or generated fresh, and stores it
// in the context for internal/logging to surface on every log line.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(headerRequestID, id)
		ctx := logging.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs a request once it completes, but only when it
// ended with a status of 400 or above or took longer than one second.
func loggingMiddleware(logger corekit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			duration := time.Since(start)
			if sw.status >= 400 || duration > time.Second {
				logger.Info("request handled", map[string]interface{}{
					"method":   r.Method,
					"path":     r.URL.Path,
					"status":   sw.status,
					"duration": duration.String(),
				})
			}
		})
	}
}

// recoveryMiddleware stops a handler panic from taking the whole server
// down, matching the teacher's RecoveryMiddleware.
func recoveryMiddleware(logger corekit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic recovered", map[string]interface{}{
						"panic": fmt.Sprintf("%v", rec),
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					})
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

type noopLogger struct{ corekit.NoOpLogger }

func (noopLogger) WithComponent(string) corekit.Logger { return noopLogger{} }
