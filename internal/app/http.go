// Package app serves the HTTP trigger, health and metrics endpoints of the indexer.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/metrics"
	"catalogsearch/indexer/internal/tasks"
)

const readyTimeout = 5 * time.Second

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type ServerOptions struct {
	Queue tasks.Enqueuer
	// Checks are pinged by /api/ready, keyed by the name reported in the response.
	Checks         map[string]Pinger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	CORSOrigin     string
	Logger         *zap.Logger
}

type HTTPServer struct {
	queue      tasks.Enqueuer
	checks     map[string]Pinger
	metrics    *metrics.Metrics
	corsOrigin string
	log        *zap.Logger
	router     *mux.Router
}

func NewHTTPServer(opts ServerOptions) *HTTPServer {
	s := &HTTPServer{
		queue:      opts.Queue,
		checks:     opts.Checks,
		metrics:    opts.Metrics,
		corsOrigin: opts.CORSOrigin,
		log:        opts.Logger.With(zap.String("component", "http")),
		router:     mux.NewRouter(),
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/reindex", s.handleReindex).Methods(http.MethodPost)
	api.HandleFunc("/sweep", s.handleSweep).Methods(http.MethodPost)
	api.HandleFunc("/projects/{name}/reindex", s.handleReindexProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{name}", s.handleUnindexProject).Methods(http.MethodDelete)
	s.router.Use(recordRoute)
	if opts.MetricsHandler != nil {
		s.router.Handle("/metrics", opts.MetricsHandler).Methods(http.MethodGet)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, &tasks.Task{Kind: tasks.KindReindex})
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, &tasks.Task{Kind: tasks.KindSweep})
}

func (s *HTTPServer) handleReindexProject(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, &tasks.Task{Kind: tasks.KindReindexProject, Project: mux.Vars(r)["name"]})
}

func (s *HTTPServer) handleUnindexProject(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, &tasks.Task{Kind: tasks.KindUnindexProject, Project: mux.Vars(r)["name"]})
}

// submit queues t and answers 202 with the task.
func (s *HTTPServer) submit(w http.ResponseWriter, r *http.Request, t *tasks.Task) {
	t.Source = tasks.SourceHTTP
	if err := t.Validate(); err != nil {
		s.fail(w, r, invalidTask(err))
		return
	}
	if err := s.queue.Enqueue(r.Context(), t); err != nil {
		s.fail(w, r, fmt.Errorf("enqueue %s: %w", t.Kind, err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": t})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		route := &matchedRoute{template: "unmatched"}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(context.WithValue(ctx, routeKey{}, route))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route.template, strconv.Itoa(writer.status)).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route.template).Observe(elapsed.Seconds())
		}
		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type routeKey struct{}

// matchedRoute carries the path template of the matched route back out to the
// middleware, which sees the request before mux does.
type matchedRoute struct {
	template string
}

func recordRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route, ok := r.Context().Value(routeKey{}).(*matchedRoute); ok {
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route.template = tpl
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func mapError(err error) (status int, code, message string, details any) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status, reqErr.Code, reqErr.Message, reqErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
