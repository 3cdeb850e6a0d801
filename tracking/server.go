package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const RequestIDKey contextKey = "request_id"

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
}

type RunResponse struct {
	Run
	Metrics []string `json:"metrics"`
}

// Server serves the runs of a Store read-only.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer builds a server for store listening on addr.
func NewServer(addr string, store *Store, logger zerolog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(store, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting tracking server")
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down tracking server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// NewRouter mounts the read-only run endpoints.
func NewRouter(store *Store, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(logger))

	start := time.Now()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", UptimeS: int64(time.Since(start).Seconds())})
	})
	r.Get("/runs", listRunsHandler(store))
	r.Get("/runs/{id}", getRunHandler(store))
	r.Get("/runs/{id}/metrics", metricsHandler(store))
	r.Get("/runs/{id}/artifacts", artifactsHandler(store))
	r.Get("/runs/{id}/artifacts/{artifactID}", artifactFileHandler(store))

	return r
}

func listRunsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := store.Runs(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if runs == nil {
			runs = []Run{}
		}
		WriteJSON(w, http.StatusOK, runs)
	}
}

// lookupRun writes a 404 and returns false when the run does not exist.
func lookupRun(w http.ResponseWriter, r *http.Request, store *Store) (Run, bool) {
	run, err := store.Run(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrRunNotFound):
		WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
		return Run{}, false
	case err != nil:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return Run{}, false
	}
	return run, true
}

func getRunHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(w, r, store)
		if !ok {
			return
		}
		names, err := store.MetricNames(r.Context(), run.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if names == nil {
			names = []string{}
		}
		WriteJSON(w, http.StatusOK, RunResponse{Run: run, Metrics: names})
	}
}

func metricsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(w, r, store)
		if !ok {
			return
		}
		points, err := store.Metrics(r.Context(), run.ID, r.URL.Query().Get("name"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if points == nil {
			points = []Metric{}
		}
		WriteJSON(w, http.StatusOK, points)
	}
}

func artifactsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(w, r, store)
		if !ok {
			return
		}
		arts, err := store.Artifacts(r.Context(), run.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if arts == nil {
			arts = []Artifact{}
		}
		WriteJSON(w, http.StatusOK, arts)
	}
}

// artifactFileHandler streams the rendered sample file.
func artifactFileHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "artifactID"), 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid artifact id", "BAD_REQUEST")
			return
		}
		art, err := store.Artifact(r.Context(), chi.URLParam(r, "id"), id)
		if errors.Is(err, os.ErrNotExist) {
			WriteError(w, http.StatusNotFound, "artifact not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if _, err := os.Stat(art.Path); err != nil {
			WriteError(w, http.StatusNotFound, "artifact file missing", "NOT_FOUND")
			return
		}
		http.ServeFile(w, r, art.Path)
	}
}

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			requestID, _ := r.Context().Value(RequestIDKey).(string)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.status).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("request_id", requestID).
				Msg("http request")
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := r.Context().Value(RequestIDKey).(string)
					logger.Error().Interface("error", err).Str("request_id", requestID).Msg("panic recovered")
					WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware tags each request with a short id.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()[:8]
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, message, code string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteJSON writes data as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
