package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// Server exposes the session orchestrator over HTTP.
type Server struct {
	orch    *session.Orchestrator
	logger  *slog.Logger
	ready   func() bool
	metrics http.Handler
}

// NewServer builds the HTTP surface. ready and metrics may be nil.
func NewServer(orch *session.Orchestrator, logger *slog.Logger, ready func() bool, metrics http.Handler) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		orch:    orch,
		logger:  logger.With(slog.String("component", "http")),
		ready:   ready,
		metrics: metrics,
	}
}

// Routes returns the router with every endpoint mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Post("/upload", s.handleUpload)
	r.Post("/export", s.handleExport)
	r.Post("/feedback", s.handleFeedback)
	r.Post("/reconcile", s.handleReconcile)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleAbandon)
		r.Post("/decisions", s.handleDecisions)
		r.Get("/events", s.handleSessionEvents)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
