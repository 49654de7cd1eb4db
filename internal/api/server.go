// Package api exposes the HTTP surface of the impulse decision service.
package api

import (
	"net/http"
	"time"

	"impulseguard/internal/config"
	"impulseguard/internal/index"
	"impulseguard/internal/logging"
	"impulseguard/internal/memory"
	"impulseguard/internal/mutator"
	"impulseguard/internal/pipeline"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server holds the handler dependencies.
type Server struct {
	cfg    *config.Config
	pipe   *pipeline.Pipeline
	store  *memory.Store
	index  *index.Index
	writer *mutator.Mutator
	log    *zap.Logger
}

// NewServer wires the HTTP layer.
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, store *memory.Store, ix *index.Index, writer *mutator.Mutator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, pipe: pipe, store: store, index: ix, writer: writer, log: log}
}

// Routes builds the router with middleware and all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Timeout(s.cfg.GetRequestTimeout()))

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)
	r.Post("/pipeline-analyze", s.handlePipelineAnalyze)
	r.Post("/sync-memory", s.handleSyncMemory)
	r.Post("/update-preferences", s.handleUpdatePreferences)
	r.Post("/reset-memory", s.handleResetMemory)
	r.Post("/consolidate-memory", s.handleConsolidateMemory)

	return r
}

// requestID assigns each request a correlation ID, honoring one supplied by
// the client.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// accessLog emits one structured log line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		id := requestIDFrom(r.Context())
		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
		logging.WithRequestID(logging.CategoryAPI, id).Debug("%s %s -> %d in %v",
			r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
