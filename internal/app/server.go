package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/contexta-pipeline/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/contexta-pipeline/internal/api/middlewares"
)

// Routes are the handlers and settings the router mounts.
type Routes struct {
	Sources     *handlers.SourceHandler
	Search      *handlers.SearchHandler
	JWTSecret   []byte
	CORSOrigins []string
}

// NewRouter builds and wires all routes. Stage runs can outlast the request
// timeout, so only the read endpoints sit behind it.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(rt.JWTSecret))

		api.Group(func(quick chi.Router) {
			quick.Use(middleware.Timeout(60 * time.Second))
			quick.Post("/sources", rt.Sources.Upload)
			quick.Get("/sources", rt.Sources.List)
			quick.Get("/sources/{id}/status", rt.Sources.Status)
			quick.Get("/sources/{id}/embeddings", rt.Sources.EmbeddingStatus)
			quick.Post("/sources/{id}/retry", rt.Sources.Retry)
			quick.Post("/sources/{id}/cancel", rt.Sources.Cancel)
			quick.Post("/search", rt.Search.Search)
		})

		api.Post("/sources/{id}/process", rt.Sources.Process)
		api.Post("/sources/{id}/embeddings", rt.Sources.Embed)
	})

	return r
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

func NewServer(port string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "server"),
	}
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
