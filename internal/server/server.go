// Package server exposes the knowledge base over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/llm"
	"github.com/nickcecere/kbase/internal/metrics"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// MaxUploadSize bounds multipart uploads.
	MaxUploadSize int64

	// DefaultK is used when a search request has no k.
	DefaultK int

	// Temperature is passed to answer generation.
	Temperature float64
}

// Server wraps a chi router and the HTTP server.
type Server struct {
	router   chi.Router
	cfg      Config
	kb       *kb.Manager
	ingest   *indexer.Indexer
	qa       *llm.QAService // nil without an LLM
	validate *validator.Validate
}

// New creates a Server with every route registered. qa may be nil, in
// which case /v1/ask answers 501.
func New(cfg Config, mgr *kb.Manager, ing *indexer.Indexer, qa *llm.QAService) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Answers can take as long as the LLM does.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 32 << 20
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}

	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		kb:       mgr,
		ingest:   ing,
		qa:       qa,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents", s.handleAddDocument)
		r.Get("/documents/{docID}", s.handleGetDocument)
		r.Delete("/documents/{docID}", s.handleDeleteDocument)
		r.Post("/search", s.handleSearch)
		r.Post("/ask", s.handleAsk)
		r.Get("/export", s.handleExport)
		r.Get("/history", s.handleHistory)
		r.Get("/stats", s.handleStats)
	})
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	log.Info("HTTP API listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
}

// requestLogger logs every request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
