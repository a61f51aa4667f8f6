// Package httpapi exposes the pipeline's read-only query surface plus
// a minimal admin surface for manual job enqueueing, grounded on the
// teacher's chi+cors HTTP server.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/insiderwatch/pipeline/internal/events"
)

// Config configures the HTTP server.
type Config struct {
	Port       int
	DB         *sql.DB
	Bus        *events.Bus
	AdminToken string

	BenchmarkSymbol        string
	CurrentParseVersion    int
	CurrentOutcomesVersion int
	PromptVersion          string

	Log zerolog.Logger
}

// Server is the pipeline's read-only + admin HTTP API.
type Server struct {
	cfg    Config
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New builds a Server with routes wired but not yet listening.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "httpapi").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // the events stream holds connections open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/tickers", func(r chi.Router) {
		r.Get("/", s.handleListTickers)
		r.Get("/{ticker}/events", s.handleTickerEvents)
		r.Get("/{ticker}/prices", s.handleTickerPrices)
	})
	s.router.Get("/events", s.handleGlobalEvents)
	s.router.Get("/events/{issuerCik}/{ownerKey}/{accessionNumber}", s.handleEventDetail)

	s.router.Route("/admin", func(r chi.Router) {
		r.Get("/metrics", requireAdmin(s.cfg.AdminToken, s.handleAdminMetrics))
		r.Get("/events/stream", requireAdmin(s.cfg.AdminToken, s.handleEventsStream))
		r.Get("/jobs", requireAdmin(s.cfg.AdminToken, s.handleAdminJobs))
		r.Post("/reparse_ticker/{ticker}", requireAdmin(s.cfg.AdminToken, s.handleReparseTicker))
		r.Post("/ingest/accession", requireAdmin(s.cfg.AdminToken, s.handleIngestAccession))
		r.Post("/backfill_ticker/{ticker}", requireAdmin(s.cfg.AdminToken, s.handleBackfillTicker))
		r.Post("/fetch_benchmark_prices", requireAdmin(s.cfg.AdminToken, s.handleFetchBenchmarkPrices))
		r.Post("/event/{issuerCik}/{ownerKey}/{accessionNumber}/regenerate_ai", requireAdmin(s.cfg.AdminToken, s.handleRegenerateAI))
	})
}

// Start begins serving and blocks until the server stops or errors.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting http api")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode json response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
