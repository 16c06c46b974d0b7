// Package server provides the admin HTTP surface: strategy CRUD, run
// inspection, account state, portfolio analytics, and the SSE event
// stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/broker"
	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/marketdata"
	"github.com/aristath/strategos/internal/portfolio"
	"github.com/aristath/strategos/internal/reliability"
	"github.com/aristath/strategos/internal/runs"
	"github.com/aristath/strategos/internal/scheduler"
	"github.com/aristath/strategos/internal/strategies"
)

// Deps are the collaborators the HTTP handlers reach into
type Deps struct {
	Strategies *strategies.Repo
	Runs       *runs.RunRepo
	Signals    *runs.SignalRepo
	Broker     broker.Broker
	Positions  *broker.PositionRepo
	Trades     *broker.TradeRepo
	Scheduler  *scheduler.Scheduler
	Portfolio  *portfolio.Service
	Watchlist  *marketdata.WatchlistRepo
	Backup     *reliability.BackupService // nil when backups are disabled
	Bus        *events.Bus
	Databases  map[string]*database.DB
	DataDir    string
}

// Server wraps the chi router and the http.Server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	deps      Deps
	log       zerolog.Logger
	startedAt time.Time
}

// New creates the admin server on the given port
func New(deps Deps, port int, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		log:       log.With().Str("component", "server").Logger(),
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/strategies", func(r chi.Router) {
			r.Get("/", s.handleListStrategies)
			r.Post("/", s.handleCreateStrategy)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetStrategy)
				r.Put("/", s.handleUpdateStrategy)
				r.Delete("/", s.handleDeleteStrategy)
				r.Post("/run", s.handleRunStrategy)
				r.Post("/pause", s.handlePauseStrategy)
				r.Post("/resume", s.handleResumeStrategy)
				r.Post("/stop", s.handleStopStrategy)
				r.Get("/runs", s.handleStrategyRuns)
			})
		})

		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/signals", s.handleSignals)

		r.Get("/account", s.handleAccount)
		r.Post("/account/circuit-breaker/reset", s.handleResetCircuitBreaker)
		r.Get("/positions", s.handlePositions)
		r.Get("/trades", s.handleTrades)

		r.Get("/portfolio/performance", s.handlePerformance)

		r.Route("/watchlist", func(r chi.Router) {
			r.Get("/", s.handleWatchlist)
			r.Post("/", s.handleWatchlistAdd)
			r.Delete("/{symbol}", s.handleWatchlistRemove)
		})

		r.Get("/system/status", s.handleSystemStatus)
		r.Post("/system/backup", s.handleBackup)

		r.Get("/events/stream", s.handleEventStream)
	})
}

// Start blocks on ListenAndServe
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}
