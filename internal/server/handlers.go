package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/strategos/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	databases := make(map[string]string, len(s.deps.Databases))
	for name, db := range s.deps.Databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			databases[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		databases[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	s.respond(w, status, map[string]interface{}{
		"status":    overall,
		"databases": databases,
	})
}

func (s *Server) strategyID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid strategy id")
	}
	return id, nil
}

// loadStrategy resolves the {id} route param, writing the error
// response itself when the strategy cannot be served.
func (s *Server) loadStrategy(w http.ResponseWriter, r *http.Request) *domain.Strategy {
	id, err := s.strategyID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return nil
	}
	strategy, err := s.deps.Strategies.Get(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return nil
	}
	if strategy == nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("strategy %d not found", id))
		return nil
	}
	return strategy
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Strategies.All()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, all)
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var strategy domain.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strategy); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.deps.Strategies.Create(&strategy); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	// New ACTIVE strategies join the schedule immediately
	if strategy.Status == domain.StatusActive {
		if err := s.deps.Scheduler.Register(&strategy); err != nil {
			s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to schedule strategy")
		}
	}
	s.respond(w, http.StatusCreated, strategy)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	strategy := s.loadStrategy(w, r)
	if strategy == nil {
		return
	}
	s.respond(w, http.StatusOK, strategy)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	existing := s.loadStrategy(w, r)
	if existing == nil {
		return
	}

	var strategy domain.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strategy); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	strategy.ID = existing.ID
	if err := s.deps.Strategies.Update(&strategy); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	// Reschedule in case the interval changed
	if existing.Status == domain.StatusActive {
		strategy.Status = existing.Status
		if err := s.deps.Scheduler.Register(&strategy); err != nil {
			s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to reschedule strategy")
		}
	}
	s.respond(w, http.StatusOK, strategy)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	strategy := s.loadStrategy(w, r)
	if strategy == nil {
		return
	}
	s.deps.Scheduler.Unregister(strategy.ID)
	if err := s.deps.Strategies.Delete(strategy.ID); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleRunStrategy(w http.ResponseWriter, r *http.Request) {
	strategy := s.loadStrategy(w, r)
	if strategy == nil {
		return
	}
	if err := s.deps.Scheduler.RunNow(strategy.ID); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handlePauseStrategy(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.deps.Scheduler.Pause, domain.StatusPaused)
}

func (s *Server) handleResumeStrategy(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.deps.Scheduler.Resume, domain.StatusActive)
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.deps.Scheduler.StopStrategy, domain.StatusStopped)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request,
	fn func(int64) error, to domain.StrategyStatus) {
	strategy := s.loadStrategy(w, r)
	if strategy == nil {
		return
	}
	if err := fn(strategy.ID); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": string(to)})
}

func (s *Server) handleStrategyRuns(w http.ResponseWriter, r *http.Request) {
	strategy := s.loadStrategy(w, r)
	if strategy == nil {
		return
	}
	recent, err := s.deps.Runs.Recent(strategy.ID, queryInt(r, "limit", 0))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, recent)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.deps.Runs.Get(runID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
		return
	}
	steps, err := s.deps.Runs.Steps(runID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"run":   run,
		"trace": steps,
	})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	strategyID, _ := strconv.ParseInt(r.URL.Query().Get("strategy_id"), 10, 64)
	signals, err := s.deps.Signals.Recent(strategyID, queryInt(r, "limit", 0))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, signals)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Broker.Snapshot()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, snap)
}

func (s *Server) handleResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Broker.ClearCircuitBreaker(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Positions.All()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, positions)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Trades.Recent(r.URL.Query().Get("symbol"), queryInt(r, "limit", 0))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, trades)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	windowHours := queryInt(r, "window_h", 30*24)
	perf, err := s.deps.Portfolio.Performance(time.Duration(windowHours) * time.Hour)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusOK, perf)
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.deps.Watchlist.All()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, instruments)
}

func (s *Server) handleWatchlistAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol      string `json:"symbol"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.deps.Watchlist.Add(body.Symbol, body.DisplayName); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) handleWatchlistRemove(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := s.deps.Watchlist.Remove(symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("%s is not watched", symbol))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}
