// Package scheduler drives strategy execution: every ACTIVE strategy
// gets a cron entry on its own cadence, ticks are serialized per
// strategy, and each tick walks the evaluate → signal → risk → execute
// pipeline, leaving a RunLog with its trace behind.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/strategos/internal/broker"
	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/evaluators"
	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/risk"
	"github.com/aristath/strategos/internal/runs"
	"github.com/aristath/strategos/internal/strategies"
)

// Failure window: three consecutive evaluation failures within this
// span move a strategy to ERROR.
const (
	failureLimit  = 3
	failureWindow = time.Hour
)

// ShutdownReason is recorded on runs interrupted by process shutdown
const ShutdownReason = "shutdown"

// Deps are the collaborators a scheduler needs
type Deps struct {
	Strategies *strategies.Repo
	Runs       *runs.RunRepo
	Signals    *runs.SignalRepo
	Evaluators []evaluators.Evaluator
	Market     evaluators.MarketData
	Broker     broker.Broker
	Risk       *risk.Filter
	Bus        *events.Bus
}

// Scheduler owns the cron instance, the per-strategy registry, and the
// tick procedure.
type Scheduler struct {
	cron       *cron.Cron
	strategies *strategies.Repo
	runs       *runs.RunRepo
	signals    *runs.SignalRepo
	evaluators map[domain.StrategyType]evaluators.Evaluator
	market     evaluators.MarketData
	broker     broker.Broker
	risk       *risk.Filter
	bus        *events.Bus
	log        zerolog.Logger

	grace time.Duration

	mu       sync.Mutex
	entries  map[int64]cron.EntryID
	locks    map[int64]*sync.Mutex
	failures map[int64][]time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. grace bounds how long Stop waits for
// in-flight ticks before cancelling them.
func New(deps Deps, grace time.Duration, log zerolog.Logger) *Scheduler {
	evals := make(map[domain.StrategyType]evaluators.Evaluator, len(deps.Evaluators))
	for _, e := range deps.Evaluators {
		evals[e.Type()] = e
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(),
		strategies: deps.Strategies,
		runs:       deps.Runs,
		signals:    deps.Signals,
		evaluators: evals,
		market:     deps.Market,
		broker:     deps.Broker,
		risk:       deps.Risk,
		bus:        deps.Bus,
		log:        log.With().Str("component", "scheduler").Logger(),
		grace:      grace,
		entries:    make(map[int64]cron.EntryID),
		locks:      make(map[int64]*sync.Mutex),
		failures:   make(map[int64][]time.Time),
		runCtx:     ctx,
		cancel:     cancel,
	}
}

// Start registers every ACTIVE strategy and starts the cron loop
func (s *Scheduler) Start() error {
	active, err := s.strategies.Active()
	if err != nil {
		return fmt.Errorf("failed to load active strategies: %w", err)
	}
	for i := range active {
		if err := s.Register(&active[i]); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.Info().Int("strategies", len(active)).Msg("Scheduler started")
	return nil
}

// Stop drains in-flight ticks, waiting up to the grace period before
// cancelling them. Interrupted runs close FAILED with reason shutdown.
func (s *Scheduler) Stop() {
	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.log.Warn().Dur("grace", s.grace).Msg("Shutdown grace elapsed, cancelling in-flight runs")
		s.cancel()
		<-done
	}
	s.cancel()
	s.log.Info().Msg("Scheduler stopped")
}

// Register adds a cron entry for a strategy. Already-registered
// strategies are rescheduled.
func (s *Scheduler) Register(strategy *domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[strategy.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, strategy.ID)
	}

	id := strategy.ID
	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", strategy.ScheduleInterval), func() {
		s.tick(id)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule strategy %d: %w", strategy.ID, err)
	}
	s.entries[strategy.ID] = entryID
	if _, ok := s.locks[strategy.ID]; !ok {
		s.locks[strategy.ID] = &sync.Mutex{}
	}
	s.log.Info().Int64("strategy_id", strategy.ID).
		Int("interval_s", strategy.ScheduleInterval).Msg("Strategy scheduled")
	return nil
}

// Unregister removes a strategy's cron entry, if any
func (s *Scheduler) Unregister(strategyID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[strategyID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, strategyID)
	}
}

// AddJob registers a background job (equity snapshots, cache warm,
// backups) on the same cron instance.
func (s *Scheduler) AddJob(schedule, name string, fn func() error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := fn(); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.log.Info().Str("job", name).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// StrategyCount returns how many strategies currently hold a cron entry
func (s *Scheduler) StrategyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EntryCount returns the total number of cron entries, background jobs
// included.
func (s *Scheduler) EntryCount() int {
	return len(s.cron.Entries())
}

// RunNow executes one tick synchronously, outside the schedule
func (s *Scheduler) RunNow(strategyID int64) error {
	strategy, err := s.strategies.Get(strategyID)
	if err != nil {
		return err
	}
	if strategy == nil {
		return fmt.Errorf("strategy %d not found", strategyID)
	}
	if strategy.Status != domain.StatusActive {
		return fmt.Errorf("strategy %d is %s, not ACTIVE", strategyID, strategy.Status)
	}

	lock := s.lockFor(strategyID)
	if !lock.TryLock() {
		return fmt.Errorf("strategy %d already has a run in flight", strategyID)
	}
	defer lock.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	s.execute(s.runCtx, strategy)
	return nil
}

// Pause moves an ACTIVE strategy to PAUSED and removes its entry
func (s *Scheduler) Pause(strategyID int64) error {
	return s.transition(strategyID, domain.StatusPaused, "paused by admin",
		domain.StatusActive)
}

// Resume moves a PAUSED or ERROR strategy back to ACTIVE and reschedules it
func (s *Scheduler) Resume(strategyID int64) error {
	strategy, err := s.strategies.Get(strategyID)
	if err != nil {
		return err
	}
	if strategy == nil {
		return fmt.Errorf("strategy %d not found", strategyID)
	}
	if strategy.Status != domain.StatusPaused && strategy.Status != domain.StatusError {
		return fmt.Errorf("cannot resume strategy %d from %s", strategyID, strategy.Status)
	}
	if err := s.strategies.SetStatus(strategyID, domain.StatusActive); err != nil {
		return err
	}
	s.clearFailures(strategyID)
	strategy.Status = domain.StatusActive
	if err := s.Register(strategy); err != nil {
		return err
	}
	s.emitStatus(strategyID, domain.StatusActive, "resumed by admin")
	return nil
}

// StopStrategy moves a strategy to STOPPED and removes its entry
func (s *Scheduler) StopStrategy(strategyID int64) error {
	return s.transition(strategyID, domain.StatusStopped, "stopped by admin",
		domain.StatusActive, domain.StatusPaused, domain.StatusError)
}

// transition flips status when the current one is in from, then
// unschedules and emits.
func (s *Scheduler) transition(strategyID int64, to domain.StrategyStatus, reason string, from ...domain.StrategyStatus) error {
	strategy, err := s.strategies.Get(strategyID)
	if err != nil {
		return err
	}
	if strategy == nil {
		return fmt.Errorf("strategy %d not found", strategyID)
	}
	allowed := false
	for _, st := range from {
		if strategy.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("cannot move strategy %d from %s to %s", strategyID, strategy.Status, to)
	}
	if err := s.strategies.SetStatus(strategyID, to); err != nil {
		return err
	}
	s.Unregister(strategyID)
	s.emitStatus(strategyID, to, reason)
	return nil
}

// tick is the cron entry point: serialize per strategy, skip overlaps
func (s *Scheduler) tick(strategyID int64) {
	lock := s.lockFor(strategyID)
	if !lock.TryLock() {
		s.log.Debug().Int64("strategy_id", strategyID).Msg("Tick skipped, run in flight")
		return
	}
	defer lock.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	strategy, err := s.strategies.Get(strategyID)
	if err != nil {
		s.log.Error().Err(err).Int64("strategy_id", strategyID).Msg("Failed to load strategy")
		return
	}
	if strategy == nil || strategy.Status != domain.StatusActive {
		return
	}
	s.execute(s.runCtx, strategy)
}

// execute walks one run end to end. The caller holds the strategy lock.
func (s *Scheduler) execute(ctx context.Context, strategy *domain.Strategy) {
	eval, ok := s.evaluators[strategy.Type]
	if !ok {
		s.log.Error().Int64("strategy_id", strategy.ID).
			Str("type", string(strategy.Type)).Msg("No evaluator for strategy type")
		return
	}

	runLog := &domain.RunLog{StrategyID: strategy.ID}
	if err := s.runs.Open(runLog); err != nil {
		s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to open run log")
		return
	}

	snap, err := s.broker.Snapshot()
	if err != nil {
		s.closeRun(runLog, nil, domain.OutcomeFailed, fmt.Sprintf("account snapshot: %v", err))
		return
	}

	prevParams := string(strategy.Parameters)
	decision, trace, err := eval.Evaluate(ctx, strategy, &evaluators.Context{
		Market:  s.market,
		Account: snap,
	})
	if err != nil {
		if ctx.Err() != nil {
			s.closeRun(runLog, trace, domain.OutcomeFailed, ShutdownReason)
			return
		}
		s.closeRun(runLog, trace, domain.OutcomeFailed, err.Error())
		s.recordFailure(strategy.ID)
		return
	}
	s.clearFailures(strategy.ID)

	s.persistSignal(strategy, decision)
	if string(strategy.Parameters) != prevParams {
		if err := s.strategies.SaveParameters(strategy.ID, strategy.Type, strategy.Parameters); err != nil {
			s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to save strategy state")
		}
	}
	if err := s.strategies.SetLastRun(strategy.ID, runLog.StartedAt); err != nil {
		s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to stamp last run")
	}

	// A grid that drifted out of its range asks to be paused
	if decision.Reason == evaluators.ReasonGridOutOfRange {
		if err := s.strategies.SetStatus(strategy.ID, domain.StatusPaused); err != nil {
			s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to pause strategy")
		} else {
			s.Unregister(strategy.ID)
			s.emitStatus(strategy.ID, domain.StatusPaused, evaluators.ReasonGridOutOfRange)
		}
		s.closeRun(runLog, trace, domain.OutcomeOK, "")
		return
	}

	order, actionable := orderFrom(strategy, decision)
	if !actionable {
		s.closeRun(runLog, trace, domain.OutcomeOK, "")
		return
	}

	verdict := s.risk.Check(order, snap)
	if !verdict.Allowed {
		trace.Add(domain.StepOrder, "risk_veto",
			orderTraceInput(order),
			map[string]interface{}{"allowed": false, "reason": verdict.Reason, "detail": verdict.Detail},
			0)
		s.closeRun(runLog, trace, domain.OutcomeVetoed, verdict.Reason)
		return
	}

	start := time.Now()
	trade, err := s.broker.Execute(ctx, order)
	if err != nil {
		trace.Add(domain.StepOrder, "execute",
			orderTraceInput(order),
			map[string]interface{}{"error": err.Error()},
			time.Since(start))
		if ctx.Err() != nil {
			s.closeRun(runLog, trace, domain.OutcomeFailed, ShutdownReason)
			return
		}
		// A broker rejection is actionable, unlike most failures: surface
		// it to notification sinks
		s.bus.Emit(events.ExecutionFailed, "scheduler", map[string]interface{}{
			"strategy_id": strategy.ID,
			"symbol":      order.Symbol,
			"side":        string(order.Side),
			"error":       err.Error(),
		})
		s.closeRun(runLog, trace, domain.OutcomeFailed, fmt.Sprintf("execute: %v", err))
		return
	}

	trace.Add(domain.StepOrder, "execute",
		orderTraceInput(order),
		map[string]interface{}{
			"trade_id": trade.ID,
			"price":    trade.Price,
			"amount":   trade.Amount,
			"value":    trade.Value,
			"fee":      trade.Fee,
		},
		time.Since(start))
	s.closeRun(runLog, trace, domain.OutcomeOK, "")
}

// orderFrom translates a decision into an order. HOLDs and zero-sized
// decisions are not actionable.
func orderFrom(strategy *domain.Strategy, decision *domain.Decision) (domain.Order, bool) {
	order := domain.Order{
		StrategyID: strategy.ID,
		Symbol:     strategy.Symbol,
		Reason:     decision.Reason,
	}
	switch decision.Action {
	case domain.ActionBuy:
		if decision.SuggestedNotional <= 0 {
			return order, false
		}
		order.Side = domain.SideBuy
		order.Notional = decision.SuggestedNotional
	case domain.ActionSell:
		if decision.SuggestedAmount <= 0 && decision.SuggestedNotional <= 0 {
			return order, false
		}
		order.Side = domain.SideSell
		order.Amount = decision.SuggestedAmount
		order.Notional = decision.SuggestedNotional
	default:
		return order, false
	}
	return order, true
}

func orderTraceInput(order domain.Order) map[string]interface{} {
	return map[string]interface{}{
		"symbol":   order.Symbol,
		"side":     string(order.Side),
		"notional": order.Notional,
		"amount":   order.Amount,
		"reason":   order.Reason,
	}
}

func (s *Scheduler) persistSignal(strategy *domain.Strategy, decision *domain.Decision) {
	price, _ := s.market.LastPriceCached(strategy.Symbol)
	raw, err := msgpack.Marshal(decision)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode decision")
	}
	signal := &domain.Signal{
		StrategyID:    strategy.ID,
		Symbol:        strategy.Symbol,
		Action:        decision.Action,
		Conviction:    decision.Conviction,
		PriceAtSignal: price,
		Reason:        decision.Reason,
		RawAnalysis:   raw,
	}
	if err := s.signals.Append(signal); err != nil {
		s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to persist signal")
	}
}

func (s *Scheduler) closeRun(runLog *domain.RunLog, trace *domain.Trace, outcome domain.RunOutcome, errMsg string) {
	if trace != nil {
		if err := s.runs.SaveTrace(runLog.ID, trace); err != nil {
			s.log.Error().Err(err).Str("run_id", runLog.ID).Msg("Failed to save trace")
		}
	}
	if err := s.runs.Close(runLog.ID, outcome, errMsg); err != nil {
		s.log.Error().Err(err).Str("run_id", runLog.ID).Msg("Failed to close run")
	}
	s.bus.Emit(events.RunCompleted, "scheduler", map[string]interface{}{
		"run_id":      runLog.ID,
		"strategy_id": runLog.StrategyID,
		"outcome":     string(outcome),
		"error":       errMsg,
	})
}

// recordFailure bumps the strategy's consecutive-failure window and
// moves it to ERROR when the limit is hit within the hour.
func (s *Scheduler) recordFailure(strategyID int64) {
	s.mu.Lock()
	now := time.Now()
	recent := append(s.failures[strategyID], now)
	kept := recent[:0]
	for _, t := range recent {
		if now.Sub(t) <= failureWindow {
			kept = append(kept, t)
		}
	}
	s.failures[strategyID] = kept
	tripped := len(kept) >= failureLimit
	if tripped {
		delete(s.failures, strategyID)
	}
	s.mu.Unlock()

	if !tripped {
		return
	}
	s.log.Error().Int64("strategy_id", strategyID).
		Int("failures", failureLimit).Msg("Strategy moved to ERROR after repeated failures")
	if err := s.strategies.SetStatus(strategyID, domain.StatusError); err != nil {
		s.log.Error().Err(err).Int64("strategy_id", strategyID).Msg("Failed to set ERROR status")
		return
	}
	s.Unregister(strategyID)
	s.emitStatus(strategyID, domain.StatusError, "repeated evaluation failures")
}

func (s *Scheduler) clearFailures(strategyID int64) {
	s.mu.Lock()
	delete(s.failures, strategyID)
	s.mu.Unlock()
}

func (s *Scheduler) lockFor(strategyID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[strategyID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[strategyID] = lock
	}
	return lock
}

func (s *Scheduler) emitStatus(strategyID int64, status domain.StrategyStatus, reason string) {
	s.bus.Emit(events.StrategyStatusChanged, "scheduler", map[string]interface{}{
		"strategy_id": strategyID,
		"status":      string(status),
		"reason":      reason,
	})
}
