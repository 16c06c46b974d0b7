package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/evaluators"
	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/marketdata"
	"github.com/aristath/strategos/internal/risk"
	"github.com/aristath/strategos/internal/runs"
	"github.com/aristath/strategos/internal/strategies"
	dbtest "github.com/aristath/strategos/internal/testing"
)

type stubMarket struct{ price float64 }

func (m stubMarket) Get(context.Context, string) marketdata.Result {
	return marketdata.Result{Freshness: marketdata.Absent}
}

func (m stubMarket) GetAll(ctx context.Context, keys []string) map[string]marketdata.Result {
	out := make(map[string]marketdata.Result, len(keys))
	for _, k := range keys {
		out[k] = m.Get(ctx, k)
	}
	return out
}

func (m stubMarket) Bars(context.Context, string, domain.Timeframe, int) ([]domain.PriceBar, string, error) {
	return nil, "", errors.New("no bars")
}

func (m stubMarket) LastPriceCached(string) (float64, bool) {
	return m.price, m.price > 0
}

type fakeBroker struct {
	snap     *domain.AccountSnapshot
	executed []domain.Order
	execErr  error
}

func (b *fakeBroker) Snapshot() (*domain.AccountSnapshot, error) {
	snap := *b.snap
	return &snap, nil
}

func (b *fakeBroker) Execute(_ context.Context, order domain.Order) (*domain.Trade, error) {
	if b.execErr != nil {
		return nil, b.execErr
	}
	b.executed = append(b.executed, order)
	amount := order.Amount
	if amount == 0 {
		amount = order.Notional / 100
	}
	return &domain.Trade{
		ID: int64(len(b.executed)), StrategyID: order.StrategyID, Symbol: order.Symbol,
		Side: order.Side, Price: 100, Amount: amount, Value: amount * 100,
		ExecutedAt: time.Now(),
	}, nil
}

func (b *fakeBroker) CloseAll(context.Context, int64, string, string) (*domain.Trade, error) {
	return nil, errors.New("not used")
}

func (b *fakeBroker) SetCircuitBreaker(reason string) error {
	b.snap.CircuitBreakerActive = true
	b.snap.CircuitBreakerReason = reason
	return nil
}

func (b *fakeBroker) ClearCircuitBreaker() error {
	b.snap.CircuitBreakerActive = false
	b.snap.CircuitBreakerReason = ""
	return nil
}

type fakeEvaluator struct {
	typ      domain.StrategyType
	decision *domain.Decision
	err      error
	calls    int
}

func (f *fakeEvaluator) Type() domain.StrategyType { return f.typ }

func (f *fakeEvaluator) Evaluate(_ context.Context, _ *domain.Strategy, _ *evaluators.Context) (*domain.Decision, *domain.Trace, error) {
	f.calls++
	trace := domain.NewTrace()
	trace.Add(domain.StepScore, "stub", nil, map[string]interface{}{"ok": true}, 0)
	if f.err != nil {
		return nil, trace, f.err
	}
	return f.decision, trace, nil
}

type fixture struct {
	sched      *Scheduler
	strategies *strategies.Repo
	runs       *runs.RunRepo
	signals    *runs.SignalRepo
	broker     *fakeBroker
	captured   *[]*events.Event
}

func newFixture(t *testing.T, eval *fakeEvaluator) *fixture {
	t.Helper()
	db, cleanup := dbtest.NewTestDB(t, "engine")
	t.Cleanup(cleanup)

	log := zerolog.Nop()
	strategyRepo := strategies.NewRepo(db, log)
	runRepo := runs.NewRunRepo(db, log)
	signalRepo := runs.NewSignalRepo(db, log)
	bus := events.NewBus(log)

	captured := &[]*events.Event{}
	for _, typ := range events.AllTypes() {
		bus.Subscribe(typ, func(e *events.Event) { *captured = append(*captured, e) })
	}

	fb := &fakeBroker{snap: &domain.AccountSnapshot{
		Cash: 10_000, Equity: 10_000, EquityHighWaterMark: 10_000,
	}}
	filter := risk.NewFilter(risk.Limits{
		MaxTradeNotionalPct:  50,
		MaxSymbolExposurePct: 100,
		SoftDrawdownPct:      10,
		HardDrawdownPct:      20,
	}, fb, bus, log)

	sched := New(Deps{
		Strategies: strategyRepo,
		Runs:       runRepo,
		Signals:    signalRepo,
		Evaluators: []evaluators.Evaluator{eval},
		Market:     stubMarket{price: 100},
		Broker:     fb,
		Risk:       filter,
		Bus:        bus,
	}, time.Second, log)

	return &fixture{
		sched:      sched,
		strategies: strategyRepo,
		runs:       runRepo,
		signals:    signalRepo,
		broker:     fb,
		captured:   captured,
	}
}

func (f *fixture) createStrategy(t *testing.T, typ domain.StrategyType) *domain.Strategy {
	t.Helper()
	var params interface{}
	switch typ {
	case domain.StrategyGrid:
		params = domain.GridParams{LowerPrice: 100, UpperPrice: 200, GridCount: 4, CapitalPerGrid: 250}
	case domain.StrategyMacro:
		params = domain.DefaultMacroParams()
	default:
		params = domain.DefaultTAParams()
	}
	blob, err := json.Marshal(params)
	require.NoError(t, err)
	s := &domain.Strategy{
		Name: "fixture", Type: typ, Symbol: "BTCUSDT",
		ScheduleInterval: 300, Parameters: blob,
	}
	require.NoError(t, f.strategies.Create(s))
	return s
}

func (f *fixture) eventsOf(typ events.EventType) []*events.Event {
	var out []*events.Event
	for _, e := range *f.captured {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestRunNowExecutesBuy(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, decision: &domain.Decision{
		Action: domain.ActionBuy, Conviction: 72, SuggestedNotional: 1000, Reason: "score high",
	}}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.RunNow(s.ID))
	assert.Equal(t, 1, eval.calls)

	// Order reached the broker
	require.Len(t, f.broker.executed, 1)
	assert.Equal(t, domain.SideBuy, f.broker.executed[0].Side)
	assert.Equal(t, 1000.0, f.broker.executed[0].Notional)

	// Run closed OK with an ORDER trace step
	recent, err := f.runs.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeOK, recent[0].Outcome)
	require.NotNil(t, recent[0].FinishedAt)

	steps, err := f.runs.Steps(recent[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	last := steps[len(steps)-1]
	assert.Equal(t, domain.StepOrder, last.Kind)
	assert.Equal(t, "execute", last.Label)

	// Signal carries the decision and the cached price
	signals, err := f.signals.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.ActionBuy, signals[0].Action)
	assert.Equal(t, 100.0, signals[0].PriceAtSignal)
	assert.NotEmpty(t, signals[0].RawAnalysis)

	// last_run_at stamped
	loaded, err := f.strategies.Get(s.ID)
	require.NoError(t, err)
	assert.NotNil(t, loaded.LastRunAt)

	assert.Len(t, f.eventsOf(events.RunCompleted), 1)
}

func TestRunNowHoldLogsSignalOnly(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, decision: &domain.Decision{
		Action: domain.ActionHold, Conviction: 50, Reason: "neutral",
	}}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.RunNow(s.ID))

	assert.Empty(t, f.broker.executed)
	recent, err := f.runs.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeOK, recent[0].Outcome)

	signals, err := f.signals.Recent(s.ID, 10)
	require.NoError(t, err)
	assert.Len(t, signals, 1)
}

func TestZeroNotionalBuyIsNotActionable(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, decision: &domain.Decision{
		Action: domain.ActionBuy, Conviction: 58, SuggestedNotional: 0, Reason: "weak edge",
	}}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.RunNow(s.ID))
	assert.Empty(t, f.broker.executed)

	recent, err := f.runs.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeOK, recent[0].Outcome)
}

func TestVetoClosesRunVetoed(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, decision: &domain.Decision{
		Action: domain.ActionBuy, Conviction: 90, SuggestedNotional: 6000, Reason: "very confident",
	}}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.RunNow(s.ID))

	assert.Empty(t, f.broker.executed)
	recent, err := f.runs.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeVetoed, recent[0].Outcome)
	assert.Equal(t, risk.ReasonTradeCap, recent[0].Error)

	steps, err := f.runs.Steps(recent[0].ID)
	require.NoError(t, err)
	last := steps[len(steps)-1]
	assert.Equal(t, domain.StepOrder, last.Kind)
	assert.Equal(t, "risk_veto", last.Label)

	assert.Len(t, f.eventsOf(events.RiskVeto), 1)
}

func TestRepeatedFailuresMoveStrategyToError(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, err: errors.New("upstream exploded")}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.RunNow(s.ID))
	require.NoError(t, f.sched.RunNow(s.ID))

	loaded, err := f.strategies.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, loaded.Status)

	require.NoError(t, f.sched.RunNow(s.ID))

	loaded, err = f.strategies.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, loaded.Status)

	recent, err := f.runs.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	for _, run := range recent {
		assert.Equal(t, domain.OutcomeFailed, run.Outcome)
		assert.Equal(t, "upstream exploded", run.Error)
	}

	statusEvents := f.eventsOf(events.StrategyStatusChanged)
	require.Len(t, statusEvents, 1)
	assert.Equal(t, "ERROR", statusEvents[0].Data["status"])

	// ERROR strategies no longer run
	assert.Error(t, f.sched.RunNow(s.ID))
}

func TestSuccessResetsFailureWindow(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, err: errors.New("flaky")}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.RunNow(s.ID))
	require.NoError(t, f.sched.RunNow(s.ID))

	eval.err = nil
	eval.decision = &domain.Decision{Action: domain.ActionHold, Conviction: 50, Reason: "ok"}
	require.NoError(t, f.sched.RunNow(s.ID))

	eval.err = errors.New("flaky")
	require.NoError(t, f.sched.RunNow(s.ID))
	require.NoError(t, f.sched.RunNow(s.ID))

	loaded, err := f.strategies.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, loaded.Status)
}

func TestGridOutOfRangePausesStrategy(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyGrid, decision: &domain.Decision{
		Action: domain.ActionHold, Reason: evaluators.ReasonGridOutOfRange,
	}}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyGrid)

	require.NoError(t, f.sched.RunNow(s.ID))

	loaded, err := f.strategies.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, loaded.Status)

	recent, err := f.runs.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeOK, recent[0].Outcome)

	statusEvents := f.eventsOf(events.StrategyStatusChanged)
	require.Len(t, statusEvents, 1)
	assert.Equal(t, evaluators.ReasonGridOutOfRange, statusEvents[0].Data["reason"])
}

func TestBrokerFailureClosesRunFailed(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, decision: &domain.Decision{
		Action: domain.ActionSell, Conviction: 20, SuggestedNotional: 500, Reason: "exit",
	}}
	f := newFixture(t, eval)
	f.broker.execErr = errors.New("no position in BTCUSDT")
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.RunNow(s.ID))

	recent, err := f.runs.Recent(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeFailed, recent[0].Outcome)
	assert.Contains(t, recent[0].Error, "no position")

	// Broker failures do not count toward the evaluation failure window
	loaded, err := f.strategies.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, loaded.Status)

	// The rejection surfaces to notification sinks
	failures := f.eventsOf(events.ExecutionFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "BTCUSDT", failures[0].Data["symbol"])
	assert.Contains(t, failures[0].Data["error"], "no position")
}

func TestPauseResumeStopTransitions(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, decision: &domain.Decision{
		Action: domain.ActionHold, Conviction: 50, Reason: "ok",
	}}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	require.NoError(t, f.sched.Pause(s.ID))
	loaded, _ := f.strategies.Get(s.ID)
	assert.Equal(t, domain.StatusPaused, loaded.Status)

	// Paused strategies cannot be paused again or run
	assert.Error(t, f.sched.Pause(s.ID))
	assert.Error(t, f.sched.RunNow(s.ID))

	require.NoError(t, f.sched.Resume(s.ID))
	loaded, _ = f.strategies.Get(s.ID)
	assert.Equal(t, domain.StatusActive, loaded.Status)

	require.NoError(t, f.sched.StopStrategy(s.ID))
	loaded, _ = f.strategies.Get(s.ID)
	assert.Equal(t, domain.StatusStopped, loaded.Status)

	// STOPPED is terminal for the scheduler
	assert.Error(t, f.sched.Resume(s.ID))
}

func TestRunNowRejectsConcurrentRun(t *testing.T) {
	eval := &fakeEvaluator{typ: domain.StrategyTA, decision: &domain.Decision{
		Action: domain.ActionHold, Conviction: 50, Reason: "ok",
	}}
	f := newFixture(t, eval)
	s := f.createStrategy(t, domain.StrategyTA)

	lock := f.sched.lockFor(s.ID)
	lock.Lock()
	defer lock.Unlock()
	assert.Error(t, f.sched.RunNow(s.ID))
}

func TestOrderTranslation(t *testing.T) {
	strategy := &domain.Strategy{ID: 7, Symbol: "ETHUSDT"}

	_, ok := orderFrom(strategy, &domain.Decision{Action: domain.ActionHold})
	assert.False(t, ok)

	_, ok = orderFrom(strategy, &domain.Decision{Action: domain.ActionBuy, SuggestedNotional: 0})
	assert.False(t, ok)

	order, ok := orderFrom(strategy, &domain.Decision{
		Action: domain.ActionBuy, SuggestedNotional: 250, Reason: "grid_cross_down",
	})
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, order.Side)
	assert.Equal(t, 250.0, order.Notional)
	assert.Equal(t, "grid_cross_down", order.Reason)

	order, ok = orderFrom(strategy, &domain.Decision{
		Action: domain.ActionSell, SuggestedAmount: 2.1, Reason: "grid_cross_up",
	})
	require.True(t, ok)
	assert.Equal(t, domain.SideSell, order.Side)
	assert.Equal(t, 2.1, order.Amount)

	_, ok = orderFrom(strategy, &domain.Decision{Action: domain.ActionSell})
	assert.False(t, ok)
}
