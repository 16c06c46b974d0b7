package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/broker"
	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/evaluators"
	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/marketdata"
	"github.com/aristath/strategos/internal/portfolio"
	"github.com/aristath/strategos/internal/risk"
	"github.com/aristath/strategos/internal/runs"
	"github.com/aristath/strategos/internal/scheduler"
	"github.com/aristath/strategos/internal/strategies"
	dbtest "github.com/aristath/strategos/internal/testing"
)

type stubBroker struct {
	snap         *domain.AccountSnapshot
	breakerClear int
}

func (b *stubBroker) Snapshot() (*domain.AccountSnapshot, error) {
	snap := *b.snap
	return &snap, nil
}

func (b *stubBroker) Execute(context.Context, domain.Order) (*domain.Trade, error) {
	return nil, errors.New("not used")
}

func (b *stubBroker) CloseAll(context.Context, int64, string, string) (*domain.Trade, error) {
	return nil, errors.New("not used")
}

func (b *stubBroker) SetCircuitBreaker(reason string) error {
	b.snap.CircuitBreakerActive = true
	b.snap.CircuitBreakerReason = reason
	return nil
}

func (b *stubBroker) ClearCircuitBreaker() error {
	b.breakerClear++
	b.snap.CircuitBreakerActive = false
	b.snap.CircuitBreakerReason = ""
	return nil
}

type stubMarket struct{}

func (stubMarket) Get(context.Context, string) marketdata.Result {
	return marketdata.Result{Freshness: marketdata.Absent}
}

func (m stubMarket) GetAll(ctx context.Context, keys []string) map[string]marketdata.Result {
	out := make(map[string]marketdata.Result, len(keys))
	for _, k := range keys {
		out[k] = m.Get(ctx, k)
	}
	return out
}

func (stubMarket) Bars(context.Context, string, domain.Timeframe, int) ([]domain.PriceBar, string, error) {
	return nil, "", errors.New("no bars")
}

func (stubMarket) LastPriceCached(string) (float64, bool) { return 100, true }

type stubEvaluator struct{ decision *domain.Decision }

func (stubEvaluator) Type() domain.StrategyType { return domain.StrategyTA }

func (e stubEvaluator) Evaluate(context.Context, *domain.Strategy, *evaluators.Context) (*domain.Decision, *domain.Trace, error) {
	trace := domain.NewTrace()
	trace.Add(domain.StepScore, "stub", nil, map[string]interface{}{"ok": true}, 0)
	return e.decision, trace, nil
}

type testServer struct {
	server    *Server
	broker    *stubBroker
	trades    *broker.TradeRepo
	positions *broker.PositionRepo
	snapshots *portfolio.SnapshotRepo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engineDB, cleanupEngine := dbtest.NewTestDB(t, "engine")
	t.Cleanup(cleanupEngine)
	ledgerDB, cleanupLedger := dbtest.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)

	log := zerolog.Nop()
	bus := events.NewBus(log)
	stub := &stubBroker{snap: &domain.AccountSnapshot{
		Cash: 10_000, Equity: 10_000, EquityHighWaterMark: 10_000,
	}}

	strategyRepo := strategies.NewRepo(engineDB, log)
	runRepo := runs.NewRunRepo(engineDB, log)
	signalRepo := runs.NewSignalRepo(engineDB, log)
	positionRepo := broker.NewPositionRepo(engineDB, log)
	tradeRepo := broker.NewTradeRepo(ledgerDB, log)
	snapshotRepo := portfolio.NewSnapshotRepo(engineDB, log)
	watchlistRepo := marketdata.NewWatchlistRepo(engineDB, log)

	filter := risk.NewFilter(risk.Limits{
		MaxTradeNotionalPct:  50,
		MaxSymbolExposurePct: 100,
		SoftDrawdownPct:      10,
		HardDrawdownPct:      20,
	}, stub, bus, log)

	sched := scheduler.New(scheduler.Deps{
		Strategies: strategyRepo,
		Runs:       runRepo,
		Signals:    signalRepo,
		Evaluators: []evaluators.Evaluator{stubEvaluator{decision: &domain.Decision{
			Action: domain.ActionHold, Conviction: 50, Reason: "neutral",
		}}},
		Market: stubMarket{},
		Broker: stub,
		Risk:   filter,
		Bus:    bus,
	}, time.Second, log)

	srv := New(Deps{
		Strategies: strategyRepo,
		Runs:       runRepo,
		Signals:    signalRepo,
		Broker:     stub,
		Positions:  positionRepo,
		Trades:     tradeRepo,
		Scheduler:  sched,
		Portfolio:  portfolio.NewService(snapshotRepo, stub, log),
		Watchlist:  watchlistRepo,
		Backup:     nil,
		Bus:        bus,
		Databases:  map[string]*database.DB{"engine": engineDB, "ledger": ledgerDB},
		DataDir:    t.TempDir(),
	}, 0, log)

	return &testServer{
		server:    srv,
		broker:    stub,
		trades:    tradeRepo,
		positions: positionRepo,
		snapshots: snapshotRepo,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func taStrategyBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":              name,
		"type":              "TA",
		"symbol":            "BTCUSDT",
		"schedule_interval": 300,
		"parameters":        domain.DefaultTAParams(),
	}
}

func TestHealthReportsDatabases(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", body["status"])
	databases := body["databases"].(map[string]interface{})
	assert.Equal(t, "ok", databases["engine"])
	assert.Equal(t, "ok", databases["ledger"])
}

func TestStrategyCRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/strategies/", taStrategyBody("swing"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[domain.Strategy](t, rec)
	assert.NotZero(t, created.ID)
	assert.Equal(t, domain.StatusActive, created.Status)

	rec = ts.do(t, http.MethodGet, "/api/strategies/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]domain.Strategy](t, rec)
	require.Len(t, listed, 1)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/strategies/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	update := taStrategyBody("swing-4h")
	rec = ts.do(t, http.MethodPut, fmt.Sprintf("/api/strategies/%d", created.ID), update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[domain.Strategy](t, rec)
	assert.Equal(t, "swing-4h", updated.Name)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/strategies/%d", created.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/strategies/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateStrategyRejectsInvalidParameters(t *testing.T) {
	ts := newTestServer(t)

	body := taStrategyBody("broken")
	body["parameters"] = map[string]interface{}{"timeframes": []string{"3m"}}
	rec := ts.do(t, http.MethodPost, "/api/strategies/", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := decodeBody[map[string]string](t, rec)
	assert.NotEmpty(t, errBody["error"])
}

func TestRunNowProducesSignal(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/strategies/", taStrategyBody("swing"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[domain.Strategy](t, rec)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/run", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/signals?strategy_id=%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	signals := decodeBody[[]domain.Signal](t, rec)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.ActionHold, signals[0].Action)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/strategies/%d/runs", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runLogs := decodeBody[[]domain.RunLog](t, rec)
	require.Len(t, runLogs, 1)
	assert.Equal(t, domain.OutcomeOK, runLogs[0].Outcome)

	rec = ts.do(t, http.MethodGet, "/api/runs/"+runLogs[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runBody := decodeBody[map[string]json.RawMessage](t, rec)
	var steps []domain.TraceStep
	require.NoError(t, json.Unmarshal(runBody["trace"], &steps))
	assert.NotEmpty(t, steps)
}

func TestPauseBlocksManualRuns(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/strategies/", taStrategyBody("swing"))
	created := decodeBody[domain.Strategy](t, rec)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/pause", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAUSED", decodeBody[map[string]string](t, rec)["status"])

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/run", created.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/resume", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/stop", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STOPPED", decodeBody[map[string]string](t, rec)["status"])
}

func TestMissingRunReturns404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountAndBreakerReset(t *testing.T) {
	ts := newTestServer(t)
	ts.broker.snap.CircuitBreakerActive = true
	ts.broker.snap.CircuitBreakerReason = "drawdown_hard"

	rec := ts.do(t, http.MethodGet, "/api/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[domain.AccountSnapshot](t, rec)
	assert.Equal(t, 10_000.0, snap.Equity)
	assert.True(t, snap.CircuitBreakerActive)

	rec = ts.do(t, http.MethodPost, "/api/account/circuit-breaker/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.broker.breakerClear)
}

func TestPositionsAndTrades(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.positions.Upsert(&domain.Position{
		Symbol: "BTCUSDT", Amount: 0.02, AverageCost: 95_000,
		OpenedAt: time.Now(), LastUpdatedAt: time.Now(),
	}))
	require.NoError(t, ts.trades.Append(&domain.Trade{
		StrategyID: 1, Symbol: "BTCUSDT", Side: domain.SideBuy,
		Price: 95_000, Amount: 0.02, Value: 1900, Fee: 1.9,
		Reason: "score high", ExecutedAt: time.Now(),
	}))

	rec := ts.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decodeBody[[]domain.Position](t, rec)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)

	rec = ts.do(t, http.MethodGet, "/api/trades?symbol=BTCUSDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trades := decodeBody[[]domain.Trade](t, rec)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideBuy, trades[0].Side)

	rec = ts.do(t, http.MethodGet, "/api/trades?symbol=ETHUSDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestPerformanceEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/portfolio/performance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	now := time.Now()
	require.NoError(t, ts.snapshots.Save(domain.EquitySnapshot{
		TakenAt: now.Add(-24 * time.Hour), Equity: 10_000, Cash: 10_000,
	}))
	require.NoError(t, ts.snapshots.Save(domain.EquitySnapshot{
		TakenAt: now, Equity: 10_200, Cash: 10_200,
	}))

	rec = ts.do(t, http.MethodGet, "/api/portfolio/performance?window_h=48", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	perf := decodeBody[portfolio.Performance](t, rec)
	assert.Equal(t, 2, perf.Samples)
	assert.InDelta(t, 2.0, perf.TotalReturnPct, 1e-9)
}

func TestWatchlistEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/watchlist/", map[string]string{
		"symbol": "ethusdt", "display_name": "Ether",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/watchlist/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	instruments := decodeBody[[]domain.WatchedInstrument](t, rec)
	require.Len(t, instruments, 1)
	assert.Equal(t, "ETHUSDT", instruments[0].Symbol)

	rec = ts.do(t, http.MethodDelete, "/api/watchlist/ETHUSDT", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/watchlist/ETHUSDT", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupUnconfigured(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/system/backup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]interface{}](t, rec)
	assert.Contains(t, body, "uptime_s")
	assert.Contains(t, body, "cpu_percent")
	assert.Contains(t, body, "ram_percent")
	schedulerStats := body["scheduler"].(map[string]interface{})
	assert.Contains(t, schedulerStats, "strategies")
}
