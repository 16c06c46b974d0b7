package broker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
	dbtest "github.com/aristath/strategos/internal/testing"
)

type stubPrices struct {
	prices map[string]float64
}

func (s *stubPrices) LastPriceCached(symbol string) (float64, bool) {
	p, ok := s.prices[symbol]
	return p, ok
}

func newTestBroker(t *testing.T, initialCash float64, prices map[string]float64) (*PaperBroker, *events.Bus) {
	t.Helper()

	engineDB, cleanupEngine := dbtest.NewTestDB(t, "engine")
	t.Cleanup(cleanupEngine)
	ledgerDB, cleanupLedger := dbtest.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)

	accounts := NewAccountRepo(engineDB, zerolog.Nop())
	require.NoError(t, accounts.Init(initialCash))
	positions := NewPositionRepo(engineDB, zerolog.Nop())
	trades := NewTradeRepo(ledgerDB, zerolog.Nop())

	bus := events.NewBus(zerolog.Nop())
	b := NewPaperBroker(accounts, positions, trades, &stubPrices{prices: prices}, bus, 10, 5, zerolog.Nop())
	return b, bus
}

func TestBuyAppliesFeeAndSlippage(t *testing.T) {
	b, _ := newTestBroker(t, 10_000, map[string]float64{"BTCUSDT": 100_000})

	trade, err := b.Execute(context.Background(), domain.Order{
		StrategyID: 1, Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 1000, Reason: "test entry",
	})
	require.NoError(t, err)

	// 10 bps fee + 5 bps slippage push the executed price up 0.15%
	assert.InDelta(t, 100_150.0, trade.Price, 1e-6)
	assert.InDelta(t, 1000.0/100_150.0, trade.Amount, 1e-12)
	assert.InDelta(t, trade.Price*trade.Amount*0.001, trade.Fee, 1e-9)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.InDelta(t, 10_000-(trade.Value+trade.Fee), snap.Cash, 1e-9)
	require.Len(t, snap.Positions, 1)
	assert.InDelta(t, trade.Amount, snap.Positions[0].Amount, 1e-12)
	assert.InDelta(t, trade.Price, snap.Positions[0].AverageCost, 1e-9)
	// Snapshot positions are valued at the cached last price
	assert.InDelta(t, trade.Amount*100_000, snap.Positions[0].MarketValue, 1e-9)
}

func TestBuyInsufficientCash(t *testing.T) {
	b, _ := newTestBroker(t, 100, map[string]float64{"BTCUSDT": 100_000})

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 500,
	})
	assert.ErrorIs(t, err, ErrInsufficientCash)

	// Nothing changed
	snap, snapErr := b.Snapshot()
	require.NoError(t, snapErr)
	assert.InDelta(t, 100.0, snap.Cash, 1e-9)
	assert.Empty(t, snap.Positions)
}

func TestSellAppliesFeeAndSlippageDownward(t *testing.T) {
	b, _ := newTestBroker(t, 10_000, map[string]float64{"ETHUSDT": 4_000})

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "ETHUSDT", Side: domain.SideBuy, Notional: 4_000,
	})
	require.NoError(t, err)

	trade, err := b.Execute(context.Background(), domain.Order{
		Symbol: "ETHUSDT", Side: domain.SideSell, Amount: 0.5,
	})
	require.NoError(t, err)
	assert.InDelta(t, 4_000*(1-0.0015), trade.Price, 1e-9)
	assert.InDelta(t, 0.5, trade.Amount, 1e-12)
}

func TestSellSizedFromQuotedPriceClosesFully(t *testing.T) {
	b, _ := newTestBroker(t, 10_000, map[string]float64{"BTCUSDT": 100_000})

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 1000,
	})
	require.NoError(t, err)

	// Selling the amount the notional would have bought at the quoted
	// price overshoots the holding by the fee+slippage haircut. That
	// overshoot clamps to a full close instead of failing.
	sell, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideSell, Amount: 1000.0 / 100_000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1000.0/100_150.0, sell.Amount, 1e-12)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
}

func TestSellMoreThanHeld(t *testing.T) {
	b, _ := newTestBroker(t, 10_000, map[string]float64{"ETHUSDT": 4_000})

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "ETHUSDT", Side: domain.SideBuy, Notional: 400,
	})
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), domain.Order{
		Symbol: "ETHUSDT", Side: domain.SideSell, Amount: 100,
	})
	assert.ErrorIs(t, err, ErrInsufficientHolding)
}

func TestSellWithoutPosition(t *testing.T) {
	b, _ := newTestBroker(t, 10_000, map[string]float64{"ETHUSDT": 4_000})
	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "ETHUSDT", Side: domain.SideSell, Amount: 1,
	})
	assert.ErrorIs(t, err, ErrInsufficientHolding)
}

func TestFullCloseDeletesPosition(t *testing.T) {
	b, _ := newTestBroker(t, 10_000, map[string]float64{"ETHUSDT": 4_000})

	buy, err := b.Execute(context.Background(), domain.Order{
		Symbol: "ETHUSDT", Side: domain.SideBuy, Notional: 1_000,
	})
	require.NoError(t, err)

	sell, err := b.CloseAll(context.Background(), 0, "ETHUSDT", "manual close")
	require.NoError(t, err)
	assert.InDelta(t, buy.Amount, sell.Amount, 1e-12)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)

	// A round trip through fees and slippage always loses money
	assert.Less(t, snap.Cash, 10_000.0)
}

func TestLedgerFailureKeepsAccountConsistent(t *testing.T) {
	engineDB, cleanupEngine := dbtest.NewTestDB(t, "engine")
	t.Cleanup(cleanupEngine)
	ledgerDB, cleanupLedger := dbtest.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)

	accounts := NewAccountRepo(engineDB, zerolog.Nop())
	require.NoError(t, accounts.Init(10_000))
	positions := NewPositionRepo(engineDB, zerolog.Nop())
	trades := NewTradeRepo(ledgerDB, zerolog.Nop())
	b := NewPaperBroker(accounts, positions, trades,
		&stubPrices{prices: map[string]float64{"BTCUSDT": 100_000}},
		events.NewBus(zerolog.Nop()), 10, 5, zerolog.Nop())

	// The fill commits to engine.db before the ledger append runs. With
	// a dead ledger the append fails, but cash and position moved in one
	// transaction and still agree with each other.
	require.NoError(t, ledgerDB.Close())
	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 1000,
	})
	require.Error(t, err)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.InDelta(t, 10_000-pos.Amount*pos.AverageCost*1.001, snap.Cash, 1e-6)
}

func TestBuyAveragesCost(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 100_000}
	b, _ := newTestBroker(t, 50_000, prices)

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 10_000,
	})
	require.NoError(t, err)

	prices["BTCUSDT"] = 120_000
	_, err = b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 10_000,
	})
	require.NoError(t, err)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	avg := snap.Positions[0].AverageCost
	assert.Greater(t, avg, 100_150.0)
	assert.Less(t, avg, 120_180.0)
}

func TestEquityUsesAverageCostWithoutPrice(t *testing.T) {
	prices := map[string]float64{"SOLUSDT": 200}
	b, _ := newTestBroker(t, 10_000, prices)

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "SOLUSDT", Side: domain.SideBuy, Notional: 2_000,
	})
	require.NoError(t, err)

	// Price disappears from the cache; equity falls back to average cost
	delete(prices, "SOLUSDT")
	snap, err := b.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	expected := snap.Cash + snap.Positions[0].Amount*snap.Positions[0].AverageCost
	assert.InDelta(t, expected, snap.Equity, 1e-9)
}

func TestHighWaterMarkRatchets(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 100_000}
	b, _ := newTestBroker(t, 10_000, prices)

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 5_000,
	})
	require.NoError(t, err)

	// Price doubles, then a sell realizes the gain and lifts the HWM
	prices["BTCUSDT"] = 200_000
	_, err = b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideSell, Notional: 2_000,
	})
	require.NoError(t, err)

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Greater(t, snap.EquityHighWaterMark, 10_000.0)

	// A crash never lowers the mark
	prices["BTCUSDT"] = 50_000
	_, err = b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideSell, Notional: 500,
	})
	require.NoError(t, err)

	after, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap.EquityHighWaterMark, after.EquityHighWaterMark)
}

func TestExecuteWithoutPrice(t *testing.T) {
	b, _ := newTestBroker(t, 10_000, map[string]float64{})
	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 100,
	})
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestTradeEmitsEvent(t *testing.T) {
	b, bus := newTestBroker(t, 10_000, map[string]float64{"BTCUSDT": 100_000})

	var got *events.Event
	bus.Subscribe(events.TradeExecuted, func(e *events.Event) { got = e })

	_, err := b.Execute(context.Background(), domain.Order{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 100, Reason: "test",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BTCUSDT", got.Data["symbol"])
	assert.Equal(t, "BUY", got.Data["side"])
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	b, bus := newTestBroker(t, 10_000, map[string]float64{})

	var tripped, reset int
	bus.Subscribe(events.CircuitBreakerTripped, func(*events.Event) { tripped++ })
	bus.Subscribe(events.CircuitBreakerReset, func(*events.Event) { reset++ })

	require.NoError(t, b.SetCircuitBreaker("drawdown_hard"))
	require.NoError(t, b.SetCircuitBreaker("drawdown_hard")) // idempotent

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.CircuitBreakerActive)
	assert.Equal(t, "drawdown_hard", snap.CircuitBreakerReason)
	assert.Equal(t, 1, tripped)

	require.NoError(t, b.ClearCircuitBreaker())
	require.NoError(t, b.ClearCircuitBreaker())

	snap, err = b.Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.CircuitBreakerActive)
	assert.Empty(t, snap.CircuitBreakerReason)
	assert.Equal(t, 1, reset)
}

func TestLiveBrokerNotImplemented(t *testing.T) {
	var b Broker = &LiveBroker{}
	_, err := b.Execute(context.Background(), domain.Order{Symbol: "BTCUSDT", Side: domain.SideBuy, Notional: 1})
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = b.Snapshot()
	assert.ErrorIs(t, err, ErrNotImplemented)
}
