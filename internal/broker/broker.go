// Package broker executes orders against the paper account. All fills
// are simulated from cached last prices with configurable fee and
// slippage; the trade ledger is append-only.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

// Execution errors
var (
	ErrInsufficientCash    = errors.New("insufficient cash")
	ErrInsufficientHolding = errors.New("insufficient holding")
	ErrNoPrice             = errors.New("no price available")
	ErrNotImplemented      = errors.New("not implemented")
)

// closeEpsilon treats residual dust below this amount as a full close
const closeEpsilon = 1e-9

// PriceSource supplies cached last prices. Reads never hit the network:
// the scheduler warms the ticker before any order reaches the broker.
type PriceSource interface {
	LastPriceCached(symbol string) (float64, bool)
}

// Broker is the execution interface shared by paper and live trading
type Broker interface {
	Snapshot() (*domain.AccountSnapshot, error)
	Execute(ctx context.Context, order domain.Order) (*domain.Trade, error)
	CloseAll(ctx context.Context, strategyID int64, symbol, reason string) (*domain.Trade, error)
	SetCircuitBreaker(reason string) error
	ClearCircuitBreaker() error
}

// PaperBroker simulates execution against the singleton account
type PaperBroker struct {
	accounts  *AccountRepo
	positions *PositionRepo
	trades    *TradeRepo
	prices    PriceSource
	bus       *events.Bus
	log       zerolog.Logger

	feeBps      float64
	slippageBps float64

	// mu serializes all mutations; Snapshot takes the read side. No
	// network call happens while the write lock is held.
	mu sync.RWMutex
}

// NewPaperBroker creates a paper broker. Init must have been called on
// the account repository first.
func NewPaperBroker(accounts *AccountRepo, positions *PositionRepo, trades *TradeRepo,
	prices PriceSource, bus *events.Bus, feeBps, slippageBps float64, log zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		accounts:    accounts,
		positions:   positions,
		trades:      trades,
		prices:      prices,
		bus:         bus,
		log:         log.With().Str("component", "paper_broker").Logger(),
		feeBps:      feeBps,
		slippageBps: slippageBps,
	}
}

// Snapshot returns a consistent view of cash, positions, and equity.
// Equity values positions at cached last prices, falling back to average
// cost for symbols without a price.
func (b *PaperBroker) Snapshot() (*domain.AccountSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *PaperBroker) snapshotLocked() (*domain.AccountSnapshot, error) {
	acct, err := b.accounts.Get()
	if err != nil {
		return nil, err
	}
	positions, err := b.positions.All()
	if err != nil {
		return nil, err
	}

	equity := acct.Cash
	for i, p := range positions {
		last, _ := b.prices.LastPriceCached(p.Symbol)
		positions[i].MarketValue = p.Value(last)
		equity += positions[i].MarketValue
	}

	return &domain.AccountSnapshot{
		Cash:                 acct.Cash,
		Equity:               equity,
		Positions:            positions,
		EquityHighWaterMark:  acct.EquityHighWaterMark,
		CircuitBreakerActive: acct.CircuitBreakerActive,
		CircuitBreakerReason: acct.CircuitBreakerReason,
	}, nil
}

// Execute fills an order at the cached last price adjusted for fees and
// slippage, then persists the account, position, and ledger rows.
func (b *PaperBroker) Execute(ctx context.Context, order domain.Order) (*domain.Trade, error) {
	if order.Symbol == "" {
		return nil, fmt.Errorf("order has no symbol")
	}
	if order.Side != domain.SideBuy && order.Side != domain.SideSell {
		return nil, fmt.Errorf("unknown order side %q", order.Side)
	}

	// Price is read before locking so slow upstreams can never stall
	// other writers.
	last, ok := b.prices.LastPriceCached(order.Symbol)
	if !ok || last <= 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoPrice, order.Symbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	acct, err := b.accounts.Get()
	if err != nil {
		return nil, err
	}

	// Cash, position, and high-water mark move together or not at all.
	// The ledger append follows once the fill has committed.
	var trade *domain.Trade
	err = database.WithTransaction(b.accounts.db.Conn(), func(tx *sql.Tx) error {
		var fillErr error
		switch order.Side {
		case domain.SideBuy:
			trade, fillErr = b.executeBuy(tx, acct, order, last)
		case domain.SideSell:
			trade, fillErr = b.executeSell(tx, acct, order, last)
		}
		if fillErr != nil {
			return fillErr
		}

		// Equity moved; ratchet the high-water mark
		positions, posErr := b.positions.AllTx(tx)
		if posErr != nil {
			return posErr
		}
		equity := acct.Cash
		for _, p := range positions {
			lp, _ := b.prices.LastPriceCached(p.Symbol)
			equity += p.Value(lp)
		}
		if equity > acct.EquityHighWaterMark {
			acct.EquityHighWaterMark = equity
		}
		return b.accounts.SaveTx(tx, acct)
	})
	if err != nil {
		return nil, err
	}

	if err := b.trades.Append(trade); err != nil {
		return nil, err
	}

	b.log.Info().
		Str("symbol", trade.Symbol).
		Str("side", string(trade.Side)).
		Float64("price", trade.Price).
		Float64("amount", trade.Amount).
		Float64("fee", trade.Fee).
		Str("reason", trade.Reason).
		Msg("Trade executed")

	b.bus.Emit(events.TradeExecuted, "broker", map[string]interface{}{
		"strategy_id": trade.StrategyID,
		"symbol":      trade.Symbol,
		"side":        string(trade.Side),
		"price":       trade.Price,
		"amount":      trade.Amount,
		"value":       trade.Value,
		"fee":         trade.Fee,
		"reason":      trade.Reason,
	})

	return trade, nil
}

func (b *PaperBroker) executeBuy(tx *sql.Tx, acct *domain.Account, order domain.Order, last float64) (*domain.Trade, error) {
	if order.Notional <= 0 {
		return nil, fmt.Errorf("BUY order needs a positive notional")
	}

	execPrice := last * (1 + (b.feeBps+b.slippageBps)/10000)
	amount := order.Notional / execPrice
	fee := execPrice * amount * b.feeBps / 10000
	cost := execPrice*amount + fee

	if cost > acct.Cash {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, cost, acct.Cash)
	}
	acct.Cash -= cost

	now := time.Now()
	pos, err := b.positions.GetTx(tx, order.Symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &domain.Position{
			Symbol:      order.Symbol,
			Amount:      amount,
			AverageCost: execPrice,
			OpenedAt:    now,
		}
	} else {
		total := pos.Amount + amount
		pos.AverageCost = (pos.Amount*pos.AverageCost + amount*execPrice) / total
		pos.Amount = total
	}
	pos.LastUpdatedAt = now
	if err := b.positions.UpsertTx(tx, pos); err != nil {
		return nil, err
	}

	return &domain.Trade{
		StrategyID: order.StrategyID,
		Symbol:     order.Symbol,
		Side:       domain.SideBuy,
		Price:      execPrice,
		Amount:     amount,
		Value:      execPrice * amount,
		Fee:        fee,
		Reason:     order.Reason,
		ExecutedAt: now,
	}, nil
}

func (b *PaperBroker) executeSell(tx *sql.Tx, acct *domain.Account, order domain.Order, last float64) (*domain.Trade, error) {
	pos, err := b.positions.GetTx(tx, order.Symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Amount <= 0 {
		return nil, fmt.Errorf("%w: no position in %s", ErrInsufficientHolding, order.Symbol)
	}

	execPrice := last * (1 - (b.feeBps+b.slippageBps)/10000)

	amount := order.Amount
	if amount <= 0 {
		if order.Notional <= 0 {
			return nil, fmt.Errorf("SELL order needs an amount or notional")
		}
		amount = order.Notional / execPrice
	}
	// Callers that size sells from pre-fill prices (grid lots, notional
	// conversions) overshoot the holding by at most the buy-side
	// fee+slippage haircut. Treat those as a full close; anything larger
	// really is asking for more than is held.
	tolerance := (b.feeBps+b.slippageBps)/10000 + closeEpsilon
	if amount > pos.Amount*(1+tolerance) {
		return nil, fmt.Errorf("%w: want %v, hold %v in %s",
			ErrInsufficientHolding, amount, pos.Amount, order.Symbol)
	}
	amount = math.Min(amount, pos.Amount)

	fee := execPrice * amount * b.feeBps / 10000
	acct.Cash += execPrice*amount - fee

	now := time.Now()
	pos.Amount -= amount
	pos.LastUpdatedAt = now
	if pos.Amount <= closeEpsilon {
		if err := b.positions.DeleteTx(tx, order.Symbol); err != nil {
			return nil, err
		}
	} else {
		if err := b.positions.UpsertTx(tx, pos); err != nil {
			return nil, err
		}
	}

	return &domain.Trade{
		StrategyID: order.StrategyID,
		Symbol:     order.Symbol,
		Side:       domain.SideSell,
		Price:      execPrice,
		Amount:     amount,
		Value:      execPrice * amount,
		Fee:        fee,
		Reason:     order.Reason,
		ExecutedAt: now,
	}, nil
}

// CloseAll sells the full position in a symbol
func (b *PaperBroker) CloseAll(ctx context.Context, strategyID int64, symbol, reason string) (*domain.Trade, error) {
	pos, err := b.positions.Get(symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Amount <= 0 {
		return nil, fmt.Errorf("%w: no position in %s", ErrInsufficientHolding, symbol)
	}
	return b.Execute(ctx, domain.Order{
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       domain.SideSell,
		Amount:     pos.Amount,
		Reason:     reason,
	})
}

// SetCircuitBreaker marks the account halted. Idempotent.
func (b *PaperBroker) SetCircuitBreaker(reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, err := b.accounts.Get()
	if err != nil {
		return err
	}
	if acct.CircuitBreakerActive {
		return nil
	}
	acct.CircuitBreakerActive = true
	acct.CircuitBreakerReason = reason
	if err := b.accounts.Save(acct); err != nil {
		return err
	}

	b.log.Warn().Str("reason", reason).Msg("Circuit breaker tripped")
	b.bus.Emit(events.CircuitBreakerTripped, "broker", map[string]interface{}{
		"reason": reason,
	})
	return nil
}

// ClearCircuitBreaker re-arms trading. Only the explicit admin reset
// path calls this.
func (b *PaperBroker) ClearCircuitBreaker() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, err := b.accounts.Get()
	if err != nil {
		return err
	}
	if !acct.CircuitBreakerActive {
		return nil
	}
	acct.CircuitBreakerActive = false
	acct.CircuitBreakerReason = ""
	if err := b.accounts.Save(acct); err != nil {
		return err
	}

	b.log.Info().Msg("Circuit breaker reset")
	b.bus.Emit(events.CircuitBreakerReset, "broker", map[string]interface{}{})
	return nil
}

// LiveBroker is a placeholder for real exchange execution. Every
// operation fails until an exchange integration lands.
type LiveBroker struct{}

// Snapshot implements Broker
func (l *LiveBroker) Snapshot() (*domain.AccountSnapshot, error) {
	return nil, fmt.Errorf("live trading: %w", ErrNotImplemented)
}

// Execute implements Broker
func (l *LiveBroker) Execute(ctx context.Context, order domain.Order) (*domain.Trade, error) {
	return nil, fmt.Errorf("live trading: %w", ErrNotImplemented)
}

// CloseAll implements Broker
func (l *LiveBroker) CloseAll(ctx context.Context, strategyID int64, symbol, reason string) (*domain.Trade, error) {
	return nil, fmt.Errorf("live trading: %w", ErrNotImplemented)
}

// SetCircuitBreaker implements Broker
func (l *LiveBroker) SetCircuitBreaker(reason string) error {
	return fmt.Errorf("live trading: %w", ErrNotImplemented)
}

// ClearCircuitBreaker implements Broker
func (l *LiveBroker) ClearCircuitBreaker() error {
	return fmt.Errorf("live trading: %w", ErrNotImplemented)
}
