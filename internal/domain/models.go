// Package domain provides core domain models and types.
package domain

import (
	"encoding/json"
	"time"
)

// StrategyType identifies which evaluator runs a strategy
type StrategyType string

const (
	StrategyTA    StrategyType = "TA"
	StrategyMacro StrategyType = "MACRO"
	StrategyGrid  StrategyType = "GRID"
)

// Valid reports whether the type is one of the known evaluator kinds
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyTA, StrategyMacro, StrategyGrid:
		return true
	}
	return false
}

// StrategyStatus represents the lifecycle state of a strategy
type StrategyStatus string

const (
	StatusActive  StrategyStatus = "ACTIVE"
	StatusPaused  StrategyStatus = "PAUSED"
	StatusStopped StrategyStatus = "STOPPED"
	StatusError   StrategyStatus = "ERROR"
)

// Side represents the direction of an order or trade
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action represents an evaluator's decision direction
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// RunOutcome classifies how a strategy run ended
type RunOutcome string

const (
	OutcomeOK     RunOutcome = "OK"
	OutcomeVetoed RunOutcome = "VETOED"
	OutcomeFailed RunOutcome = "FAILED"
)

// StepKind classifies a trace step
type StepKind string

const (
	StepFetch   StepKind = "FETCH"
	StepCompute StepKind = "COMPUTE"
	StepScore   StepKind = "SCORE"
	StepLLM     StepKind = "LLM"
	StepOrder   StepKind = "ORDER"
)

// Timeframe is a candle interval recognized by the exchange
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval as a time.Duration
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether the timeframe is recognized
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Strategy is a named trading strategy bound to a symbol
type Strategy struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	Type             StrategyType   `json:"type"`
	Symbol           string         `json:"symbol"`
	Status           StrategyStatus `json:"status"`
	ScheduleInterval int            `json:"schedule_interval"` // seconds
	Parameters       json.RawMessage `json:"parameters"` // opaque JSON, shape defined by Type
	LastRunAt        *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Position is the current holding for one symbol. One row per symbol;
// a position with amount 0 is deleted rather than persisted.
type Position struct {
	Symbol        string    `json:"symbol"`
	Amount        float64   `json:"amount"`
	AverageCost   float64   `json:"average_cost"`
	OpenedAt      time.Time `json:"opened_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`

	// MarketValue is derived, not persisted: snapshots fill it from the
	// cached last price so every consumer values the position the same
	// way equity does.
	MarketValue float64 `json:"market_value"`
}

// Value returns the position value at the given price, falling back to
// average cost when no price is known.
func (p Position) Value(lastPrice float64) float64 {
	if lastPrice > 0 {
		return p.Amount * lastPrice
	}
	return p.Amount * p.AverageCost
}

// CurrentValue returns the market value a snapshot carried for the
// position, falling back to cost basis when no price was known.
func (p Position) CurrentValue() float64 {
	if p.MarketValue > 0 {
		return p.MarketValue
	}
	return p.Amount * p.AverageCost
}

// Trade is one executed order. The ledger is append-only.
type Trade struct {
	ID         int64     `json:"id"`
	StrategyID int64     `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Value      float64   `json:"value"`
	Fee        float64   `json:"fee"`
	Reason     string    `json:"reason"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Signal records an evaluator decision, whether or not it produced a trade
type Signal struct {
	ID            string    `json:"id"`
	StrategyID    int64     `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	Action        Action    `json:"action"`
	Conviction    float64   `json:"conviction"`
	PriceAtSignal float64   `json:"price_at_signal"`
	Reason        string    `json:"reason"`
	RawAnalysis   []byte    `json:"-"` // msgpack blob
	CreatedAt     time.Time `json:"created_at"`
}

// RunLog records one scheduler tick for a strategy
type RunLog struct {
	ID         string     `json:"id"`
	StrategyID int64      `json:"strategy_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    RunOutcome `json:"outcome"`
	Error      string     `json:"error,omitempty"`
}

// TraceStep is one structured step inside a run. Indices are dense and
// 1-based within the run.
type TraceStep struct {
	RunID        string   `json:"run_id"`
	StepIndex    int      `json:"step_index"`
	Kind         StepKind `json:"kind"`
	Label        string   `json:"label"`
	InputDigest  string   `json:"input_digest"`
	OutputDigest string   `json:"output_digest"`
	Details      []byte   `json:"-"` // msgpack blob
	DurationMs   int64    `json:"duration_ms"`
}

// WatchedInstrument is a symbol the cache keeps warm
type WatchedInstrument struct {
	Symbol      string    `json:"symbol"`
	DisplayName string    `json:"display_name"`
	AddedAt     time.Time `json:"added_at"`
}

// PriceBar is one OHLCV candle. Unique on (symbol, timeframe, open_time).
type PriceBar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  int64     `json:"open_time"` // Unix millis, exchange convention
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Account is the singleton paper account row
type Account struct {
	Cash                 float64   `json:"cash"`
	EquityHighWaterMark  float64   `json:"equity_high_water_mark"`
	CircuitBreakerActive bool      `json:"circuit_breaker_active"`
	CircuitBreakerReason string    `json:"circuit_breaker_reason"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AccountSnapshot is a consistent point-in-time view of the account,
// its positions, and derived equity.
type AccountSnapshot struct {
	Cash                 float64    `json:"cash"`
	Equity               float64    `json:"equity"`
	Positions            []Position `json:"positions"`
	EquityHighWaterMark  float64    `json:"equity_high_water_mark"`
	CircuitBreakerActive bool       `json:"circuit_breaker_active"`
	CircuitBreakerReason string     `json:"circuit_breaker_reason"`
}

// PositionFor returns the snapshot position for a symbol, if any
func (s AccountSnapshot) PositionFor(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// EquitySnapshot is a periodic record of account value
type EquitySnapshot struct {
	TakenAt        time.Time `json:"taken_at"`
	Equity         float64   `json:"equity"`
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
}

// Decision is what an evaluator returns. Evaluators never place orders.
type Decision struct {
	Action            Action   `json:"action"`
	Conviction        float64  `json:"conviction"` // 0-100
	SuggestedNotional float64  `json:"suggested_notional"`
	SuggestedAmount   float64  `json:"suggested_amount,omitempty"` // exact lot size, used by grid SELLs
	StopLoss          *float64 `json:"stop_loss,omitempty"`
	TakeProfit        *float64 `json:"take_profit,omitempty"`
	Reason            string   `json:"reason"`
}

// Order is a concrete instruction submitted to the risk filter and broker.
// BUYs are sized by Notional; SELLs by Amount when set, otherwise Notional.
type Order struct {
	StrategyID int64   `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Notional   float64 `json:"notional"`
	Amount     float64 `json:"amount,omitempty"`
	Reason     string  `json:"reason"`
}

// NotionalValue returns the order's notional at the given price
func (o Order) NotionalValue(price float64) float64 {
	if o.Amount > 0 && price > 0 {
		return o.Amount * price
	}
	return o.Notional
}
