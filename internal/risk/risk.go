// Package risk gates every order between the evaluators and the broker.
// Checks run in a fixed order and the first failure vetoes the order.
package risk

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

// Veto reasons, stable identifiers recorded on run logs and events
const (
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonTradeCap       = "trade_cap"
	ReasonExposureCap    = "exposure_cap"
	ReasonDrawdownHard   = "drawdown_hard"
	ReasonDrawdownSoft   = "drawdown_soft"
)

// Verdict is the outcome of a risk check
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Limits are the filter thresholds, percentages in [0,100]
type Limits struct {
	MaxTradeNotionalPct  float64
	MaxSymbolExposurePct float64
	SoftDrawdownPct      float64
	HardDrawdownPct      float64
}

// BreakerSetter is the slice of the broker the filter needs to halt
// trading on a hard drawdown.
type BreakerSetter interface {
	SetCircuitBreaker(reason string) error
}

// Filter applies the ordered risk checks
type Filter struct {
	limits  Limits
	breaker BreakerSetter
	bus     *events.Bus
	log     zerolog.Logger
}

// NewFilter creates a risk filter
func NewFilter(limits Limits, breaker BreakerSetter, bus *events.Bus, log zerolog.Logger) *Filter {
	return &Filter{
		limits:  limits,
		breaker: breaker,
		bus:     bus,
		log:     log.With().Str("component", "risk").Logger(),
	}
}

// Check runs the ordered checks against the current account snapshot.
// A hard-drawdown breach trips the circuit breaker as a side effect.
func (f *Filter) Check(order domain.Order, snap *domain.AccountSnapshot) Verdict {
	verdict := f.check(order, snap)
	if !verdict.Allowed {
		f.log.Warn().
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Str("reason", verdict.Reason).
			Str("detail", verdict.Detail).
			Msg("Order vetoed")
		f.bus.Emit(events.RiskVeto, "risk", map[string]interface{}{
			"strategy_id": order.StrategyID,
			"symbol":      order.Symbol,
			"side":        string(order.Side),
			"reason":      verdict.Reason,
			"detail":      verdict.Detail,
		})
	}
	return verdict
}

func (f *Filter) check(order domain.Order, snap *domain.AccountSnapshot) Verdict {
	if snap.CircuitBreakerActive {
		return Verdict{Reason: ReasonCircuitBreaker,
			Detail: fmt.Sprintf("breaker active: %s", snap.CircuitBreakerReason)}
	}

	notional := order.NotionalValue(f.lastPriceFor(order, snap))
	if snap.Equity > 0 && notional > snap.Equity*f.limits.MaxTradeNotionalPct/100 {
		return Verdict{Reason: ReasonTradeCap,
			Detail: fmt.Sprintf("notional %.2f exceeds %.1f%% of equity %.2f",
				notional, f.limits.MaxTradeNotionalPct, snap.Equity)}
	}

	if order.Side == domain.SideBuy && snap.Equity > 0 {
		// The held position is valued at market, the same way equity is;
		// cost basis would let exposure drift under the cap as the price
		// rises.
		var current float64
		if pos, ok := snap.PositionFor(order.Symbol); ok {
			current = pos.CurrentValue()
		}
		projected := (current + notional) / snap.Equity * 100
		if projected > f.limits.MaxSymbolExposurePct {
			return Verdict{Reason: ReasonExposureCap,
				Detail: fmt.Sprintf("projected exposure %.1f%% exceeds %.1f%% cap",
					projected, f.limits.MaxSymbolExposurePct)}
		}
	}

	if snap.EquityHighWaterMark > 0 {
		drawdown := (1 - snap.Equity/snap.EquityHighWaterMark) * 100
		if drawdown >= f.limits.HardDrawdownPct {
			if err := f.breaker.SetCircuitBreaker(ReasonDrawdownHard); err != nil {
				f.log.Error().Err(err).Msg("Failed to trip circuit breaker")
			}
			return Verdict{Reason: ReasonDrawdownHard,
				Detail: fmt.Sprintf("drawdown %.1f%% breaches hard limit %.1f%%",
					drawdown, f.limits.HardDrawdownPct)}
		}
		if drawdown >= f.limits.SoftDrawdownPct && order.Side == domain.SideBuy {
			return Verdict{Reason: ReasonDrawdownSoft,
				Detail: fmt.Sprintf("drawdown %.1f%% breaches soft limit %.1f%%, buys suspended",
					drawdown, f.limits.SoftDrawdownPct)}
		}
	}

	return Verdict{Allowed: true}
}

// lastPriceFor values amount-denominated orders at the position's
// per-unit market value, falling back to average cost when no price is
// known. Notional orders carry their own value.
func (f *Filter) lastPriceFor(order domain.Order, snap *domain.AccountSnapshot) float64 {
	if order.Amount <= 0 {
		return 0
	}
	if pos, ok := snap.PositionFor(order.Symbol); ok && pos.Amount > 0 {
		return pos.CurrentValue() / pos.Amount
	}
	return 0
}
