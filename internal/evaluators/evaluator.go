// Package evaluators turns market data into trading decisions. Each
// strategy kind has one evaluator; evaluators never place orders and
// never mutate the account.
package evaluators

import (
	"context"
	"fmt"

	"github.com/aristath/strategos/internal/clients/binance"
	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/marketdata"
)

// MarketData is the slice of the cache evaluators read from
type MarketData interface {
	Get(ctx context.Context, key string) marketdata.Result
	GetAll(ctx context.Context, keys []string) map[string]marketdata.Result
	Bars(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.PriceBar, string, error)
	LastPriceCached(symbol string) (float64, bool)
}

// Context is the read-only world an evaluator sees for one run
type Context struct {
	Market  MarketData
	Account *domain.AccountSnapshot
}

// TickerPrice resolves the current price for a symbol through the cache.
// Stale values are accepted; Absent is an error.
func (ec *Context) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	res := ec.Market.Get(ctx, marketdata.TickerKey(symbol))
	ticker, ok := res.Value.(*binance.Ticker24h)
	if !ok || ticker.LastPrice <= 0 {
		return 0, fmt.Errorf("no price available for %s", symbol)
	}
	return ticker.LastPrice, nil
}

// Evaluator is one strategy kind's decision engine
type Evaluator interface {
	Type() domain.StrategyType
	Evaluate(ctx context.Context, strategy *domain.Strategy, ec *Context) (*domain.Decision, *domain.Trace, error)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
