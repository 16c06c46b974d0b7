package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aristath/strategos/internal/clients/binance"
	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/marketdata"
)

// fakeMarket implements MarketData from fixed fixtures
type fakeMarket struct {
	results map[string]marketdata.Result
	bars    map[string][]domain.PriceBar
	prices  map[string]float64
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		results: make(map[string]marketdata.Result),
		bars:    make(map[string][]domain.PriceBar),
		prices:  make(map[string]float64),
	}
}

func (f *fakeMarket) Get(_ context.Context, key string) marketdata.Result {
	if res, ok := f.results[key]; ok {
		return res
	}
	for symbol, price := range f.prices {
		if key == marketdata.TickerKey(symbol) {
			return marketdata.Result{
				Freshness: marketdata.Fresh,
				Value:     &binance.Ticker24h{Symbol: symbol, LastPrice: price},
			}
		}
	}
	return marketdata.Result{Freshness: marketdata.Absent}
}

func (f *fakeMarket) GetAll(ctx context.Context, keys []string) map[string]marketdata.Result {
	out := make(map[string]marketdata.Result, len(keys))
	for _, k := range keys {
		out[k] = f.Get(ctx, k)
	}
	return out
}

func (f *fakeMarket) Bars(_ context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.PriceBar, string, error) {
	bars, ok := f.bars[symbol+"|"+string(tf)]
	if !ok {
		return nil, "", fmt.Errorf("no bars fixture for %s %s", symbol, tf)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, marketdata.SourceLocal, nil
}

func (f *fakeMarket) LastPriceCached(symbol string) (float64, bool) {
	p, ok := f.prices[symbol]
	return p, ok
}

func (f *fakeMarket) setBars(symbol string, tf domain.Timeframe, bars []domain.PriceBar) {
	f.bars[symbol+"|"+string(tf)] = bars
}

func (f *fakeMarket) setResult(key string, value interface{}) {
	f.results[key] = marketdata.Result{Freshness: marketdata.Fresh, Value: value}
}

// trendBars builds a deterministic monotone ramp: each bar opens at the
// prior close and moves by step, doubling the slope over the last 40
// bars so the MACD lines are well separated at the end of the series.
func trendBars(n int, start, step float64) []domain.PriceBar {
	bars := make([]domain.PriceBar, n)
	prev := start
	c := start
	for i := range bars {
		s := step
		if i >= n-40 {
			s = 2 * step
		}
		c += s
		bars[i] = domain.PriceBar{
			Symbol:    "BTCUSDT",
			Timeframe: domain.Timeframe4h,
			OpenTime:  int64(i) * 14_400_000,
			Open:      prev,
			High:      math.Max(prev, c) + 1,
			Low:       math.Min(prev, c) - 1,
			Close:     c,
			Volume:    100,
		}
		prev = c
	}
	return bars
}

func testAccount(equity float64) *domain.AccountSnapshot {
	return &domain.AccountSnapshot{Cash: equity, Equity: equity, EquityHighWaterMark: equity}
}

func mustJSON(v interface{}) []byte {
	blob, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return blob
}
