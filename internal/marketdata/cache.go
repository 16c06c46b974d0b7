// Package marketdata is the single gateway between the engine and its
// upstream data sources. Every read goes through a TTL cache with
// single-flight refresh; last-known-good values are persisted so stale
// reads survive restarts.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/strategos/internal/clients/binance"
	"github.com/aristath/strategos/internal/clients/etfflows"
	"github.com/aristath/strategos/internal/clients/feargreed"
	"github.com/aristath/strategos/internal/clients/fred"
	"github.com/aristath/strategos/internal/clients/miners"
	"github.com/aristath/strategos/internal/clients/mstr"
	"github.com/aristath/strategos/internal/clients/onchain"
	"github.com/aristath/strategos/internal/clients/stablecoin"
	"github.com/aristath/strategos/internal/domain"
)

// fetchTimeout bounds each upstream call
const fetchTimeout = 10 * time.Second

// Source names. Keyed sources take a parameter: ticker_24h(BTCUSDT).
const (
	SourceTicker     = "ticker_24h"
	SourceMacroFRED  = "macro_fred"
	SourceFearGreed  = "fear_greed"
	SourceETFFlows   = "etf_flows"
	SourceOnChain    = "onchain_btc"
	SourceMiners     = "miners"
	SourceStablecoin = "stablecoin_supply"
	SourceMNAV       = "mstr_mnav"
)

// Freshness describes how trustworthy a cached value is
type Freshness string

const (
	// Fresh means the value is within its TTL
	Fresh Freshness = "fresh"
	// Stale means the TTL elapsed and refresh failed; the prior value
	// is served with its age
	Stale Freshness = "stale"
	// Absent means no value was ever obtained
	Absent Freshness = "absent"
)

// Result is the per-key outcome of a cache read
type Result struct {
	Freshness Freshness
	Value     interface{}
	Age       time.Duration
}

// TickerKey builds the cache key for a symbol's 24h ticker
func TickerKey(symbol string) string {
	return fmt.Sprintf("%s(%s)", SourceTicker, symbol)
}

// Providers bundles the upstream clients the cache fronts
type Providers struct {
	Exchange   *binance.Client
	FRED       *fred.Client
	FearGreed  *feargreed.Client
	ETFFlows   *etfflows.Client
	OnChain    *onchain.Client
	Miners     *miners.Client
	Stablecoin *stablecoin.Client
	MNAV       *mstr.Client
}

type source struct {
	ttl    time.Duration
	keyed  bool
	fetch  func(ctx context.Context, param string) (interface{}, error)
	decode func(payload []byte) (interface{}, error)
}

type entry struct {
	value     interface{}
	fetchedAt time.Time
}

// Cache is the process-wide market data cache
type Cache struct {
	sources   map[string]*source
	snapshots *SnapshotRepo
	bars      *BarStore
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	flightMu sync.Mutex
	inflight map[string]chan struct{}
}

// NewCache creates the cache and restores persisted snapshots
func NewCache(providers Providers, snapshots *SnapshotRepo, bars *BarStore, log zerolog.Logger) *Cache {
	c := &Cache{
		snapshots: snapshots,
		bars:      bars,
		log:       log.With().Str("component", "marketdata").Logger(),
		now:       time.Now,
		entries:   make(map[string]entry),
		inflight:  make(map[string]chan struct{}),
	}
	c.sources = buildSources(providers, c)
	c.restore()
	return c
}

func buildSources(p Providers, c *Cache) map[string]*source {
	return map[string]*source{
		SourceTicker: {
			ttl:   60 * time.Second,
			keyed: true,
			fetch: func(ctx context.Context, symbol string) (interface{}, error) {
				return p.Exchange.Ticker(ctx, symbol)
			},
			decode: decodeInto[binance.Ticker24h](),
		},
		SourceMacroFRED: {
			ttl: time.Hour,
			fetch: func(ctx context.Context, _ string) (interface{}, error) {
				return p.FRED.Fetch(ctx)
			},
			decode: decodeInto[fred.Macro](),
		},
		SourceFearGreed: {
			ttl: 5 * time.Minute,
			fetch: func(ctx context.Context, _ string) (interface{}, error) {
				return p.FearGreed.Fetch(ctx)
			},
			decode: decodeInto[feargreed.Index](),
		},
		SourceETFFlows: {
			ttl: 24 * time.Hour,
			fetch: func(ctx context.Context, _ string) (interface{}, error) {
				return p.ETFFlows.Fetch(ctx)
			},
			decode: decodeInto[etfflows.Flows](),
		},
		SourceOnChain: {
			ttl: 5 * time.Minute,
			fetch: func(ctx context.Context, _ string) (interface{}, error) {
				return p.OnChain.Fetch(ctx)
			},
			decode: decodeInto[onchain.Metrics](),
		},
		SourceMiners: {
			ttl: 30 * time.Minute,
			fetch: func(ctx context.Context, _ string) (interface{}, error) {
				return p.Miners.Fetch(ctx)
			},
			decode: decodeInto[miners.Stats](),
		},
		SourceStablecoin: {
			ttl: 10 * time.Minute,
			fetch: func(ctx context.Context, _ string) (interface{}, error) {
				return p.Stablecoin.Fetch(ctx)
			},
			decode: decodeInto[stablecoin.Supply](),
		},
		SourceMNAV: {
			ttl: time.Hour,
			fetch: func(ctx context.Context, _ string) (interface{}, error) {
				btcPrice, ok := c.LastPriceCached("BTCUSDT")
				if !ok {
					res := c.Get(ctx, TickerKey("BTCUSDT"))
					ticker, tok := res.Value.(*binance.Ticker24h)
					if !tok {
						return nil, fmt.Errorf("mNAV needs a BTC price and none is available")
					}
					btcPrice = ticker.LastPrice
				}
				return p.MNAV.NAVRatio(ctx, "MSTR", btcPrice)
			},
			decode: decodeInto[mstr.NAV](),
		},
	}
}

// decodeInto builds a msgpack decoder for one snapshot payload type
func decodeInto[T any]() func([]byte) (interface{}, error) {
	return func(payload []byte) (interface{}, error) {
		var v T
		if err := msgpack.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}

// restore loads persisted snapshots so the first reads after a restart
// can be served Stale instead of Absent.
func (c *Cache) restore() {
	if c.snapshots == nil {
		return
	}
	keys, err := c.snapshots.All()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to list persisted snapshots")
		return
	}
	restored := 0
	for _, key := range keys {
		name, _ := splitKey(key)
		src, ok := c.sources[name]
		if !ok || src.decode == nil {
			continue
		}
		payload, fetchedAt, found, err := c.snapshots.Load(key)
		if err != nil || !found {
			continue
		}
		value, err := src.decode(payload)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Failed to decode persisted snapshot")
			continue
		}
		c.mu.Lock()
		c.entries[key] = entry{value: value, fetchedAt: fetchedAt}
		c.mu.Unlock()
		restored++
	}
	if restored > 0 {
		c.log.Info().Int("count", restored).Msg("Restored market data snapshots")
	}
}

// splitKey separates "name(param)" into name and param
func splitKey(key string) (name, param string) {
	open := strings.IndexByte(key, '(')
	if open < 0 || !strings.HasSuffix(key, ")") {
		return key, ""
	}
	return key[:open], key[open+1 : len(key)-1]
}

// Get returns the value for one key, refreshing it when the TTL elapsed
func (c *Cache) Get(ctx context.Context, key string) Result {
	name, param := splitKey(key)
	src, ok := c.sources[name]
	if !ok {
		c.log.Error().Str("key", key).Msg("Unknown cache source")
		return Result{Freshness: Absent}
	}
	if src.keyed && param == "" {
		c.log.Error().Str("key", key).Msg("Keyed source requires a parameter")
		return Result{Freshness: Absent}
	}

	now := c.now()
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if exists && now.Sub(e.fetchedAt) < src.ttl {
		return Result{Freshness: Fresh, Value: e.value}
	}

	value, err := c.refresh(ctx, key, src, param)
	if err == nil {
		return Result{Freshness: Fresh, Value: value}
	}

	if exists {
		return Result{Freshness: Stale, Value: e.value, Age: now.Sub(e.fetchedAt)}
	}
	return Result{Freshness: Absent}
}

// GetAll fetches a set of keys concurrently
func (c *Cache) GetAll(ctx context.Context, keys []string) map[string]Result {
	results := make(map[string]Result, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, key := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			res := c.Get(ctx, k)
			mu.Lock()
			results[k] = res
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return results
}

// refresh fetches a key with single-flight semantics: concurrent callers
// for the same key share one upstream request.
func (c *Cache) refresh(ctx context.Context, key string, src *source, param string) (interface{}, error) {
	c.flightMu.Lock()
	if ch, inflight := c.inflight[key]; inflight {
		c.flightMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The leader finished; serve whatever it produced
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.now().Sub(e.fetchedAt) < src.ttl {
			return e.value, nil
		}
		return nil, fmt.Errorf("shared refresh for %s failed", key)
	}
	ch := make(chan struct{})
	c.inflight[key] = ch
	c.flightMu.Unlock()

	defer func() {
		c.flightMu.Lock()
		delete(c.inflight, key)
		c.flightMu.Unlock()
		close(ch)
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	value, err := src.fetch(fetchCtx, param)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Upstream fetch failed")
		return nil, err
	}

	c.put(key, value, c.now())
	return value, nil
}

// put stores a value and persists it as the key's snapshot
func (c *Cache) put(key string, value interface{}, fetchedAt time.Time) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, fetchedAt: fetchedAt}
	c.mu.Unlock()

	if c.snapshots == nil {
		return
	}
	payload, err := msgpack.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to encode snapshot")
		return
	}
	if err := c.snapshots.Save(key, fetchedAt, payload); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to persist snapshot")
	}
}

// PutTicker implements the warmer sink: live miniTicker frames land in
// the ticker slot and reset its TTL.
func (c *Cache) PutTicker(symbol string, ticker *binance.Ticker24h) {
	c.put(TickerKey(symbol), ticker, c.now())
}

// LastPriceCached returns the cached last price for a symbol without
// touching the network. Stale values are acceptable; callers needing
// freshness go through Get.
func (c *Cache) LastPriceCached(symbol string) (float64, bool) {
	c.mu.RLock()
	e, ok := c.entries[TickerKey(symbol)]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	ticker, ok := e.value.(*binance.Ticker24h)
	if !ok || ticker.LastPrice <= 0 {
		return 0, false
	}
	return ticker.LastPrice, true
}

// Bars serves OHLCV history through the persistent bar store
func (c *Cache) Bars(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.PriceBar, string, error) {
	return c.bars.Bars(ctx, symbol, tf, limit)
}
