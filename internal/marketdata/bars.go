package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
)

const (
	// maxBackfillBars caps the initial provider history fetch
	maxBackfillBars = 1000

	// barsTTL is how long the local tail is trusted before checking the
	// provider for newer bars
	barsTTL = 15 * time.Minute
)

// Bar response source markers
const (
	SourceLocal        = "local"
	SourceProviderLive = "provider_live"
)

// KlineFetcher is the provider side of the bar store
type KlineFetcher interface {
	Klines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.PriceBar, error)
	KlinesSince(ctx context.Context, symbol string, tf domain.Timeframe, after int64, limit int) ([]domain.PriceBar, error)
}

// BarStore serves OHLCV history from cache.db, backfilling incrementally
// from the provider. First request for a (symbol, timeframe) pulls full
// history; later requests only fetch bars newer than the highest stored
// open_time.
type BarStore struct {
	db      *database.DB
	fetcher KlineFetcher
	log     zerolog.Logger

	// lastSync tracks when each (symbol, timeframe) tail was last
	// refreshed, so hot paths skip the provider entirely.
	mu       sync.Mutex
	lastSync map[string]time.Time
	now      func() time.Time
}

// NewBarStore creates a bar store over cache.db
func NewBarStore(db *database.DB, fetcher KlineFetcher, log zerolog.Logger) *BarStore {
	return &BarStore{
		db:       db,
		fetcher:  fetcher,
		log:      log.With().Str("component", "bar_store").Logger(),
		lastSync: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Bars returns up to limit most recent bars, oldest first, with a marker
// describing where they came from. Provider failures fall back to
// whatever the local store holds.
func (s *BarStore) Bars(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.PriceBar, string, error) {
	if limit <= 0 || limit > maxBackfillBars {
		limit = maxBackfillBars
	}

	syncKey := symbol + "|" + string(tf)
	highest, err := s.highestOpenTime(symbol, tf)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	stale := s.now().Sub(s.lastSync[syncKey]) >= barsTTL
	s.mu.Unlock()
	if highest == 0 {
		// Nothing stored yet: full backfill
		fresh, err := s.fetcher.Klines(ctx, symbol, tf, maxBackfillBars)
		if err != nil {
			return nil, "", fmt.Errorf("failed initial backfill for %s %s: %w", symbol, tf, err)
		}
		if storeErr := s.store(fresh); storeErr != nil {
			// Persistence failed but the provider answered; serve live
			s.log.Warn().Err(storeErr).Str("symbol", symbol).Msg("Failed to persist bars, serving live")
			return tail(fresh, limit), SourceProviderLive, nil
		}
		s.markSynced(syncKey)
	} else if stale {
		fresh, err := s.fetcher.KlinesSince(ctx, symbol, tf, highest, maxBackfillBars)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).
				Msg("Incremental bar fetch failed, serving stored history")
		} else {
			if storeErr := s.store(fresh); storeErr != nil {
				s.log.Warn().Err(storeErr).Str("symbol", symbol).Msg("Failed to persist bar delta")
			}
			s.markSynced(syncKey)
		}
	}

	bars, err := s.load(symbol, tf, limit)
	if err != nil {
		return nil, "", err
	}
	return bars, SourceLocal, nil
}

func (s *BarStore) markSynced(key string) {
	s.mu.Lock()
	s.lastSync[key] = s.now()
	s.mu.Unlock()
}

func (s *BarStore) highestOpenTime(symbol string, tf domain.Timeframe) (int64, error) {
	var highest int64
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(open_time), 0) FROM price_bars
		WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf)).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("failed to read bar high-water mark: %w", err)
	}
	return highest, nil
}

func (s *BarStore) store(bars []domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO price_bars (symbol, timeframe, open_time, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timeframe, open_time) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.Exec(b.Symbol, string(b.Timeframe), b.OpenTime,
				b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return fmt.Errorf("failed to store bar %s %s @%d: %w", b.Symbol, b.Timeframe, b.OpenTime, err)
			}
		}
		return nil
	})
}

func (s *BarStore) load(symbol string, tf domain.Timeframe, limit int) ([]domain.PriceBar, error) {
	rows, err := s.db.Query(`
		SELECT symbol, timeframe, open_time, open, high, low, close, volume
		FROM price_bars
		WHERE symbol = ? AND timeframe = ?
		ORDER BY open_time DESC
		LIMIT ?`,
		symbol, string(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars for %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var bars []domain.PriceBar
	for rows.Next() {
		var b domain.PriceBar
		var tfStr string
		if err := rows.Scan(&b.Symbol, &tfStr, &b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.Timeframe = domain.Timeframe(tfStr)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// DailyCloseSource adapts the bar store to consumers that only need a
// run of daily closes, such as the on-chain metrics client.
type DailyCloseSource struct {
	bars   *BarStore
	symbol string
}

// NewDailyCloseSource creates a daily-close view over one symbol
func NewDailyCloseSource(bars *BarStore, symbol string) *DailyCloseSource {
	return &DailyCloseSource{bars: bars, symbol: symbol}
}

// DailyCloses returns up to n daily closes, oldest first
func (s *DailyCloseSource) DailyCloses(ctx context.Context, n int) ([]float64, error) {
	bars, _, err := s.bars.Bars(ctx, s.symbol, domain.Timeframe1d, n)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes, nil
}

func tail(bars []domain.PriceBar, limit int) []domain.PriceBar {
	if len(bars) <= limit {
		return bars
	}
	return bars[len(bars)-limit:]
}
