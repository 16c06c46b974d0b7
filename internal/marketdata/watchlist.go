package marketdata

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
)

// WatchlistRepo persists the set of symbols the ticker warmer keeps
// warm. Lives in engine.db.
type WatchlistRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewWatchlistRepo creates a watchlist repository
func NewWatchlistRepo(db *database.DB, log zerolog.Logger) *WatchlistRepo {
	return &WatchlistRepo{
		db:  db,
		log: log.With().Str("repo", "watchlist").Logger(),
	}
}

// All returns every watched instrument, alphabetically
func (r *WatchlistRepo) All() ([]domain.WatchedInstrument, error) {
	rows, err := r.db.Query(`
		SELECT symbol, display_name, added_at
		FROM watched_instruments ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to load watchlist: %w", err)
	}
	defer rows.Close()

	var out []domain.WatchedInstrument
	for rows.Next() {
		var w domain.WatchedInstrument
		var addedAt int64
		if err := rows.Scan(&w.Symbol, &w.DisplayName, &addedAt); err != nil {
			return nil, err
		}
		w.AddedAt = time.Unix(addedAt, 0)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Symbols returns just the watched symbols
func (r *WatchlistRepo) Symbols() ([]string, error) {
	instruments, err := r.All()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(instruments))
	for i, w := range instruments {
		symbols[i] = w.Symbol
	}
	return symbols, nil
}

// Add upserts a watched instrument. Symbols are stored uppercase.
func (r *WatchlistRepo) Add(symbol, displayName string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	_, err := r.db.Exec(`
		INSERT INTO watched_instruments (symbol, display_name, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET display_name = excluded.display_name`,
		symbol, displayName, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add %s to watchlist: %w", symbol, err)
	}
	return nil
}

// Remove deletes a watched instrument
func (r *WatchlistRepo) Remove(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	res, err := r.db.Exec(`DELETE FROM watched_instruments WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to remove %s from watchlist: %w", symbol, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
