// Package portfolio records the equity curve and computes performance
// statistics over it. Analytics are read-only outputs: nothing here
// feeds back into evaluator scoring.
package portfolio

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/strategos/internal/broker"
	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
)

// SnapshotRepo persists the equity curve in engine.db
type SnapshotRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSnapshotRepo creates an equity snapshot repository
func NewSnapshotRepo(db *database.DB, log zerolog.Logger) *SnapshotRepo {
	return &SnapshotRepo{
		db:  db,
		log: log.With().Str("repo", "equity_snapshots").Logger(),
	}
}

// Save upserts one snapshot. taken_at is the primary key, so a retried
// job overwrites its own row instead of duplicating it.
func (r *SnapshotRepo) Save(snap domain.EquitySnapshot) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO equity_snapshots (taken_at, equity, cash, positions_value)
		VALUES (?, ?, ?, ?)`,
		snap.TakenAt.Unix(), snap.Equity, snap.Cash, snap.PositionsValue)
	if err != nil {
		return fmt.Errorf("failed to save equity snapshot: %w", err)
	}
	return nil
}

// Since returns snapshots taken at or after the cutoff, oldest first
func (r *SnapshotRepo) Since(cutoff time.Time) ([]domain.EquitySnapshot, error) {
	rows, err := r.db.Query(`
		SELECT taken_at, equity, cash, positions_value
		FROM equity_snapshots WHERE taken_at >= ? ORDER BY taken_at`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to load equity snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.EquitySnapshot
	for rows.Next() {
		var snap domain.EquitySnapshot
		var takenAt int64
		if err := rows.Scan(&takenAt, &snap.Equity, &snap.Cash, &snap.PositionsValue); err != nil {
			return nil, err
		}
		snap.TakenAt = time.Unix(takenAt, 0)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Performance summarizes the equity curve over a window
type Performance struct {
	Samples        int     `json:"samples"`
	StartEquity    float64 `json:"start_equity"`
	EndEquity      float64 `json:"end_equity"`
	TotalReturnPct float64 `json:"total_return_pct"`
	DailyMeanPct   float64 `json:"daily_mean_pct"`
	DailyStdDevPct float64 `json:"daily_stddev_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SlopePerDay    float64 `json:"slope_per_day"`
}

// Service takes periodic snapshots and serves analytics over them
type Service struct {
	snapshots *SnapshotRepo
	broker    broker.Broker
	log       zerolog.Logger
}

// NewService creates a portfolio service
func NewService(snapshots *SnapshotRepo, b broker.Broker, log zerolog.Logger) *Service {
	return &Service{
		snapshots: snapshots,
		broker:    b,
		log:       log.With().Str("component", "portfolio").Logger(),
	}
}

// TakeSnapshot records the account's current value. Wired as an hourly
// cron job.
func (s *Service) TakeSnapshot() error {
	snap, err := s.broker.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot account: %w", err)
	}
	return s.snapshots.Save(domain.EquitySnapshot{
		TakenAt:        time.Now(),
		Equity:         snap.Equity,
		Cash:           snap.Cash,
		PositionsValue: snap.Equity - snap.Cash,
	})
}

// Performance computes return, risk, and trend statistics over the
// snapshots inside the window. Needs at least two samples.
func (s *Service) Performance(window time.Duration) (*Performance, error) {
	snaps, err := s.snapshots.Since(time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	if len(snaps) < 2 {
		return nil, fmt.Errorf("need at least 2 snapshots, have %d", len(snaps))
	}

	perf := &Performance{
		Samples:     len(snaps),
		StartEquity: snaps[0].Equity,
		EndEquity:   snaps[len(snaps)-1].Equity,
	}
	if perf.StartEquity > 0 {
		perf.TotalReturnPct = (perf.EndEquity/perf.StartEquity - 1) * 100
	}

	returns := dailyReturns(snaps)
	if len(returns) > 0 {
		perf.DailyMeanPct = stat.Mean(returns, nil) * 100
	}
	if len(returns) > 1 {
		std := stat.StdDev(returns, nil)
		perf.DailyStdDevPct = std * 100
		if std > 0 {
			// Annualized with rf=0; crypto trades every day of the year
			perf.SharpeRatio = stat.Mean(returns, nil) / std * math.Sqrt(365)
		}
	}

	perf.MaxDrawdownPct = maxDrawdown(snaps)

	xs := make([]float64, len(snaps))
	ys := make([]float64, len(snaps))
	for i, snap := range snaps {
		xs[i] = snap.TakenAt.Sub(snaps[0].TakenAt).Hours() / 24
		ys[i] = snap.Equity
	}
	_, perf.SlopePerDay = stat.LinearRegression(xs, ys, nil, false)

	return perf, nil
}

// DailyDigest returns the inputs of the daily summary notification:
// current equity, PnL against the snapshot closest to 24h ago, and the
// open position count.
func (s *Service) DailyDigest() (equity, pnl24h float64, openPositions int, err error) {
	snap, err := s.broker.Snapshot()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to snapshot account: %w", err)
	}

	history, err := s.snapshots.Since(time.Now().Add(-24 * time.Hour))
	if err != nil {
		return 0, 0, 0, err
	}
	if len(history) > 0 {
		pnl24h = snap.Equity - history[0].Equity
	}
	return snap.Equity, pnl24h, len(snap.Positions), nil
}

// dailyReturns collapses the curve to one closing equity per calendar
// day, then computes day-over-day returns.
func dailyReturns(snaps []domain.EquitySnapshot) []float64 {
	var days []string
	closes := make(map[string]float64)
	for _, snap := range snaps {
		day := snap.TakenAt.UTC().Format("2006-01-02")
		if _, seen := closes[day]; !seen {
			days = append(days, day)
		}
		closes[day] = snap.Equity
	}

	var returns []float64
	for i := 1; i < len(days); i++ {
		prev := closes[days[i-1]]
		if prev > 0 {
			returns = append(returns, closes[days[i]]/prev-1)
		}
	}
	return returns
}

// maxDrawdown returns the largest peak-to-trough loss in percent
func maxDrawdown(snaps []domain.EquitySnapshot) float64 {
	var peak, worst float64
	for _, snap := range snaps {
		if snap.Equity > peak {
			peak = snap.Equity
		}
		if peak > 0 {
			dd := (1 - snap.Equity/peak) * 100
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
