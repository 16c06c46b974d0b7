package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/strategos/internal/config"
)

const backupTimeout = 10 * time.Minute

// registerJobs attaches the background jobs to the scheduler's cron
// instance. Strategy ticks and jobs share one clock.
func registerJobs(c *Container, cfg *config.Config) error {
	if err := c.Scheduler.AddJob("@every 1h", "equity_snapshot", c.Portfolio.TakeSnapshot); err != nil {
		return err
	}
	if err := c.Scheduler.AddJob("@every 5m", "watchlist_sync", c.SyncWatchlist); err != nil {
		return err
	}

	if c.Notifier.Enabled() {
		if err := c.Scheduler.AddJob("0 8 * * *", "daily_summary", c.sendDailySummary); err != nil {
			return err
		}
	}

	if c.Backup != nil {
		schedule := fmt.Sprintf("@every %s", cfg.BackupInterval)
		if err := c.Scheduler.AddJob(schedule, "backup", c.runBackup); err != nil {
			return err
		}
	}
	return nil
}

// SyncWatchlist pushes the current watched symbols to the ticker
// warmer. Also called once at startup, before the warmer connects.
func (c *Container) SyncWatchlist() error {
	symbols, err := c.Watchlist.Symbols()
	if err != nil {
		return fmt.Errorf("failed to load watchlist: %w", err)
	}
	c.Warmer.SetSymbols(symbols)
	return nil
}

func (c *Container) sendDailySummary() error {
	equity, pnl24h, openPositions, err := c.Portfolio.DailyDigest()
	if err != nil {
		return err
	}
	c.Notifier.DailySummary(equity, pnl24h, openPositions)
	return nil
}

func (c *Container) runBackup() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()
	_, err := c.Backup.Run(ctx)
	return err
}
