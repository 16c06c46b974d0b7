// Package di wires the application together: databases, repositories,
// upstream clients, the broker, evaluators, scheduler, and HTTP server.
package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/broker"
	"github.com/aristath/strategos/internal/clients/binance"
	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/marketdata"
	"github.com/aristath/strategos/internal/notify"
	"github.com/aristath/strategos/internal/portfolio"
	"github.com/aristath/strategos/internal/reliability"
	"github.com/aristath/strategos/internal/risk"
	"github.com/aristath/strategos/internal/runs"
	"github.com/aristath/strategos/internal/scheduler"
	"github.com/aristath/strategos/internal/server"
	"github.com/aristath/strategos/internal/strategies"
)

// Container holds every constructed dependency. Fields are populated by
// Wire in dependency order.
type Container struct {
	Config *config.Config
	Bus    *events.Bus

	// Databases
	EngineDB *database.DB
	LedgerDB *database.DB
	CacheDB  *database.DB

	// Repositories
	Strategies      *strategies.Repo
	Runs            *runs.RunRepo
	Signals         *runs.SignalRepo
	Accounts        *broker.AccountRepo
	Positions       *broker.PositionRepo
	Trades          *broker.TradeRepo
	Snapshots       *marketdata.SnapshotRepo
	Bars            *marketdata.BarStore
	Watchlist       *marketdata.WatchlistRepo
	EquitySnapshots *portfolio.SnapshotRepo

	// Market data
	Exchange *binance.Client
	Market   *marketdata.Cache
	Warmer   *binance.Warmer

	// Engine
	Broker    broker.Broker
	Risk      *risk.Filter
	Scheduler *scheduler.Scheduler
	Portfolio *portfolio.Service

	// Edges
	Notifier *notify.Telegram
	Backup   *reliability.BackupService // nil when backups are disabled
	Server   *server.Server

	log zerolog.Logger
}

// Databases returns the named database handles, keyed the way the
// health endpoint and backup service expect.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"engine": c.EngineDB,
		"ledger": c.LedgerDB,
		"cache":  c.CacheDB,
	}
}

// Close releases database handles in reverse open order. The scheduler,
// warmer, and HTTP server are stopped by main before this runs.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.CacheDB, c.LedgerDB, c.EngineDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.log.Error().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}
