package di

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/broker"
	"github.com/aristath/strategos/internal/clients/binance"
	"github.com/aristath/strategos/internal/clients/etfflows"
	"github.com/aristath/strategos/internal/clients/feargreed"
	"github.com/aristath/strategos/internal/clients/fred"
	"github.com/aristath/strategos/internal/clients/llm"
	"github.com/aristath/strategos/internal/clients/miners"
	"github.com/aristath/strategos/internal/clients/mstr"
	"github.com/aristath/strategos/internal/clients/onchain"
	"github.com/aristath/strategos/internal/clients/stablecoin"
	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/evaluators"
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

// Wire builds the full dependency graph. Nothing is started here: main
// owns the scheduler, warmer, and server lifecycles. On error, any
// databases already opened are closed before returning.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, log: log.With().Str("component", "di").Logger()}

	if err := openDatabases(c, cfg); err != nil {
		c.Close()
		return nil, err
	}
	buildRepositories(c, log)
	buildMarketData(c, cfg, log)

	if err := buildEngine(c, cfg, log); err != nil {
		c.Close()
		return nil, err
	}
	if err := buildEdges(ctx, c, cfg, log); err != nil {
		c.Close()
		return nil, err
	}
	if err := registerJobs(c, cfg); err != nil {
		c.Close()
		return nil, err
	}

	c.log.Info().Msg("Dependency wiring completed")
	return c, nil
}

func openDatabases(c *Container, cfg *config.Config) error {
	open := func(name string, profile database.DatabaseProfile) (*database.DB, error) {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", name, err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", name, err)
		}
		return db, nil
	}

	var err error
	if c.EngineDB, err = open("engine", database.ProfileStandard); err != nil {
		return err
	}
	if c.LedgerDB, err = open("ledger", database.ProfileLedger); err != nil {
		return err
	}
	if c.CacheDB, err = open("cache", database.ProfileCache); err != nil {
		return err
	}
	return nil
}

func buildRepositories(c *Container, log zerolog.Logger) {
	c.Strategies = strategies.NewRepo(c.EngineDB, log)
	c.Runs = runs.NewRunRepo(c.EngineDB, log)
	c.Signals = runs.NewSignalRepo(c.EngineDB, log)
	c.Accounts = broker.NewAccountRepo(c.EngineDB, log)
	c.Positions = broker.NewPositionRepo(c.EngineDB, log)
	c.Trades = broker.NewTradeRepo(c.LedgerDB, log)
	c.Snapshots = marketdata.NewSnapshotRepo(c.CacheDB, log)
	c.Watchlist = marketdata.NewWatchlistRepo(c.EngineDB, log)
	c.EquitySnapshots = portfolio.NewSnapshotRepo(c.EngineDB, log)
}

func buildMarketData(c *Container, cfg *config.Config, log zerolog.Logger) {
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}

	c.Exchange = binance.NewClient("", httpClient, log)
	c.Bars = marketdata.NewBarStore(c.CacheDB, c.Exchange, log)

	providers := marketdata.Providers{
		Exchange:  c.Exchange,
		FRED:      fred.NewClient("", cfg.FredAPIKey, httpClient, log),
		FearGreed: feargreed.NewClient("", httpClient, log),
		ETFFlows:  etfflows.NewClient(cfg.ETFFlowsURL, httpClient, log),
		OnChain: onchain.NewClient("", "",
			marketdata.NewDailyCloseSource(c.Bars, "BTCUSDT"), httpClient, log),
		Miners:     miners.NewClient("", httpClient, log),
		Stablecoin: stablecoin.NewClient("", httpClient, log),
		MNAV:       mstr.NewClient("", httpClient, log),
	}
	c.Market = marketdata.NewCache(providers, c.Snapshots, c.Bars, log)
	c.Warmer = binance.NewWarmer("", c.Market, log)
}

func buildEngine(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Bus = events.NewBus(log)

	if err := c.Accounts.Init(cfg.InitialCash); err != nil {
		return fmt.Errorf("failed to initialize account: %w", err)
	}
	c.Broker = broker.NewPaperBroker(c.Accounts, c.Positions, c.Trades,
		c.Market, c.Bus, cfg.FeeBps, cfg.SlippageBps, log)

	c.Risk = risk.NewFilter(risk.Limits{
		MaxTradeNotionalPct:  cfg.MaxTradeNotionalPct,
		MaxSymbolExposurePct: cfg.MaxSymbolExposurePct,
		SoftDrawdownPct:      cfg.SoftDrawdownPct,
		HardDrawdownPct:      cfg.HardDrawdownPct,
	}, c.Broker, c.Bus, log)

	var advisor evaluators.Advisor
	if cfg.LLMEnabled {
		advisor = llm.NewClient("", cfg.OpenRouterAPIKey, cfg.OpenRouterModel,
			&http.Client{Timeout: cfg.LLMTimeout}, log)
	}
	evals := []evaluators.Evaluator{
		evaluators.NewTAEvaluator(log),
		evaluators.NewMacroEvaluator(advisor, cfg.LLMTimeout, log),
		evaluators.NewGridEvaluator(log),
	}

	c.Scheduler = scheduler.New(scheduler.Deps{
		Strategies: c.Strategies,
		Runs:       c.Runs,
		Signals:    c.Signals,
		Evaluators: evals,
		Market:     c.Market,
		Broker:     c.Broker,
		Risk:       c.Risk,
		Bus:        c.Bus,
	}, cfg.ShutdownGrace, log)

	c.Portfolio = portfolio.NewService(c.EquitySnapshots, c.Broker, log)
	return nil
}

func buildEdges(ctx context.Context, c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Notifier = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, log)
	if c.Notifier.Enabled() {
		c.Notifier.Attach(c.Bus)
	}

	if cfg.BackupEnabled {
		s3, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to build S3 client: %w", err)
		}
		c.Backup = reliability.NewBackupService(c.Databases(), s3, cfg.DataDir, c.Bus, log)
	}

	c.Server = server.New(server.Deps{
		Strategies: c.Strategies,
		Runs:       c.Runs,
		Signals:    c.Signals,
		Broker:     c.Broker,
		Positions:  c.Positions,
		Trades:     c.Trades,
		Scheduler:  c.Scheduler,
		Portfolio:  c.Portfolio,
		Watchlist:  c.Watchlist,
		Backup:     c.Backup,
		Bus:        c.Bus,
		Databases:  c.Databases(),
		DataDir:    cfg.DataDir,
	}, cfg.Port, log)
	return nil
}
