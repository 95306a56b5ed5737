package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"crypto-strategy-engine/internal/engine"
	"crypto-strategy-engine/internal/exchange"
	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/risk"
	"crypto-strategy-engine/internal/service"
	"crypto-strategy-engine/internal/storage"
	"crypto-strategy-engine/internal/strategy"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var noAutoStart bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured strategies until interrupted",
	Long: `Register every strategy from the config, restore each risk ledger from the
trade history, start the ones marked auto_start and drive them until a signal
arrives.

  SIGINT / SIGTERM  graceful shutdown (open positions are closed)
  SIGQUIT           emergency stop of every strategy`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().BoolVar(&noAutoStart, "no-auto-start", false, "register strategies without starting them")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client := newExchangeClient(cfg, logger)

	var rec storage.Recorder = storage.NopRecorder{}
	var store *storage.SQLiteStore
	if cfg.Database.Path != "" {
		store, err = storage.OpenSQLite(ctx, cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		rec = store
		pruneStore(ctx, store, cfg.Database.RetentionDays, logger)
	} else {
		logger.Warn("database.path is empty, events will not be persisted")
	}
	journal := storage.NewJournal(rec, logger)

	cache := marketdata.NewCache(client, marketdata.Options{
		KlineInterval: cfg.Engine.KlineInterval,
		KlineLimit:    cfg.Engine.KlineLimit,
	}, logger)

	sched := engine.NewScheduler(engine.Config{
		UpdateInterval:    cfg.Engine.UpdateInterval,
		MaxConcurrent:     cfg.Engine.MaxConcurrent,
		CacheTTL:          cfg.Engine.CacheTTL,
		StallThreshold:    cfg.Engine.StallThreshold,
		MetricsInterval:   cfg.Engine.MetricsInterval,
		UnregisterTimeout: cfg.Engine.UnregisterTimeout,
		StopTimeout:       cfg.Engine.StopTimeout,
	}, cache, journal, logger)

	ids := make([]string, 0, len(cfg.Strategies))
	for id := range cfg.Strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := registerStrategy(ctx, sched, id, cfg.Strategies[id], client, store, journal, logger); err != nil {
			return err
		}
	}

	if !noAutoStart {
		for _, id := range ids {
			if !cfg.Strategies[id].AutoStart {
				continue
			}
			if err := sched.StartStrategy(ctx, id); err != nil {
				// 超出并发上限或连接失败不影响其它策略
				logger.Error("Failed to start strategy", zap.String("Strategy", id), zap.Error(err))
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	startedAt := time.Now()
	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	logger.Info("Engine running",
		zap.Strings("Strategies", ids),
		zap.String("Mode", cfg.Exchange.Mode),
		zap.String("UpdateInterval", service.FormatInterval(cfg.Engine.UpdateInterval)))

	select {
	case sig := <-sigCh:
		logger.Info("Received signal", zap.String("Signal", sig.String()))
		if sig == syscall.SIGQUIT {
			sched.EmergencyStop()
		} else {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.StopTimeout*time.Duration(len(ids)+1))
			sched.Shutdown(shutdownCtx)
			cancel()
		}
		err = <-runErr
	case err = <-runErr:
		sched.Shutdown(context.Background())
	}

	st := sched.EngineStatus()
	logger.Info("Engine stopped",
		zap.String("Uptime", service.FormatUptime(time.Since(startedAt))),
		zap.Int64("TotalUpdates", st.TotalUpdates),
		zap.Int64("Errors", st.ErrorsCount),
		zap.Int64("JournalFailures", journal.Failures()))
	for _, s := range sched.Statuses() {
		logger.Info("Strategy summary",
			zap.String("Strategy", s.ID),
			zap.Int("TotalTrades", s.TotalTrades),
			zap.Float64("WinRate", s.WinRate),
			zap.Float64("TotalPnL", s.TotalPnL),
			zap.String("Risk", string(s.Risk.Level)))
	}
	return err
}

// newExchangeClient live 模式直连 Bybit，paper 模式行情走 Bybit、下单本地撮合
func newExchangeClient(cfg *service.Config, logger *zap.Logger) exchange.Client {
	bybit := exchange.NewBybitClient(exchange.BybitConfig{
		BaseURL:            cfg.Exchange.RESTURL,
		APIKey:             cfg.Exchange.APIKey,
		APISecret:          cfg.Exchange.APISecret,
		Testnet:            cfg.Exchange.Testnet,
		Timeout:            cfg.Exchange.Timeout,
		Retries:            cfg.Exchange.Retries,
		RecvWindow:         cfg.Exchange.RecvWindow,
		RateLimitPerMinute: cfg.Exchange.RateLimitPerMinute,
	}, logger)
	if cfg.Exchange.Mode == "live" {
		return bybit
	}
	return exchange.NewPaperClient(bybit, exchange.PaperConfig{
		InitialBalance: cfg.Exchange.PaperBalance,
		FeeRate:        cfg.Exchange.PaperFeeRate,
	}, logger)
}

func registerStrategy(
	ctx context.Context,
	sched *engine.Scheduler,
	id string,
	sc service.StrategyConfig,
	client exchange.Client,
	store *storage.SQLiteStore,
	journal *storage.Journal,
	logger *zap.Logger,
) error {
	strat, err := strategy.New(sc.Type, sc.Params, logger.With(zap.String("Strategy", id)))
	if err != nil {
		return errors.Wrapf(err, "strategy %s", id)
	}

	ledger := risk.NewLedger(sc.Risk, sc.Symbol, id, logger, risk.WithSink(journal))
	if store != nil {
		trades, err := store.TradeResults(ctx, id, time.Now().Add(-risk.HistoryRetention))
		if err != nil {
			logger.Warn("Failed to restore risk ledger", zap.String("Strategy", id), zap.Error(err))
		} else if len(trades) > 0 {
			ledger.Restore(trades)
			logger.Info("Risk ledger restored", zap.String("Strategy", id), zap.Int("Trades", len(trades)))
		}
	}

	w := engine.NewWorker(engine.WorkerConfig{
		ID:              id,
		Symbol:          sc.Symbol,
		OrderQty:        sc.OrderQty,
		PositionSizePct: sc.PositionSizePct,
		StopLossPct:     sc.StopLossPct,
		TakeProfitPct:   sc.TakeProfitPct,
	}, strat, client, ledger, journal, logger)
	return sched.Register(id, w)
}

func pruneStore(ctx context.Context, store *storage.SQLiteStore, retentionDays int, logger *zap.Logger) {
	if retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	n, err := store.Cleanup(ctx, cutoff)
	if err != nil {
		logger.Warn("Failed to clean up old records", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("Old records removed", zap.Int64("Rows", n), zap.Int("RetentionDays", retentionDays))
	}
}
