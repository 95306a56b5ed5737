package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"crypto-strategy-engine/internal/storage"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	historySymbol   string
	historyStrategy string
	historySince    time.Duration
	historyLimit    int
	historyEvents   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent trades and risk events from the database",
	Long: `Print the most recent trades and risk events recorded in SQLite.

With --strategy the strategy's lifecycle events and performance snapshots are
printed as well.`,
	RunE: runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.StringVarP(&historySymbol, "symbol", "s", "", "filter trades by symbol")
	f.StringVar(&historyStrategy, "strategy", "", "filter by strategy id")
	f.DurationVar(&historySince, "since", 7*24*time.Hour, "only trades newer than this")
	f.IntVarP(&historyLimit, "limit", "n", 20, "max rows per section")
	f.BoolVar(&historyEvents, "events", true, "include risk events")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Database.Path == "" {
		return errors.New("database.path is not configured")
	}

	ctx := cmd.Context()
	store, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	trades, err := store.TradeHistory(ctx, storage.TradeFilter{
		Symbol:   historySymbol,
		Strategy: historyStrategy,
		Since:    time.Now().Add(-historySince),
		Limit:    historyLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TRADES (%d)\n", len(trades))
	fmt.Fprintln(w, "TIME\tSTRATEGY\tSYMBOL\tSIDE\tQTY\tPRICE\tSTATUS\tPNL\tPNL%\tREASON")
	for _, t := range trades {
		pnl, pnlPct := "", ""
		if t.IsClose {
			pnl = fmt.Sprintf("%.4f", t.ProfitLoss)
			pnlPct = fmt.Sprintf("%+.2f", t.ProfitLossPct)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%.4f\t%s\t%s\t%s\t%s\n",
			t.Timestamp.Local().Format(time.DateTime), t.StrategyName, t.Symbol, t.Side,
			t.Qty, t.ExecutedPrice, t.Status, pnl, pnlPct, t.Reason)
	}

	if historyEvents {
		events, err := store.RiskEvents(ctx, historyLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nRISK EVENTS (%d)\n", len(events))
		fmt.Fprintln(w, "TIME\tSTRATEGY\tKIND\tSEVERITY\tACTION\tDESCRIPTION")
		for _, e := range events {
			if historyStrategy != "" && e.StrategyName != historyStrategy {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.StrategyName, e.Kind, e.Severity, e.ActionTaken, e.Description)
		}
	}

	if historyStrategy != "" {
		logs, err := store.StrategyLogs(ctx, historyStrategy, historyLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nSTRATEGY LOG (%d)\n", len(logs))
		fmt.Fprintln(w, "TIME\tACTION\tTEXT\tDETAIL")
		for _, l := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				l.Timestamp.Local().Format(time.DateTime), l.Action, l.HumanText, l.TechnicalDetail)
		}

		perf, err := store.PerformanceHistory(ctx, historyStrategy, historyLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nPERFORMANCE (%d)\n", len(perf))
		fmt.Fprintln(w, "PERIOD END\tTRADES\tWIN RATE\tPNL\tMAX DD")
		for _, p := range perf {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.4f\t%.2f%%\n",
				p.PeriodEnd.Local().Format(time.DateTime), p.TotalTrades, p.WinRate, p.TotalPnL, p.MaxDrawdown)
		}
	}
	return w.Flush()
}
