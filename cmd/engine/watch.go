package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"crypto-strategy-engine/internal/exchange"
	"crypto-strategy-engine/internal/marketdata"

	"github.com/spf13/cobra"
)

var watchCandles string

var watchCmd = &cobra.Command{
	Use:   "watch <symbol> [symbol...]",
	Short: "Stream live tickers from the Bybit websocket",
	Long: `Subscribe to the public tickers channel and print every update.
With --candles the tickers are aggregated locally and only closed candles are printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		wsURL := cfg.Exchange.WSURL
		if wsURL == "" {
			wsURL = exchange.BybitPublicSpotWS
			if cfg.Exchange.Testnet {
				wsURL = exchange.BybitTestnetPublicSpotWS
			}
		}

		symbols := make([]string, 0, len(args))
		aggs := make(map[string]*marketdata.KlineAggregator)
		for _, a := range args {
			sym := strings.ToUpper(a)
			symbols = append(symbols, sym)
			if watchCandles != "" {
				agg, err := marketdata.NewKlineAggregator(sym, watchCandles)
				if err != nil {
					return err
				}
				aggs[sym] = agg
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stream := exchange.NewTickerStream(wsURL, symbols, logger)
		errCh := make(chan error, 1)
		go func() { errCh <- stream.Run(ctx) }()

		out := cmd.OutOrStdout()
		for t := range stream.Tickers() {
			if agg, ok := aggs[t.Symbol]; ok {
				if k, closed := agg.Add(t); closed {
					fmt.Fprintf(out, "%s  %-10s %s  O %.4f  H %.4f  L %.4f  C %.4f  V %.2f\n",
						k.StartTime.Local().Format("15:04"), k.Symbol, k.Interval, k.Open, k.High, k.Low, k.Close, k.Volume)
				}
				continue
			}
			fmt.Fprintf(out, "%s  %-10s %14.4f  24h %+6.2f%%  vol %.2f\n",
				t.Time().Format("15:04:05"), t.Symbol, t.Price, t.Change24hPct, t.Volume24h)
		}
		return <-errCh
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchCandles, "candles", "", "aggregate tickers into candles of this interval (e.g. 1m, 5m)")
}
