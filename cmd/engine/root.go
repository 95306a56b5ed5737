package main

import (
	"crypto-strategy-engine/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Concurrent crypto strategy execution engine",
	Long: `engine runs several trading strategies side by side against Bybit (or a
paper account), each behind its own risk ledger.

Configuration is read from config.yaml (see --config); environment variables
TRADER_<SECTION>_<KEY> and a .env file next to the config override it.`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config", "config directory or file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, watchCmd, historyCmd, configCmd, versionCmd)
}

// loadConfig 读取配置并构建日志
func loadConfig() (*service.Config, *zap.Logger, error) {
	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := service.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
