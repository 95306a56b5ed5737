// internal/service/config.go
package service

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crypto-strategy-engine/internal/risk"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config 顶层配置，对应 config.yaml
type Config struct {
	Exchange   ExchangeConfig            `mapstructure:"exchange" yaml:"exchange"`
	Engine     EngineConfig              `mapstructure:"engine" yaml:"engine"`
	Database   DatabaseConfig            `mapstructure:"database" yaml:"database"`
	Log        LogConfig                 `mapstructure:"log" yaml:"log"`
	Strategies map[string]StrategyConfig `mapstructure:"strategies" yaml:"strategies"`
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Mode               string        `mapstructure:"mode" yaml:"mode"` // paper | live
	Testnet            bool          `mapstructure:"testnet" yaml:"testnet"`
	APIKey             string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APISecret          string        `mapstructure:"api_secret" yaml:"-"`
	RESTURL            string        `mapstructure:"rest_url" yaml:"rest_url"`
	WSURL              string        `mapstructure:"ws_url" yaml:"ws_url"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries            int           `mapstructure:"retries" yaml:"retries"`
	RecvWindow         int           `mapstructure:"recv_window" yaml:"recv_window"` // 毫秒
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	PaperBalance       float64       `mapstructure:"paper_balance" yaml:"paper_balance"`
	PaperFeeRate       float64       `mapstructure:"paper_fee_rate" yaml:"paper_fee_rate"`
}

// EngineConfig 调度器参数
type EngineConfig struct {
	UpdateInterval    time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
	MaxConcurrent     int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	KlineInterval     string        `mapstructure:"kline_interval" yaml:"kline_interval"`
	KlineLimit        int           `mapstructure:"kline_limit" yaml:"kline_limit"`
	StallThreshold    time.Duration `mapstructure:"stall_threshold" yaml:"stall_threshold"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval" yaml:"metrics_interval"`
	UnregisterTimeout time.Duration `mapstructure:"unregister_timeout" yaml:"unregister_timeout"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

type DatabaseConfig struct {
	Path          string `mapstructure:"path" yaml:"path"` // 为空时不落库
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// LogConfig 日志级别与滚动文件
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// StrategyConfig 单个策略实例的启动参数
type StrategyConfig struct {
	Type            string         `mapstructure:"type" yaml:"type"`
	Symbol          string         `mapstructure:"symbol" yaml:"symbol"`
	OrderQty        float64        `mapstructure:"order_qty" yaml:"order_qty"`
	PositionSizePct float64        `mapstructure:"position_size_pct" yaml:"position_size_pct"`
	StopLossPct     float64        `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct   float64        `mapstructure:"take_profit_pct" yaml:"take_profit_pct"`
	AutoStart       bool           `mapstructure:"auto_start" yaml:"auto_start"`
	Params          map[string]any `mapstructure:"params" yaml:"params,omitempty"`
	Risk            risk.Config    `mapstructure:"risk" yaml:"risk"`
}

const envPrefix = "TRADER"

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.mode", "paper")
	v.SetDefault("exchange.testnet", true)
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.rest_url", "")
	v.SetDefault("exchange.ws_url", "")
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.retries", 2)
	v.SetDefault("exchange.recv_window", 5000)
	v.SetDefault("exchange.rate_limit_per_minute", 120)
	v.SetDefault("exchange.paper_balance", 10000.0)
	v.SetDefault("exchange.paper_fee_rate", 0.001)

	v.SetDefault("engine.update_interval", 5*time.Second)
	v.SetDefault("engine.max_concurrent", 3)
	v.SetDefault("engine.cache_ttl", 30*time.Second)
	v.SetDefault("engine.kline_interval", "1m")
	v.SetDefault("engine.kline_limit", 100)
	v.SetDefault("engine.stall_threshold", 300*time.Second)
	v.SetDefault("engine.metrics_interval", 15*time.Minute)
	v.SetDefault("engine.unregister_timeout", 5*time.Second)
	v.SetDefault("engine.stop_timeout", 10*time.Second)

	v.SetDefault("database.path", "data/trading.db")
	v.SetDefault("database.retention_days", 90)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// LoadConfig 读取并解析配置。path 可以是目录 (查找 config.yaml) 或具体文件。
// 同目录下的 .env 会先被加载，环境变量 TRADER_<SECTION>_<KEY> 覆盖文件配置
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	dir := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		v.SetConfigFile(path)
		dir = filepath.Dir(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(path)
	}

	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("exchange.api_key", envPrefix+"_EXCHANGE_API_KEY", "BYBIT_API_KEY")
	_ = v.BindEnv("exchange.api_secret", envPrefix+"_EXCHANGE_API_SECRET", "BYBIT_API_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "config file not found in %s", path)
		}
		return nil, errors.Wrap(err, "read config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	for id, sc := range cfg.Strategies {
		sc.Risk = sc.Risk.WithDefaults()
		cfg.Strategies[id] = sc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验结构性配置，策略的数值边界在 worker 启动时检查
func (c *Config) Validate() error {
	switch c.Exchange.Mode {
	case "paper":
	case "live":
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return errors.New("config: exchange.api_key and exchange.api_secret are required in live mode")
		}
	default:
		return errors.Errorf("config: unknown exchange.mode %q", c.Exchange.Mode)
	}

	e := c.Engine
	if e.UpdateInterval <= 0 || e.CacheTTL <= 0 || e.StallThreshold <= 0 || e.MetricsInterval <= 0 {
		return errors.New("config: engine intervals must be > 0")
	}
	if e.MaxConcurrent <= 0 {
		return errors.New("config: engine.max_concurrent must be > 0")
	}
	if e.KlineLimit <= 0 || e.KlineLimit > 1000 {
		return errors.New("config: engine.kline_limit must be in (0, 1000]")
	}
	if _, err := ParseIntervalDuration(e.KlineInterval); err != nil {
		return errors.Wrap(err, "config: engine.kline_interval")
	}

	for id, sc := range c.Strategies {
		if sc.Type == "" {
			return errors.Errorf("config: strategies.%s.type is required", id)
		}
		if sc.Symbol == "" {
			return errors.Errorf("config: strategies.%s.symbol is required", id)
		}
		if err := sc.Risk.Validate(); err != nil {
			return errors.Wrapf(err, "config: strategies.%s", id)
		}
	}
	return nil
}
