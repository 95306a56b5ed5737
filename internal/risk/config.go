package risk

import "github.com/pkg/errors"

// Config 单个策略的风控参数 (百分比均为 0~100 的数值)
type Config struct {
	MaxDailyLossPct      float64 `mapstructure:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	MaxStopLossPct       float64 `mapstructure:"max_stop_loss_pct" yaml:"max_stop_loss_pct"`
	MaxPositionSizePct   float64 `mapstructure:"max_position_size_pct" yaml:"max_position_size_pct"`
	MaxTradesPerDay      int     `mapstructure:"max_trades_per_day" yaml:"max_trades_per_day"`
	MaxDrawdownPct       float64 `mapstructure:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MinConfidence        float64 `mapstructure:"min_confidence" yaml:"min_confidence"`

	// 仅为兼容旧配置保留，风控检查不读取
	PauseAfterLossesDays int `mapstructure:"pause_after_losses_days" yaml:"pause_after_losses_days,omitempty"`
}

// DefaultConfig 默认风控参数
func DefaultConfig() Config {
	return Config{
		MaxDailyLossPct:      20,
		MaxConsecutiveLosses: 3,
		MaxStopLossPct:       40,
		MaxPositionSizePct:   10,
		MaxTradesPerDay:      10,
		MaxDrawdownPct:       15,
		MinConfidence:        0.7,
	}
}

// WithDefaults 用默认值填充未配置 (零值) 的字段
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxDailyLossPct == 0 {
		c.MaxDailyLossPct = def.MaxDailyLossPct
	}
	if c.MaxConsecutiveLosses == 0 {
		c.MaxConsecutiveLosses = def.MaxConsecutiveLosses
	}
	if c.MaxStopLossPct == 0 {
		c.MaxStopLossPct = def.MaxStopLossPct
	}
	if c.MaxPositionSizePct == 0 {
		c.MaxPositionSizePct = def.MaxPositionSizePct
	}
	if c.MaxTradesPerDay == 0 {
		c.MaxTradesPerDay = def.MaxTradesPerDay
	}
	if c.MaxDrawdownPct == 0 {
		c.MaxDrawdownPct = def.MaxDrawdownPct
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = def.MinConfidence
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.MaxDailyLossPct <= 0:
		return errors.New("risk: max_daily_loss_pct must be > 0")
	case c.MaxConsecutiveLosses <= 0:
		return errors.New("risk: max_consecutive_losses must be > 0")
	case c.MaxStopLossPct <= 0:
		return errors.New("risk: max_stop_loss_pct must be > 0")
	case c.MaxPositionSizePct <= 0 || c.MaxPositionSizePct > 100:
		return errors.New("risk: max_position_size_pct must be in (0, 100]")
	case c.MaxTradesPerDay <= 0:
		return errors.New("risk: max_trades_per_day must be > 0")
	case c.MaxDrawdownPct <= 0:
		return errors.New("risk: max_drawdown_pct must be > 0")
	case c.MinConfidence < 0 || c.MinConfidence > 1:
		return errors.New("risk: min_confidence must be in [0, 1]")
	}
	return nil
}
