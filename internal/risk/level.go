package risk

import "math"

// Level 风险等级
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// 风险评分权重，总和为 100
const (
	weightDailyLoss   = 40.0
	weightConsecutive = 30.0
	weightDrawdown    = 20.0
	weightTrades      = 10.0
)

// Score 计算加权风险分 (0 ~ 100+)，各项比例不封顶
func Score(cfg Config, dailyLossPct float64, consecutiveLosses int, drawdown float64, tradesToday int) float64 {
	score := ratio(math.Abs(dailyLossPct), cfg.MaxDailyLossPct) * weightDailyLoss
	score += ratio(float64(consecutiveLosses), float64(cfg.MaxConsecutiveLosses)) * weightConsecutive
	score += ratio(drawdown, cfg.MaxDrawdownPct) * weightDrawdown
	score += ratio(float64(tradesToday), float64(cfg.MaxTradesPerDay)) * weightTrades
	return score
}

// LevelForScore 将评分映射为等级
func LevelForScore(score float64) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return v / limit
}
