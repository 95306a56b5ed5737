package model

import "time"

// Severity 风险事件等级
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// StrategyEvent 策略运行日志 (strategy_logs 表)
type StrategyEvent struct {
	StrategyName    string
	Symbol          string
	Action          string // START, STOP, SIGNAL_GENERATED, POSITION_OPENED ...
	TechnicalDetail string
	HumanText       string
	Data            map[string]any
	SessionID       string
	Timestamp       time.Time
}

// RiskEvent 风控事件 (risk_events 表)
type RiskEvent struct {
	Kind         string
	Symbol       string
	StrategyName string
	TriggerValue float64
	CurrentValue float64
	ActionTaken  string
	Description  string
	Severity     Severity
	Timestamp    time.Time
}

// PerformanceMetrics 周期性写入的策略绩效汇总
type PerformanceMetrics struct {
	StrategyName  string
	Symbol        string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	MaxDrawdown   float64
	WinRate       float64
	Additional    map[string]any
}
