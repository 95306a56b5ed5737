package storage

import (
	"context"
	"sync/atomic"
	"time"

	"crypto-strategy-engine/internal/model"

	"go.uber.org/zap"
)

// Recorder 是持久化层的窄接口
type Recorder interface {
	LogStrategyEvent(ctx context.Context, e model.StrategyEvent) error
	LogRiskEvent(ctx context.Context, e model.RiskEvent) error
	LogTrade(ctx context.Context, t model.TradeRecord) error
	SavePerformanceMetrics(ctx context.Context, m model.PerformanceMetrics) error
}

// NopRecorder 未配置数据库时使用
type NopRecorder struct{}

func (NopRecorder) LogStrategyEvent(context.Context, model.StrategyEvent) error { return nil }
func (NopRecorder) LogRiskEvent(context.Context, model.RiskEvent) error         { return nil }
func (NopRecorder) LogTrade(context.Context, model.TradeRecord) error           { return nil }
func (NopRecorder) SavePerformanceMetrics(context.Context, model.PerformanceMetrics) error {
	return nil
}

const writeTimeout = 5 * time.Second

// Journal 对 Recorder 的尽力写入封装：失败只打本地日志，不向交易流程返回错误
type Journal struct {
	rec      Recorder
	logger   *zap.Logger
	failures atomic.Int64
}

// NewJournal 构造函数，rec 为 nil 时使用 NopRecorder
func NewJournal(rec Recorder, logger *zap.Logger) *Journal {
	if rec == nil {
		rec = NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{rec: rec, logger: logger.With(zap.String("Component", "journal"))}
}

// Recorder 返回底层 Recorder (风控账本直接使用)
func (j *Journal) Recorder() Recorder {
	return j.rec
}

func (j *Journal) Event(ctx context.Context, e model.StrategyEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	j.write(ctx, "strategy_event", func(ctx context.Context) error {
		return j.rec.LogStrategyEvent(ctx, e)
	}, zap.String("Action", e.Action), zap.String("Strategy", e.StrategyName))
}

func (j *Journal) Trade(ctx context.Context, t model.TradeRecord) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	j.write(ctx, "trade", func(ctx context.Context) error {
		return j.rec.LogTrade(ctx, t)
	}, zap.String("OrderID", t.OrderID), zap.String("Symbol", t.Symbol))
}

// LogRiskEvent 实现 risk.EventSink，失败已在此记录，不再向上返回
func (j *Journal) LogRiskEvent(ctx context.Context, e model.RiskEvent) error {
	j.write(ctx, "risk_event", func(ctx context.Context) error {
		return j.rec.LogRiskEvent(ctx, e)
	}, zap.String("Kind", e.Kind), zap.String("Strategy", e.StrategyName))
	return nil
}

func (j *Journal) Metrics(ctx context.Context, m model.PerformanceMetrics) {
	j.write(ctx, "performance_metrics", func(ctx context.Context) error {
		return j.rec.SavePerformanceMetrics(ctx, m)
	}, zap.String("Strategy", m.StrategyName))
}

// Failures 写入失败次数
func (j *Journal) Failures() int64 {
	return j.failures.Load()
}

func (j *Journal) write(ctx context.Context, kind string, fn func(context.Context) error, fields ...zap.Field) {
	// 调用方的 ctx 可能已因停止而取消，最终统计仍需写入
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := fn(wctx); err != nil {
		j.failures.Add(1)
		j.logger.Warn("Failed to persist "+kind, append(fields, zap.Error(err))...)
	}
}
