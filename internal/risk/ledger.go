package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"crypto-strategy-engine/internal/model"

	"go.uber.org/zap"
)

// EventKind 风控事件类型，同时作为拒绝原因的代码
type EventKind string

const (
	KindTradingBlocked    EventKind = "trading_blocked"
	KindTradingUnblocked  EventKind = "trading_unblocked"
	KindDailyLoss         EventKind = "daily_loss_limit_exceeded"
	KindConsecutiveLosses EventKind = "consecutive_losses_limit_exceeded"
	KindStopLoss          EventKind = "stop_loss_limit_exceeded"
	KindPositionSize      EventKind = "position_size_limit_exceeded"
	KindLowConfidence     EventKind = "low_confidence_signal"
	KindDailyTrades       EventKind = "daily_trades_limit_exceeded"
	KindMaxDrawdown       EventKind = "max_drawdown_exceeded"
	KindTradeApproved     EventKind = "trade_approved"
	KindTradeCompleted    EventKind = "trade_completed"
)

// 触发封锁的时长
const (
	DailyLossBlock   = 24 * time.Hour
	ConsecutiveBlock = 4 * time.Hour
	DrawdownBlock    = 12 * time.Hour

	// HistoryRetention 账本保留交易记录的窗口
	HistoryRetention = 7 * 24 * time.Hour
)

// EventSink 接收风控事件 (通常是持久化层)
type EventSink interface {
	LogRiskEvent(ctx context.Context, event model.RiskEvent) error
}

// Decision 是 CheckTradeAllowed 的结果。拒绝是正常结果，不是错误
type Decision struct {
	Allowed bool
	Reason  string
	Code    EventKind
}

// Assessment 账本的只读快照
type Assessment struct {
	Level              Level      `json:"risk_level"`
	Blocked            bool       `json:"is_blocked"`
	BlockReason        string     `json:"block_reason,omitempty"`
	BlockUntil         *time.Time `json:"block_until,omitempty"`
	DailyPnl           float64    `json:"daily_pnl"`
	DailyLossPct       float64    `json:"daily_loss_pct"`
	ConsecutiveLosses  int        `json:"consecutive_losses"`
	TradesToday        int        `json:"trades_today"`
	CurrentDrawdown    float64    `json:"current_drawdown"`
	MaxDrawdownSeen    float64    `json:"max_drawdown"`
	WinRate            float64    `json:"win_rate"`
	RemainingDailyRisk float64    `json:"remaining_daily_risk"`
	TradesRemaining    int        `json:"trades_remaining"`
}

// Ledger 单个策略的风控账本。
// 由一个 worker 独占；锁只用于状态查询与 worker 自身 tick 之间的互斥
type Ledger struct {
	mu sync.Mutex

	cfg      Config
	symbol   string
	strategy string
	sink     EventSink
	logger   *zap.Logger
	now      func() time.Time

	dailyPnl          float64
	dailyLossPct      float64
	consecutiveLosses int
	tradesToday       int
	currentDrawdown   float64
	maxDrawdownSeen   float64
	winRate           float64
	level             Level

	blocked     bool
	blockReason string
	blockUntil  time.Time

	history       []model.TradeResult
	lastResetDate string
	dailyFloor    time.Time // ResetDailyStats 之前的交易不计入当日统计
}

type Option func(*Ledger)

// WithClock 替换时间源 (测试使用)
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithSink 设置风控事件接收者
func WithSink(sink EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// NewLedger 创建风控账本，cfg 的零值字段使用默认值
func NewLedger(cfg Config, symbol, strategy string, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		cfg:      cfg.WithDefaults(),
		symbol:   symbol,
		strategy: strategy,
		logger:   logger.With(zap.String("Component", "risk")),
		now:      time.Now,
		level:    LevelLow,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastResetDate = dateKey(l.now())
	return l
}

// Config 返回当前生效的风控参数
func (l *Ledger) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// UpdateConfig 运行期间更新风控参数，立即重新计算风险等级
func (l *Ledger) UpdateConfig(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.level = l.levelLocked()
	l.logger.Info("Risk config updated", zap.Any("Config", cfg))
	return nil
}

// CheckTradeAllowed 按固定顺序执行九道检查，遇到第一个失败立即返回
func (l *Ledger) CheckTradeAllowed(confidence, positionSizePct, stopLossPct float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refreshLocked(now)

	// 1. 冷却期
	if l.blocked {
		if now.Before(l.blockUntil) {
			reason := fmt.Sprintf("trading blocked until %s: %s",
				l.blockUntil.UTC().Format(time.RFC3339), l.blockReason)
			return l.rejectLocked(KindTradingBlocked, 0, 0, "trade_rejected", reason, model.SeverityMedium)
		}
		l.unblockLocked("block window elapsed")
	}

	// 2. 当日亏损
	if math.Abs(l.dailyLossPct) >= l.cfg.MaxDailyLossPct {
		reason := fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%", math.Abs(l.dailyLossPct), l.cfg.MaxDailyLossPct)
		l.blockLocked(reason, DailyLossBlock)
		return l.rejectLocked(KindDailyLoss, l.cfg.MaxDailyLossPct, math.Abs(l.dailyLossPct), "trading_blocked_24h", reason, model.SeverityHigh)
	}

	// 3. 连续亏损
	if l.consecutiveLosses >= l.cfg.MaxConsecutiveLosses {
		reason := fmt.Sprintf("consecutive losses limit reached: %d >= %d", l.consecutiveLosses, l.cfg.MaxConsecutiveLosses)
		l.blockLocked(reason, ConsecutiveBlock)
		return l.rejectLocked(KindConsecutiveLosses, float64(l.cfg.MaxConsecutiveLosses), float64(l.consecutiveLosses),
			"trading_blocked_4h", reason, model.SeverityHigh)
	}

	// 4 ~ 7 只否决本次交易，不进入封锁
	if stopLossPct > l.cfg.MaxStopLossPct {
		reason := fmt.Sprintf("stop loss too wide: %.2f%% > %.2f%%", stopLossPct, l.cfg.MaxStopLossPct)
		return l.rejectLocked(KindStopLoss, l.cfg.MaxStopLossPct, stopLossPct, "trade_rejected", reason, model.SeverityMedium)
	}
	if positionSizePct > l.cfg.MaxPositionSizePct {
		reason := fmt.Sprintf("position size too large: %.2f%% > %.2f%%", positionSizePct, l.cfg.MaxPositionSizePct)
		return l.rejectLocked(KindPositionSize, l.cfg.MaxPositionSizePct, positionSizePct, "trade_rejected", reason, model.SeverityMedium)
	}
	if confidence < l.cfg.MinConfidence {
		reason := fmt.Sprintf("signal confidence too low: %.2f < %.2f", confidence, l.cfg.MinConfidence)
		return l.rejectLocked(KindLowConfidence, l.cfg.MinConfidence, confidence, "trade_rejected", reason, model.SeverityLow)
	}
	if l.tradesToday >= l.cfg.MaxTradesPerDay {
		reason := fmt.Sprintf("daily trade limit reached: %d >= %d", l.tradesToday, l.cfg.MaxTradesPerDay)
		return l.rejectLocked(KindDailyTrades, float64(l.cfg.MaxTradesPerDay), float64(l.tradesToday),
			"trade_rejected", reason, model.SeverityMedium)
	}

	// 8. 回撤
	if l.currentDrawdown >= l.cfg.MaxDrawdownPct {
		reason := fmt.Sprintf("max drawdown reached: %.2f%% >= %.2f%%", l.currentDrawdown, l.cfg.MaxDrawdownPct)
		l.blockLocked(reason, DrawdownBlock)
		return l.rejectLocked(KindMaxDrawdown, l.cfg.MaxDrawdownPct, l.currentDrawdown, "trading_blocked_12h", reason, model.SeverityHigh)
	}

	l.emitLocked(KindTradeApproved, confidence, positionSizePct, "trade_approved",
		fmt.Sprintf("trade approved: confidence %.2f, size %.2f%%, stop loss %.2f%%", confidence, positionSizePct, stopLossPct),
		model.SeverityLow)
	return Decision{Allowed: true, Reason: "trade approved", Code: KindTradeApproved}
}

// RecordTrade 记录一笔已平仓交易
func (l *Ledger) RecordTrade(trade model.TradeResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if trade.Timestamp.IsZero() {
		trade.Timestamp = now
	}
	if trade.Symbol == "" {
		trade.Symbol = l.symbol
	}
	if trade.StrategyName == "" {
		trade.StrategyName = l.strategy
	}

	l.rolloverLocked(now)
	l.applyLocked(trade)
	l.recomputeDailyLocked(now)
	l.level = l.levelLocked()

	severity := model.SeverityLow
	outcome := "win"
	if !trade.IsWin {
		severity = model.SeverityMedium
		outcome = "loss"
	}
	l.emitLocked(KindTradeCompleted, trade.PnlPct, l.currentDrawdown, "trade_recorded",
		fmt.Sprintf("trade closed (%s): pnl %.2f%%, consecutive losses %d, drawdown %.2f%%",
			outcome, trade.PnlPct, l.consecutiveLosses, l.currentDrawdown),
		severity)
}

// Restore 用持久化的历史交易重建账本 (按时间顺序重放)
func (l *Ledger) Restore(trades []model.TradeResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, t := range trades {
		l.applyLocked(t)
	}
	l.purgeLocked(now)
	l.recomputeDailyLocked(now)
	l.level = l.levelLocked()
	l.logger.Info("Risk ledger restored",
		zap.Int("Trades", len(trades)),
		zap.Int("ConsecutiveLosses", l.consecutiveLosses),
		zap.Float64("Drawdown", l.currentDrawdown),
		zap.String("Level", string(l.level)))
}

// Assessment 返回当前风险快照，会先处理跨日重置
func (l *Ledger) Assessment() Assessment {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refreshLocked(l.now())
	a := Assessment{
		Level:              l.level,
		Blocked:            l.blocked,
		BlockReason:        l.blockReason,
		DailyPnl:           l.dailyPnl,
		DailyLossPct:       l.dailyLossPct,
		ConsecutiveLosses:  l.consecutiveLosses,
		TradesToday:        l.tradesToday,
		CurrentDrawdown:    l.currentDrawdown,
		MaxDrawdownSeen:    l.maxDrawdownSeen,
		WinRate:            l.winRate,
		RemainingDailyRisk: math.Max(0, l.cfg.MaxDailyLossPct-math.Abs(l.dailyLossPct)),
		TradesRemaining:    max(0, l.cfg.MaxTradesPerDay-l.tradesToday),
	}
	if l.blocked {
		until := l.blockUntil
		a.BlockUntil = &until
	}
	return a
}

// ForceUnblock 手动解除封锁
func (l *Ledger) ForceUnblock(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.blocked {
		return
	}
	if reason == "" {
		reason = "manual unblock"
	}
	l.unblockLocked(reason)
}

// ResetDailyStats 手动清零当日统计 (历史记录保留)
func (l *Ledger) ResetDailyStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetDailyLocked()
	l.dailyFloor = l.now()
	l.lastResetDate = dateKey(l.dailyFloor)
	l.level = l.levelLocked()
	l.logger.Info("Daily risk stats reset manually")
}

// Report 生成可读的风控报告
func (l *Ledger) Report() string {
	a := l.Assessment()
	cfg := l.Config()

	var b strings.Builder
	fmt.Fprintf(&b, "Risk report [%s %s]\n", l.strategy, l.symbol)
	fmt.Fprintf(&b, "  level:               %s\n", a.Level)
	fmt.Fprintf(&b, "  daily pnl:           %.4f (%.2f%% / limit %.2f%%)\n", a.DailyPnl, a.DailyLossPct, cfg.MaxDailyLossPct)
	fmt.Fprintf(&b, "  remaining daily risk: %.2f%%\n", a.RemainingDailyRisk)
	fmt.Fprintf(&b, "  trades today:        %d / %d (remaining %d)\n", a.TradesToday, cfg.MaxTradesPerDay, a.TradesRemaining)
	fmt.Fprintf(&b, "  consecutive losses:  %d / %d\n", a.ConsecutiveLosses, cfg.MaxConsecutiveLosses)
	fmt.Fprintf(&b, "  drawdown:            %.2f%% (max seen %.2f%%, limit %.2f%%)\n", a.CurrentDrawdown, a.MaxDrawdownSeen, cfg.MaxDrawdownPct)
	fmt.Fprintf(&b, "  win rate today:      %.1f%%\n", a.WinRate)
	if a.Blocked && a.BlockUntil != nil {
		fmt.Fprintf(&b, "  BLOCKED until %s: %s\n", a.BlockUntil.UTC().Format(time.RFC3339), a.BlockReason)
	}
	return b.String()
}

// History 返回保留期内的交易记录副本
func (l *Ledger) History() []model.TradeResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.TradeResult, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Ledger) applyLocked(t model.TradeResult) {
	l.history = append(l.history, t)

	if t.IsWin {
		l.consecutiveLosses = 0
	} else {
		l.consecutiveLosses++
	}

	if t.PnlPct < 0 {
		l.currentDrawdown += math.Abs(t.PnlPct)
		l.maxDrawdownSeen = math.Max(l.maxDrawdownSeen, l.currentDrawdown)
	} else {
		l.currentDrawdown = math.Max(0, l.currentDrawdown-t.PnlPct)
	}
}

// refreshLocked 跨日检查 + 重新统计当日数据 + 更新风险等级
func (l *Ledger) refreshLocked(now time.Time) {
	l.rolloverLocked(now)
	l.recomputeDailyLocked(now)
	l.level = l.levelLocked()
}

func (l *Ledger) rolloverLocked(now time.Time) {
	today := dateKey(now)
	if today == l.lastResetDate {
		return
	}
	l.resetDailyLocked()
	l.purgeLocked(now)
	l.lastResetDate = today
	l.logger.Info("Daily risk counters reset", zap.String("Date", today))
}

func (l *Ledger) resetDailyLocked() {
	l.dailyPnl = 0
	l.dailyLossPct = 0
	l.tradesToday = 0
	l.winRate = 0
}

func (l *Ledger) purgeLocked(now time.Time) {
	cutoff := now.Add(-HistoryRetention)
	kept := l.history[:0]
	for _, t := range l.history {
		if t.Timestamp.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.history = kept
}

// recomputeDailyLocked 只扫描 UTC 当日的交易
func (l *Ledger) recomputeDailyLocked(now time.Time) {
	today := dateKey(now)
	var pnl, pnlPct float64
	var count, wins int
	for _, t := range l.history {
		if dateKey(t.Timestamp) != today || !t.Timestamp.After(l.dailyFloor) {
			continue
		}
		count++
		pnl += t.Pnl
		pnlPct += t.PnlPct
		if t.IsWin {
			wins++
		}
	}
	l.dailyPnl = pnl
	l.dailyLossPct = pnlPct
	l.tradesToday = count
	l.winRate = 0
	if count > 0 {
		l.winRate = float64(wins) / float64(count) * 100
	}
}

func (l *Ledger) levelLocked() Level {
	return LevelForScore(Score(l.cfg, l.dailyLossPct, l.consecutiveLosses, l.currentDrawdown, l.tradesToday))
}

func (l *Ledger) blockLocked(reason string, d time.Duration) {
	l.blocked = true
	l.blockReason = reason
	l.blockUntil = l.now().Add(d)
	l.logger.Warn("Trading blocked",
		zap.String("Reason", reason),
		zap.Time("Until", l.blockUntil))
}

func (l *Ledger) unblockLocked(reason string) {
	prev := l.blockReason
	l.blocked = false
	l.blockReason = ""
	l.blockUntil = time.Time{}
	l.logger.Info("Trading unblocked", zap.String("Reason", reason), zap.String("PreviousBlock", prev))
	l.emitLocked(KindTradingUnblocked, 0, 0, "trading_unblocked",
		fmt.Sprintf("trading unblocked (%s), previous block: %s", reason, prev), model.SeverityLow)
}

func (l *Ledger) rejectLocked(kind EventKind, trigger, current float64, action, reason string, severity model.Severity) Decision {
	l.emitLocked(kind, trigger, current, action, reason, severity)
	return Decision{Allowed: false, Reason: reason, Code: kind}
}

// emitLocked 写风控事件，失败只记录本地日志
func (l *Ledger) emitLocked(kind EventKind, trigger, current float64, action, description string, severity model.Severity) {
	if l.sink == nil {
		return
	}
	event := model.RiskEvent{
		Kind:         string(kind),
		Symbol:       l.symbol,
		StrategyName: l.strategy,
		TriggerValue: trigger,
		CurrentValue: current,
		ActionTaken:  action,
		Description:  description,
		Severity:     severity,
		Timestamp:    l.now(),
	}
	if err := l.sink.LogRiskEvent(context.Background(), event); err != nil {
		l.logger.Warn("Failed to log risk event", zap.String("Kind", string(kind)), zap.Error(err))
	}
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
