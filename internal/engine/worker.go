package engine

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"crypto-strategy-engine/internal/exchange"
	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/internal/risk"
	"crypto-strategy-engine/internal/storage"
	"crypto-strategy-engine/internal/strategy"
	"crypto-strategy-engine/pkg/ta"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// 置信度高于该值的信号才写策略日志
	signalLogThreshold = 0.5
	maxStopLossPct     = 50.0
)

// WorkerConfig 单个策略实例的交易参数
type WorkerConfig struct {
	ID              string
	Symbol          string
	OrderQty        float64
	PositionSizePct float64
	StopLossPct     float64
	TakeProfitPct   float64
}

func (c WorkerConfig) validate(maxPositionSizePct float64) error {
	switch {
	case c.Symbol == "":
		return &ConfigurationError{Field: "symbol", Reason: "required"}
	case c.OrderQty <= 0:
		return &ConfigurationError{Field: "order_qty", Reason: "must be > 0"}
	case c.PositionSizePct <= 0 || c.PositionSizePct > maxPositionSizePct:
		return &ConfigurationError{
			Field:  "position_size_pct",
			Reason: fmt.Sprintf("must be in (0, %g], got %g", maxPositionSizePct, c.PositionSizePct),
		}
	case c.StopLossPct <= 0 || c.StopLossPct > maxStopLossPct:
		return &ConfigurationError{
			Field:  "stop_loss_pct",
			Reason: fmt.Sprintf("must be in (0, %g], got %g", maxStopLossPct, c.StopLossPct),
		}
	case c.TakeProfitPct <= 0:
		return &ConfigurationError{Field: "take_profit_pct", Reason: "must be > 0"}
	}
	return nil
}

// Status worker 的只读快照
type Status struct {
	ID            string
	Strategy      string
	Symbol        string
	State         State
	SessionID     string
	StartTime     time.Time
	LastUpdate    time.Time
	Uptime        time.Duration
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	DailyTrades   int
	DailyPnL      float64
	TotalPnL      float64
	Position      *model.Position
	LastReason    string
	LastError     string
	Risk          risk.Assessment
}

type WorkerOption func(*Worker)

// WithWorkerClock 替换时间源 (测试使用)
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// Worker 运行单个策略：状态机 + 风控账本 + 持仓管理。
// opMu 串行化 Update 与生命周期操作；mu 只保护字段，供 Status 等查询使用
type Worker struct {
	cfg      WorkerConfig
	strategy strategy.Strategy
	client   exchange.Client
	ledger   *risk.Ledger
	journal  *storage.Journal
	logger   *zap.Logger
	now      func() time.Time

	opMu sync.Mutex

	mu            sync.RWMutex
	state         State
	sessionID     string
	startTime     time.Time
	lastUpdate    time.Time
	lastPrice     float64
	position      *model.Position
	totalTrades   int
	winningTrades int
	losingTrades  int
	dailyTrades   int
	dailyPnL      float64
	dailyDate     string
	totalPnL      float64
	cumPnLPct     float64
	peakPnLPct    float64
	maxDrawdown   float64
	lastReason    string
	lastErr       error
	errorReported bool
	metricsFrom   time.Time
}

func NewWorker(
	cfg WorkerConfig,
	strat strategy.Strategy,
	client exchange.Client,
	ledger *risk.Ledger,
	journal *storage.Journal,
	logger *zap.Logger,
	opts ...WorkerOption,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if journal == nil {
		journal = storage.NewJournal(nil, logger)
	}
	w := &Worker{
		cfg:      cfg,
		strategy: strat,
		client:   client,
		ledger:   ledger,
		journal:  journal,
		logger: logger.With(
			zap.String("Strategy", cfg.ID),
			zap.String("Symbol", cfg.Symbol),
		),
		now:   time.Now,
		state: StateStopped,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) ID() string     { return w.cfg.ID }
func (w *Worker) Symbol() string { return w.cfg.Symbol }

// Ledger 返回该 worker 的风控账本
func (w *Worker) Ledger() *risk.Ledger { return w.ledger }

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) LastUpdate() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastUpdate
}

// Start 只能从 STOPPED 启动：校验配置、探测连通性、重置当日计数
func (w *Worker) Start(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	switch st := w.State(); st {
	case StateRunning:
		return ErrAlreadyRunning
	case StatePaused, StateError:
		return errors.Wrapf(ErrInvalidTransition, "start from %s", st)
	}

	if err := w.cfg.validate(w.ledger.Config().MaxPositionSizePct); err != nil {
		return err
	}
	if _, err := w.client.GetServerTime(ctx); err != nil {
		return &ConnectivityError{Err: err}
	}

	now := w.now()
	w.mu.Lock()
	w.state = StateRunning
	w.sessionID = uuid.NewString()
	w.startTime = now
	w.lastUpdate = now
	w.metricsFrom = now
	w.dailyTrades = 0
	w.dailyPnL = 0
	w.dailyDate = dateKey(now)
	w.lastReason = ""
	w.lastErr = nil
	w.errorReported = false
	w.mu.Unlock()

	w.logger.Info("Strategy started", zap.String("Type", w.strategy.Name()))
	w.event(ctx, ActionStart, "strategy started", nil)
	return nil
}

// Stop 强平持仓后进入 STOPPED。已停止时返回 false 且没有副作用
func (w *Worker) Stop(ctx context.Context) bool {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	if w.State() == StateStopped {
		return false
	}

	if pos := w.currentPosition(); pos != nil {
		price := w.closePrice(ctx)
		if err := w.closePosition(ctx, price, "worker stopped"); err != nil {
			// 持仓保留，交给人工处理
			w.logger.Error("Failed to close position on stop", zap.Error(err), zap.String("Position", pos.String()))
			w.event(ctx, ActionCloseFailed, "failed to close position on stop: "+err.Error(), nil)
		}
	}

	w.setState(StateStopped)
	w.FlushMetrics(ctx)
	w.logger.Info("Strategy stopped")
	w.event(ctx, ActionStop, "strategy stopped", nil)
	return true
}

func (w *Worker) Pause() bool {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	if w.State() != StateRunning {
		return false
	}
	w.setState(StatePaused)
	w.logger.Info("Strategy paused")
	w.event(context.Background(), ActionPause, "strategy paused", nil)
	return true
}

func (w *Worker) Resume() bool {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	if w.State() != StatePaused {
		return false
	}
	w.mu.Lock()
	w.state = StateRunning
	w.lastReason = ""
	w.lastUpdate = w.now()
	w.mu.Unlock()
	w.logger.Info("Strategy resumed")
	w.event(context.Background(), ActionResume, "strategy resumed", nil)
	return true
}

// Update 处理一个行情快照。非 RUNNING 时直接返回。
// 任何错误或 panic 都会让 worker 进入 ERROR，且只上报一次
func (w *Worker) Update(ctx context.Context, snap *marketdata.Snapshot) (err error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	if w.State() != StateRunning {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = w.fail(ctx, &RuntimeFault{Err: errors.Errorf("panic: %v\n%s", r, debug.Stack())})
		}
	}()

	if err := w.tick(ctx, snap); err != nil {
		return w.fail(ctx, &RuntimeFault{Err: err})
	}
	return nil
}

func (w *Worker) tick(ctx context.Context, snap *marketdata.Snapshot) error {
	if snap == nil {
		return errors.New("nil market snapshot")
	}
	now := w.now()

	w.mu.Lock()
	w.lastUpdate = now
	w.lastPrice = snap.Price()
	if d := dateKey(now); d != w.dailyDate {
		w.dailyDate = d
		w.dailyTrades = 0
		w.dailyPnL = 0
	}
	w.mu.Unlock()

	analysis, err := w.strategy.AnalyzeMarket(snap)
	if errors.Is(err, ta.ErrNotEnoughHistory) {
		w.logger.Debug("Not enough history, skipping tick", zap.Int("Klines", len(snap.Klines)))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "analyze market")
	}

	signal, confidence := w.strategy.GenerateSignal(analysis)
	if confidence > signalLogThreshold {
		w.logger.Info("Signal generated",
			zap.String("Signal", string(signal)),
			zap.Float64("Confidence", confidence),
			zap.Float64("Price", analysis.Price),
			zap.String("Reason", analysis.Reason))
		w.event(ctx, ActionSignal, fmt.Sprintf("%s signal (confidence %.2f): %s", signal, confidence, analysis.Reason),
			map[string]any{
				"signal":     string(signal),
				"confidence": confidence,
				"price":      analysis.Price,
				"regime":     string(analysis.Regime),
				"indicators": analysis.Indicators,
			})
	}

	price := analysis.Price
	pos := w.currentPosition()

	// 止损/止盈不经过风控闸门
	if pos != nil {
		switch {
		case pos.StopLossHit(price):
			return w.protectiveClose(ctx, price, "stop loss hit")
		case pos.TakeProfitHit(price):
			return w.protectiveClose(ctx, price, "take profit hit")
		}
	}

	act := planAction(signal, pos)
	if act == actionNone {
		return nil
	}

	decision := w.ledger.CheckTradeAllowed(confidence, w.cfg.PositionSizePct, w.cfg.StopLossPct)
	if !decision.Allowed {
		w.pauseForRisk(ctx, decision)
		return nil
	}

	reason := fmt.Sprintf("%s signal (confidence %.2f)", signal, confidence)
	switch act {
	case actionOpenLong:
		return w.openPosition(ctx, model.DirLong, price, reason)
	case actionOpenShort:
		return w.openPosition(ctx, model.DirShort, price, reason)
	case actionClose:
		return w.closePosition(ctx, price, reason)
	}
	return nil
}

type action int

const (
	actionNone action = iota
	actionOpenLong
	actionOpenShort
	actionClose
)

// planAction 把信号映射为针对当前持仓的动作。
// 持仓时反向的开仓信号视为平仓，不在同一 tick 内反手
func planAction(signal model.SignalType, pos *model.Position) action {
	if pos == nil {
		switch signal {
		case model.SignalBuy:
			return actionOpenLong
		case model.SignalSell:
			return actionOpenShort
		}
		return actionNone
	}
	switch {
	case pos.Direction == model.DirLong && (signal == model.SignalCloseLong || signal == model.SignalSell):
		return actionClose
	case pos.Direction == model.DirShort && (signal == model.SignalCloseShort || signal == model.SignalBuy):
		return actionClose
	}
	return actionNone
}

func (w *Worker) pauseForRisk(ctx context.Context, d risk.Decision) {
	w.mu.Lock()
	w.state = StatePaused
	w.lastReason = d.Reason
	w.mu.Unlock()

	w.logger.Warn("Trade rejected by risk ledger, strategy paused",
		zap.String("Code", string(d.Code)),
		zap.String("Reason", d.Reason))
	w.event(ctx, ActionRiskRejected, d.Reason, map[string]any{"code": string(d.Code)})
}

func (w *Worker) openPosition(ctx context.Context, dir model.Direction, price float64, reason string) error {
	req := exchange.OrderRequest{
		Symbol: w.cfg.Symbol,
		Side:   dir.OpenSide(),
		Type:   model.OrderMarket,
		Qty:    w.cfg.OrderQty,
	}
	orderID, err := w.client.PlaceOrder(ctx, req)
	if err != nil {
		w.trade(ctx, req, "", price, "FAILED", reason, false, 0, 0)
		return errors.Wrapf(err, "open %s position", dir)
	}

	sl := w.cfg.StopLossPct / 100
	tp := w.cfg.TakeProfitPct / 100
	pos := &model.Position{
		Symbol:     w.cfg.Symbol,
		Direction:  dir,
		Qty:        w.cfg.OrderQty,
		EntryPrice: price,
		EntryTime:  w.now(),
		OrderID:    orderID,
	}
	if dir == model.DirLong {
		pos.StopLoss = price * (1 - sl)
		pos.TakeProfit = price * (1 + tp)
	} else {
		pos.StopLoss = price * (1 + sl)
		pos.TakeProfit = price * (1 - tp)
	}

	w.mu.Lock()
	w.position = pos
	w.dailyTrades++
	w.mu.Unlock()

	w.trade(ctx, req, orderID, price, "FILLED", reason, false, 0, 0)
	w.logger.Info("Position opened", zap.String("Position", pos.String()), zap.String("OrderID", orderID))
	w.event(ctx, ActionPositionOpened, pos.String(), map[string]any{
		"direction":   string(dir),
		"entry_price": price,
		"qty":         pos.Qty,
		"stop_loss":   pos.StopLoss,
		"take_profit": pos.TakeProfit,
		"order_id":    orderID,
	})
	return nil
}

func (w *Worker) protectiveClose(ctx context.Context, price float64, reason string) error {
	w.logger.Info("Protective exit triggered", zap.String("Reason", reason), zap.Float64("Price", price))
	w.event(ctx, ActionProtectiveClose, reason, map[string]any{"price": price})
	return w.closePosition(ctx, price, reason)
}

// closePosition 平掉当前持仓。price <= 0 表示价格未知，此时不计算盈亏也不写入风控账本
func (w *Worker) closePosition(ctx context.Context, price float64, reason string) error {
	pos := w.currentPosition()
	if pos == nil {
		return nil
	}
	req := exchange.OrderRequest{
		Symbol: pos.Symbol,
		Side:   pos.Direction.CloseSide(),
		Type:   model.OrderMarket,
		Qty:    pos.Qty,
	}
	orderID, err := w.client.PlaceOrder(ctx, req)
	if err != nil {
		w.trade(ctx, req, "", price, "FAILED", reason, true, 0, 0)
		return errors.Wrapf(err, "close %s position", pos.Direction)
	}

	var pnl, pnlPct float64
	known := price > 0
	if known {
		pnlPct = pos.PnLPct(price)
		pnl = pnlPct / 100 * pos.EntryPrice * pos.Qty
	}

	w.mu.Lock()
	w.position = nil
	if known {
		w.totalTrades++
		if pnlPct > 0 {
			w.winningTrades++
		} else {
			w.losingTrades++
		}
		w.dailyPnL += pnl
		w.totalPnL += pnl
		w.cumPnLPct += pnlPct
		w.peakPnLPct = math.Max(w.peakPnLPct, w.cumPnLPct)
		w.maxDrawdown = math.Max(w.maxDrawdown, w.peakPnLPct-w.cumPnLPct)
	}
	w.mu.Unlock()

	if known {
		w.ledger.RecordTrade(model.TradeResult{
			Timestamp:    w.now(),
			Pnl:          pnl,
			PnlPct:       pnlPct,
			IsWin:        pnlPct > 0,
			Symbol:       pos.Symbol,
			StrategyName: w.cfg.ID,
		})
	} else {
		w.logger.Warn("Close price unknown, trade not recorded in risk ledger", zap.String("OrderID", orderID))
	}

	w.trade(ctx, req, orderID, price, "FILLED", reason, true, pnl, pnlPct)
	w.logger.Info("Position closed",
		zap.String("Reason", reason),
		zap.Float64("ExitPrice", price),
		zap.Float64("PnL", pnl),
		zap.Float64("PnLPct", pnlPct))
	w.event(ctx, ActionPositionClosed, fmt.Sprintf("%s closed: %s, pnl %.2f%%", pos.Direction, reason, pnlPct),
		map[string]any{
			"direction":   string(pos.Direction),
			"entry_price": pos.EntryPrice,
			"exit_price":  price,
			"pnl":         pnl,
			"pnl_pct":     pnlPct,
			"order_id":    orderID,
		})
	return nil
}

// closePrice 优先使用最近快照价格，其次实时 ticker，都拿不到时返回 0
func (w *Worker) closePrice(ctx context.Context) float64 {
	w.mu.RLock()
	price := w.lastPrice
	w.mu.RUnlock()
	if price > 0 {
		return price
	}
	t, err := w.client.GetTicker(ctx, w.cfg.Symbol)
	if err != nil {
		w.logger.Warn("Failed to fetch close price", zap.Error(err))
		return 0
	}
	return t.Price
}

func (w *Worker) fail(ctx context.Context, fault *RuntimeFault) error {
	w.mu.Lock()
	w.state = StateError
	w.lastErr = fault
	report := !w.errorReported
	w.errorReported = true
	w.mu.Unlock()

	if report {
		w.logger.Error("Strategy update failed", zap.Error(fault))
		w.event(ctx, ActionUpdateError, fault.Error(), nil)
	}
	return fault
}

// PerformanceMetrics 自上次落库以来的绩效汇总
func (w *Worker) PerformanceMetrics() model.PerformanceMetrics {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return model.PerformanceMetrics{
		StrategyName:  w.cfg.ID,
		Symbol:        w.cfg.Symbol,
		PeriodStart:   w.metricsFrom,
		PeriodEnd:     w.now(),
		TotalTrades:   w.totalTrades,
		WinningTrades: w.winningTrades,
		LosingTrades:  w.losingTrades,
		TotalPnL:      w.totalPnL,
		MaxDrawdown:   w.maxDrawdown,
		WinRate:       winRate(w.winningTrades, w.totalTrades),
		Additional: map[string]any{
			"strategy_type": w.strategy.Name(),
			"session_id":    w.sessionID,
			"daily_pnl":     w.dailyPnL,
			"daily_trades":  w.dailyTrades,
			"state":         string(w.state),
		},
	}
}

// FlushMetrics 写入一次绩效快照
func (w *Worker) FlushMetrics(ctx context.Context) {
	m := w.PerformanceMetrics()
	m.Additional["risk_level"] = string(w.ledger.Assessment().Level)
	w.journal.Metrics(ctx, m)

	w.mu.Lock()
	w.metricsFrom = m.PeriodEnd
	w.mu.Unlock()
}

func (w *Worker) Status() Status {
	assessment := w.ledger.Assessment()

	w.mu.RLock()
	defer w.mu.RUnlock()

	st := Status{
		ID:            w.cfg.ID,
		Strategy:      w.strategy.Name(),
		Symbol:        w.cfg.Symbol,
		State:         w.state,
		SessionID:     w.sessionID,
		StartTime:     w.startTime,
		LastUpdate:    w.lastUpdate,
		TotalTrades:   w.totalTrades,
		WinningTrades: w.winningTrades,
		LosingTrades:  w.losingTrades,
		WinRate:       winRate(w.winningTrades, w.totalTrades),
		DailyTrades:   w.dailyTrades,
		DailyPnL:      w.dailyPnL,
		TotalPnL:      w.totalPnL,
		LastReason:    w.lastReason,
		Risk:          assessment,
	}
	if w.state != StateStopped && !w.startTime.IsZero() {
		st.Uptime = w.now().Sub(w.startTime)
	}
	if w.position != nil {
		p := *w.position
		st.Position = &p
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

func (w *Worker) currentPosition() *model.Position {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.position == nil {
		return nil
	}
	p := *w.position
	return &p
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) event(ctx context.Context, action, text string, data map[string]any) {
	w.mu.RLock()
	session := w.sessionID
	w.mu.RUnlock()

	w.journal.Event(ctx, model.StrategyEvent{
		StrategyName:    w.cfg.ID,
		Symbol:          w.cfg.Symbol,
		Action:          action,
		TechnicalDetail: fmt.Sprintf("state=%s", w.State()),
		HumanText:       text,
		Data:            data,
		SessionID:       session,
		Timestamp:       w.now(),
	})
}

func (w *Worker) trade(ctx context.Context, req exchange.OrderRequest, orderID string, price float64, status, reason string, isClose bool, pnl, pnlPct float64) {
	w.journal.Trade(ctx, model.TradeRecord{
		OrderID:       orderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.Type,
		Qty:           req.Qty,
		Price:         price,
		ExecutedPrice: price,
		Status:        status,
		StrategyName:  w.cfg.ID,
		ProfitLoss:    pnl,
		ProfitLossPct: pnlPct,
		Reason:        reason,
		IsClose:       isClose,
		Timestamp:     w.now(),
	})
}

func winRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total) * 100
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
