package strategy

import (
	"sync"

	"crypto-strategy-engine/pkg/ta"

	"go.uber.org/zap"
)

// 市场状态常量
type MarketState string

const (
	// 趋势模式 (Up or Down)
	StateStrongUpTrend   MarketState = "STRONG_UP_TREND"
	StateStrongDownTrend MarketState = "STRONG_DOWN_TREND"

	// 震荡模式
	StateHighVolRanging MarketState = "HIGH_VOL_RANGING"
	StateLowVolRanging  MarketState = "LOW_VOL_RANGING"

	// 初始状态
	StateInitial MarketState = "INITIALIZING"
)

func (s MarketState) Trending() bool {
	return s == StateStrongUpTrend || s == StateStrongDownTrend
}

// StateMachine 根据均线位置、RSI 动量与 ATR 波动率划分市场状态
type StateMachine struct {
	mu           sync.RWMutex
	currentState MarketState
	logger       *zap.Logger

	TrendThreshold  float64 // RSI 超过该值 (或低于 100-该值) 视为强势
	ATRVolThreshold float64 // ATR/价格 高于该值为高波动
}

func NewStateMachine(trendThreshold, atrVolThreshold float64, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		currentState:    StateInitial,
		logger:          logger,
		TrendThreshold:  trendThreshold,
		ATRVolThreshold: atrVolThreshold,
	}
}

// Transition 用最新指标计算新状态，状态变化时记录日志
func (sm *StateMachine) Transition(ind *ta.Indicators) MarketState {
	price := ta.Last(ind.Close)
	ma := ta.Last(ind.SMA)
	rsi := ta.Last(ind.RSI)
	atr := ta.Last(ind.ATR)

	var next MarketState
	switch {
	case price > ma && rsi >= sm.TrendThreshold:
		next = StateStrongUpTrend
	case price < ma && rsi <= 100-sm.TrendThreshold:
		next = StateStrongDownTrend
	default:
		next = sm.rangingMode(price, atr)
	}

	sm.mu.Lock()
	prev := sm.currentState
	sm.currentState = next
	sm.mu.Unlock()

	if next != prev {
		sm.logger.Info("Market state transition",
			zap.String("From", string(prev)),
			zap.String("To", string(next)),
			zap.Float64("RSI", rsi),
			zap.Float64("ATR", atr),
		)
	}
	return next
}

func (sm *StateMachine) rangingMode(price, atr float64) MarketState {
	// 价格异常时进入保守模式
	if price <= 0 {
		return StateLowVolRanging
	}
	if atr/price >= sm.ATRVolThreshold {
		return StateHighVolRanging
	}
	return StateLowVolRanging
}

func (sm *StateMachine) State() MarketState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}
