package strategy

import (
	"fmt"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/pkg/ta"

	"go.uber.org/zap"
)

const KindAdaptive = "adaptive"

type AdaptiveParams struct {
	TrendThreshold  float64 `mapstructure:"trend_threshold"`
	ATRVolThreshold float64 `mapstructure:"atr_vol_threshold"`
	MAPeriod        int     `mapstructure:"ma_period"`
}

func DefaultAdaptiveParams() AdaptiveParams {
	return AdaptiveParams{
		TrendThreshold:  60,     // RSI 超过 60 视为潜在强势
		ATRVolThreshold: 0.0005, // 0.05%
		MAPeriod:        20,
	}
}

func (p AdaptiveParams) Validate() error {
	if p.TrendThreshold <= 50 || p.TrendThreshold >= 100 {
		return fmt.Errorf("trend_threshold must be in (50, 100), got %.1f", p.TrendThreshold)
	}
	if p.ATRVolThreshold <= 0 {
		return fmt.Errorf("atr_vol_threshold must be > 0, got %f", p.ATRVolThreshold)
	}
	if p.MAPeriod < 2 || p.MAPeriod > ta.MinHistoryLen {
		return fmt.Errorf("ma_period must be in [2, %d], got %d", ta.MinHistoryLen, p.MAPeriod)
	}
	return nil
}

// Adaptive 按市场状态切换打法：趋势中顺势，震荡中布林带高抛低吸
type Adaptive struct {
	params AdaptiveParams
	sm     *StateMachine
}

func NewAdaptive(p AdaptiveParams, logger *zap.Logger) (*Adaptive, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Adaptive{
		params: p,
		sm:     NewStateMachine(p.TrendThreshold, p.ATRVolThreshold, logger),
	}, nil
}

func (s *Adaptive) Name() string { return KindAdaptive }

// State 当前市场状态
func (s *Adaptive) State() MarketState {
	return s.sm.State()
}

func (s *Adaptive) AnalyzeMarket(snap *marketdata.Snapshot) (*Analysis, error) {
	a, ind, err := prepare(snap, ta.Params{MAPeriod: s.params.MAPeriod})
	if err != nil {
		return nil, err
	}
	a.Regime = s.sm.Transition(ind)
	a.Indicators[KeySMA] = ta.Last(ind.SMA)
	a.Indicators[KeyRSI] = ta.Last(ind.RSI)
	a.Indicators[KeyATR] = ta.Last(ind.ATR)
	a.Indicators[KeyBBUpper] = ta.Last(ind.BBUpper)
	a.Indicators[KeyBBMiddle] = ta.Last(ind.BBMiddle)
	a.Indicators[KeyBBLower] = ta.Last(ind.BBLower)
	return a, nil
}

func (s *Adaptive) GenerateSignal(a *Analysis) (model.SignalType, float64) {
	if a == nil {
		return model.SignalHold, 0
	}
	price := a.Price
	rsi := a.Indicators[KeyRSI]
	sma := a.Indicators[KeySMA]
	upper, middle, lower := a.Indicators[KeyBBUpper], a.Indicators[KeyBBMiddle], a.Indicators[KeyBBLower]
	t := s.params.TrendThreshold

	switch a.Regime {
	case StateStrongUpTrend:
		if price > sma {
			a.Reason = "strong up trend: price above MA"
			return model.SignalBuy, clamp01(0.6 + (rsi-t)/(100-t)*0.4)
		}
	case StateStrongDownTrend:
		if price < sma {
			a.Reason = "strong down trend: price below MA"
			return model.SignalSell, clamp01(0.6 + ((100-t)-rsi)/(100-t)*0.4)
		}
	case StateLowVolRanging, StateHighVolRanging:
		// 高波动震荡置信度更高
		base := 0.7
		if a.Regime == StateHighVolRanging {
			base = 0.8
		}
		switch {
		case price < lower && rsi < 50:
			a.Reason = "ranging: lower band bounce"
			return model.SignalBuy, base
		case price > upper && rsi > 50:
			a.Reason = "ranging: upper band rejection"
			return model.SignalSell, base
		case price >= middle && price < upper:
			a.Reason = "ranging: back to middle band"
			return model.SignalCloseLong, base
		case price <= middle && price > lower:
			a.Reason = "ranging: back to middle band"
			return model.SignalCloseShort, base
		}
	}
	return model.SignalHold, 0
}
