package strategy

import (
	"fmt"
	"math"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/pkg/ta"
)

const KindMovingAverage = "moving_average"

type MovingAverageParams struct {
	FastPeriod int `mapstructure:"fast_period"`
	SlowPeriod int `mapstructure:"slow_period"`
	// 均线间距 (百分比) 低于该值时忽略交叉
	MinSpreadPct float64 `mapstructure:"min_spread_pct"`
}

func DefaultMovingAverageParams() MovingAverageParams {
	return MovingAverageParams{FastPeriod: 10, SlowPeriod: 20, MinSpreadPct: 0}
}

func (p MovingAverageParams) Validate() error {
	if p.FastPeriod < 2 || p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("need 2 <= fast_period < slow_period, got %d/%d", p.FastPeriod, p.SlowPeriod)
	}
	if p.MinSpreadPct < 0 {
		return fmt.Errorf("min_spread_pct must be >= 0, got %.4f", p.MinSpreadPct)
	}
	return nil
}

// MovingAverage 快慢均线交叉
type MovingAverage struct {
	params MovingAverageParams
}

func NewMovingAverage(p MovingAverageParams) (*MovingAverage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &MovingAverage{params: p}, nil
}

func (s *MovingAverage) Name() string { return KindMovingAverage }

func (s *MovingAverage) AnalyzeMarket(snap *marketdata.Snapshot) (*Analysis, error) {
	a, ind, err := prepare(snap, ta.Params{})
	if err != nil {
		return nil, err
	}
	// 需要慢线的前一个值
	if len(ind.Close) <= s.params.SlowPeriod {
		return nil, fmt.Errorf("analyze %s: %w: slow_period %d", a.Symbol, ta.ErrNotEnoughHistory, s.params.SlowPeriod)
	}
	fast := ta.SMA(ind.Close, s.params.FastPeriod)
	slow := ta.SMA(ind.Close, s.params.SlowPeriod)
	a.Indicators[KeyFastMA] = ta.Last(fast)
	a.Indicators[KeySlowMA] = ta.Last(slow)
	a.Indicators[KeyFastMAPrev] = ta.Prev(fast)
	a.Indicators[KeySlowMAPrev] = ta.Prev(slow)
	return a, nil
}

func (s *MovingAverage) GenerateSignal(a *Analysis) (model.SignalType, float64) {
	if a == nil {
		return model.SignalHold, 0
	}
	fast, slow := a.Indicators[KeyFastMA], a.Indicators[KeySlowMA]
	fastPrev, slowPrev := a.Indicators[KeyFastMAPrev], a.Indicators[KeySlowMAPrev]
	if slow <= 0 {
		return model.SignalHold, 0
	}

	spreadPct := math.Abs(fast-slow) / slow * 100
	if spreadPct < s.params.MinSpreadPct {
		return model.SignalHold, 0
	}
	confidence := clamp01(0.6 + spreadPct*0.2)

	switch {
	case fastPrev <= slowPrev && fast > slow:
		a.Reason = fmt.Sprintf("golden cross: fast %.4f > slow %.4f", fast, slow)
		return model.SignalBuy, confidence
	case fastPrev >= slowPrev && fast < slow:
		a.Reason = fmt.Sprintf("death cross: fast %.4f < slow %.4f", fast, slow)
		return model.SignalSell, confidence
	}
	return model.SignalHold, 0
}
