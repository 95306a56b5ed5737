package strategy

import (
	"fmt"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/pkg/ta"
)

const KindBollinger = "bollinger"

type BollingerParams struct {
	Period int     `mapstructure:"period"`
	StdDev float64 `mapstructure:"std_dev"`
}

func DefaultBollingerParams() BollingerParams {
	return BollingerParams{Period: 20, StdDev: 2}
}

func (p BollingerParams) Validate() error {
	if p.Period < 2 || p.Period > ta.MinHistoryLen {
		return fmt.Errorf("period must be in [2, %d], got %d", ta.MinHistoryLen, p.Period)
	}
	if p.StdDev <= 0 {
		return fmt.Errorf("std_dev must be > 0, got %.2f", p.StdDev)
	}
	return nil
}

// Bollinger 价格触及/突破下轨做多、上轨做空，回穿中轨平仓
type Bollinger struct {
	params BollingerParams
}

func NewBollinger(p BollingerParams) (*Bollinger, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Bollinger{params: p}, nil
}

func (s *Bollinger) Name() string { return KindBollinger }

func (s *Bollinger) AnalyzeMarket(snap *marketdata.Snapshot) (*Analysis, error) {
	a, ind, err := prepare(snap, ta.Params{BBPeriod: s.params.Period, BBStdDev: s.params.StdDev})
	if err != nil {
		return nil, err
	}
	a.Indicators[KeyBBUpper] = ta.Last(ind.BBUpper)
	a.Indicators[KeyBBMiddle] = ta.Last(ind.BBMiddle)
	a.Indicators[KeyBBLower] = ta.Last(ind.BBLower)
	a.Indicators[KeyPrevClose] = ta.Prev(ind.Close)
	a.Indicators[KeyPrevMiddle] = ta.Prev(ind.BBMiddle)
	return a, nil
}

func (s *Bollinger) GenerateSignal(a *Analysis) (model.SignalType, float64) {
	if a == nil {
		return model.SignalHold, 0
	}
	upper, middle, lower := a.Indicators[KeyBBUpper], a.Indicators[KeyBBMiddle], a.Indicators[KeyBBLower]
	width := upper - lower
	if width <= 0 {
		a.Reason = "bands collapsed"
		return model.SignalHold, 0
	}
	price := a.Price
	prevClose, prevMiddle := a.Indicators[KeyPrevClose], a.Indicators[KeyPrevMiddle]

	// 触轨 0.6，越出轨道越多置信度越高
	switch {
	case price <= lower:
		a.Reason = fmt.Sprintf("price %.4f at/below lower band %.4f", price, lower)
		return model.SignalBuy, clamp01(0.6 + (lower-price)/width*2)
	case price >= upper:
		a.Reason = fmt.Sprintf("price %.4f at/above upper band %.4f", price, upper)
		return model.SignalSell, clamp01(0.6 + (price-upper)/width*2)
	case prevClose < prevMiddle && price >= middle:
		a.Reason = "price crossed back above middle band"
		return model.SignalCloseLong, 0.75
	case prevClose > prevMiddle && price <= middle:
		a.Reason = "price crossed back below middle band"
		return model.SignalCloseShort, 0.75
	}
	return model.SignalHold, 0
}
