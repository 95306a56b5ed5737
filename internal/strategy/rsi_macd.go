package strategy

import (
	"fmt"
	"strings"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/pkg/ta"
)

const KindRSIMACD = "rsi_macd"

type RSIMACDParams struct {
	RSIPeriod     int     `mapstructure:"rsi_period"`
	RSIOversold   float64 `mapstructure:"rsi_oversold"`
	RSIOverbought float64 `mapstructure:"rsi_overbought"`
	MACDFast      int     `mapstructure:"macd_fast"`
	MACDSlow      int     `mapstructure:"macd_slow"`
	MACDSignal    int     `mapstructure:"macd_signal"`
}

func DefaultRSIMACDParams() RSIMACDParams {
	return RSIMACDParams{
		RSIPeriod:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
	}
}

func (p RSIMACDParams) Validate() error {
	if p.RSIPeriod < 2 {
		return fmt.Errorf("rsi_period must be >= 2, got %d", p.RSIPeriod)
	}
	if !(0 < p.RSIOversold && p.RSIOversold < p.RSIOverbought && p.RSIOverbought < 100) {
		return fmt.Errorf("need 0 < rsi_oversold < rsi_overbought < 100, got %.1f/%.1f", p.RSIOversold, p.RSIOverbought)
	}
	if p.MACDFast <= 0 || p.MACDFast >= p.MACDSlow || p.MACDSignal <= 0 {
		return fmt.Errorf("need 0 < macd_fast < macd_slow and macd_signal > 0, got %d/%d/%d", p.MACDFast, p.MACDSlow, p.MACDSignal)
	}
	return nil
}

// RSIMACD RSI 超买超卖 + MACD 交叉/柱状图的组合策略
type RSIMACD struct {
	params RSIMACDParams
}

func NewRSIMACD(p RSIMACDParams) (*RSIMACD, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &RSIMACD{params: p}, nil
}

func (s *RSIMACD) Name() string { return KindRSIMACD }

func (s *RSIMACD) AnalyzeMarket(snap *marketdata.Snapshot) (*Analysis, error) {
	a, ind, err := prepare(snap, ta.Params{
		RSIPeriod:  s.params.RSIPeriod,
		MACDFast:   s.params.MACDFast,
		MACDSlow:   s.params.MACDSlow,
		MACDSignal: s.params.MACDSignal,
	})
	if err != nil {
		return nil, err
	}
	a.Indicators[KeyRSI] = ta.Last(ind.RSI)
	a.Indicators[KeyMACD] = ta.Last(ind.MACD)
	a.Indicators[KeyMACDSignal] = ta.Last(ind.MACDSig)
	a.Indicators[KeyMACDHist] = ta.Last(ind.MACDHist)
	a.Indicators[KeyMACDPrev] = ta.Prev(ind.MACD)
	a.Indicators[KeyMACDSigPrev] = ta.Prev(ind.MACDSig)
	a.Indicators[KeyMACDHistPrev] = ta.Prev(ind.MACDHist)
	return a, nil
}

type vote struct {
	signal   model.SignalType
	strength float64
	reason   string
}

func (s *RSIMACD) rsiVote(rsi float64) vote {
	p := s.params
	switch {
	case rsi <= p.RSIOversold:
		return vote{model.SignalBuy, (p.RSIOversold - rsi) / p.RSIOversold, fmt.Sprintf("RSI oversold (%.1f)", rsi)}
	case rsi >= p.RSIOverbought:
		return vote{model.SignalSell, (rsi - p.RSIOverbought) / (100 - p.RSIOverbought), fmt.Sprintf("RSI overbought (%.1f)", rsi)}
	}
	return vote{signal: model.SignalHold}
}

func macdVote(ind map[string]float64) vote {
	macd, sig := ind[KeyMACD], ind[KeyMACDSignal]
	macdPrev, sigPrev := ind[KeyMACDPrev], ind[KeyMACDSigPrev]
	hist, histPrev := ind[KeyMACDHist], ind[KeyMACDHistPrev]

	// 交叉优先于柱状图
	switch {
	case macdPrev <= sigPrev && macd > sig:
		return vote{model.SignalBuy, 0.8, "MACD bullish crossover"}
	case macdPrev >= sigPrev && macd < sig:
		return vote{model.SignalSell, 0.8, "MACD bearish crossover"}
	case hist > 0 && hist > histPrev:
		return vote{model.SignalBuy, 0.4, "MACD histogram rising"}
	case hist < 0 && hist < histPrev:
		return vote{model.SignalSell, 0.4, "MACD histogram falling"}
	}
	return vote{signal: model.SignalHold}
}

// GenerateSignal 两个指标一致或只有一个给出方向时出信号，冲突时 HOLD。
// 置信度为两者强度的平均
func (s *RSIMACD) GenerateSignal(a *Analysis) (model.SignalType, float64) {
	if a == nil {
		return model.SignalHold, 0
	}
	r := s.rsiVote(a.Indicators[KeyRSI])
	m := macdVote(a.Indicators)

	var signal model.SignalType
	switch {
	case r.signal != model.SignalHold && m.signal != model.SignalHold && r.signal != m.signal:
		a.Reason = "RSI and MACD disagree"
		return model.SignalHold, 0
	case r.signal != model.SignalHold:
		signal = r.signal
	case m.signal != model.SignalHold:
		signal = m.signal
	default:
		return model.SignalHold, 0
	}

	var reasons []string
	for _, v := range []vote{r, m} {
		if v.reason != "" {
			reasons = append(reasons, v.reason)
		}
	}
	a.Reason = strings.Join(reasons, "; ")
	return signal, clamp01((r.strength + m.strength) / 2)
}
