package strategy

import (
	"errors"
	"fmt"
	"math"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/pkg/ta"
)

// Strategy 策略能力接口。worker 与调度器只依赖这个接口
type Strategy interface {
	Name() string
	// AnalyzeMarket 在一个行情快照上计算指标，快照只读
	AnalyzeMarket(snap *marketdata.Snapshot) (*Analysis, error)
	// GenerateSignal 返回信号与置信度 [0,1]
	GenerateSignal(a *Analysis) (model.SignalType, float64)
}

// Analysis 一次分析的结果
type Analysis struct {
	Symbol     string
	Price      float64
	Indicators map[string]float64
	Regime     MarketState
	Reason     string
}

// 指标键
const (
	KeyRSI          = "rsi"
	KeyMACD         = "macd"
	KeyMACDSignal   = "macd_signal"
	KeyMACDHist     = "macd_hist"
	KeyMACDPrev     = "macd_prev"
	KeyMACDSigPrev  = "macd_signal_prev"
	KeyMACDHistPrev = "macd_hist_prev"
	KeyBBUpper      = "bb_upper"
	KeyBBMiddle     = "bb_middle"
	KeyBBLower      = "bb_lower"
	KeyPrevClose    = "prev_close"
	KeyPrevMiddle   = "bb_middle_prev"
	KeyFastMA       = "fast_ma"
	KeySlowMA       = "slow_ma"
	KeyFastMAPrev   = "fast_ma_prev"
	KeySlowMAPrev   = "slow_ma_prev"
	KeySMA          = "sma"
	KeyATR          = "atr"
)

var ErrNoMarketData = errors.New("strategy: empty market snapshot")

// prepare 校验快照并计算通用指标
func prepare(snap *marketdata.Snapshot, p ta.Params) (*Analysis, *ta.Indicators, error) {
	if snap == nil || len(snap.Klines) == 0 {
		return nil, nil, ErrNoMarketData
	}
	ind, err := ta.Calculate(snap.Klines, p)
	if err != nil {
		return nil, nil, fmt.Errorf("analyze %s: %w", snap.Symbol, err)
	}

	price := snap.Price()
	if price <= 0 {
		price = ta.Last(ind.Close)
	}
	return &Analysis{
		Symbol:     snap.Symbol,
		Price:      price,
		Indicators: make(map[string]float64, 8),
	}, ind, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
