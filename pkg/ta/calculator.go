package ta

import (
	"errors"
	"fmt"

	"crypto-strategy-engine/internal/model"

	"github.com/markcheno/go-talib"
)

// MinHistoryLen 计算指标所需的最小 K 线数量
const MinHistoryLen = 30

var ErrNotEnoughHistory = errors.New("ta: not enough history")

// Params 指标周期参数
type Params struct {
	MAPeriod   int
	EMAPeriod  int
	RSIPeriod  int
	BBPeriod   int
	BBStdDev   float64
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	ATRPeriod  int
}

// DefaultParams MA20, EMA20, RSI14, BBands(20,2), MACD(12,26,9), ATR14
func DefaultParams() Params {
	return Params{
		MAPeriod:   20,
		EMAPeriod:  20,
		RSIPeriod:  14,
		BBPeriod:   20,
		BBStdDev:   2,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		ATRPeriod:  14,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MAPeriod <= 0 {
		p.MAPeriod = d.MAPeriod
	}
	if p.EMAPeriod <= 0 {
		p.EMAPeriod = d.EMAPeriod
	}
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = d.RSIPeriod
	}
	if p.BBPeriod <= 0 {
		p.BBPeriod = d.BBPeriod
	}
	if p.BBStdDev <= 0 {
		p.BBStdDev = d.BBStdDev
	}
	if p.MACDFast <= 0 {
		p.MACDFast = d.MACDFast
	}
	if p.MACDSlow <= 0 {
		p.MACDSlow = d.MACDSlow
	}
	if p.MACDSignal <= 0 {
		p.MACDSignal = d.MACDSignal
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = d.ATRPeriod
	}
	return p
}

// Indicators 一组 K 线上计算出的指标序列，与输入等长，预热期的值为 0
type Indicators struct {
	Close  []float64 // 收盘价序列
	High   []float64 // 最高价序列
	Low    []float64 // 最低价序列
	Volume []float64 // 成交量序列

	SMA      []float64
	EMA      []float64
	RSI      []float64
	MACD     []float64
	MACDSig  []float64
	MACDHist []float64
	BBUpper  []float64
	BBMiddle []float64
	BBLower  []float64
	ATR      []float64
}

// Calculate 在升序 K 线上集中计算所有指标
func Calculate(klines []model.KLine, p Params) (*Indicators, error) {
	if len(klines) < MinHistoryLen {
		return nil, fmt.Errorf("%w: have %d klines, need %d", ErrNotEnoughHistory, len(klines), MinHistoryLen)
	}
	p = p.withDefaults()

	n := len(klines)
	ind := &Indicators{
		Close:  make([]float64, n),
		High:   make([]float64, n),
		Low:    make([]float64, n),
		Volume: make([]float64, n),
	}
	for i, k := range klines {
		ind.Close[i] = k.Close
		ind.High[i] = k.High
		ind.Low[i] = k.Low
		ind.Volume[i] = k.Volume
	}

	closes := ind.Close
	ind.SMA = talib.Sma(closes, p.MAPeriod)
	ind.EMA = talib.Ema(closes, p.EMAPeriod)
	ind.RSI = talib.Rsi(closes, p.RSIPeriod)
	ind.MACD, ind.MACDSig, ind.MACDHist = talib.Macd(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	ind.BBUpper, ind.BBMiddle, ind.BBLower = talib.BBands(closes, p.BBPeriod, p.BBStdDev, p.BBStdDev, talib.SMA)
	// ATR 需要 High, Low 与前收盘价
	ind.ATR = talib.Atr(ind.High, ind.Low, closes, p.ATRPeriod)
	return ind, nil
}

// SMA 任意周期的简单均线 (均线交叉策略使用)
func SMA(series []float64, period int) []float64 {
	return talib.Sma(series, period)
}

// Last 序列最后一个值，空序列返回 0
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// Prev 序列倒数第二个值
func Prev(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	return series[len(series)-2]
}
