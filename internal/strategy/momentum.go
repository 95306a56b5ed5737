package strategy

import (
	"fmt"
	"math"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/pkg/ta"
)

const KindMomentum = "momentum"

// 动量策略的指标键
const (
	KeyMomentum    = "momentum"
	KeyROC         = "roc"
	KeyROCPrev     = "roc_prev"
	KeyVolumeRatio = "volume_ratio"
	KeyTrendBars   = "trend_bars"
)

type MomentumParams struct {
	MomentumPeriod      int     `mapstructure:"momentum_period"`
	ROCPeriod           int     `mapstructure:"roc_period"`
	VolumePeriod        int     `mapstructure:"volume_period"`
	MomentumThreshold   float64 `mapstructure:"momentum_threshold"` // %
	VolumeMultiplier    float64 `mapstructure:"volume_multiplier"`
	UseRSIFilter        bool    `mapstructure:"use_rsi_filter"`
	UseMACDConfirmation bool    `mapstructure:"use_macd_confirmation"`
	RSIPeriod           int     `mapstructure:"rsi_period"`
	MACDFast            int     `mapstructure:"macd_fast"`
	MACDSlow            int     `mapstructure:"macd_slow"`
	MACDSignal          int     `mapstructure:"macd_signal"`
}

func DefaultMomentumParams() MomentumParams {
	return MomentumParams{
		MomentumPeriod:      14,
		ROCPeriod:           10,
		VolumePeriod:        20,
		MomentumThreshold:   2.0,
		VolumeMultiplier:    1.5,
		UseRSIFilter:        true,
		UseMACDConfirmation: true,
		RSIPeriod:           14,
		MACDFast:            12,
		MACDSlow:            26,
		MACDSignal:          9,
	}
}

func (p MomentumParams) Validate() error {
	if p.MomentumPeriod < 5 {
		return fmt.Errorf("momentum_period must be >= 5, got %d", p.MomentumPeriod)
	}
	if p.ROCPeriod < 3 {
		return fmt.Errorf("roc_period must be >= 3, got %d", p.ROCPeriod)
	}
	if p.VolumePeriod < 2 {
		return fmt.Errorf("volume_period must be >= 2, got %d", p.VolumePeriod)
	}
	if p.MomentumThreshold <= 0 || p.VolumeMultiplier <= 0 {
		return fmt.Errorf("momentum_threshold and volume_multiplier must be positive, got %.2f/%.2f",
			p.MomentumThreshold, p.VolumeMultiplier)
	}
	if p.RSIPeriod < 2 {
		return fmt.Errorf("rsi_period must be >= 2, got %d", p.RSIPeriod)
	}
	if p.MACDFast <= 0 || p.MACDFast >= p.MACDSlow || p.MACDSignal <= 0 {
		return fmt.Errorf("need 0 < macd_fast < macd_slow and macd_signal > 0, got %d/%d/%d", p.MACDFast, p.MACDSlow, p.MACDSignal)
	}
	return nil
}

// Momentum 价格动量 + ROC 加速度 + 成交量放大的趋势跟随策略，
// RSI 过滤极端区域，MACD 做方向确认
type Momentum struct {
	params MomentumParams
}

func NewMomentum(p MomentumParams) (*Momentum, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Momentum{params: p}, nil
}

func (s *Momentum) Name() string { return KindMomentum }

func (s *Momentum) AnalyzeMarket(snap *marketdata.Snapshot) (*Analysis, error) {
	p := s.params
	a, ind, err := prepare(snap, ta.Params{
		RSIPeriod:  p.RSIPeriod,
		MACDFast:   p.MACDFast,
		MACDSlow:   p.MACDSlow,
		MACDSignal: p.MACDSignal,
	})
	if err != nil {
		return nil, err
	}
	closes := ind.Close
	last := len(closes) - 1
	if need := max(p.MomentumPeriod, p.ROCPeriod+1); last < need {
		return nil, fmt.Errorf("%w: have %d klines, need %d", ta.ErrNotEnoughHistory, len(closes), need+1)
	}

	a.Indicators[KeyMomentum] = pctChange(closes, last, p.MomentumPeriod)
	a.Indicators[KeyROC] = pctChange(closes, last, p.ROCPeriod)
	a.Indicators[KeyROCPrev] = pctChange(closes, last-1, p.ROCPeriod)
	a.Indicators[KeyVolumeRatio] = volumeRatio(ind.Volume, p.VolumePeriod)
	a.Indicators[KeyTrendBars] = float64(s.trendBars(closes))
	a.Indicators[KeyRSI] = ta.Last(ind.RSI)
	a.Indicators[KeyMACD] = ta.Last(ind.MACD)
	a.Indicators[KeyMACDSignal] = ta.Last(ind.MACDSig)
	a.Indicators[KeyMACDHist] = ta.Last(ind.MACDHist)
	a.Indicators[KeyMACDPrev] = ta.Prev(ind.MACD)
	a.Indicators[KeyMACDSigPrev] = ta.Prev(ind.MACDSig)
	return a, nil
}

func pctChange(closes []float64, i, period int) float64 {
	past := closes[i-period]
	if past == 0 {
		return 0
	}
	return (closes[i] - past) / past * 100
}

// volumeRatio 最新成交量相对近 period 根均量，数据不足时为 1
func volumeRatio(vols []float64, period int) float64 {
	if len(vols) < period {
		return 1
	}
	var sum float64
	for _, v := range vols[len(vols)-period:] {
		sum += v
	}
	avg := sum / float64(period)
	if avg <= 0 {
		return 1
	}
	return vols[len(vols)-1] / avg
}

// direction 1 多头，-1 空头，0 中性
func (s *Momentum) direction(mom, roc float64) int {
	thr := s.params.MomentumThreshold
	switch {
	case mom > thr && roc > 0:
		return 1
	case mom < -thr && roc < 0:
		return -1
	}
	return 0
}

// trendBars 当前方向从最新一根往回连续保持的 K 线数
func (s *Momentum) trendBars(closes []float64) int {
	p := s.params
	first := max(p.MomentumPeriod, p.ROCPeriod)
	last := len(closes) - 1
	dir := s.direction(pctChange(closes, last, p.MomentumPeriod), pctChange(closes, last, p.ROCPeriod))
	if dir == 0 {
		return 0
	}
	n := 0
	for i := last; i >= first; i-- {
		if s.direction(pctChange(closes, i, p.MomentumPeriod), pctChange(closes, i, p.ROCPeriod)) != dir {
			break
		}
		n++
	}
	return n
}

// GenerateSignal 按强动量+放量、中等动量、趋势初期三档依次判断，
// 再经 RSI 过滤与 MACD 确认
func (s *Momentum) GenerateSignal(a *Analysis) (model.SignalType, float64) {
	if a == nil {
		return model.SignalHold, 0
	}
	p := s.params
	ind := a.Indicators
	mom, roc := ind[KeyMomentum], ind[KeyROC]
	accel := roc - ind[KeyROCPrev]
	ratio := ind[KeyVolumeRatio]
	bars := int(ind[KeyTrendBars])

	dir := s.direction(mom, roc)
	if dir == 0 {
		a.Reason = fmt.Sprintf("insufficient momentum (%.2f%%)", mom)
		return model.SignalHold, 0
	}
	strength := math.Min(math.Abs(mom)/p.MomentumThreshold, 3)
	aligned := accel*float64(dir) > 0
	switch {
	case aligned:
		strength *= 1.2
	case accel != 0:
		strength *= 0.8
	}
	strength = math.Min(strength, 3)

	signal := model.SignalBuy
	if dir < 0 {
		signal = model.SignalSell
	}
	switch {
	case strength >= 1.5 && ratio >= p.VolumeMultiplier && aligned:
		a.Reason = fmt.Sprintf("strong momentum (strength %.2f, acceleration %.3f)", strength, accel)
	case strength >= 1.0 && ratio >= p.VolumeMultiplier*0.8:
		a.Reason = fmt.Sprintf("moderate momentum (strength %.2f, volume %.2fx)", strength, ratio)
	case math.Abs(mom) > p.MomentumThreshold*0.7 && bars <= 3:
		a.Reason = fmt.Sprintf("early momentum (%.2f%%, %d bars)", mom, bars)
	default:
		a.Reason = fmt.Sprintf("momentum fading (strength %.2f, %d bars)", strength, bars)
		return model.SignalHold, 0
	}

	rsi := ind[KeyRSI]
	if p.UseRSIFilter {
		if (signal == model.SignalBuy && rsi >= 70) || (signal == model.SignalSell && rsi <= 30) {
			a.Reason = fmt.Sprintf("RSI filter rejected %s (%.1f)", signal, rsi)
			return model.SignalHold, 0
		}
	}
	hist := ind[KeyMACDHist]
	if p.UseMACDConfirmation && !macdConfirms(signal, ind) {
		a.Reason = fmt.Sprintf("MACD does not confirm %s (hist %.4f)", signal, hist)
		return model.SignalHold, 0
	}

	conf := 0.3 + math.Min(strength*0.2, 0.4)
	conf += math.Min((ratio-1)*0.2, 0.3)
	conf += math.Min(math.Abs(accel)*0.1, 0.2)
	if p.UseRSIFilter && rsi >= 30 && rsi <= 70 {
		conf += 0.1
	}
	if p.UseMACDConfirmation {
		conf += math.Min(math.Abs(hist)*10, 0.15)
	}
	switch {
	case bars >= 2 && bars <= 5:
		conf += 0.1
	case bars > 10:
		conf *= 0.8
	}
	return signal, clamp01(conf)
}

// macdConfirms 柱状图同向或刚发生同向交叉
func macdConfirms(signal model.SignalType, ind map[string]float64) bool {
	macd, sig := ind[KeyMACD], ind[KeyMACDSignal]
	macdPrev, sigPrev := ind[KeyMACDPrev], ind[KeyMACDSigPrev]
	hist := ind[KeyMACDHist]
	if signal == model.SignalBuy {
		return hist > 0 || (macdPrev <= sigPrev && macd > sig)
	}
	return hist < 0 || (macdPrev >= sigPrev && macd < sig)
}
