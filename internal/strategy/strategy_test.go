package strategy

import (
	"errors"
	"testing"
	"time"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/pkg/ta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func snapshot(closes ...float64) *marketdata.Snapshot {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]model.KLine, len(closes))
	for i, c := range closes {
		klines[i] = model.KLine{
			Symbol: "BTCUSDT", Interval: "1m",
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
			StartTime: start.Add(time.Duration(i) * time.Minute),
		}
	}
	var last float64
	if len(closes) > 0 {
		last = closes[len(closes)-1]
	}
	return &marketdata.Snapshot{
		Symbol:    "BTCUSDT",
		FetchedAt: start,
		Ticker:    model.Ticker{Symbol: "BTCUSDT", Price: last},
		Klines:    klines,
	}
}

func risingCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func TestNew_AllKinds(t *testing.T) {
	for _, kind := range Kinds() {
		s, err := New(kind, nil, zap.NewNop())
		require.NoError(t, err, kind)
		assert.Equal(t, kind, s.Name())
	}
}

func TestNew_Errors(t *testing.T) {
	tests := map[string]struct {
		kind   string
		params map[string]any
	}{
		"unknown kind":           {kind: "grid", params: nil},
		"fast not below slow":    {kind: KindMovingAverage, params: map[string]any{"fast_period": 30, "slow_period": 20}},
		"oversold above overbot": {kind: KindRSIMACD, params: map[string]any{"rsi_oversold": 80}},
		"unknown key":            {kind: KindBollinger, params: map[string]any{"periods": 20}},
		"bad trend threshold":    {kind: KindAdaptive, params: map[string]any{"trend_threshold": 40}},
		"short momentum period":  {kind: KindMomentum, params: map[string]any{"momentum_period": 3}},
		"momentum unknown key":   {kind: KindMomentum, params: map[string]any{"grid_levels": 10}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(tt.kind, tt.params, nil)
			assert.Error(t, err)
		})
	}
}

func TestNew_WeaklyTypedParams(t *testing.T) {
	s, err := New(KindMovingAverage, map[string]any{"fast_period": "5", "slow_period": 15}, nil)
	require.NoError(t, err)
	ma := s.(*MovingAverage)
	assert.Equal(t, 5, ma.params.FastPeriod)
	assert.Equal(t, 15, ma.params.SlowPeriod)
}

func TestAnalyzeMarket_InputErrors(t *testing.T) {
	s, err := New(KindRSIMACD, nil, nil)
	require.NoError(t, err)

	_, err = s.AnalyzeMarket(nil)
	assert.True(t, errors.Is(err, ErrNoMarketData))

	_, err = s.AnalyzeMarket(snapshot(risingCloses(10)...))
	assert.True(t, errors.Is(err, ta.ErrNotEnoughHistory))
}

func TestRSIMACD_GenerateSignal(t *testing.T) {
	s, err := NewRSIMACD(DefaultRSIMACDParams())
	require.NoError(t, err)

	tests := []struct {
		name   string
		ind    map[string]float64
		signal model.SignalType
		conf   float64
	}{
		{"neutral", map[string]float64{KeyRSI: 50}, model.SignalHold, 0},
		{"rsi oversold only", map[string]float64{KeyRSI: 20}, model.SignalBuy, (10.0 / 30) / 2},
		{"rsi and crossover agree", map[string]float64{
			KeyRSI: 15, KeyMACDPrev: -1, KeyMACDSigPrev: 0, KeyMACD: 1, KeyMACDSignal: 0,
		}, model.SignalBuy, (0.5 + 0.8) / 2},
		{"conflict", map[string]float64{
			KeyRSI: 85, KeyMACDPrev: -1, KeyMACDSigPrev: 0, KeyMACD: 1, KeyMACDSignal: 0,
		}, model.SignalHold, 0},
		{"falling histogram", map[string]float64{
			KeyRSI: 50, KeyMACD: -1, KeyMACDSignal: -0.5, KeyMACDPrev: -0.8, KeyMACDSigPrev: -0.5,
			KeyMACDHist: -0.5, KeyMACDHistPrev: -0.3,
		}, model.SignalSell, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, conf := s.GenerateSignal(&Analysis{Indicators: tt.ind})
			assert.Equal(t, tt.signal, sig)
			assert.InDelta(t, tt.conf, conf, 1e-9)
		})
	}
}

func TestBollinger_GenerateSignal(t *testing.T) {
	s, err := NewBollinger(DefaultBollingerParams())
	require.NoError(t, err)
	bands := func(price, prevClose float64) *Analysis {
		return &Analysis{Price: price, Indicators: map[string]float64{
			KeyBBUpper: 110, KeyBBMiddle: 100, KeyBBLower: 90,
			KeyPrevClose: prevClose, KeyPrevMiddle: 100,
		}}
	}

	sig, conf := s.GenerateSignal(bands(90, 92))
	assert.Equal(t, model.SignalBuy, sig)
	assert.InDelta(t, 0.6, conf, 1e-9)

	sig, conf = s.GenerateSignal(bands(85, 92))
	assert.Equal(t, model.SignalBuy, sig)
	assert.Equal(t, 1.0, conf)

	sig, _ = s.GenerateSignal(bands(112, 108))
	assert.Equal(t, model.SignalSell, sig)

	sig, conf = s.GenerateSignal(bands(101, 98))
	assert.Equal(t, model.SignalCloseLong, sig)
	assert.Equal(t, 0.75, conf)

	sig, _ = s.GenerateSignal(bands(99, 102))
	assert.Equal(t, model.SignalCloseShort, sig)

	sig, _ = s.GenerateSignal(bands(104, 103))
	assert.Equal(t, model.SignalHold, sig)
}

func TestMovingAverage_Crossovers(t *testing.T) {
	s, err := NewMovingAverage(DefaultMovingAverageParams())
	require.NoError(t, err)

	sig, conf := s.GenerateSignal(&Analysis{Indicators: map[string]float64{
		KeyFastMAPrev: 99, KeySlowMAPrev: 100, KeyFastMA: 101, KeySlowMA: 100,
	}})
	assert.Equal(t, model.SignalBuy, sig)
	assert.InDelta(t, 0.8, conf, 1e-9)

	sig, _ = s.GenerateSignal(&Analysis{Indicators: map[string]float64{
		KeyFastMAPrev: 101, KeySlowMAPrev: 100, KeyFastMA: 99, KeySlowMA: 100,
	}})
	assert.Equal(t, model.SignalSell, sig)

	sig, _ = s.GenerateSignal(&Analysis{Indicators: map[string]float64{
		KeyFastMAPrev: 102, KeySlowMAPrev: 100, KeyFastMA: 103, KeySlowMA: 100,
	}})
	assert.Equal(t, model.SignalHold, sig)
}

func TestMovingAverage_AnalyzeRisingSeries(t *testing.T) {
	s, err := NewMovingAverage(DefaultMovingAverageParams())
	require.NoError(t, err)

	a, err := s.AnalyzeMarket(snapshot(risingCloses(40)...))
	require.NoError(t, err)
	assert.Greater(t, a.Indicators[KeyFastMA], a.Indicators[KeySlowMA])
	assert.Equal(t, 139.0, a.Price)
}

func TestAdaptive_TrendRegime(t *testing.T) {
	s, err := NewAdaptive(DefaultAdaptiveParams(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, StateInitial, s.State())

	a, err := s.AnalyzeMarket(snapshot(risingCloses(60)...))
	require.NoError(t, err)
	assert.Equal(t, StateStrongUpTrend, a.Regime)
	assert.Equal(t, StateStrongUpTrend, s.State())
	assert.True(t, a.Regime.Trending())

	sig, conf := s.GenerateSignal(a)
	assert.Equal(t, model.SignalBuy, sig)
	assert.Greater(t, conf, 0.6)
}

func TestAdaptive_RangingSignals(t *testing.T) {
	s, err := NewAdaptive(DefaultAdaptiveParams(), nil)
	require.NoError(t, err)
	ranging := func(price, rsi float64) *Analysis {
		return &Analysis{Price: price, Regime: StateLowVolRanging, Indicators: map[string]float64{
			KeyRSI: rsi, KeySMA: 100, KeyBBUpper: 110, KeyBBMiddle: 100, KeyBBLower: 90,
		}}
	}

	sig, conf := s.GenerateSignal(ranging(88, 35))
	assert.Equal(t, model.SignalBuy, sig)
	assert.Equal(t, 0.7, conf)

	sig, _ = s.GenerateSignal(ranging(112, 65))
	assert.Equal(t, model.SignalSell, sig)

	sig, _ = s.GenerateSignal(ranging(101, 52))
	assert.Equal(t, model.SignalCloseLong, sig)
}

func TestNew_MomentumParams(t *testing.T) {
	s, err := New(KindMomentum, map[string]any{
		"momentum_threshold": "3.5",
		"use_rsi_filter":     false,
		"volume_period":      10,
	}, nil)
	require.NoError(t, err)
	m := s.(*Momentum)
	assert.Equal(t, 3.5, m.params.MomentumThreshold)
	assert.False(t, m.params.UseRSIFilter)
	assert.True(t, m.params.UseMACDConfirmation)
	assert.Equal(t, 10, m.params.VolumePeriod)
	assert.Equal(t, 14, m.params.MomentumPeriod)
}

func TestMomentum_AnalyzeRisingSeries(t *testing.T) {
	s, err := NewMomentum(DefaultMomentumParams())
	require.NoError(t, err)

	a, err := s.AnalyzeMarket(snapshot(risingCloses(60)...))
	require.NoError(t, err)
	assert.InDelta(t, (159.0-145.0)/145.0*100, a.Indicators[KeyMomentum], 1e-9)
	assert.InDelta(t, (159.0-149.0)/149.0*100, a.Indicators[KeyROC], 1e-9)
	assert.InDelta(t, (158.0-148.0)/148.0*100, a.Indicators[KeyROCPrev], 1e-9)
	assert.InDelta(t, 1.0, a.Indicators[KeyVolumeRatio], 1e-9)
	// 第 14 根起每根都是多头
	assert.Equal(t, 46.0, a.Indicators[KeyTrendBars])
}

func TestMomentum_GenerateSignal(t *testing.T) {
	s, err := NewMomentum(DefaultMomentumParams())
	require.NoError(t, err)

	bullMACD := map[string]float64{KeyMACD: 0.5, KeyMACDSignal: 0.4, KeyMACDPrev: 0.45, KeyMACDSigPrev: 0.4}
	with := func(base map[string]float64, kv map[string]float64) map[string]float64 {
		out := make(map[string]float64, len(base)+len(kv))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range kv {
			out[k] = v
		}
		return out
	}
	strongBull := with(bullMACD, map[string]float64{
		KeyMomentum: 3, KeyROC: 1, KeyROCPrev: 0.5, KeyVolumeRatio: 1.5,
		KeyRSI: 60, KeyMACDHist: 0.001, KeyTrendBars: 1,
	})

	tests := []struct {
		name   string
		ind    map[string]float64
		signal model.SignalType
		conf   float64
	}{
		{"below threshold", map[string]float64{KeyMomentum: 0.5, KeyROC: 0.2}, model.SignalHold, 0},
		{"roc disagrees", map[string]float64{KeyMomentum: 3, KeyROC: -0.1}, model.SignalHold, 0},
		// 0.3 + 0.36 + 0.1 + 0.05 + 0.1 + 0.01
		{"strong bullish with volume", strongBull, model.SignalBuy, 0.92},
		{"rsi overbought filters buy", with(strongBull, map[string]float64{KeyRSI: 75}), model.SignalHold, 0},
		{"macd does not confirm", with(strongBull, map[string]float64{
			KeyMACD: 0.3, KeyMACDPrev: 0.3, KeyMACDSignal: 0.4, KeyMACDSigPrev: 0.35, KeyMACDHist: -0.001,
		}), model.SignalHold, 0},
		// 0.3 + 0.3 + 0.06 + 0.05 + 0.1 + 0.02 + 0.1
		{"moderate bearish", map[string]float64{
			KeyMomentum: -2.5, KeyROC: -1, KeyROCPrev: -0.5, KeyVolumeRatio: 1.3,
			KeyRSI: 45, KeyMACD: -0.5, KeyMACDSignal: -0.4, KeyMACDPrev: -0.45, KeyMACDSigPrev: -0.4,
			KeyMACDHist: -0.002, KeyTrendBars: 3,
		}, model.SignalSell, 0.93},
		// 减速时强度 2.2/2*0.8 = 0.88，只剩趋势初期一档
		{"early trend decelerating", with(bullMACD, map[string]float64{
			KeyMomentum: 2.2, KeyROC: 1, KeyROCPrev: 1.5, KeyVolumeRatio: 1,
			KeyRSI: 55, KeyMACDHist: 0.001, KeyTrendBars: 1,
		}), model.SignalBuy, 0.3 + 0.176 + 0.05 + 0.1 + 0.01},
		{"late trend decelerating", with(bullMACD, map[string]float64{
			KeyMomentum: 2.2, KeyROC: 1, KeyROCPrev: 1.5, KeyVolumeRatio: 1,
			KeyRSI: 55, KeyMACDHist: 0.001, KeyTrendBars: 4,
		}), model.SignalHold, 0},
		// (0.3 + 0.4 + 0.1 + 0.05 + 0.1 + 0.01) * 0.8
		{"long trend penalised", with(strongBull, map[string]float64{KeyMomentum: 6, KeyTrendBars: 12}), model.SignalBuy, 0.96 * 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Analysis{Indicators: tt.ind}
			sig, conf := s.GenerateSignal(a)
			assert.Equal(t, tt.signal, sig)
			assert.InDelta(t, tt.conf, conf, 1e-9)
			assert.NotEmpty(t, a.Reason)
		})
	}
}
