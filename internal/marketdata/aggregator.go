package marketdata

import (
	"math"
	"time"

	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/internal/service"
)

// KlineAggregator 用实时 Ticker 聚合指定周期的 K 线。
// 以 Ticker 时间戳判断周期边界，不依赖本地定时器；非并发安全
type KlineAggregator struct {
	symbol   string
	interval string
	period   time.Duration

	current    model.KLine
	lastVolume float64 // 上一条 Ticker 的 24h 成交量，用于求增量
}

// NewKlineAggregator interval 使用 "1m"、"4h" 这样的写法
func NewKlineAggregator(symbol, interval string) (*KlineAggregator, error) {
	period, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	return &KlineAggregator{
		symbol:   symbol,
		interval: service.FormatInterval(period),
		period:   period,
	}, nil
}

// Add 合入一条 Ticker。返回值为刚刚收盘的 K 线 (若有)
func (a *KlineAggregator) Add(t model.Ticker) (model.KLine, bool) {
	if t.Symbol != a.symbol || t.Price <= 0 {
		return model.KLine{}, false
	}

	start := t.Time().Truncate(a.period)
	volume := 0.0
	if a.lastVolume > 0 && t.Volume24h > a.lastVolume {
		volume = t.Volume24h - a.lastVolume
	}
	a.lastVolume = t.Volume24h

	var completed model.KLine
	closed := false

	switch {
	case a.current.StartTime.IsZero():
		a.current = a.open(start, t.Price)
	case start.After(a.current.StartTime):
		completed, closed = a.current, true
		// 新 K 线的开盘价取上一根的收盘价
		a.current = a.open(start, a.current.Close)
	case start.Before(a.current.StartTime):
		// 迟到的 Ticker
		return model.KLine{}, false
	}

	a.current.Close = t.Price
	a.current.High = math.Max(a.current.High, t.Price)
	a.current.Low = math.Min(a.current.Low, t.Price)
	a.current.Volume += volume
	return completed, closed
}

// Current 正在构建的 K 线
func (a *KlineAggregator) Current() (model.KLine, bool) {
	return a.current, !a.current.StartTime.IsZero()
}

func (a *KlineAggregator) open(start time.Time, price float64) model.KLine {
	return model.KLine{
		Symbol:    a.symbol,
		Interval:  a.interval,
		Open:      price,
		High:      price,
		Low:       price,
		StartTime: start,
		EndTime:   start.Add(a.period).Add(-time.Millisecond),
	}
}
