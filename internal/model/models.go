package model

import "time"

// Ticker 代表某个交易对的最新行情快照
type Ticker struct {
	Symbol       string  // 所属交易对，例如 "BTCUSDT"
	Timestamp    int64   // 毫秒时间戳
	Price        float64 // 最新成交价
	Bid          float64
	Ask          float64
	High24h      float64
	Low24h       float64
	Volume24h    float64
	Change24hPct float64 // 24h 涨跌幅 (百分比)
}

// Time 返回行情时间
func (t Ticker) Time() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}

// KLine 代表聚合后的 K 线数据
type KLine struct {
	Symbol    string // 所属交易对
	Interval  string // 周期，例如 "1m", "5m", "1h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	EndTime   time.Time
}
