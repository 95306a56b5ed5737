package model

import (
	"fmt"
	"time"
)

// SignalType 定义了策略输出的信号类型
type SignalType string

const (
	SignalBuy        SignalType = "BUY"
	SignalSell       SignalType = "SELL"
	SignalHold       SignalType = "HOLD"
	SignalCloseLong  SignalType = "CLOSE_LONG"
	SignalCloseShort SignalType = "CLOSE_SHORT"
)

// Side 是交易所订单方向
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType 订单类型，目前只使用市价单
type OrderType string

const (
	OrderMarket OrderType = "Market"
	OrderLimit  OrderType = "Limit"
)

type Direction string

const (
	DirLong  Direction = "long"  // 多
	DirShort Direction = "short" // 空
)

func (s Direction) String() string {
	return string(s)
}

// OpenSide 开仓时使用的订单方向
func (s Direction) OpenSide() Side {
	if s == DirShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide 平仓时使用的订单方向 (与开仓相反)
func (s Direction) CloseSide() Side {
	if s == DirShort {
		return SideBuy
	}
	return SideSell
}

// Position 当前持仓 (一个 worker 同时最多一个)
type Position struct {
	Symbol     string
	Direction  Direction
	Qty        float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	EntryTime  time.Time
	OrderID    string
}

// PnLPct 计算给定价格下的盈亏百分比
func (p Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Direction == DirShort {
		return (p.EntryPrice - price) / p.EntryPrice * 100
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// StopLossHit 价格是否触及止损
func (p Position) StopLossHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Direction == DirShort {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// TakeProfitHit 价格是否触及止盈
func (p Position) TakeProfitHit(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Direction == DirShort {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}

func (p Position) String() string {
	return fmt.Sprintf("POSITION [%s %s] qty: %.6f @ %.4f | SL: %.4f | TP: %.4f",
		p.Direction, p.Symbol, p.Qty, p.EntryPrice, p.StopLoss, p.TakeProfit)
}

// TradeRecord 一条订单/成交记录，写入 trade_entries 表
type TradeRecord struct {
	OrderID       string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Qty           float64
	Price         float64 // 下单时参考价格
	ExecutedPrice float64
	Status        string // FILLED / FAILED
	StrategyName  string
	ProfitLoss    float64 // 平仓单填写已实现盈亏，开仓单为 0
	ProfitLossPct float64
	Reason        string
	IsClose       bool // 平仓单
	Timestamp     time.Time
}

// TradeResult 一笔已平仓交易的结果，风控账本只关心这些字段
type TradeResult struct {
	Timestamp    time.Time
	Pnl          float64
	PnlPct       float64
	IsWin        bool
	Symbol       string
	StrategyName string
}
