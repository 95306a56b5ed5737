package exchange

import (
	"context"
	"fmt"
	"time"

	"crypto-strategy-engine/internal/model"
)

// Client 是交易所客户端的通用接口。
// 所有网络调用的超时由实现负责 (resty 超时 + ctx)
type Client interface {
	// 连通性探测，worker 启动时调用
	GetServerTime(ctx context.Context) (time.Time, error)

	GetTicker(ctx context.Context, symbol string) (model.Ticker, error)

	// 返回按时间升序排列的 K 线
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error)

	// 下单成功返回交易所订单号
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol string
	Side   model.Side
	Type   model.OrderType
	Qty    float64
}

func (r OrderRequest) String() string {
	return fmt.Sprintf("%s %s %s qty=%g", r.Type, r.Side, r.Symbol, r.Qty)
}

// APIError 交易所返回 retCode != 0
type APIError struct {
	Path string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit %s: retCode=%d: %s", e.Path, e.Code, e.Msg)
}
