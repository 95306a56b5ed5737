package exchange

import (
	"context"
	"sync"
	"time"

	"crypto-strategy-engine/internal/model"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperConfig 模拟盘配置
type PaperConfig struct {
	InitialBalance float64 // 初始资金 (计价货币)
	FeeRate        float64 // 交易手续费率 (例如 0.001)
}

// Fill 模拟成交记录
type Fill struct {
	OrderID string
	Symbol  string
	Side    model.Side
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Fee     decimal.Decimal
	Time    time.Time
}

// PaperClient 行情走真实交易所，下单在本地按最新价撮合。
// 实现 Client 接口，可以直接替换 BybitClient
type PaperClient struct {
	market Client
	cfg    PaperConfig
	logger *zap.Logger

	mu       sync.RWMutex // 保护账户状态
	balance  decimal.Decimal
	holdings map[string]decimal.Decimal // 每个交易对的持仓数量，负数为空头
	fills    []Fill
}

// NewPaperClient 构造函数
func NewPaperClient(market Client, cfg PaperConfig, logger *zap.Logger) *PaperClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperClient{
		market:   market,
		cfg:      cfg,
		logger:   logger.With(zap.String("Component", "paper")),
		balance:  decimal.NewFromFloat(cfg.InitialBalance),
		holdings: make(map[string]decimal.Decimal),
	}
}

func (p *PaperClient) GetServerTime(ctx context.Context) (time.Time, error) {
	return p.market.GetServerTime(ctx)
}

func (p *PaperClient) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	return p.market.GetTicker(ctx, symbol)
}

func (p *PaperClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error) {
	return p.market.GetKlines(ctx, symbol, interval, limit)
}

// PlaceOrder 以最新成交价模拟市价单成交
func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	qty := decimal.NewFromFloat(req.Qty)
	if !qty.IsPositive() {
		return "", errors.Errorf("paper: invalid order qty %v", req.Qty)
	}
	if req.Type != "" && req.Type != model.OrderMarket {
		return "", errors.Errorf("paper: order type %s not supported", req.Type)
	}

	ticker, err := p.market.GetTicker(ctx, req.Symbol)
	if err != nil {
		return "", errors.Wrap(err, "paper: fetch fill price")
	}
	price := decimal.NewFromFloat(ticker.Price)
	notional := qty.Mul(price)
	fee := notional.Mul(decimal.NewFromFloat(p.cfg.FeeRate))

	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.Side {
	case model.SideBuy:
		cost := notional.Add(fee)
		if p.balance.LessThan(cost) {
			p.logger.Info("Paper order rejected: insufficient balance",
				zap.String("Need", cost.StringFixed(4)), zap.String("Have", p.balance.StringFixed(4)))
			return "", errors.New("paper: insufficient balance")
		}
		p.balance = p.balance.Sub(cost)
		p.holdings[req.Symbol] = p.holdings[req.Symbol].Add(qty)
	case model.SideSell:
		p.balance = p.balance.Add(notional).Sub(fee)
		p.holdings[req.Symbol] = p.holdings[req.Symbol].Sub(qty)
	default:
		return "", errors.Errorf("paper: unknown side %q", req.Side)
	}

	fill := Fill{
		OrderID: uuid.NewString(),
		Symbol:  req.Symbol,
		Side:    req.Side,
		Qty:     qty,
		Price:   price,
		Fee:     fee,
		Time:    time.Now(),
	}
	p.fills = append(p.fills, fill)

	p.logger.Info("Paper ORDER FILLED",
		zap.String("OrderID", fill.OrderID),
		zap.String("Symbol", req.Symbol),
		zap.String("Side", string(req.Side)),
		zap.String("Qty", qty.String()),
		zap.String("Price", price.String()),
		zap.String("Fee", fee.StringFixed(6)),
		zap.String("Balance", p.balance.StringFixed(4)))
	return fill.OrderID, nil
}

// Balance 当前计价货币余额
func (p *PaperClient) Balance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, _ := p.balance.Float64()
	return f
}

// Holding 返回交易对的净持仓数量
func (p *PaperClient) Holding(symbol string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, _ := p.holdings[symbol].Float64()
	return f
}

// Fills 返回所有成交记录的副本
func (p *PaperClient) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}
