package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/internal/service"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BybitMainnetURL = "https://api.bybit.com"
	BybitTestnetURL = "https://api-testnet.bybit.com"

	pathServerTime  = "/v5/market/time"
	pathTickers     = "/v5/market/tickers"
	pathKline       = "/v5/market/kline"
	pathOrderCreate = "/v5/order/create"
)

// BybitConfig Bybit v5 REST 客户端配置
type BybitConfig struct {
	BaseURL            string
	APIKey             string
	APISecret          string
	Testnet            bool
	Category           string // spot | linear，默认 spot
	Timeout            time.Duration
	Retries            int
	RecvWindow         int // 毫秒
	RateLimitPerMinute int
}

// BybitClient 实现 Client 接口
type BybitClient struct {
	cfg     BybitConfig
	http    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// NewBybitClient 构造函数
func NewBybitClient(cfg BybitConfig, logger *zap.Logger) *BybitClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BybitMainnetURL
		if cfg.Testnet {
			cfg.BaseURL = BybitTestnetURL
		}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Category == "" {
		cfg.Category = "spot"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(retryIdempotent).
		SetHeader("Accept", "application/json")

	// 令牌桶: 每分钟 N 次，允许短时突发 N 次
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMinute)), cfg.RateLimitPerMinute)

	return &BybitClient{
		cfg:     cfg,
		http:    client,
		limiter: limiter,
		logger:  logger.With(zap.String("Component", "bybit")),
		now:     time.Now,
	}
}

func (c *BybitClient) GetServerTime(ctx context.Context) (time.Time, error) {
	var res struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if _, err := c.get(ctx, pathServerTime, nil, &res); err != nil {
		return time.Time{}, err
	}
	if nano, err := strconv.ParseInt(res.TimeNano, 10, 64); err == nil && nano > 0 {
		return time.Unix(0, nano), nil
	}
	sec, err := strconv.ParseInt(res.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse server time %q", res.TimeSecond)
	}
	return time.Unix(sec, 0), nil
}

func (c *BybitClient) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	var res struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			HighPrice24h string `json:"highPrice24h"`
			LowPrice24h  string `json:"lowPrice24h"`
			Volume24h    string `json:"volume24h"`
			Price24hPcnt string `json:"price24hPcnt"`
		} `json:"list"`
	}
	params := map[string]string{"category": c.cfg.Category, "symbol": symbol}
	env, err := c.get(ctx, pathTickers, params, &res)
	if err != nil {
		return model.Ticker{}, err
	}
	if len(res.List) == 0 {
		return model.Ticker{}, errors.Errorf("bybit: no ticker for %s", symbol)
	}

	raw := res.List[0]
	var p decParser
	t := model.Ticker{
		Symbol:       raw.Symbol,
		Timestamp:    env.Time,
		Price:        p.parse("lastPrice", raw.LastPrice),
		Bid:          p.parse("bid1Price", raw.Bid1Price),
		Ask:          p.parse("ask1Price", raw.Ask1Price),
		High24h:      p.parse("highPrice24h", raw.HighPrice24h),
		Low24h:       p.parse("lowPrice24h", raw.LowPrice24h),
		Volume24h:    p.parse("volume24h", raw.Volume24h),
		Change24hPct: p.parse("price24hPcnt", raw.Price24hPcnt) * 100,
	}
	if p.err != nil {
		return model.Ticker{}, p.err
	}
	if t.Price <= 0 {
		return model.Ticker{}, errors.Errorf("bybit: invalid last price for %s", symbol)
	}
	return t, nil
}

func (c *BybitClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error) {
	bi, err := BybitInterval(interval)
	if err != nil {
		return nil, err
	}
	step, _ := service.ParseIntervalDuration(interval)

	var res struct {
		List [][]string `json:"list"`
	}
	params := map[string]string{
		"category": c.cfg.Category,
		"symbol":   symbol,
		"interval": bi,
		"limit":    strconv.Itoa(limit),
	}
	if _, err := c.get(ctx, pathKline, params, &res); err != nil {
		return nil, err
	}

	// Bybit 返回倒序 (最新在前)，这里转为升序
	klines := make([]model.KLine, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			return nil, errors.Errorf("bybit: malformed kline row %v", row)
		}
		startMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse kline start %q", row[0])
		}
		var p decParser
		start := time.UnixMilli(startMs).UTC()
		k := model.KLine{
			Symbol:    symbol,
			Interval:  interval,
			Open:      p.parse("open", row[1]),
			High:      p.parse("high", row[2]),
			Low:       p.parse("low", row[3]),
			Close:     p.parse("close", row[4]),
			Volume:    p.parse("volume", row[5]),
			StartTime: start,
			EndTime:   start.Add(step).Add(-time.Millisecond),
		}
		if p.err != nil {
			return nil, p.err
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func (c *BybitClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return "", errors.New("bybit: api key/secret not configured")
	}
	qty := decimal.NewFromFloat(req.Qty)
	if !qty.IsPositive() {
		return "", errors.Errorf("bybit: invalid order qty %v", req.Qty)
	}
	orderType := req.Type
	if orderType == "" {
		orderType = model.OrderMarket
	}

	body := map[string]string{
		"category":    c.cfg.Category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(orderType),
		"qty":         qty.String(),
		"orderLinkId": uuid.NewString(),
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if _, err := c.post(ctx, pathOrderCreate, body, &res); err != nil {
		return "", err
	}
	c.logger.Info("Order placed",
		zap.String("Symbol", req.Symbol),
		zap.String("Side", string(req.Side)),
		zap.String("Qty", qty.String()),
		zap.String("OrderID", res.OrderID))
	return res.OrderID, nil
}

func (c *BybitClient) get(ctx context.Context, path string, params map[string]string, out any) (*bybitEnvelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "bybit rate limiter")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	return c.decode(path, resp, out)
}

func (c *BybitClient) post(ctx context.Context, path string, body any, out any) (*bybitEnvelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "bybit rate limiter")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	recv := strconv.Itoa(c.cfg.RecvWindow)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-BAPI-API-KEY", c.cfg.APIKey).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", recv).
		SetHeader("X-BAPI-SIGN", Sign(c.cfg.APISecret, ts+c.cfg.APIKey+recv+string(payload))).
		SetBody(payload).
		Post(path)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", path)
	}
	return c.decode(path, resp, out)
}

// retryIdempotent 只重试 GET。下单请求超时后可能已经成交，重发同一 orderLinkId 会被交易所拒绝
func retryIdempotent(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != resty.MethodGet {
		return false
	}
	code := resp.StatusCode()
	return err != nil || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (c *BybitClient) decode(path string, resp *resty.Response, out any) (*bybitEnvelope, error) {
	if resp.IsError() {
		return nil, errors.Errorf("bybit %s: http %d: %s", path, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	var env bybitEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if env.RetCode != 0 {
		return nil, &APIError{Path: path, Code: env.RetCode, Msg: env.RetMsg}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return nil, errors.Wrapf(err, "decode %s result", path)
		}
	}
	return &env, nil
}

// Sign 计算 Bybit v5 请求签名 HMAC-SHA256(secret, timestamp+apiKey+recvWindow+payload)
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// decParser 用 decimal 解析交易所返回的数字字符串，记录第一个错误
type decParser struct {
	err error
}

func (p *decParser) parse(field, s string) float64 {
	if s == "" || p.err != nil {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = errors.Wrapf(err, "parse %s %q", field, s)
		return 0
	}
	f, _ := d.Float64()
	return f
}
