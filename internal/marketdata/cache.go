package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"crypto-strategy-engine/internal/exchange"
	"crypto-strategy-engine/internal/model"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultKlineInterval = "1m"
	DefaultKlineLimit    = 100
	DefaultTTL           = 30 * time.Second
	DefaultFetchTimeout  = 30 * time.Second
)

// Snapshot 某交易对在某一时刻的行情 (ticker + K 线)。发布后只读，不要修改
type Snapshot struct {
	Symbol    string
	FetchedAt time.Time
	Ticker    model.Ticker
	Klines    []model.KLine // 时间升序
}

// Price 最新价格
func (s *Snapshot) Price() float64 {
	return s.Ticker.Price
}

func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Fresh 快照年龄是否小于 ttl
func (s *Snapshot) Fresh(ttl time.Duration, now time.Time) bool {
	return s.Age(now) < ttl
}

type Options struct {
	KlineInterval string
	KlineLimit    int
	FetchTimeout  time.Duration // 单次合并刷新的上限，与调用方的 ctx 无关
}

// Cache 按交易对缓存最新行情快照，多个 worker 共享。
// 条目只会被完整的新快照替换，从不淘汰
type Cache struct {
	client  exchange.Client
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*Snapshot
}

func NewCache(client exchange.Client, opts Options, logger *zap.Logger) *Cache {
	if opts.KlineInterval == "" {
		opts.KlineInterval = DefaultKlineInterval
	}
	if opts.KlineLimit <= 0 {
		opts.KlineLimit = DefaultKlineLimit
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:  client,
		opts:    opts,
		logger:  logger.With(zap.String("Component", "marketdata")),
		now:     time.Now,
		entries: make(map[string]*Snapshot),
	}
}

// Get 返回当前快照，没有时 ok=false
func (c *Cache) Get(symbol string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[symbol]
	return s, ok
}

// Refresh 拉取 ticker 与 K 线并替换缓存条目。
// 任一请求失败时返回错误，旧条目保持不变。同一交易对的并发刷新会合并为一次请求。
// 共享请求不继承任何调用方的取消；调用方的 ctx 结束时只有它自己提前返回
func (c *Cache) Refresh(ctx context.Context, symbol string) (*Snapshot, error) {
	ch := c.group.DoChan(symbol, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, symbol)
	})

	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "refresh %s", symbol)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (c *Cache) fetch(ctx context.Context, symbol string) (*Snapshot, error) {
	ticker, err := c.client.GetTicker(ctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "refresh %s: ticker", symbol)
	}
	klines, err := c.client.GetKlines(ctx, symbol, c.opts.KlineInterval, c.opts.KlineLimit)
	if err != nil {
		return nil, errors.Wrapf(err, "refresh %s: klines", symbol)
	}

	snap := &Snapshot{
		Symbol:    symbol,
		FetchedAt: c.now(),
		Ticker:    ticker,
		Klines:    klines,
	}

	c.mu.Lock()
	c.entries[symbol] = snap
	c.mu.Unlock()

	c.logger.Debug("Market data refreshed",
		zap.String("Symbol", symbol),
		zap.Float64("Price", ticker.Price),
		zap.Int("Klines", len(klines)))
	return snap, nil
}

// RefreshAll 并发刷新多个交易对，返回每个失败交易对的错误
func (c *Cache) RefreshAll(ctx context.Context, symbols []string) map[string]error {
	var (
		wg     conc.WaitGroup
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	for _, symbol := range symbols {
		wg.Go(func() {
			if _, err := c.Refresh(ctx, symbol); err != nil {
				mu.Lock()
				failed[symbol] = err
				mu.Unlock()
				c.logger.Warn("Market data refresh failed", zap.String("Symbol", symbol), zap.Error(err))
			}
		})
	}
	wg.Wait()
	return failed
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Symbols 已缓存的交易对 (排序)
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
