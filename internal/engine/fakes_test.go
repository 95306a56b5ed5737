package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"crypto-strategy-engine/internal/exchange"
	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/internal/risk"
	"crypto-strategy-engine/internal/storage"
	"crypto-strategy-engine/internal/strategy"

	"go.uber.org/zap"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeClient struct {
	mu        sync.Mutex
	price     float64
	timeErr   error
	timeGate  chan struct{}
	tickerErr error
	orderErr  error
	orders    []exchange.OrderRequest
}

func (f *fakeClient) GetServerTime(ctx context.Context) (time.Time, error) {
	if f.timeGate != nil {
		select {
		case <-f.timeGate:
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Now(), f.timeErr
}

func (f *fakeClient) GetTicker(_ context.Context, symbol string) (model.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return model.Ticker{}, f.tickerErr
	}
	return model.Ticker{Symbol: symbol, Price: f.price}, nil
}

func (f *fakeClient) GetKlines(_ context.Context, symbol, interval string, limit int) ([]model.KLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []model.KLine{{Symbol: symbol, Interval: interval, Close: f.price}}, nil
}

func (f *fakeClient) PlaceOrder(_ context.Context, req exchange.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return "", f.orderErr
	}
	f.orders = append(f.orders, req)
	return "order-" + string(req.Side), nil
}

func (f *fakeClient) placed() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.orders...)
}

func (f *fakeClient) setOrderErr(err error) {
	f.mu.Lock()
	f.orderErr = err
	f.mu.Unlock()
}

// fakeStrategy 返回预设的信号
type fakeStrategy struct {
	mu         sync.Mutex
	signal     model.SignalType
	confidence float64
	err        error
	panicMsg   string
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) AnalyzeMarket(snap *marketdata.Snapshot) (*strategy.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &strategy.Analysis{Symbol: snap.Symbol, Price: snap.Price(), Indicators: map[string]float64{}}, nil
}

func (f *fakeStrategy) GenerateSignal(*strategy.Analysis) (model.SignalType, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal, f.confidence
}

func (f *fakeStrategy) set(signal model.SignalType, confidence float64) {
	f.mu.Lock()
	f.signal, f.confidence = signal, confidence
	f.mu.Unlock()
}

func (f *fakeStrategy) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type memRecorder struct {
	mu      sync.Mutex
	events  []model.StrategyEvent
	risks   []model.RiskEvent
	trades  []model.TradeRecord
	metrics []model.PerformanceMetrics
}

func (m *memRecorder) LogStrategyEvent(_ context.Context, e model.StrategyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memRecorder) LogRiskEvent(_ context.Context, e model.RiskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.risks = append(m.risks, e)
	return nil
}

func (m *memRecorder) LogTrade(_ context.Context, t model.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *memRecorder) SavePerformanceMetrics(_ context.Context, p model.PerformanceMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, p)
	return nil
}

func (m *memRecorder) actions(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

func (m *memRecorder) riskKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.risks))
	for _, e := range m.risks {
		out = append(out, e.Kind)
	}
	return out
}

func (m *memRecorder) metricsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.metrics)
}

type harness struct {
	clock    *clock
	client   *fakeClient
	strategy *fakeStrategy
	rec      *memRecorder
	journal  *storage.Journal
	ledger   *risk.Ledger
	worker   *Worker
}

func validConfig(id string) WorkerConfig {
	return WorkerConfig{
		ID:              id,
		Symbol:          "BTCUSDT",
		OrderQty:        0.5,
		PositionSizePct: 5,
		StopLossPct:     2,
		TakeProfitPct:   5,
	}
}

func newHarness(cfg WorkerConfig) *harness {
	h := &harness{
		clock:    newClock(),
		client:   &fakeClient{price: 100},
		strategy: &fakeStrategy{signal: model.SignalHold},
		rec:      &memRecorder{},
	}
	logger := zap.NewNop()
	h.journal = storage.NewJournal(h.rec, logger)
	h.ledger = risk.NewLedger(risk.DefaultConfig(), cfg.Symbol, cfg.ID, logger,
		risk.WithClock(h.clock.Now), risk.WithSink(h.journal))
	h.worker = NewWorker(cfg, h.strategy, h.client, h.ledger, h.journal, logger, WithWorkerClock(h.clock.Now))
	return h
}

func snapAt(price float64) *marketdata.Snapshot {
	return &marketdata.Snapshot{
		Symbol:    "BTCUSDT",
		FetchedAt: time.Now(),
		Ticker:    model.Ticker{Symbol: "BTCUSDT", Price: price},
		Klines:    []model.KLine{{Symbol: "BTCUSDT", Close: price}},
	}
}

var errBoom = errors.New("boom")
