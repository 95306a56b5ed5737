package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"crypto-strategy-engine/internal/model"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	BybitPublicSpotWS        = "wss://stream.bybit.com/v5/public/spot"
	BybitTestnetPublicSpotWS = "wss://stream-testnet.bybit.com/v5/public/spot"
)

// bybitWsMessage Bybit v5 公共频道的通用消息结构
type bybitWsMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"` // 延迟解析
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

// bybitWsTicker tickers 频道数据
type bybitWsTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

// TickerStream 订阅 Bybit 公共 tickers 频道，断线自动重连
type TickerStream struct {
	wsURL        string
	symbols      []string
	tickerCh     chan model.Ticker
	logger       *zap.Logger
	dialer       *websocket.Dialer
	pingInterval time.Duration
	maxBackoff   time.Duration

	writeMu sync.Mutex // gorilla 连接只允许一个并发写
}

// NewTickerStream 构造函数
func NewTickerStream(wsURL string, symbols []string, logger *zap.Logger) *TickerStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickerStream{
		wsURL:        wsURL,
		symbols:      symbols,
		tickerCh:     make(chan model.Ticker, 2048), // 足够的缓冲区应对高频数据
		logger:       logger.With(zap.String("Component", "ws"), zap.Strings("Symbols", symbols)),
		dialer:       websocket.DefaultDialer,
		pingInterval: 20 * time.Second,
		maxBackoff:   30 * time.Second,
	}
}

// Tickers 行情输出通道，Run 返回后关闭
func (s *TickerStream) Tickers() <-chan model.Ticker {
	return s.tickerCh
}

// Run 阻塞运行直到 ctx 取消
func (s *TickerStream) Run(ctx context.Context) error {
	defer close(s.tickerCh)

	backoff := time.Second
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("WS session ended, reconnecting...", zap.Error(err), zap.Duration("Backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session 一次完整的连接生命周期
func (s *TickerStream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial ws")
	}
	defer conn.Close()

	args := make([]string, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		args = append(args, "tickers."+symbol)
	}
	if err := s.writeJSON(conn, map[string]any{"op": "subscribe", "args": args}); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	s.logger.Info("Subscribed to Bybit ticker streams", zap.String("URL", s.wsURL))

	done := make(chan struct{})
	defer close(done)

	// ctx 取消时关闭连接，让 ReadMessage 返回
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := s.writeJSON(conn, map[string]string{"op": "ping"}); err != nil {
					s.logger.Warn("WS ping failed", zap.Error(err))
				}
			}
		}
	}()

	return s.readLoop(conn)
}

// readLoop 持续读取 WS 消息并处理
func (s *TickerStream) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read ws message")
		}

		var msg bybitWsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Op != "" {
			if msg.Success != nil && !*msg.Success {
				s.logger.Error("WS operation failed", zap.String("Op", msg.Op), zap.String("Msg", msg.RetMsg))
			}
			continue
		}
		if !strings.HasPrefix(msg.Topic, "tickers.") {
			continue
		}

		ticker, err := parseWsTicker(msg)
		if err != nil {
			s.logger.Warn("Failed to parse ticker", zap.Error(err))
			continue
		}

		// 非阻塞发送，消费者跟不上时丢弃
		select {
		case s.tickerCh <- ticker:
		default:
			s.logger.Warn("Ticker channel full! Dropping ticker.", zap.String("Symbol", ticker.Symbol))
		}
	}
}

func (s *TickerStream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func parseWsTicker(msg bybitWsMessage) (model.Ticker, error) {
	var raw bybitWsTicker
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return model.Ticker{}, errors.Wrap(err, "decode ticker data")
	}
	price, err := decimal.NewFromString(raw.LastPrice)
	if err != nil {
		return model.Ticker{}, errors.Wrapf(err, "parse lastPrice %q", raw.LastPrice)
	}

	var p decParser
	t := model.Ticker{
		Symbol:       raw.Symbol,
		Timestamp:    msg.Ts,
		Price:        price.InexactFloat64(),
		High24h:      p.parse("highPrice24h", raw.HighPrice24h),
		Low24h:       p.parse("lowPrice24h", raw.LowPrice24h),
		Volume24h:    p.parse("volume24h", raw.Volume24h),
		Change24hPct: p.parse("price24hPcnt", raw.Price24hPcnt) * 100,
	}
	return t, p.err
}
