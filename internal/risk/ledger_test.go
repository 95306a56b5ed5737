package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto-strategy-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingSink struct {
	mu     sync.Mutex
	events []model.RiskEvent
	err    error
}

func (s *recordingSink) LogRiskEvent(_ context.Context, e model.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestLedger(t *testing.T, start time.Time) (*Ledger, *fakeClock, *recordingSink) {
	t.Helper()
	clock := &fakeClock{t: start}
	sink := &recordingSink{}
	l := NewLedger(DefaultConfig(), "BTCUSDT", "test-strategy", zap.NewNop(),
		WithClock(clock.Now), WithSink(sink))
	return l, clock, sink
}

func loss(pct float64) model.TradeResult {
	return model.TradeResult{Pnl: pct * 10, PnlPct: pct, IsWin: false}
}

func win(pct float64) model.TradeResult {
	return model.TradeResult{Pnl: pct * 10, PnlPct: pct, IsWin: true}
}

var day1 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func TestNewLedger_StartsLow(t *testing.T) {
	t.Parallel()
	l, _, _ := newTestLedger(t, day1)

	a := l.Assessment()
	assert.Equal(t, LevelLow, a.Level)
	assert.False(t, a.Blocked)
	assert.Nil(t, a.BlockUntil)
	assert.Equal(t, 20.0, a.RemainingDailyRisk)
	assert.Equal(t, 10, a.TradesRemaining)
}

func TestCheckTradeAllowed_GateOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		confidence float64
		sizePct    float64
		stopLoss   float64
		wantCode   EventKind
		allowed    bool
	}{
		{"stop loss before size and confidence", 0.1, 50, 45, KindStopLoss, false},
		{"size before confidence", 0.1, 50, 10, KindPositionSize, false},
		{"confidence floor", 0.1, 5, 10, KindLowConfidence, false},
		{"all gates pass", 0.9, 5, 10, KindTradeApproved, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, _, sink := newTestLedger(t, day1)

			d := l.CheckTradeAllowed(tt.confidence, tt.sizePct, tt.stopLoss)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.wantCode, d.Code)
			assert.NotEmpty(t, d.Reason)
			assert.Equal(t, []string{string(tt.wantCode)}, sink.kinds())
			assert.False(t, l.Assessment().Blocked)
		})
	}
}

func trades(pcts ...float64) []model.TradeResult {
	out := make([]model.TradeResult, 0, len(pcts))
	for _, p := range pcts {
		if p > 0 {
			out = append(out, win(p))
		} else {
			out = append(out, loss(p))
		}
	}
	return out
}

func TestCheckTradeAllowed_GateOrderWithCompoundState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		history  []model.TradeResult
		stopLoss float64
		wantCode EventKind
		block    time.Duration // 0 表示不封锁
	}{
		{
			name:     "daily loss before consecutive losses",
			history:  trades(-10, -10, -5),
			stopLoss: 2,
			wantCode: KindDailyLoss,
			block:    24 * time.Hour,
		},
		{
			name:     "daily loss before stop loss width",
			history:  trades(-12.5, 1, -12.5),
			stopLoss: 45,
			wantCode: KindDailyLoss,
			block:    24 * time.Hour,
		},
		{
			name:     "consecutive losses before stop loss width",
			history:  trades(-1, -1, -1),
			stopLoss: 45,
			wantCode: KindConsecutiveLosses,
			block:    4 * time.Hour,
		},
		{
			name:     "consecutive losses before drawdown",
			history:  trades(-6, -6, -6),
			stopLoss: 2,
			wantCode: KindConsecutiveLosses,
			block:    4 * time.Hour,
		},
		{
			// 10 笔交易，回撤 15.3% 但当日亏损 15.3% 且无连续亏损
			name:     "daily trades before drawdown",
			history:  trades(-4, -4, 0.5, -4, -4, 0.5, -1, 0.5, 0.1, 0.1),
			stopLoss: 2,
			wantCode: KindDailyTrades,
		},
		{
			name:     "drawdown when every other gate passes",
			history:  trades(-4, -4, 0.5, -4, -4, 0.5, -1, 0.5),
			stopLoss: 2,
			wantCode: KindMaxDrawdown,
			block:    12 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, clock, sink := newTestLedger(t, day1)
			for _, tr := range tt.history {
				l.RecordTrade(tr)
			}

			d := l.CheckTradeAllowed(0.9, 5, tt.stopLoss)
			require.False(t, d.Allowed)
			assert.Equal(t, tt.wantCode, d.Code)

			kinds := sink.kinds()
			assert.Equal(t, string(tt.wantCode), kinds[len(kinds)-1])

			a := l.Assessment()
			if tt.block == 0 {
				assert.False(t, a.Blocked)
				assert.Nil(t, a.BlockUntil)
				return
			}
			require.True(t, a.Blocked)
			require.NotNil(t, a.BlockUntil)
			assert.Equal(t, clock.Now().Add(tt.block), *a.BlockUntil)
		})
	}
}

func TestCheckTradeAllowed_CooldownBeforeDailyLoss(t *testing.T) {
	t.Parallel()
	l, clock, sink := newTestLedger(t, day1)

	l.RecordTrade(loss(-12.5))
	l.RecordTrade(loss(-12.5))
	require.Equal(t, KindDailyLoss, l.CheckTradeAllowed(0.9, 1, 2).Code)
	until := *l.Assessment().BlockUntil

	clock.Advance(time.Hour)
	d := l.CheckTradeAllowed(0.9, 1, 2)
	assert.Equal(t, KindTradingBlocked, d.Code)
	assert.Equal(t, until, *l.Assessment().BlockUntil, "an active block is not extended")

	kinds := sink.kinds()
	assert.Equal(t, string(KindTradingBlocked), kinds[len(kinds)-1])
}

func TestCheckTradeAllowed_DailyLossBlocks24h(t *testing.T) {
	t.Parallel()
	l, clock, sink := newTestLedger(t, day1)

	l.RecordTrade(loss(-12.5))
	l.RecordTrade(loss(-12.5))

	d := l.CheckTradeAllowed(0.9, 1, 2)
	require.False(t, d.Allowed)
	assert.Equal(t, KindDailyLoss, d.Code)
	assert.Contains(t, d.Reason, "daily loss")

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, string(KindDailyLoss), last.Kind)
	assert.Equal(t, 25.0, last.CurrentValue, "daily loss is reported as a magnitude")
	assert.Equal(t, 20.0, last.TriggerValue)

	a := l.Assessment()
	require.True(t, a.Blocked)
	require.NotNil(t, a.BlockUntil)
	assert.Equal(t, clock.Now().Add(24*time.Hour), *a.BlockUntil)
}

func TestCheckTradeAllowed_ConsecutiveLossesBlocks4h(t *testing.T) {
	t.Parallel()
	l, clock, sink := newTestLedger(t, day1)

	for i := 0; i < 3; i++ {
		l.RecordTrade(loss(-1))
	}

	d := l.CheckTradeAllowed(0.9, 1, 2)
	require.False(t, d.Allowed)
	assert.Equal(t, KindConsecutiveLosses, d.Code)
	a := l.Assessment()
	require.NotNil(t, a.BlockUntil)
	assert.Equal(t, clock.Now().Add(4*time.Hour), *a.BlockUntil)

	// 冷却期内返回封锁原因
	clock.Advance(time.Hour)
	d = l.CheckTradeAllowed(0.9, 1, 2)
	assert.Equal(t, KindTradingBlocked, d.Code)
	assert.Contains(t, d.Reason, "consecutive losses")

	// 冷却期结束后先解封，连亏未清零所以再次封锁
	clock.Advance(3*time.Hour + time.Minute)
	d = l.CheckTradeAllowed(0.9, 1, 2)
	assert.Equal(t, KindConsecutiveLosses, d.Code)
	assert.Contains(t, sink.kinds(), string(KindTradingUnblocked))
}

func TestCheckTradeAllowed_StopLossDoesNotBlock(t *testing.T) {
	t.Parallel()
	l, _, _ := newTestLedger(t, day1)

	d := l.CheckTradeAllowed(0.9, 1, 45)
	assert.False(t, d.Allowed)
	assert.Equal(t, KindStopLoss, d.Code)
	assert.False(t, l.Assessment().Blocked)

	d = l.CheckTradeAllowed(0.9, 1, 5)
	assert.True(t, d.Allowed)
}

func TestCheckTradeAllowed_DailyTradesLimit(t *testing.T) {
	t.Parallel()
	l, _, _ := newTestLedger(t, day1)

	for i := 0; i < 10; i++ {
		l.RecordTrade(win(0.1))
	}

	d := l.CheckTradeAllowed(0.9, 1, 2)
	assert.Equal(t, KindDailyTrades, d.Code)
	assert.False(t, l.Assessment().Blocked)
	assert.Equal(t, 0, l.Assessment().TradesRemaining)
}

func TestCheckTradeAllowed_DrawdownBlocks12h(t *testing.T) {
	t.Parallel()
	l, clock, _ := newTestLedger(t, day1)

	l.RecordTrade(loss(-8))
	l.RecordTrade(win(0.5))
	l.RecordTrade(loss(-8))

	a := l.Assessment()
	require.InDelta(t, 15.5, a.CurrentDrawdown, 1e-9)
	require.Equal(t, 1, a.ConsecutiveLosses)

	d := l.CheckTradeAllowed(0.9, 1, 2)
	assert.Equal(t, KindMaxDrawdown, d.Code)
	a = l.Assessment()
	require.NotNil(t, a.BlockUntil)
	assert.Equal(t, clock.Now().Add(12*time.Hour), *a.BlockUntil)
}

func TestRecordTrade_DrawdownAndStreak(t *testing.T) {
	t.Parallel()
	l, _, sink := newTestLedger(t, day1)

	l.RecordTrade(loss(-3))
	l.RecordTrade(loss(-2))
	a := l.Assessment()
	assert.Equal(t, 2, a.ConsecutiveLosses)
	assert.InDelta(t, 5.0, a.CurrentDrawdown, 1e-9)

	l.RecordTrade(win(4))
	a = l.Assessment()
	assert.Equal(t, 0, a.ConsecutiveLosses)
	assert.InDelta(t, 1.0, a.CurrentDrawdown, 1e-9)
	assert.InDelta(t, 5.0, a.MaxDrawdownSeen, 1e-9)

	// 盈利超过回撤时回撤归零
	l.RecordTrade(win(10))
	assert.Equal(t, 0.0, l.Assessment().CurrentDrawdown)
	assert.Len(t, sink.kinds(), 4)
}

func TestAssessment_UTCRolloverKeepsStreakAndDrawdown(t *testing.T) {
	t.Parallel()
	l, clock, _ := newTestLedger(t, day1)

	l.RecordTrade(win(1))
	l.RecordTrade(loss(-2))
	before := l.Assessment()
	require.Equal(t, 2, before.TradesToday)
	require.Equal(t, 50.0, before.WinRate)

	clock.Advance(17 * time.Hour) // 次日 01:00 UTC
	after := l.Assessment()
	assert.Equal(t, 0, after.TradesToday)
	assert.Equal(t, 0.0, after.DailyPnl)
	assert.Equal(t, 0.0, after.DailyLossPct)
	assert.Equal(t, 0.0, after.WinRate)
	assert.Equal(t, before.ConsecutiveLosses, after.ConsecutiveLosses)
	assert.Equal(t, before.CurrentDrawdown, after.CurrentDrawdown)
}

func TestRollover_PurgesOldHistory(t *testing.T) {
	t.Parallel()
	l, clock, _ := newTestLedger(t, day1)

	l.RecordTrade(win(1))
	clock.Advance(8 * 24 * time.Hour)
	l.RecordTrade(win(1))

	assert.Len(t, l.History(), 1)
}

func TestRestore_MatchesIncrementalLevel(t *testing.T) {
	t.Parallel()
	incremental, clock, _ := newTestLedger(t, day1)

	pnls := []float64{-1.5, 2, -3, -0.5, 4, -2.5, -2, 1, -4, 0.5}
	for _, p := range pnls {
		clock.Advance(time.Minute)
		if p > 0 {
			incremental.RecordTrade(win(p))
		} else {
			incremental.RecordTrade(loss(p))
		}
		a := incremental.Assessment()
		want := LevelForScore(Score(DefaultConfig(), a.DailyLossPct, a.ConsecutiveLosses, a.CurrentDrawdown, a.TradesToday))
		assert.Equal(t, want, a.Level)
	}

	replayed := NewLedger(DefaultConfig(), "BTCUSDT", "test-strategy", zap.NewNop(), WithClock(clock.Now))
	replayed.Restore(incremental.History())

	assert.Equal(t, incremental.Assessment(), replayed.Assessment())
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: day1}
	sink := &recordingSink{err: errors.New("database is locked")}
	l := NewLedger(DefaultConfig(), "ETHUSDT", "s", zap.NewNop(), WithClock(clock.Now), WithSink(sink))

	d := l.CheckTradeAllowed(0.95, 1, 2)
	assert.True(t, d.Allowed)
	assert.Len(t, sink.kinds(), 1)
}

func TestForceUnblock(t *testing.T) {
	t.Parallel()
	l, _, sink := newTestLedger(t, day1)

	l.RecordTrade(loss(-25))
	require.False(t, l.CheckTradeAllowed(0.9, 1, 2).Allowed)
	require.True(t, l.Assessment().Blocked)

	l.ForceUnblock("operator")
	assert.False(t, l.Assessment().Blocked)
	assert.Contains(t, sink.kinds(), string(KindTradingUnblocked))

	l.ResetDailyStats()
	assert.Equal(t, 0, l.Assessment().TradesToday)
	assert.Contains(t, l.Report(), "Risk report")
}

func TestLevelForScore(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		daily  float64
		consec int
		dd     float64
		trades int
		want   Level
	}{
		{"zero", 0, 0, 0, 0, LevelLow},
		{"half daily budget", 10, 0, 0, 0, LevelLow},
		{"daily plus streak", 10, 2, 0, 0, LevelMedium},
		{"high", 20, 2, 0, 0, LevelHigh},
		{"critical", 20, 3, 15, 0, LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LevelForScore(Score(cfg, tt.daily, tt.consec, tt.dd, tt.trades)))
		})
	}
}
