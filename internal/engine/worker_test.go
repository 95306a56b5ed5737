package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/internal/risk"
	"crypto-strategy-engine/pkg/ta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_StartRejectsInvalidConfig(t *testing.T) {
	tests := map[string]func(*WorkerConfig){
		"missing symbol":         func(c *WorkerConfig) { c.Symbol = "" },
		"zero qty":               func(c *WorkerConfig) { c.OrderQty = 0 },
		"position size too big":  func(c *WorkerConfig) { c.PositionSizePct = 11 },
		"position size zero":     func(c *WorkerConfig) { c.PositionSizePct = 0 },
		"stop loss above 50":     func(c *WorkerConfig) { c.StopLossPct = 51 },
		"take profit not set":    func(c *WorkerConfig) { c.TakeProfitPct = 0 },
		"negative stop loss pct": func(c *WorkerConfig) { c.StopLossPct = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig("alpha")
			mutate(&cfg)
			h := newHarness(cfg)

			err := h.worker.Start(context.Background())
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, StateStopped, h.worker.State())
		})
	}
}

func TestWorker_StartConnectivityFailure(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	h.client.timeErr = errBoom

	err := h.worker.Start(context.Background())
	var connErr *ConnectivityError
	require.True(t, errors.As(err, &connErr))
	assert.True(t, errors.Is(err, errBoom))
	assert.Equal(t, StateStopped, h.worker.State())
	assert.Zero(t, h.rec.actions(ActionStart))
}

func TestWorker_Lifecycle(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	w := h.worker
	ctx := context.Background()

	assert.False(t, w.Pause())
	assert.False(t, w.Resume())

	require.NoError(t, w.Start(ctx))
	assert.Equal(t, StateRunning, w.State())
	assert.ErrorIs(t, w.Start(ctx), ErrAlreadyRunning)

	assert.True(t, w.Pause())
	assert.Equal(t, StatePaused, w.State())
	assert.ErrorIs(t, w.Start(ctx), ErrInvalidTransition)
	assert.False(t, w.Pause())

	assert.True(t, w.Resume())
	assert.Equal(t, StateRunning, w.State())

	assert.True(t, w.Stop(ctx))
	assert.Equal(t, StateStopped, w.State())
	assert.False(t, w.Stop(ctx))
	assert.Equal(t, 1, h.rec.actions(ActionStop))
	assert.Equal(t, 1, h.rec.metricsCount())

	// 停止后可以重新启动
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, 2, h.rec.actions(ActionStart))
}

func TestWorker_UpdateNoopUnlessRunning(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	h.strategy.set(model.SignalBuy, 0.9)

	require.NoError(t, h.worker.Update(context.Background(), snapAt(100)))
	assert.Empty(t, h.client.placed())
	assert.True(t, h.worker.LastUpdate().IsZero())
}

func TestWorker_OpenAndCloseLong(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalBuy, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))

	st := h.worker.Status()
	require.NotNil(t, st.Position)
	assert.Equal(t, model.DirLong, st.Position.Direction)
	assert.InDelta(t, 98, st.Position.StopLoss, 1e-9)
	assert.InDelta(t, 105, st.Position.TakeProfit, 1e-9)
	assert.Equal(t, 1, st.DailyTrades)

	// 持仓时同向信号不动作
	require.NoError(t, h.worker.Update(ctx, snapAt(101)))
	assert.Len(t, h.client.placed(), 1)

	h.strategy.set(model.SignalCloseLong, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(104)))

	orders := h.client.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, model.SideBuy, orders[0].Side)
	assert.Equal(t, model.SideSell, orders[1].Side)
	assert.Equal(t, 0.5, orders[1].Qty)

	st = h.worker.Status()
	assert.Nil(t, st.Position)
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.Equal(t, 100.0, st.WinRate)
	assert.InDelta(t, 2.0, st.TotalPnL, 1e-9) // 4% * 100 * 0.5

	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.InDelta(t, 4.0, hist[0].PnlPct, 1e-9)
	assert.True(t, hist[0].IsWin)
	assert.Equal(t, "alpha", hist[0].StrategyName)

	assert.Equal(t, 1, h.rec.actions(ActionPositionOpened))
	assert.Equal(t, 1, h.rec.actions(ActionPositionClosed))
}

func TestWorker_ShortClosedByOpposingSignal(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalSell, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	pos := h.worker.Status().Position
	require.NotNil(t, pos)
	assert.Equal(t, model.DirShort, pos.Direction)
	assert.InDelta(t, 102, pos.StopLoss, 1e-9)
	assert.InDelta(t, 95, pos.TakeProfit, 1e-9)

	h.strategy.set(model.SignalBuy, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(101)))

	st := h.worker.Status()
	assert.Nil(t, st.Position)
	assert.Equal(t, 1, st.LosingTrades)
	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.InDelta(t, -1.0, hist[0].PnlPct, 1e-9)
	assert.Equal(t, 1, h.ledger.Assessment().ConsecutiveLosses)
}

func TestWorker_HoldSkipsRiskCheck(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalHold, 0)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))

	// flat 时的平仓信号同样没有动作
	h.strategy.set(model.SignalCloseLong, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))

	assert.Empty(t, h.rec.riskKinds())
	assert.Equal(t, StateRunning, h.worker.State())
	assert.Equal(t, h.clock.Now(), h.worker.LastUpdate())
}

func TestWorker_RiskRejectionPauses(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalBuy, 0.6)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))

	st := h.worker.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.Contains(t, st.LastReason, "confidence")
	assert.Nil(t, st.Position)
	assert.Empty(t, h.client.placed())
	assert.Equal(t, []string{string(risk.KindLowConfidence)}, h.rec.riskKinds())
	assert.Equal(t, 1, h.rec.actions(ActionRiskRejected))

	// 暂停后 tick 不再处理
	h.strategy.set(model.SignalBuy, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	assert.Empty(t, h.client.placed())

	require.True(t, h.worker.Resume())
	assert.Empty(t, h.worker.Status().LastReason)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	assert.Len(t, h.client.placed(), 1)
}

func TestWorker_ProtectiveStopLossBypassesGate(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalBuy, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	approvals := len(h.rec.riskKinds())

	h.strategy.set(model.SignalHold, 0)
	require.NoError(t, h.worker.Update(ctx, snapAt(97)))

	st := h.worker.Status()
	assert.Nil(t, st.Position)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, h.rec.actions(ActionProtectiveClose))

	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.InDelta(t, -3.0, hist[0].PnlPct, 1e-9)

	// 只多了 trade_completed，没有新的闸门检查
	kinds := h.rec.riskKinds()
	require.Len(t, kinds, approvals+1)
	assert.Equal(t, string(risk.KindTradeCompleted), kinds[len(kinds)-1])
}

func TestWorker_TakeProfitForShort(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalSell, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	h.strategy.set(model.SignalSell, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(94)))

	st := h.worker.Status()
	assert.Nil(t, st.Position)
	assert.Equal(t, 1, st.WinningTrades)
	assert.InDelta(t, 6.0, h.ledger.History()[0].PnlPct, 1e-9)
}

func TestWorker_ErrorReportedOnce(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.fail(errBoom)
	err := h.worker.Update(ctx, snapAt(100))
	var fault *RuntimeFault
	require.True(t, errors.As(err, &fault))
	assert.True(t, errors.Is(err, errBoom))
	assert.Equal(t, StateError, h.worker.State())

	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	assert.Equal(t, 1, h.rec.actions(ActionUpdateError))
	assert.Contains(t, h.worker.Status().LastError, "boom")

	assert.ErrorIs(t, h.worker.Start(ctx), ErrInvalidTransition)
	assert.False(t, h.worker.Resume())
	assert.True(t, h.worker.Stop(ctx))
	require.NoError(t, h.worker.Start(ctx))
}

func TestWorker_PanicBecomesError(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.panicMsg = "index out of range"
	err := h.worker.Update(ctx, snapAt(100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index out of range")
	assert.Equal(t, StateError, h.worker.State())
}

func TestWorker_OrderFailureIsError(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.client.setOrderErr(errBoom)
	h.strategy.set(model.SignalBuy, 0.9)
	require.Error(t, h.worker.Update(ctx, snapAt(100)))
	assert.Equal(t, StateError, h.worker.State())
	assert.Nil(t, h.worker.Status().Position)
}

func TestWorker_NotEnoughHistorySkipsTick(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.fail(fmt.Errorf("analyze: %w", ta.ErrNotEnoughHistory))
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	assert.Equal(t, StateRunning, h.worker.State())
}

func TestWorker_StopForceClosesPosition(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalBuy, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))

	// 止损前的最后价格
	h.strategy.set(model.SignalHold, 0)
	require.NoError(t, h.worker.Update(ctx, snapAt(99)))

	require.True(t, h.worker.Stop(ctx))
	st := h.worker.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.Position)

	hist := h.ledger.History()
	require.Len(t, hist, 1)
	assert.InDelta(t, -1.0, hist[0].PnlPct, 1e-9)
}

func TestWorker_StopKeepsPositionWhenCloseFails(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalBuy, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))

	h.client.setOrderErr(errBoom)
	require.True(t, h.worker.Stop(ctx))

	st := h.worker.Status()
	assert.Equal(t, StateStopped, st.State)
	require.NotNil(t, st.Position)
	assert.Equal(t, 1, h.rec.actions(ActionCloseFailed))
	assert.Empty(t, h.ledger.History())
}

func TestWorker_DailyCountersRollOver(t *testing.T) {
	h := newHarness(validConfig("alpha"))
	ctx := context.Background()
	require.NoError(t, h.worker.Start(ctx))

	h.strategy.set(model.SignalBuy, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(100)))
	h.strategy.set(model.SignalCloseLong, 0.9)
	require.NoError(t, h.worker.Update(ctx, snapAt(101)))
	assert.Equal(t, 1, h.worker.Status().DailyTrades)

	h.clock.Advance(24 * time.Hour)
	h.strategy.set(model.SignalHold, 0)
	require.NoError(t, h.worker.Update(ctx, snapAt(101)))

	st := h.worker.Status()
	assert.Zero(t, st.DailyTrades)
	assert.Zero(t, st.DailyPnL)
	assert.Equal(t, 1, st.TotalTrades)
}
