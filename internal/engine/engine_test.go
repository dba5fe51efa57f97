package engine_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/exchange"
	"pilot/internal/gateway/database"
	"pilot/internal/position"
	"pilot/internal/risk"
	"pilot/internal/signal"
	"pilot/internal/telemetry"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		WarningLossPct:     0.02,
		CriticalLossPct:    0.03,
		EmergencyLossPct:   0.05,
		ConsecutiveLosses:  3,
		WarningFactor:      0.5,
		CriticalFactor:     0.25,
		LatencyThresholdMs: 3000,
		SlippageThreshold:  0.5,
	}
}

func newTestEngine(t *testing.T) (*engine.Engine, *exchange.Paper, *database.Store) {
	t.Helper()
	store, err := database.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := telemetry.NewHub()
	rc := risk.NewController(testRiskConfig(), store, hub)
	paper := exchange.NewPaper(false)
	eng := engine.New(config.TradeConfig{
		RiskPercent:   0.01,
		MaxPositions:  5,
		RetryMax:      4,
		RetryBaseMs:   1,
		RetryCapMs:    5,
		ProtectionMax: 3,
	}, config.ExchangeConfig{Name: "paper"}, paper, store, hub, rc)
	require.NoError(t, eng.Recover(context.Background()))
	return eng, paper, store
}

func longSignal(symbol string) signal.Signal {
	return signal.Signal{
		Symbol:     symbol,
		Side:       position.SideLong,
		Score:      0.9,
		Entry:      100,
		Stop:       95,
		TakeProfit: 115,
	}
}

func TestOpenPositionFullFlow(t *testing.T) {
	eng, paper, store := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)

	p, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)
	assert.Equal(t, position.StateActive, p.State)
	// 10000 * 1% = 100 风险额 / 5 止损距离 = 20
	assert.InDelta(t, 20.0, p.OriginalSize, 1e-9)
	assert.True(t, p.Protected())
	assert.False(t, p.MissingStopTP)

	// 保护腿各一条，没有重复
	orders, err := paper.OpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	stops, tps := 0, 0
	for _, o := range orders {
		switch o.Type {
		case "STOP":
			stops++
		case "TAKE_PROFIT":
			tps++
		}
	}
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, tps)

	// 跃迁审计完整落盘
	trs, err := store.TransitionsBySymbol(ctx, "BTCUSDT", 100)
	require.NoError(t, err)
	var states []position.State
	for _, tr := range trs {
		states = append(states, tr.To)
	}
	assert.Equal(t, []position.State{
		position.StateSubmitting, position.StateOpenPending, position.StateOpen, position.StateActive,
	}, states)
}

func TestOpenPositionRejectsDuplicateSymbol(t *testing.T) {
	eng, paper, _ := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)

	_, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)

	_, err = eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "拒绝重复开仓")
}

func TestOpenPositionRetriesNetworkErrorWithoutDoubleFill(t *testing.T) {
	eng, paper, _ := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)
	paper.FailNext("place_order", 2, fmt.Errorf("%w: timeout", exchange.ErrNetwork))

	p, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)
	assert.Equal(t, position.StateActive, p.State)
	// 重试用同一幂等键，交易所侧只成交一次
	assert.Len(t, paper.PlacedOrders, 1)
}

func TestOpenPositionRejectedOrderCancelsCleanly(t *testing.T) {
	eng, paper, store := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)
	paper.FailNext("place_order", 1, fmt.Errorf("%w: margin insufficient", exchange.ErrRejected))

	_, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.Error(t, err)
	// 拒单不重试，本地走取消路径收尾
	assert.Empty(t, paper.PlacedOrders)
	_, ok := eng.Get("BTCUSDT")
	assert.False(t, ok)

	cancelled, err := store.PositionsByState(ctx, position.StateCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
}

func TestProtectionRetryPlacesExactlyOneLeg(t *testing.T) {
	eng, paper, _ := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)
	// 止损腿先挂两次网络失败，第三次成功；不得出现重复腿
	paper.FailNext("stop_loss", 2, fmt.Errorf("%w: timeout", exchange.ErrNetwork))

	p, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)
	assert.True(t, p.Protected())
	assert.False(t, p.MissingStopTP)

	orders, err := paper.OpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	stops := 0
	for _, o := range orders {
		if o.Type == "STOP" {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestProtectionExhaustionFlagsMissingStopTP(t *testing.T) {
	eng, paper, _ := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)
	paper.FailNext("stop_loss", 10, fmt.Errorf("%w: timeout", exchange.ErrNetwork))

	p, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err, "保护失败不该让开仓报错，仓位要亮旗等自愈")
	assert.Equal(t, position.StateActive, p.State)
	assert.True(t, p.MissingStopTP)
	assert.Empty(t, p.StopOrderID)
	assert.NotEmpty(t, p.TPOrderID)
}

func TestClosePosition(t *testing.T) {
	eng, paper, store := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)

	_, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)

	paper.SetPrice("BTCUSDT", 110)
	require.NoError(t, eng.ClosePosition(ctx, "BTCUSDT", "测试平仓"))

	_, ok := eng.Get("BTCUSDT")
	assert.False(t, ok, "终态仓位应移出内存视图")

	closed, err := store.PositionsByState(ctx, position.StateClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, 0.0, closed[0].RemainingSize, 1e-9)
}

func TestSubmitPartialExitIdempotentPerTier(t *testing.T) {
	eng, paper, _ := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)

	p, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)
	size := p.OriginalSize

	paper.SetPrice("BTCUSDT", 107.5)
	require.NoError(t, eng.SubmitPartialExit(ctx, "BTCUSDT", 1.5, 0.5, 107.5))
	assert.InDelta(t, size/2, p.RemainingSize, 1e-9)
	assert.Equal(t, position.StateActive, p.State)

	// 同档位重复提交是空操作
	before := len(paper.PlacedOrders)
	require.NoError(t, eng.SubmitPartialExit(ctx, "BTCUSDT", 1.5, 0.5, 107.5))
	assert.Len(t, paper.PlacedOrders, before)
	assert.InDelta(t, size/2, p.RemainingSize, 1e-9)
}

func TestAdjustStopOnlyImproves(t *testing.T) {
	eng, paper, _ := newTestEngine(t)
	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)

	p, err := eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)

	require.NoError(t, eng.AdjustStop(ctx, "BTCUSDT", 98))
	assert.InDelta(t, 98.0, p.StopPrice, 1e-9)
	assert.Equal(t, position.StateActive, p.State)

	// 向不利方向调整是空操作
	require.NoError(t, eng.AdjustStop(ctx, "BTCUSDT", 96))
	assert.InDelta(t, 98.0, p.StopPrice, 1e-9)
}

func TestRecoverRestoresOpenPositionsAndSequence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := database.NewStore(dbPath)
	require.NoError(t, err)

	hub := telemetry.NewHub()
	rc := risk.NewController(testRiskConfig(), store, hub)
	paper := exchange.NewPaper(false)
	tradeCfg := config.TradeConfig{RiskPercent: 0.01, MaxPositions: 5, RetryMax: 2, RetryBaseMs: 1, RetryCapMs: 5, ProtectionMax: 2}
	eng := engine.New(tradeCfg, config.ExchangeConfig{}, paper, store, hub, rc)
	require.NoError(t, eng.Recover(context.Background()))

	ctx := context.Background()
	paper.SetPrice("BTCUSDT", 100)
	_, err = eng.OpenPosition(ctx, longSignal("BTCUSDT"), 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// 重启：新引擎从同一个库恢复
	store2, err := database.NewStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store2.Close() })
	eng2 := engine.New(tradeCfg, config.ExchangeConfig{}, paper, store2, hub, rc)
	require.NoError(t, eng2.Recover(ctx))

	p, ok := eng2.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, position.StateActive, p.State)

	seq, err := store2.NextSequence(ctx)
	require.NoError(t, err)
	assert.Greater(t, seq, uint64(0), "幂等序号必须接续而非清零")
}
