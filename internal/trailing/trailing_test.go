package trailing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/exchange"
	"pilot/internal/gateway/database"
	"pilot/internal/market"
	"pilot/internal/position"
	"pilot/internal/risk"
	"pilot/internal/signal"
	"pilot/internal/telemetry"
)

func setup(t *testing.T, tiers []config.ExitTier) (*Manager, *engine.Engine, *exchange.Paper, *database.Store) {
	t.Helper()
	store, err := database.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := telemetry.NewHub()
	rc := risk.NewController(config.RiskConfig{
		WarningLossPct: 0.02, CriticalLossPct: 0.03, EmergencyLossPct: 0.05,
		ConsecutiveLosses: 3, WarningFactor: 0.5, CriticalFactor: 0.25,
		LatencyThresholdMs: 3000, SlippageThreshold: 0.5,
	}, store, hub)
	paper := exchange.NewPaper(false)
	eng := engine.New(config.TradeConfig{
		RiskPercent: 0.01, MaxPositions: 5, RetryMax: 2,
		RetryBaseMs: 1, RetryCapMs: 5, ProtectionMax: 2,
	}, config.ExchangeConfig{}, paper, store, hub, rc)
	require.NoError(t, eng.Recover(context.Background()))

	m := NewManager(config.TrailingConfig{
		FlushIntervalMs: 10,
		Tiers:           tiers,
		ATRPeriod:       14,
		ATRMultiplier:   2.0,
		RetryMax:        3,
	}, eng, market.NewMemoryKlineStore())
	return m, eng, paper, store
}

func openLong(t *testing.T, eng *engine.Engine, paper *exchange.Paper) *position.Position {
	t.Helper()
	paper.SetPrice("BTCUSDT", 100)
	p, err := eng.OpenPosition(context.Background(), signal.Signal{
		Symbol: "BTCUSDT", Side: position.SideLong, Score: 0.9,
		Entry: 100, Stop: 95, TakeProfit: 115,
	}, 0)
	require.NoError(t, err)
	return p
}

func TestTierTriggersOnePartialExitAndReturnsToActive(t *testing.T) {
	m, eng, paper, store := setup(t, []config.ExitTier{{Multiple: 1.5, Fraction: 0.5}})
	ctx := context.Background()
	p := openLong(t, eng, paper)
	size := p.OriginalSize

	// 开仓 100 / 止损 95：107.5 即 1.5R
	paper.SetPrice("BTCUSDT", 107.5)
	m.process(ctx, "BTCUSDT", market.Quote{Last: 107.5, High: 107.5, Low: 107.2})

	assert.Equal(t, position.StateActive, p.State)
	assert.InDelta(t, size/2, p.RemainingSize, 1e-9)
	require.Len(t, p.PartialExits, 1)
	assert.InDelta(t, 1.5, p.PartialExits[0].Multiple, 1e-9)

	// 审计链里应出现 ACTIVE→SCALING_OUT→ACTIVE
	trs, err := store.TransitionsBySymbol(ctx, "BTCUSDT", 100)
	require.NoError(t, err)
	var saw bool
	for i := 1; i < len(trs); i++ {
		if trs[i-1].To == position.StateScalingOut && trs[i].To == position.StateActive {
			saw = true
		}
	}
	assert.True(t, saw)
}

func TestTierDoesNotRefireOnRepeatedQuotes(t *testing.T) {
	m, eng, paper, _ := setup(t, []config.ExitTier{{Multiple: 1.5, Fraction: 0.5}})
	ctx := context.Background()
	p := openLong(t, eng, paper)

	paper.SetPrice("BTCUSDT", 107.5)
	quote := market.Quote{Last: 107.5, High: 107.5, Low: 107.2}
	m.process(ctx, "BTCUSDT", quote)
	after := p.RemainingSize

	m.process(ctx, "BTCUSDT", quote)
	m.process(ctx, "BTCUSDT", quote)
	assert.InDelta(t, after, p.RemainingSize, 1e-9, "同档位只兑现一次")
	assert.Len(t, p.PartialExits, 1)
}

func TestPartialPositionStillScalesOutAndTrails(t *testing.T) {
	m, eng, paper, _ := setup(t, []config.ExitTier{{Multiple: 1.5, Fraction: 0.5}})
	ctx := context.Background()
	p := openLong(t, eng, paper)
	size := p.OriginalSize

	// 对账把仓位收缩进 PARTIAL
	require.NoError(t, eng.SetRemaining(ctx, "BTCUSDT", size*0.8, "数量对齐"))
	require.Equal(t, position.StatePartial, p.State)

	paper.SetPrice("BTCUSDT", 107.5)
	m.process(ctx, "BTCUSDT", market.Quote{Last: 107.5, High: 107.5, Low: 107.0})

	// 档位照常兑现，执行完回到 PARTIAL 而不是卡死
	require.Len(t, p.PartialExits, 1)
	assert.Equal(t, position.StatePartial, p.State)
	assert.InDelta(t, size*0.3, p.RemainingSize, 1e-9)

	// 追踪止损对 PARTIAL 同样生效
	assert.InDelta(t, 102.5, p.StopPrice, 1e-9)
}

func TestTrailingStopNeverMovesBackward(t *testing.T) {
	m, eng, paper, _ := setup(t, nil)
	ctx := context.Background()
	p := openLong(t, eng, paper)

	// 1.5R：无 ATR 数据时步长退回初始止损距离 5
	m.process(ctx, "BTCUSDT", market.Quote{Last: 107.5, High: 107.5, Low: 107.0})
	assert.InDelta(t, 102.5, p.StopPrice, 1e-9)

	// 回落后的批次不得把止损拖回去
	m.process(ctx, "BTCUSDT", market.Quote{Last: 104, High: 104, Low: 103.5})
	assert.InDelta(t, 102.5, p.StopPrice, 1e-9)

	// 新高继续上移
	m.process(ctx, "BTCUSDT", market.Quote{Last: 110, High: 110, Low: 109})
	assert.InDelta(t, 105.0, p.StopPrice, 1e-9)
}

func TestNoTrailingBelowOneR(t *testing.T) {
	m, eng, paper, _ := setup(t, nil)
	ctx := context.Background()
	p := openLong(t, eng, paper)

	m.process(ctx, "BTCUSDT", market.Quote{Last: 102, High: 102, Low: 101})
	assert.InDelta(t, 95.0, p.StopPrice, 1e-9, "浮盈不足 1R 不动止损")
}

func TestMergeKeepsExtremes(t *testing.T) {
	batch := map[string]market.Quote{}
	merge(batch, priceEvent{symbol: "BTCUSDT", quote: market.Quote{Last: 100, High: 101, Low: 99}})
	merge(batch, priceEvent{symbol: "BTCUSDT", quote: market.Quote{Last: 98, High: 100, Low: 97}})
	merge(batch, priceEvent{symbol: "BTCUSDT", quote: market.Quote{Last: 103, High: 103, Low: 102}})

	q := batch["BTCUSDT"]
	assert.InDelta(t, 103.0, q.Last, 1e-9)
	assert.InDelta(t, 103.0, q.High, 1e-9)
	assert.InDelta(t, 97.0, q.Low, 1e-9)
}

func TestTierGivesUpAfterRetryBudget(t *testing.T) {
	m, eng, paper, _ := setup(t, []config.ExitTier{{Multiple: 1.5, Fraction: 0.5}})
	ctx := context.Background()
	p := openLong(t, eng, paper)

	// 分批市价单持续被拒
	paper.SetPrice("BTCUSDT", 107.5)
	paper.FailNext("place_order", 100, exchange.ErrRejected)
	quote := market.Quote{Last: 107.5, High: 107.5, Low: 107.2}
	for i := 0; i < 5; i++ {
		m.process(ctx, "BTCUSDT", quote)
	}

	assert.Len(t, p.PartialExits, 0)
	// 连续失败达到上限后标记仓位异常
	assert.Equal(t, position.StateError, p.State)
}
