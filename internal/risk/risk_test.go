package risk_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/config"
	"pilot/internal/gateway/database"
	"pilot/internal/risk"
	"pilot/internal/telemetry"
)

func newController(t *testing.T) *risk.Controller {
	t.Helper()
	store, err := database.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return risk.NewController(config.RiskConfig{
		WarningLossPct:     0.02,
		CriticalLossPct:    0.03,
		EmergencyLossPct:   0.05,
		ConsecutiveLosses:  3,
		WarningFactor:      0.5,
		CriticalFactor:     0.25,
		LatencyThresholdMs: 100,
		SlippageThreshold:  0.005,
	}, store, telemetry.NewHub())
}

func TestEscalationByDailyLoss(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	c.UpdateEquity(ctx, 10_000)
	assert.Equal(t, risk.LevelNormal, c.Snapshot().Level)
	assert.InDelta(t, 1.0, c.Multiplier(), 1e-9)
	assert.False(t, c.Halted())

	c.UpdateEquity(ctx, 9_790) // -2.1%
	assert.Equal(t, risk.LevelWarning, c.Snapshot().Level)
	assert.InDelta(t, 0.5, c.Multiplier(), 1e-9)
	assert.False(t, c.Halted())

	c.UpdateEquity(ctx, 9_690) // -3.1%
	assert.Equal(t, risk.LevelCritical, c.Snapshot().Level)
	assert.InDelta(t, 0.25, c.Multiplier(), 1e-9)
	assert.True(t, c.Halted())
}

func TestLevelNeverDeEscalatesIntraday(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	c.UpdateEquity(ctx, 10_000)
	c.UpdateEquity(ctx, 9_690)
	require.Equal(t, risk.LevelCritical, c.Snapshot().Level)

	// 权益回升也不降级
	c.UpdateEquity(ctx, 9_950)
	assert.Equal(t, risk.LevelCritical, c.Snapshot().Level)
	assert.True(t, c.Halted())
}

func TestConsecutiveLossesEscalateToCritical(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	c.UpdateEquity(ctx, 10_000)

	c.RecordTradeResult(ctx, -10)
	c.RecordTradeResult(ctx, -5)
	assert.Equal(t, risk.LevelNormal, c.Snapshot().Level)

	c.RecordTradeResult(ctx, -2)
	assert.Equal(t, risk.LevelCritical, c.Snapshot().Level)
	assert.True(t, c.Halted())
	assert.Equal(t, 3, c.Snapshot().ConsecutiveLosses)
}

func TestWinResetsLossStreak(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	c.RecordTradeResult(ctx, -10)
	c.RecordTradeResult(ctx, -5)
	c.RecordTradeResult(ctx, 20)
	c.RecordTradeResult(ctx, -1)
	assert.Equal(t, risk.LevelNormal, c.Snapshot().Level)
	assert.Equal(t, 1, c.Snapshot().ConsecutiveLosses)
}

func TestEmergencyTriggersForceCloseOnce(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	fired := make(chan string, 2)
	c.SetForceClose(func(ctx context.Context, reason string) { fired <- reason })

	c.UpdateEquity(ctx, 10_000)
	c.UpdateEquity(ctx, 9_400) // -6%
	require.Equal(t, risk.LevelEmergency, c.Snapshot().Level)
	assert.InDelta(t, 0.0, c.Multiplier(), 1e-9)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("EMERGENCY 未触发强平回调")
	}

	// 再次触发不重复强平
	c.UpdateEquity(ctx, 9_300)
	select {
	case <-fired:
		t.Fatal("强平回调不应重复触发")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLatencyAndSlippageEscalateToWarning(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	c.ObserveLatency(ctx, 50*time.Millisecond)
	assert.Equal(t, risk.LevelNormal, c.Snapshot().Level)

	c.ObserveLatency(ctx, 200*time.Millisecond)
	assert.Equal(t, risk.LevelWarning, c.Snapshot().Level)

	c2 := newController(t)
	c2.ObserveSlippage(ctx, 0.01)
	assert.Equal(t, risk.LevelWarning, c2.Snapshot().Level)
}

func TestRolloverResetsToNormal(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	c.UpdateEquity(ctx, 10_000)
	c.UpdateEquity(ctx, 9_600)
	require.Equal(t, risk.LevelCritical, c.Snapshot().Level)

	c.Rollover(ctx)
	snap := c.Snapshot()
	assert.Equal(t, risk.LevelNormal, snap.Level)
	assert.False(t, snap.Halted)
	assert.Equal(t, 0, snap.ConsecutiveLosses)
	// 新基准 = 当前权益，旧回撤不再计入
	assert.InDelta(t, 0.0, snap.DailyLossPct, 1e-9)
	assert.InDelta(t, 9_600.0, snap.DayStartEquity, 1e-9)
}

func TestHealFailureReportEscalates(t *testing.T) {
	c := newController(t)
	c.ReportHealFailure(context.Background(), "BTCUSDT", 3)
	assert.Equal(t, risk.LevelCritical, c.Snapshot().Level)
}
