package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPartialExitDedupesByMultiple(t *testing.T) {
	p := New("ETHUSDT", SideLong, 100, 3, 95, 115, 0)

	require.NoError(t, p.RecordPartialExit(1.0, 1, 105))
	assert.InDelta(t, 2.0, p.RemainingSize, 1e-9)
	assert.True(t, p.RealizedMultiple(1.0))

	err := p.RecordPartialExit(1.0, 1, 106)
	require.Error(t, err, "同一档位不允许重复兑现")
	assert.InDelta(t, 2.0, p.RemainingSize, 1e-9)

	require.NoError(t, p.RecordPartialExit(1.5, 2, 107.5))
	assert.InDelta(t, 0.0, p.RemainingSize, 1e-9)
}

func TestRecordPartialExitRejectsOversize(t *testing.T) {
	p := New("ETHUSDT", SideLong, 100, 1, 95, 115, 0)
	assert.Error(t, p.RecordPartialExit(1.0, 2, 105))
	assert.Error(t, p.RecordPartialExit(1.0, 0, 105))
}

func TestRiskMultipleBothSides(t *testing.T) {
	long := New("BTCUSDT", SideLong, 100, 1, 95, 115, 0)
	assert.InDelta(t, 1.5, long.RiskMultiple(107.5), 1e-9)
	assert.InDelta(t, -1.0, long.RiskMultiple(95), 1e-9)

	short := New("BTCUSDT", SideShort, 100, 1, 105, 85, 0)
	assert.InDelta(t, 2.0, short.RiskMultiple(90), 1e-9)
	assert.InDelta(t, -1.0, short.RiskMultiple(105), 1e-9)
}

func TestStopImprovedNeverAdverse(t *testing.T) {
	long := New("BTCUSDT", SideLong, 100, 1, 95, 115, 0)
	assert.True(t, long.StopImproved(97))
	assert.False(t, long.StopImproved(95))
	assert.False(t, long.StopImproved(90))

	short := New("BTCUSDT", SideShort, 100, 1, 105, 85, 0)
	assert.True(t, short.StopImproved(103))
	assert.False(t, short.StopImproved(105))
	assert.False(t, short.StopImproved(110))
}

func TestNormalizeSide(t *testing.T) {
	for raw, want := range map[string]Side{
		"long": SideLong, "BUY": SideLong, "Short": SideShort, "sell": SideShort,
	} {
		got, ok := NormalizeSide(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got)
	}
	_, ok := NormalizeSide("hold")
	assert.False(t, ok)
}
