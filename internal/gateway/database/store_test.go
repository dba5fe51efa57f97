package database_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/gateway/database"
	"pilot/internal/position"
)

func newStore(t *testing.T) *database.Store {
	t.Helper()
	s, err := database.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSavePositionRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := position.New("BTCUSDT", position.SideLong, 100, 2, 95, 115, 1.8)
	p.BrokerID = "b-1"
	p.StopOrderID = "s-1"
	p.TPOrderID = "t-1"
	require.NoError(t, p.RecordPartialExit(1.0, 0.5, 105))
	_, err := position.AttemptTransition(p, position.StateSubmitting, "test")
	require.NoError(t, err)
	require.NoError(t, s.SavePosition(ctx, p))

	got, err := s.PositionBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Side, got.Side)
	assert.Equal(t, position.StateSubmitting, got.State)
	assert.InDelta(t, 1.5, got.RemainingSize, 1e-9)
	assert.InDelta(t, 5.0, got.InitialRisk, 1e-9)
	require.Len(t, got.PartialExits, 1)
	assert.InDelta(t, 1.0, got.PartialExits[0].Multiple, 1e-9)

	// 同键再次保存是覆盖而非新行
	p.RemainingSize = 1.0
	require.NoError(t, s.SavePosition(ctx, p))
	all, err := s.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.InDelta(t, 1.0, all[0].RemainingSize, 1e-9)
}

func TestOpenPositionsExcludesTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	open := position.New("BTCUSDT", position.SideLong, 100, 1, 95, 115, 0)
	require.NoError(t, s.SavePosition(ctx, open))

	closed := position.New("ETHUSDT", position.SideShort, 2000, 1, 2100, 1800, 0)
	closed.State = position.StateClosed
	closed.RemainingSize = 0
	require.NoError(t, s.SavePosition(ctx, closed))

	got, err := s.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)

	byState, err := s.PositionsByState(ctx, position.StateClosed)
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "ETHUSDT", byState[0].Symbol)
}

func TestRecordExecutionEnforcesIdempotencyKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := database.ExecutionRecord{IdemKey: "BTCUSDT:open:1", Symbol: "BTCUSDT", Intent: "open", OrderID: "o-1"}
	require.NoError(t, s.RecordExecution(ctx, rec))

	err := s.RecordExecution(ctx, rec)
	require.ErrorIs(t, err, database.ErrDuplicateExecution)

	got, err := s.Execution(ctx, "BTCUSDT:open:1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "o-1", got.OrderID)

	missing, err := s.Execution(ctx, "BTCUSDT:open:999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNextSequenceResumesFromMax(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	seq, err := s.NextSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	for _, key := range []string{"BTCUSDT:open:3", "ETHUSDT:stop:12", "BTCUSDT:close:7"} {
		require.NoError(t, s.RecordExecution(ctx, database.ExecutionRecord{IdemKey: key, Symbol: "X", Intent: "open"}))
	}
	seq, err = s.NextSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)
}

func TestTransitionAuditOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := position.New("BTCUSDT", position.SideLong, 100, 1, 95, 115, 0)
	for _, to := range []position.State{
		position.StateSubmitting, position.StateOpenPending, position.StateOpen, position.StateActive,
	} {
		tr, err := position.AttemptTransition(p, to, "test")
		require.NoError(t, err)
		require.NoError(t, s.RecordTransition(ctx, tr))
	}

	trs, err := s.TransitionsBySymbol(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trs, 4)
	assert.Equal(t, position.StateSubmitting, trs[0].To)
	assert.Equal(t, position.StateActive, trs[3].To)
}

func TestGuardEventsPaged(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordGuardEvent(ctx, database.GuardEventRecord{
			Symbol: "BTCUSDT", Guard: "halt", Allowed: i%2 == 0, Reason: "test",
		}))
	}
	evs, err := s.RecentGuardEvents(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 3)

	evs, err = s.RecentGuardEvents(ctx, 3, 3)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}
