package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateInit, StateSubmitting},
		{StateSubmitting, StateOpenPending},
		{StateSubmitting, StateCancelPending},
		{StateOpenPending, StatePartial},
		{StateOpenPending, StateOpen},
		{StatePartial, StateActive},
		{StatePartial, StateScalingOut},
		{StatePartial, StateTrailingAdjust},
		{StateOpen, StateActive},
		{StateActive, StateScalingOut},
		{StateActive, StateTrailingAdjust},
		{StateActive, StateClosing},
		{StateScalingOut, StateActive},
		{StateScalingOut, StatePartial},
		{StateTrailingAdjust, StateActive},
		{StateTrailingAdjust, StatePartial},
		{StateClosing, StateClosed},
		{StateCancelPending, StateCancelled},
		{StateError, StateClosing},
		{StateError, StateCancelPending},
	}
	for _, c := range cases {
		assert.True(t, CanTransition(c.from, c.to), "%s→%s 应被允许", c.from, c.to)
	}
}

func TestCanTransitionRejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateInit, StateOpen},
		{StateInit, StateActive},
		{StateSubmitting, StateActive},
		{StateOpen, StateSubmitting},
		{StateActive, StateOpen},
		{StateClosing, StateActive},
		{StateError, StateActive},
	}
	for _, c := range cases {
		assert.False(t, CanTransition(c.from, c.to), "%s→%s 应被拒绝", c.from, c.to)
	}
}

func TestTerminalStatesBlockEverything(t *testing.T) {
	for _, from := range []State{StateClosed, StateCancelled} {
		for to := StateInit; to <= StateError; to++ {
			assert.False(t, CanTransition(from, to), "%s→%s 终态不可再变", from, to)
		}
	}
}

func TestAnyNonTerminalCanEnterError(t *testing.T) {
	for _, from := range []State{
		StateInit, StateSubmitting, StateOpenPending, StatePartial, StateOpen,
		StateActive, StateScalingOut, StateTrailingAdjust, StateClosing, StateCancelPending,
	} {
		assert.True(t, CanTransition(from, StateError), "%s→ERROR 应被允许", from)
	}
}

func TestAttemptTransitionRejectionLeavesPositionUntouched(t *testing.T) {
	p := New("BTCUSDT", SideLong, 100, 1, 95, 115, 0)
	before := p.UpdatedAt

	_, err := AttemptTransition(p, StateActive, "跳级")
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateInit, p.State)
	assert.Equal(t, before, p.UpdatedAt)

	tr, err := AttemptTransition(p, StateSubmitting, "正常")
	require.NoError(t, err)
	assert.Equal(t, StateInit, tr.From)
	assert.Equal(t, StateSubmitting, tr.To)
	assert.Equal(t, StateSubmitting, p.State)
}

func TestCheckInvariants(t *testing.T) {
	p := New("BTCUSDT", SideLong, 100, 2, 95, 115, 0)
	require.NoError(t, p.CheckInvariants())

	p.RemainingSize = 3
	assert.Error(t, p.CheckInvariants())

	p.RemainingSize = 0
	p.State = StateActive
	assert.Error(t, p.CheckInvariants(), "remaining=0 必须是终态")

	p.State = StateClosed
	assert.NoError(t, p.CheckInvariants())
}
