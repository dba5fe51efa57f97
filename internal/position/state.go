package position

import (
	"errors"
	"fmt"
	"time"
)

// State 仓位生命周期状态。所有组件只能通过 AttemptTransition 变更，
// 不允许直接写字段。
type State int

const (
	StateInit State = iota + 1
	StateSubmitting
	StateOpenPending
	StatePartial
	StateOpen
	StateActive
	StateScalingOut
	StateTrailingAdjust
	StateClosing
	StateClosed
	StateCancelPending
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSubmitting:
		return "SUBMITTING"
	case StateOpenPending:
		return "OPEN_PENDING"
	case StatePartial:
		return "PARTIAL"
	case StateOpen:
		return "OPEN"
	case StateActive:
		return "ACTIVE"
	case StateScalingOut:
		return "SCALING_OUT"
	case StateTrailingAdjust:
		return "TRAILING_ADJUST"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateCancelPending:
		return "CANCEL_PENDING"
	case StateCancelled:
		return "CANCELLED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Terminal 终态仓位不可再变更。
func (s State) Terminal() bool { return s == StateClosed || s == StateCancelled }

// ErrIllegalTransition 非法跃迁属于一致性错误，调用方必须显式处理并高优记录。
var ErrIllegalTransition = errors.New("illegal state transition")

// allowed 固定跃迁表。ERROR 不在此表中单列入边：除终态外任何状态都可进入
// ERROR；ERROR 的出边仅限 auto-heal 的两条。
var allowed = map[State][]State{
	StateInit:           {StateSubmitting},
	StateSubmitting:     {StateOpenPending, StateCancelPending},
	StateOpenPending:    {StatePartial, StateOpen, StateCancelPending},
	StatePartial:        {StateOpen, StateActive, StateScalingOut, StateTrailingAdjust, StateClosing},
	StateOpen:           {StateActive, StateClosing},
	StateActive:         {StatePartial, StateScalingOut, StateTrailingAdjust, StateClosing},
	StateScalingOut:     {StateActive, StatePartial, StateClosing},
	StateTrailingAdjust: {StateActive, StatePartial, StateClosing},
	StateClosing:        {StateClosed},
	StateCancelPending:  {StateCancelled},
	StateError:          {StateClosing, StateCancelPending},
}

// CanTransition 查表判断 from→to 是否合法。
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 一次合法跃迁的不可变审计记录。
type Transition struct {
	Symbol    string
	From      State
	To        State
	Cause     string
	Timestamp time.Time
}

// AttemptTransition 唯一合法的状态写入口。非法跃迁返回
// ErrIllegalTransition 且不改动仓位。
func AttemptTransition(p *Position, to State, cause string) (Transition, error) {
	if p == nil {
		return Transition{}, fmt.Errorf("nil position")
	}
	from := p.State
	if !CanTransition(from, to) {
		return Transition{}, fmt.Errorf("%w: %s %s→%s (cause=%s)", ErrIllegalTransition, p.Symbol, from, to, cause)
	}
	now := time.Now()
	p.State = to
	p.UpdatedAt = now
	return Transition{Symbol: p.Symbol, From: from, To: to, Cause: cause, Timestamp: now}, nil
}
