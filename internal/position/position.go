package position

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion 仓位持久化的版本号，只增不减；删字段需要显式迁移。
const SchemaVersion = 2

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// NormalizeSide 统一大小写并过滤非法值。
func NormalizeSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	default:
		return "", false
	}
}

// PartialExit 已实现的部分止盈：触发的 R 倍数及对应数量。
// 按 Multiple 去重，保证同一档位不会重复触发。
type PartialExit struct {
	Multiple  float64
	Quantity  float64
	Price     float64
	Timestamp time.Time
}

// Position 单个交易对的持仓。字段只允许执行引擎在持有 symbol 锁时修改，
// 其余组件（守卫/追踪/对账/观察者）仅读。
type Position struct {
	Symbol        string
	Side          Side
	EntryPrice    float64
	OriginalSize  float64
	RemainingSize float64
	StopPrice     float64
	TakeProfit    float64
	// InitialRisk 开仓时的止损距离。R 倍数始终以它为基准，
	// 追踪止损上移后不变。
	InitialRisk float64
	// ATRRef 开仓时的波动参考，用于追踪止损的步长。
	ATRRef   float64
	BrokerID string
	// 交易所侧保护单编号；两腿模式下分开记录，组合单两者相同。
	StopOrderID string
	TPOrderID   string
	// MissingStopTP 保护单多次重试仍缺失时置位，等待 auto-heal，绝不静默。
	MissingStopTP bool
	PartialExits  []PartialExit
	State         State
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// New 创建 INIT 态仓位。
func New(symbol string, side Side, entry, size, stop, takeProfit, atr float64) *Position {
	now := time.Now()
	risk := entry - stop
	if side == SideShort {
		risk = stop - entry
	}
	if risk < 0 {
		risk = 0
	}
	return &Position{
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		Side:          side,
		EntryPrice:    entry,
		OriginalSize:  size,
		RemainingSize: size,
		StopPrice:     stop,
		TakeProfit:    takeProfit,
		InitialRisk:   risk,
		ATRRef:        atr,
		State:         StateInit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CheckInvariants 校验 0 ≤ remaining ≤ original，以及 remaining==0 ⇒ CLOSED。
func (p *Position) CheckInvariants() error {
	if p.RemainingSize < -sizeEpsilon || p.RemainingSize > p.OriginalSize+sizeEpsilon {
		return fmt.Errorf("position %s: remaining=%.8f 超出 [0, %.8f]", p.Symbol, p.RemainingSize, p.OriginalSize)
	}
	if p.RemainingSize <= sizeEpsilon && p.State != StateClosed && p.State != StateCancelled {
		return fmt.Errorf("position %s: remaining=0 但状态为 %s", p.Symbol, p.State)
	}
	return nil
}

const sizeEpsilon = 1e-9

// RealizedMultiple 判断某个 R 档位是否已兑现过。
func (p *Position) RealizedMultiple(multiple float64) bool {
	for _, pe := range p.PartialExits {
		if floatEqual(pe.Multiple, multiple) {
			return true
		}
	}
	return false
}

// RecordPartialExit 登记一次已成交的部分止盈并扣减剩余数量。
func (p *Position) RecordPartialExit(multiple, qty, price float64) error {
	if p.RealizedMultiple(multiple) {
		return fmt.Errorf("position %s: %.2fR 档位已兑现", p.Symbol, multiple)
	}
	if qty <= 0 || qty > p.RemainingSize+sizeEpsilon {
		return fmt.Errorf("position %s: 非法部分平仓数量 %.8f (remaining=%.8f)", p.Symbol, qty, p.RemainingSize)
	}
	p.PartialExits = append(p.PartialExits, PartialExit{
		Multiple:  multiple,
		Quantity:  qty,
		Price:     price,
		Timestamp: time.Now(),
	})
	p.RemainingSize -= qty
	if p.RemainingSize < sizeEpsilon {
		p.RemainingSize = 0
	}
	p.UpdatedAt = time.Now()
	return nil
}

// RiskMultiple 当前价格折算成 R 倍数，按方向调整符号。
// 基准是开仓时的止损距离，追踪止损上移不影响 R 的定义。
func (p *Position) RiskMultiple(price float64) float64 {
	if p.InitialRisk <= 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - price) / p.InitialRisk
	}
	return (price - p.EntryPrice) / p.InitialRisk
}

// StopImproved 新止损只能朝有利方向移动。
func (p *Position) StopImproved(newStop float64) bool {
	if p.Side == SideShort {
		return newStop < p.StopPrice
	}
	return newStop > p.StopPrice
}

// Protected 表示两条保护腿是否都在位。
func (p *Position) Protected() bool {
	return p.StopOrderID != "" && p.TPOrderID != ""
}

func floatEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
