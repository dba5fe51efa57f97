package engine

import (
	"context"
	"fmt"

	"pilot/internal/exchange"
	"pilot/internal/position"
	"pilot/internal/telemetry"
)

// 对账器调用的修复入口。全部走与正常路径相同的锁与状态机，
// 修复动作和交易动作不允许有两套规则。

// AdoptRemote 收养交易所侧存在而本地缺失的仓位：建档并补保护单。
// stop/tp 由对账器按当前波动合成。
func (e *Engine) AdoptRemote(ctx context.Context, rp exchange.RemotePosition, stop, tp float64) error {
	mu := e.lockFor(rp.Symbol)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := e.Get(rp.Symbol); ok && !existing.State.Terminal() {
		return fmt.Errorf("%s 本地已有仓位 state=%s", rp.Symbol, existing.State)
	}

	p := position.New(rp.Symbol, rp.Side, rp.EntryPrice, rp.Size, stop, tp, 0)
	e.positions.Store(p.Symbol, p)
	// 走完整入场链路补齐审计，cause 标明是收养而非交易。
	for _, st := range []position.State{
		position.StateSubmitting, position.StateOpenPending, position.StateOpen,
	} {
		if err := e.transition(ctx, p, st, "对账收养"); err != nil {
			return err
		}
	}
	e.placeProtection(ctx, p)
	if err := e.transition(ctx, p, position.StateActive, "对账收养"); err != nil {
		return err
	}
	e.refreshGauge()
	outcome := "ok"
	if p.MissingStopTP {
		outcome = "unprotected"
	}
	telemetry.HealAttemptsTotal.WithLabelValues("adopt", outcome).Inc()
	log.Warnf("收养交易所仓位 %s %s size=%.6f entry=%.4f protected=%v",
		p.Symbol, p.Side, p.OriginalSize, p.EntryPrice, p.Protected())
	return nil
}

// SetRemaining 对账发现数量不一致时以交易所为准修正本地，
// 并按差异方向在 ACTIVE/PARTIAL 间切换。
func (e *Engine) SetRemaining(ctx context.Context, symbol string, remoteSize float64, cause string) error {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	p, ok := e.Get(symbol)
	if !ok {
		return fmt.Errorf("无持仓: %s", symbol)
	}
	if remoteSize < 0 || remoteSize > p.OriginalSize+sizeEpsilon {
		return fmt.Errorf("%s 远端数量非法: %.8f (original=%.8f)", symbol, remoteSize, p.OriginalSize)
	}

	p.RemainingSize = remoteSize
	switch {
	case remoteSize <= sizeEpsilon:
		// 交易所已无仓（保护单成交等），本地补终态。
		if err := e.transition(ctx, p, position.StateClosing, cause); err != nil {
			return err
		}
		e.cancelProtection(ctx, p)
		if err := e.transition(ctx, p, position.StateClosed, cause); err != nil {
			return err
		}
		e.finalize(symbol)
	case remoteSize < p.OriginalSize-sizeEpsilon && p.State == position.StateActive:
		if err := e.transition(ctx, p, position.StatePartial, cause); err != nil {
			return err
		}
	case p.State == position.StatePartial && remoteSize >= p.OriginalSize-sizeEpsilon:
		if err := e.transition(ctx, p, position.StateActive, cause); err != nil {
			return err
		}
	default:
		if err := e.store.SavePosition(ctx, p); err != nil {
			log.Warnf("仓位落盘失败 %s: %v", symbol, err)
		}
	}
	telemetry.HealAttemptsTotal.WithLabelValues("resize", "ok").Inc()
	return nil
}

// HealProtection 补齐缺失的保护腿。先对照交易所挂单清掉已不在位的
// 腿编号（交易所侧被撤/成交但本地还记着），再补挂缺失腿。
// 成功后清 MissingStopTP。
func (e *Engine) HealProtection(ctx context.Context, symbol string) error {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	p, ok := e.Get(symbol)
	if !ok {
		return fmt.Errorf("无持仓: %s", symbol)
	}
	if p.State.Terminal() {
		return nil
	}
	if orders, err := e.client.OpenOrders(ctx, symbol); err != nil {
		log.Warnf("核对 %s 挂单失败，按本地编号处理: %v", symbol, err)
	} else {
		live := make(map[string]bool, len(orders))
		for _, o := range orders {
			live[o.OrderID] = true
		}
		if p.StopOrderID != "" && !live[p.StopOrderID] {
			log.Warnf("%s 止损腿 %s 已不在交易所，清除本地编号", symbol, p.StopOrderID)
			p.StopOrderID = ""
		}
		if p.TPOrderID != "" && !live[p.TPOrderID] {
			log.Warnf("%s 止盈腿 %s 已不在交易所，清除本地编号", symbol, p.TPOrderID)
			p.TPOrderID = ""
		}
	}
	if p.Protected() {
		return nil
	}
	e.placeProtection(ctx, p)
	if err := e.store.SavePosition(ctx, p); err != nil {
		log.Warnf("仓位落盘失败 %s: %v", symbol, err)
	}
	if p.MissingStopTP {
		telemetry.HealAttemptsTotal.WithLabelValues("protect", "failed").Inc()
		return fmt.Errorf("%s 保护单仍缺失", symbol)
	}
	telemetry.HealAttemptsTotal.WithLabelValues("protect", "ok").Inc()
	log.Infof("✓ 自愈补齐保护单 %s stop=%s tp=%s", symbol, p.StopOrderID, p.TPOrderID)
	return nil
}

// CancelOrphan 注销交易所侧已不存在的本地仓位（孤儿策略 cancel）。
// 经 ERROR → CANCEL_PENDING → CANCELLED 收尾，保护单顺手撤净。
func (e *Engine) CancelOrphan(ctx context.Context, symbol, cause string) error {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	p, ok := e.Get(symbol)
	if !ok {
		return fmt.Errorf("无持仓: %s", symbol)
	}
	if p.State.Terminal() {
		return nil
	}
	if p.State != position.StateError {
		if err := e.transition(ctx, p, position.StateError, cause); err != nil {
			return err
		}
	}
	if err := e.transition(ctx, p, position.StateCancelPending, cause); err != nil {
		return err
	}
	e.cancelProtection(ctx, p)
	p.RemainingSize = 0
	if err := e.transition(ctx, p, position.StateCancelled, cause); err != nil {
		return err
	}
	e.finalize(symbol)
	telemetry.HealAttemptsTotal.WithLabelValues("cancel_orphan", "ok").Inc()
	return nil
}

// MarkError 显式把仓位打入 ERROR（对账发现无法自动判定的矛盾时）。
func (e *Engine) MarkError(ctx context.Context, symbol, cause string) error {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	p, ok := e.Get(symbol)
	if !ok {
		return fmt.Errorf("无持仓: %s", symbol)
	}
	if p.State == position.StateError || p.State.Terminal() {
		return nil
	}
	return e.transition(ctx, p, position.StateError, cause)
}
