package engine

import (
	"context"
	"errors"
	"fmt"

	"pilot/internal/exchange"
	"pilot/internal/gateway/database"
	"pilot/internal/position"
	"pilot/internal/telemetry"
)

// ClosePosition 平掉整仓：撤保护单 → 市价反向全平 → CLOSED。
// 处于入场半途（SUBMITTING/OPEN_PENDING）的仓位走取消路径。
func (e *Engine) ClosePosition(ctx context.Context, symbol, cause string) error {
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

	if p.State == position.StateSubmitting || p.State == position.StateOpenPending {
		if err := e.transition(ctx, p, position.StateCancelPending, cause); err != nil {
			return err
		}
		if p.BrokerID != "" {
			if err := e.client.CancelOrder(ctx, symbol, p.BrokerID); err != nil && !errors.Is(err, exchange.ErrNotFound) {
				log.Warnf("撤入场单失败 %s: %v", symbol, err)
			}
		}
		if err := e.transition(ctx, p, position.StateCancelled, cause); err != nil {
			return err
		}
		e.finalize(symbol)
		return nil
	}

	if err := e.transition(ctx, p, position.StateClosing, cause); err != nil {
		return err
	}
	e.cancelProtection(ctx, p)

	exitPrice := p.EntryPrice
	if p.RemainingSize > sizeEpsilon {
		idemKey := e.nextIdemKey(symbol, "close")
		var ack exchange.OrderAck
		err := e.retry(ctx, "close "+symbol, func(ctx context.Context) error {
			var perr error
			ack, perr = e.timedPlace(ctx, exchange.OrderRequest{
				Symbol:     symbol,
				Side:       p.Side,
				Closing:    true,
				Quantity:   p.RemainingSize,
				ClientID:   idemKey,
				ReduceOnly: true,
			}, 0)
			return perr
		})
		if err != nil {
			// 平仓失败仓位悬空，标 ERROR 交给对账自愈。
			_ = e.transition(ctx, p, position.StateError, fmt.Sprintf("平仓失败: %v", err))
			return err
		}
		e.recordExec(ctx, database.ExecutionRecord{
			IdemKey: idemKey, Symbol: symbol, Intent: "close",
			OrderID: ack.OrderID, Quantity: ack.ExecutedQty, Price: ack.AvgPrice,
		})
		if ack.AvgPrice > 0 {
			exitPrice = ack.AvgPrice
		}
		p.RemainingSize = 0
	}

	if err := e.transition(ctx, p, position.StateClosed, cause); err != nil {
		return err
	}
	pnl := realizedPnL(p, exitPrice)
	e.risk.RecordTradeResult(ctx, pnl)
	e.finalize(symbol)
	log.Infof("✓ 平仓 %s pnl=%.4f cause=%s", symbol, pnl, cause)
	return nil
}

// CloseAll 强平全部非终态仓位（风险 EMERGENCY 或停机时）。
func (e *Engine) CloseAll(ctx context.Context, cause string) {
	symbols, _ := e.OpenSymbols(ctx)
	for _, sym := range symbols {
		if err := e.ClosePosition(ctx, sym, cause); err != nil {
			log.Errorf("强平 %s 失败: %v", sym, err)
		}
	}
}

// SubmitPartialExit 执行一档分批止盈。档位已兑现时直接返回 nil（幂等）。
// ACTIVE 与 PARTIAL（入场部分成交/对账收缩）都接受，执行后回到原状态。
func (e *Engine) SubmitPartialExit(ctx context.Context, symbol string, multiple, fraction, refPrice float64) error {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	p, ok := e.Get(symbol)
	if !ok {
		return fmt.Errorf("无持仓: %s", symbol)
	}
	if p.RealizedMultiple(multiple) {
		return nil
	}
	if p.State != position.StateActive && p.State != position.StatePartial {
		return fmt.Errorf("%s state=%s，暂不分批", symbol, p.State)
	}
	origin := p.State

	qty := p.OriginalSize * fraction
	if qty > p.RemainingSize {
		qty = p.RemainingSize
	}
	if qty <= sizeEpsilon {
		return nil
	}

	if err := e.transition(ctx, p, position.StateScalingOut, fmt.Sprintf("触发 %.2fR 档位", multiple)); err != nil {
		return err
	}

	idemKey := e.nextIdemKey(symbol, "scale")
	var ack exchange.OrderAck
	err := e.retry(ctx, "scale "+symbol, func(ctx context.Context) error {
		var perr error
		ack, perr = e.timedPlace(ctx, exchange.OrderRequest{
			Symbol:     symbol,
			Side:       p.Side,
			Closing:    true,
			Quantity:   qty,
			ClientID:   idemKey,
			ReduceOnly: true,
		}, refPrice)
		return perr
	})
	if err != nil {
		// 档位未登记，下个价格批次会再试。
		_ = e.transition(ctx, p, origin, fmt.Sprintf("%.2fR 档位执行失败", multiple))
		return err
	}

	price := ack.AvgPrice
	if price <= 0 {
		price = refPrice
	}
	filled := ack.ExecutedQty
	if filled <= 0 {
		filled = qty
	}
	if err := p.RecordPartialExit(multiple, filled, price); err != nil {
		_ = e.transition(ctx, p, origin, "档位登记失败")
		return err
	}
	e.recordExec(ctx, database.ExecutionRecord{
		IdemKey: idemKey, Symbol: symbol, Intent: "scale",
		OrderID: ack.OrderID, Quantity: filled, Price: price,
	})
	telemetry.PartialExitsTotal.Inc()

	if p.RemainingSize <= sizeEpsilon {
		if err := e.transition(ctx, p, position.StateClosing, "分批后仓位归零"); err != nil {
			return err
		}
		e.cancelProtection(ctx, p)
		if err := e.transition(ctx, p, position.StateClosed, "分批后仓位归零"); err != nil {
			return err
		}
		e.risk.RecordTradeResult(ctx, realizedPnL(p, price))
		e.finalize(symbol)
		log.Infof("✓ %s 分批兑现 %.2fR 后仓位出清", symbol, multiple)
		return nil
	}

	if err := e.transition(ctx, p, origin, fmt.Sprintf("%.2fR 档位兑现 %.6f", multiple, filled)); err != nil {
		return err
	}
	log.Infof("✓ %s 兑现 %.2fR qty=%.6f remaining=%.6f", symbol, multiple, filled, p.RemainingSize)
	return nil
}

// AdjustStop 追踪止损上移：只接受更有利的新止损。
// 换单期间短暂处于 TRAILING_ADJUST，旧腿撤掉新腿挂上，完成后回到原状态。
func (e *Engine) AdjustStop(ctx context.Context, symbol string, newStop float64) error {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	p, ok := e.Get(symbol)
	if !ok {
		return fmt.Errorf("无持仓: %s", symbol)
	}
	if p.State != position.StateActive && p.State != position.StatePartial {
		return fmt.Errorf("%s state=%s，暂不调整止损", symbol, p.State)
	}
	if !p.StopImproved(newStop) {
		return nil
	}
	origin := p.State

	if err := e.transition(ctx, p, position.StateTrailingAdjust, fmt.Sprintf("止损 %.4f→%.4f", p.StopPrice, newStop)); err != nil {
		return err
	}

	if p.StopOrderID != "" {
		if err := e.client.CancelOrder(ctx, symbol, p.StopOrderID); err != nil && !errors.Is(err, exchange.ErrNotFound) {
			log.Warnf("撤旧止损腿失败 %s: %v", symbol, err)
		}
		p.StopOrderID = ""
	}

	idemKey := e.nextIdemKey(symbol, "stop")
	var id string
	err := e.retryN(ctx, "stop "+symbol, e.cfg.ProtectionMax, func(ctx context.Context) error {
		var perr error
		id, perr = e.client.PlaceStopLoss(ctx, symbol, p.Side, p.RemainingSize, newStop, idemKey)
		return perr
	})
	if err != nil {
		// 旧腿已撤新腿没上，必须亮旗等自愈。
		p.MissingStopTP = true
		log.Errorf("新止损腿挂单失败 %s: %v", symbol, err)
	} else {
		p.StopPrice = newStop
		p.StopOrderID = id
		p.MissingStopTP = !p.Protected()
		e.recordExec(ctx, database.ExecutionRecord{
			IdemKey: idemKey, Symbol: symbol, Intent: "stop", OrderID: id, Price: newStop,
		})
	}

	if terr := e.transition(ctx, p, origin, "止损调整完成"); terr != nil {
		return terr
	}
	return err
}

// cancelProtection 两条保护腿都撤掉，已不存在的单忽略。
func (e *Engine) cancelProtection(ctx context.Context, p *position.Position) {
	for _, id := range []string{p.StopOrderID, p.TPOrderID} {
		if id == "" {
			continue
		}
		if err := e.client.CancelOrder(ctx, p.Symbol, id); err != nil && !errors.Is(err, exchange.ErrNotFound) {
			log.Warnf("撤保护单失败 %s/%s: %v", p.Symbol, id, err)
		}
	}
	p.StopOrderID = ""
	p.TPOrderID = ""
}

// finalize 终态仓位移出内存视图（历史在库里），允许同标的再次开仓。
func (e *Engine) finalize(symbol string) {
	e.positions.Delete(symbol)
	e.refreshGauge()
}

// realizedPnL 已实现盈亏：各分批档位 + 最终平仓，按方向取号。
func realizedPnL(p *position.Position, exitPrice float64) float64 {
	dir := 1.0
	if p.Side == position.SideShort {
		dir = -1.0
	}
	pnl := 0.0
	exited := 0.0
	for _, pe := range p.PartialExits {
		pnl += (pe.Price - p.EntryPrice) * pe.Quantity * dir
		exited += pe.Quantity
	}
	rest := p.OriginalSize - exited
	if rest > 0 && exitPrice > 0 {
		pnl += (exitPrice - p.EntryPrice) * rest * dir
	}
	return pnl
}
