package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pilot/internal/exchange"
	"pilot/internal/gateway/database"
	"pilot/internal/position"
	"pilot/internal/signal"
)

// OpenPosition 按信号开仓：风险定量 → 市价入场 → 挂保护单 → ACTIVE。
// atr 为开仓时的波动参考（可为 0，追踪侧会自行计算）。
// 守卫流水线由调用方先行执行，这里只管下单与状态机。
func (e *Engine) OpenPosition(ctx context.Context, sig signal.Signal, atr float64) (*position.Position, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(sig.Symbol)
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := e.Get(symbol); ok && !existing.State.Terminal() {
		return nil, fmt.Errorf("%s 已有持仓 state=%s，拒绝重复开仓", symbol, existing.State)
	}
	if e.openCount() >= e.cfg.MaxPositions {
		return nil, fmt.Errorf("持仓数已达上限 %d", e.cfg.MaxPositions)
	}

	mult := e.risk.Multiplier()
	if mult <= 0 {
		return nil, fmt.Errorf("当前风险等级禁止开仓")
	}

	qty, err := e.sizeFor(ctx, sig, mult)
	if err != nil {
		return nil, err
	}

	p := position.New(symbol, sig.Side, sig.Entry, qty, sig.Stop, sig.TakeProfit, atr)
	e.positions.Store(symbol, p)
	if err := e.store.SavePosition(ctx, p); err != nil {
		log.Warnf("INIT 仓位落盘失败 %s: %v", symbol, err)
	}
	if err := e.transition(ctx, p, position.StateSubmitting, "信号通过守卫"); err != nil {
		return nil, err
	}

	idemKey := e.nextIdemKey(symbol, "open")
	var ack exchange.OrderAck
	err = e.retry(ctx, "open "+symbol, func(ctx context.Context) error {
		var perr error
		ack, perr = e.timedPlace(ctx, exchange.OrderRequest{
			Symbol:   symbol,
			Side:     sig.Side,
			Quantity: qty,
			ClientID: idemKey,
		}, sig.Entry)
		return perr
	})
	if err != nil {
		// 入场未成交：走取消路径收尾，不留半截仓位。
		_ = e.transition(ctx, p, position.StateCancelPending, fmt.Sprintf("入场失败: %v", err))
		_ = e.transition(ctx, p, position.StateCancelled, "未成交")
		e.positions.Delete(symbol)
		return nil, err
	}

	if err := e.transition(ctx, p, position.StateOpenPending, "已提交"); err != nil {
		return nil, err
	}
	e.recordExec(ctx, database.ExecutionRecord{
		IdemKey:  idemKey,
		Symbol:   symbol,
		Intent:   "open",
		OrderID:  ack.OrderID,
		Quantity: ack.ExecutedQty,
		Price:    ack.AvgPrice,
	})

	p.BrokerID = ack.OrderID
	if ack.AvgPrice > 0 {
		p.EntryPrice = ack.AvgPrice
	}
	partial := ack.ExecutedQty > 0 && ack.ExecutedQty < qty-sizeEpsilon
	if ack.ExecutedQty > 0 {
		p.OriginalSize = ack.ExecutedQty
		p.RemainingSize = ack.ExecutedQty
	}
	if partial {
		if err := e.transition(ctx, p, position.StatePartial, fmt.Sprintf("部分成交 %.6f/%.6f", ack.ExecutedQty, qty)); err != nil {
			return nil, err
		}
	} else {
		if err := e.transition(ctx, p, position.StateOpen, "全部成交"); err != nil {
			return nil, err
		}
	}

	e.placeProtection(ctx, p)

	if err := e.transition(ctx, p, position.StateActive, "入场流程完成"); err != nil {
		return nil, err
	}
	e.refreshGauge()
	log.Infof("✓ 开仓 %s %s qty=%.6f entry=%.4f stop=%.4f tp=%.4f protected=%v",
		symbol, p.Side, p.OriginalSize, p.EntryPrice, p.StopPrice, p.TakeProfit, p.Protected())
	return p, nil
}

const sizeEpsilon = 1e-9

// sizeFor 风险定量：单笔风险金额 = 权益 × risk_percent × 风险系数，
// 数量 = 风险金额 / 止损距离。显式给了 size_hint 则按系数缩放后采用。
func (e *Engine) sizeFor(ctx context.Context, sig signal.Signal, mult float64) (float64, error) {
	if sig.SizeHint > 0 {
		return sig.SizeHint * mult, nil
	}
	if sig.Entry <= 0 {
		return 0, fmt.Errorf("无 entry 参考价且无 size_hint，无法定量")
	}
	balance, err := e.client.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询权益失败: %w", err)
	}
	dist := sig.Entry - sig.Stop
	if sig.Side == position.SideShort {
		dist = sig.Stop - sig.Entry
	}
	if dist <= 0 {
		return 0, fmt.Errorf("止损距离非正: entry=%.4f stop=%.4f", sig.Entry, sig.Stop)
	}
	qty := balance * e.cfg.RiskPercent * mult / dist
	if qty <= 0 {
		return 0, fmt.Errorf("计算数量非正: balance=%.2f", balance)
	}
	return qty, nil
}

// placeProtection 挂止损/止盈保护。交易所支持组合单则一次挂出，
// 否则两腿分别挂，各自有界重试。任何一腿最终缺失都置 MissingStopTP
// 等待自愈，绝不静默吞掉。
func (e *Engine) placeProtection(ctx context.Context, p *position.Position) {
	if e.exCfg.CombinedProtection && e.client.SupportsBracket() {
		idemKey := e.nextIdemKey(p.Symbol, "bracket")
		var ack exchange.BracketAck
		err := e.retryN(ctx, "bracket "+p.Symbol, e.cfg.ProtectionMax, func(ctx context.Context) error {
			var perr error
			ack, perr = e.client.PlaceBracket(ctx, exchange.BracketRequest{
				Symbol:     p.Symbol,
				Side:       p.Side,
				Quantity:   p.RemainingSize,
				StopPrice:  p.StopPrice,
				TakeProfit: p.TakeProfit,
				ClientID:   idemKey,
			})
			return perr
		})
		if err != nil {
			p.MissingStopTP = true
			log.Errorf("组合保护单失败 %s: %v", p.Symbol, err)
			return
		}
		p.StopOrderID = ack.StopOrderID
		p.TPOrderID = ack.TPOrderID
		p.MissingStopTP = false
		e.recordExec(ctx, database.ExecutionRecord{
			IdemKey: idemKey, Symbol: p.Symbol, Intent: "bracket", OrderID: ack.StopOrderID,
		})
		return
	}

	if p.StopOrderID == "" {
		idemKey := e.nextIdemKey(p.Symbol, "stop")
		var id string
		err := e.retryN(ctx, "stop "+p.Symbol, e.cfg.ProtectionMax, func(ctx context.Context) error {
			var perr error
			id, perr = e.client.PlaceStopLoss(ctx, p.Symbol, p.Side, p.RemainingSize, p.StopPrice, idemKey)
			return perr
		})
		if err != nil {
			log.Errorf("止损腿挂单失败 %s: %v", p.Symbol, err)
		} else {
			p.StopOrderID = id
			e.recordExec(ctx, database.ExecutionRecord{
				IdemKey: idemKey, Symbol: p.Symbol, Intent: "stop", OrderID: id, Price: p.StopPrice,
			})
		}
	}
	if p.TPOrderID == "" {
		idemKey := e.nextIdemKey(p.Symbol, "tp")
		var id string
		err := e.retryN(ctx, "tp "+p.Symbol, e.cfg.ProtectionMax, func(ctx context.Context) error {
			var perr error
			id, perr = e.client.PlaceTakeProfit(ctx, p.Symbol, p.Side, p.RemainingSize, p.TakeProfit, idemKey)
			return perr
		})
		if err != nil {
			log.Errorf("止盈腿挂单失败 %s: %v", p.Symbol, err)
		} else {
			p.TPOrderID = id
			e.recordExec(ctx, database.ExecutionRecord{
				IdemKey: idemKey, Symbol: p.Symbol, Intent: "tp", OrderID: id, Price: p.TakeProfit,
			})
		}
	}
	p.MissingStopTP = !p.Protected()
}

// recordExec 执行记录落盘；幂等冲突说明该意图已记过账，忽略即可。
func (e *Engine) recordExec(ctx context.Context, rec database.ExecutionRecord) {
	if err := e.store.RecordExecution(ctx, rec); err != nil && !errors.Is(err, database.ErrDuplicateExecution) {
		log.Warnf("执行记录落盘失败 %s: %v", rec.IdemKey, err)
	}
}
