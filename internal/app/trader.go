package app

import (
	"context"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/guard"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/signal"
)

var tradeLog = logger.With("trader")

// Trader 信号消费循环：校验 → 守卫流水线 → 执行引擎。
// 信号怎么来的（策略/人工/外部推送）对这条链路不可见。
type Trader struct {
	source   signal.Source
	guards   *guard.Pipeline
	eng      *engine.Engine
	klines   market.KlineStore
	trailCfg config.TrailingConfig
}

func NewTrader(source signal.Source, guards *guard.Pipeline, eng *engine.Engine,
	klines market.KlineStore, trailCfg config.TrailingConfig) *Trader {
	return &Trader{
		source:   source,
		guards:   guards,
		eng:      eng,
		klines:   klines,
		trailCfg: trailCfg,
	}
}

// Push 注入一条信号（非阻塞，队列满返回 false）。
// 仅通道型来源支持手动注入。
func (t *Trader) Push(s signal.Signal) bool {
	if cs, ok := t.source.(*signal.ChanSource); ok {
		return cs.TryPush(s)
	}
	return false
}

// Run 消费信号直到 ctx 取消。
func (t *Trader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-t.source.Signals():
			t.handle(ctx, sig)
		}
	}
}

func (t *Trader) handle(ctx context.Context, sig signal.Signal) {
	if err := sig.Validate(); err != nil {
		tradeLog.Warnf("信号不合规，忽略: %v", err)
		return
	}
	if d := t.guards.Evaluate(ctx, sig); !d.Allowed {
		tradeLog.Infof("信号被守卫拦截 %s: %s (%s)", sig.Symbol, d.Guard, d.Reason)
		return
	}
	// 波动参考尽力取，取不到交给追踪侧兜底。
	atr, err := market.ATR(ctx, t.klines, sig.Symbol, "5m", t.trailCfg.ATRPeriod)
	if err != nil {
		atr = 0
	}
	if _, err := t.eng.OpenPosition(ctx, sig, atr); err != nil {
		tradeLog.Errorf("开仓失败 %s: %v", sig.Symbol, err)
	}
}
