package trailing

import (
	"context"
	"fmt"
	"time"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/position"
)

var log = logger.With("trailing")

const klineInterval = "5m"

// priceEvent 行情批次里的一条观测。
type priceEvent struct {
	symbol string
	quote  market.Quote
}

// Manager 追踪止损与分批止盈。实现 market.PriceSink：
// 行情先进通道，按固定间隔批量冲刷，同一标的的多条观测合并高低点，
// 避免每个 tick 都去撩交易所。
type Manager struct {
	cfg    config.TrailingConfig
	eng    *engine.Engine
	klines market.KlineStore

	ch chan priceEvent
	// 某档位连续失败次数，达到上限后放弃该档位并标记仓位异常。
	tierFails map[string]int
}

func NewManager(cfg config.TrailingConfig, eng *engine.Engine, klines market.KlineStore) *Manager {
	return &Manager{
		cfg:       cfg,
		eng:       eng,
		klines:    klines,
		ch:        make(chan priceEvent, 1024),
		tierFails: make(map[string]int),
	}
}

// Publish 实现 market.PriceSink。通道满了丢最新一条，
// 行情是连续流，丢单条观测无害。
func (m *Manager) Publish(symbol string, q market.Quote) {
	select {
	case m.ch <- priceEvent{symbol: symbol, quote: q}:
	default:
	}
}

// Run 周期冲刷循环。
func (m *Manager) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.FlushIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make(map[string]market.Quote)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.ch:
			merge(batch, ev)
		case <-ticker.C:
			for sym, q := range batch {
				m.process(ctx, sym, q)
				delete(batch, sym)
			}
		}
	}
}

// merge 同一标的合并：最新价取后到的，高低点取极值。
func merge(batch map[string]market.Quote, ev priceEvent) {
	cur, ok := batch[ev.symbol]
	if !ok {
		batch[ev.symbol] = ev.quote
		return
	}
	cur.Last = ev.quote.Last
	if ev.quote.High > cur.High {
		cur.High = ev.quote.High
	}
	if ev.quote.Low < cur.Low {
		cur.Low = ev.quote.Low
	}
	batch[ev.symbol] = cur
}

// process 单标的一次评估：先分批档位，再追踪止损。
// PARTIAL（入场部分成交/对账收缩）与 ACTIVE 同等对待，浮盈照样管理。
func (m *Manager) process(ctx context.Context, symbol string, q market.Quote) {
	p, ok := m.eng.Get(symbol)
	if !ok || !manageable(p.State) {
		return
	}

	// 盈利方向的批内极值。
	extreme := q.High
	if p.Side == position.SideShort {
		extreme = q.Low
	}
	r := p.RiskMultiple(extreme)

	for _, tier := range m.cfg.Tiers {
		if r < tier.Multiple || p.RealizedMultiple(tier.Multiple) {
			continue
		}
		key := fmt.Sprintf("%s:%.2f", symbol, tier.Multiple)
		if m.tierFails[key] >= m.cfg.RetryMax {
			continue
		}
		if err := m.eng.SubmitPartialExit(ctx, symbol, tier.Multiple, tier.Fraction, q.Last); err != nil {
			m.tierFails[key]++
			log.Warnf("%s %.2fR 分批失败(%d/%d): %v", symbol, tier.Multiple, m.tierFails[key], m.cfg.RetryMax, err)
			if m.tierFails[key] >= m.cfg.RetryMax {
				log.Errorf("%s %.2fR 档位放弃，标记仓位异常", symbol, tier.Multiple)
				_ = m.eng.MarkError(ctx, symbol, fmt.Sprintf("%.2fR 分批连续失败", tier.Multiple))
				return
			}
			// 本批失败不再碰后续档位，下批从头评估。
			return
		}
		delete(m.tierFails, key)
		// 分批可能已把仓位出清。
		if p, ok = m.eng.Get(symbol); !ok || !manageable(p.State) {
			return
		}
	}

	m.trail(ctx, p, extreme)
}

func manageable(s position.State) bool {
	return s == position.StateActive || s == position.StatePartial
}

// trail 浮盈超过 1R 后开始拖止损：极值回撤一个 ATR 步长，只进不退。
func (m *Manager) trail(ctx context.Context, p *position.Position, extreme float64) {
	if p.RiskMultiple(extreme) < 1.0 {
		return
	}
	step := m.step(ctx, p)
	if step <= 0 {
		return
	}
	newStop := extreme - step
	if p.Side == position.SideShort {
		newStop = extreme + step
	}
	if !p.StopImproved(newStop) {
		return
	}
	if err := m.eng.AdjustStop(ctx, p.Symbol, newStop); err != nil {
		log.Warnf("%s 止损调整失败: %v", p.Symbol, err)
	}
}

// step 止损步长：优先用实时 ATR，取不到退回开仓时的波动参考，
// 再不行就用初始止损距离。
func (m *Manager) step(ctx context.Context, p *position.Position) float64 {
	if atr, err := market.ATR(ctx, m.klines, p.Symbol, klineInterval, m.cfg.ATRPeriod); err == nil {
		return atr * m.cfg.ATRMultiplier
	}
	if p.ATRRef > 0 {
		return p.ATRRef * m.cfg.ATRMultiplier
	}
	return p.InitialRisk
}
