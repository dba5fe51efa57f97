package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pilot/internal/config"
	"pilot/internal/exchange"
	"pilot/internal/gateway/database"
	"pilot/internal/logger"
	"pilot/internal/position"
	"pilot/internal/risk"
	"pilot/internal/telemetry"
)

var log = logger.With("engine")

// Engine 执行引擎：唯一允许改写仓位状态的组件。
// 同一 symbol 的操作串行化（每标的一把锁），不同标的并行。
type Engine struct {
	cfg    config.TradeConfig
	exCfg  config.ExchangeConfig
	client exchange.Client
	store  *database.Store
	hub    *telemetry.Hub
	risk   *risk.Controller

	positions sync.Map // symbol -> *position.Position
	locks     sync.Map // symbol -> *sync.Mutex
	seq       atomic.Uint64
}

func New(cfg config.TradeConfig, exCfg config.ExchangeConfig, client exchange.Client,
	store *database.Store, hub *telemetry.Hub, rc *risk.Controller) *Engine {
	return &Engine{
		cfg:    cfg,
		exCfg:  exCfg,
		client: client,
		store:  store,
		hub:    hub,
		risk:   rc,
	}
}

// Recover 重启恢复：加载非终态仓位进内存，并接续幂等序号。
// ERROR/残缺保护的仓位留给对账器处理。
func (e *Engine) Recover(ctx context.Context) error {
	seq, err := e.store.NextSequence(ctx)
	if err != nil {
		return fmt.Errorf("恢复幂等序号失败: %w", err)
	}
	e.seq.Store(seq)

	ps, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("加载未平仓位失败: %w", err)
	}
	for _, p := range ps {
		if err := p.CheckInvariants(); err != nil {
			log.Errorf("恢复时发现不变量破坏: %v", err)
		}
		e.positions.Store(p.Symbol, p)
		log.Infof("恢复仓位 %s %s state=%s remaining=%.6f", p.Symbol, p.Side, p.State, p.RemainingSize)
	}
	telemetry.OpenPositions.Set(float64(len(ps)))
	log.Infof("✓ 恢复完成 seq=%d positions=%d", seq, len(ps))
	return nil
}

// 每标的一把互斥锁。
func (e *Engine) lockFor(symbol string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(symbol, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// nextIdemKey 幂等键：symbol:intent:seq。重启后序号从已落盘的最大值接续。
func (e *Engine) nextIdemKey(symbol, intent string) string {
	return fmt.Sprintf("%s:%s:%d", symbol, intent, e.seq.Add(1))
}

// Get 按标的取仓位（内存视图，调用方只读）。
func (e *Engine) Get(symbol string) (*position.Position, bool) {
	v, ok := e.positions.Load(symbol)
	if !ok {
		return nil, false
	}
	return v.(*position.Position), true
}

// OpenSymbols 当前非终态持仓标的。
func (e *Engine) OpenSymbols(ctx context.Context) ([]string, error) {
	var out []string
	e.positions.Range(func(key, value any) bool {
		p := value.(*position.Position)
		if !p.State.Terminal() {
			out = append(out, p.Symbol)
		}
		return true
	})
	return out, nil
}

// Positions 全量内存视图快照。
func (e *Engine) Positions() []*position.Position {
	var out []*position.Position
	e.positions.Range(func(key, value any) bool {
		out = append(out, value.(*position.Position))
		return true
	})
	return out
}

func (e *Engine) openCount() int {
	n := 0
	e.positions.Range(func(key, value any) bool {
		if !value.(*position.Position).State.Terminal() {
			n++
		}
		return true
	})
	return n
}

// transition 跃迁 + 审计 + 落盘 + 广播，一步完成。
// 必须在持有 symbol 锁时调用。
func (e *Engine) transition(ctx context.Context, p *position.Position, to position.State, cause string) error {
	tr, err := position.AttemptTransition(p, to, cause)
	if err != nil {
		telemetry.IllegalTransitionsTotal.Inc()
		log.Errorf("跃迁被拒: %v", err)
		return err
	}
	telemetry.TransitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	if err := e.store.RecordTransition(ctx, tr); err != nil {
		log.Warnf("跃迁审计落盘失败 %s: %v", p.Symbol, err)
	}
	if err := e.store.SavePosition(ctx, p); err != nil {
		log.Warnf("仓位落盘失败 %s: %v", p.Symbol, err)
	}
	if e.hub != nil {
		e.hub.Publish(telemetry.Event{
			Type:   telemetry.EventTransition,
			Symbol: p.Symbol,
			Detail: fmt.Sprintf("%s→%s (%s)", tr.From, tr.To, cause),
		})
	}
	log.Debugf("%s %s→%s cause=%s", p.Symbol, tr.From, tr.To, cause)
	return nil
}

// retry 有界指数退避。只对网络/限频类错误重试，拒单立即放弃。
func (e *Engine) retry(ctx context.Context, intent string, fn func(ctx context.Context) error) error {
	return e.retryN(ctx, intent, e.cfg.RetryMax, fn)
}

func (e *Engine) retryN(ctx context.Context, intent string, max int, fn func(ctx context.Context) error) error {
	base := time.Duration(e.cfg.RetryBaseMs) * time.Millisecond
	ceil := time.Duration(e.cfg.RetryCapMs) * time.Millisecond
	var err error
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 {
			telemetry.OrderRetriesTotal.WithLabelValues(intent).Inc()
			d := base << (attempt - 1)
			if d > ceil {
				d = ceil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !exchange.Retryable(err) {
			return err
		}
		log.Warnf("%s 第 %d 次失败(可重试): %v", intent, attempt+1, err)
	}
	return fmt.Errorf("%s 重试 %d 次后放弃: %w", intent, max, err)
}

// timedPlace 市价单 + 延迟/滑点观测上报。
func (e *Engine) timedPlace(ctx context.Context, req exchange.OrderRequest, expectPrice float64) (exchange.OrderAck, error) {
	start := time.Now()
	ack, err := e.client.PlaceOrder(ctx, req)
	e.risk.ObserveLatency(ctx, time.Since(start))
	if err == nil && expectPrice > 0 && ack.AvgPrice > 0 {
		slip := (ack.AvgPrice - expectPrice) / expectPrice
		if slip < 0 {
			slip = -slip
		}
		e.risk.ObserveSlippage(ctx, slip)
	}
	return ack, err
}

func (e *Engine) refreshGauge() {
	telemetry.OpenPositions.Set(float64(e.openCount()))
}
