package guard

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"pilot/internal/config"
	"pilot/internal/gateway/database"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/signal"
	"pilot/internal/telemetry"
)

var log = logger.With("guard")

// 守卫名称，固定顺序执行，第一个拒绝即短路。
const (
	GuardHalt        = "halt"
	GuardDailyLoss   = "daily_loss"
	GuardCorrelation = "correlation"
	GuardLiquidity   = "liquidity"
	GuardOutlier     = "outlier"
)

// Decision 裁决结果。拒绝时 Guard/Reason 标明被哪道守卫以何理由拦下。
type Decision struct {
	Allowed bool
	Guard   string
	Reason  string
	Value   float64
}

// HaltSource 全局交易闸门（风险控制器实现）。
type HaltSource interface {
	Halted() bool
}

// EquitySource 当日回撤比例（0.03 = 回撤 3%）。
type EquitySource interface {
	DailyLossPct(ctx context.Context) (float64, error)
}

// OpenSymbols 当前持仓标的（相关性守卫的对照组）。
type OpenSymbols interface {
	OpenSymbols(ctx context.Context) ([]string, error)
}

// Pipeline 入场守卫流水线：halt → 当日回撤 → 相关性 → 流动性 → 异常价。
// 每次裁决落审计表并打点。
type Pipeline struct {
	cfg    config.GuardConfig
	halt   HaltSource
	equity EquitySource
	open   OpenSymbols
	klines market.KlineStore
	store  *database.Store
	hub    *telemetry.Hub

	// 相关性结果缓存，按时间淘汰。
	mu        sync.Mutex
	corrCache map[string]corrEntry
	now       func() time.Time
}

type corrEntry struct {
	value float64
	at    time.Time
}

func NewPipeline(cfg config.GuardConfig, halt HaltSource, equity EquitySource, open OpenSymbols,
	klines market.KlineStore, store *database.Store, hub *telemetry.Hub) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		halt:      halt,
		equity:    equity,
		open:      open,
		klines:    klines,
		store:     store,
		hub:       hub,
		corrCache: make(map[string]corrEntry),
		now:       time.Now,
	}
}

// Evaluate 对一条入场信号跑完整流水线。守卫自身出错（数据不足等）
// 按保守处理计为拒绝，宁可错过不可裸冲。
func (p *Pipeline) Evaluate(ctx context.Context, sig signal.Signal) Decision {
	checks := []struct {
		name    string
		enabled bool
		run     func(ctx context.Context, sig signal.Signal) (bool, string, float64, error)
	}{
		{GuardHalt, true, p.checkHalt},
		{GuardDailyLoss, p.cfg.DailyLossEnabled, p.checkDailyLoss},
		{GuardCorrelation, p.cfg.CorrelationEnabled, p.checkCorrelation},
		{GuardLiquidity, p.cfg.LiquidityEnabled, p.checkLiquidity},
		{GuardOutlier, p.cfg.OutlierEnabled, p.checkOutlier},
	}
	for _, c := range checks {
		if !c.enabled {
			continue
		}
		ok, reason, value, err := c.run(ctx, sig)
		if err != nil {
			ok, reason = false, fmt.Sprintf("守卫执行失败: %v", err)
		}
		if !ok {
			return p.record(ctx, sig.Symbol, Decision{Allowed: false, Guard: c.name, Reason: reason, Value: value})
		}
	}
	return p.record(ctx, sig.Symbol, Decision{Allowed: true})
}

func (p *Pipeline) record(ctx context.Context, symbol string, d Decision) Decision {
	allowed := "true"
	guard := d.Guard
	if !d.Allowed {
		allowed = "false"
		log.Warnf("拦截 %s: guard=%s reason=%s", symbol, d.Guard, d.Reason)
	} else {
		guard = "all"
	}
	telemetry.GuardDecisionsTotal.WithLabelValues(guard, allowed).Inc()
	if err := p.store.RecordGuardEvent(ctx, database.GuardEventRecord{
		Symbol:  symbol,
		Guard:   guard,
		Allowed: d.Allowed,
		Reason:  d.Reason,
		Value:   d.Value,
	}); err != nil {
		log.Warnf("守卫事件落盘失败: %v", err)
	}
	if !d.Allowed && p.hub != nil {
		p.hub.Publish(telemetry.Event{
			Type:   telemetry.EventGuard,
			Symbol: symbol,
			Detail: fmt.Sprintf("%s: %s", d.Guard, d.Reason),
		})
	}
	return d
}

func (p *Pipeline) checkHalt(ctx context.Context, sig signal.Signal) (bool, string, float64, error) {
	if p.halt != nil && p.halt.Halted() {
		return false, "全局停机中，禁止新开仓", 0, nil
	}
	return true, "", 0, nil
}

func (p *Pipeline) checkDailyLoss(ctx context.Context, sig signal.Signal) (bool, string, float64, error) {
	loss, err := p.equity.DailyLossPct(ctx)
	if err != nil {
		return false, "", 0, err
	}
	if loss >= p.cfg.DailyLossPct {
		return false, fmt.Sprintf("当日回撤 %.2f%% 达到上限 %.2f%%", loss*100, p.cfg.DailyLossPct*100), loss, nil
	}
	return true, "", loss, nil
}

func (p *Pipeline) checkCorrelation(ctx context.Context, sig signal.Signal) (bool, string, float64, error) {
	symbols, err := p.open.OpenSymbols(ctx)
	if err != nil {
		return false, "", 0, err
	}
	for _, other := range symbols {
		if other == sig.Symbol {
			continue
		}
		corr, err := p.correlation(ctx, sig.Symbol, other)
		if err != nil {
			return false, "", 0, err
		}
		if math.Abs(corr) > p.cfg.CorrelationMax {
			return false, fmt.Sprintf("与持仓 %s 相关性 %.2f 超过 %.2f", other, corr, p.cfg.CorrelationMax), corr, nil
		}
	}
	return true, "", 0, nil
}

// correlation 带时间淘汰的缓存，避免每条信号重算整窗口。
func (p *Pipeline) correlation(ctx context.Context, a, b string) (float64, error) {
	if a > b {
		a, b = b, a
	}
	key := a + "/" + b
	ttl := time.Duration(p.cfg.CorrelationTTLSec) * time.Second

	p.mu.Lock()
	if e, ok := p.corrCache[key]; ok && p.now().Sub(e.at) < ttl {
		p.mu.Unlock()
		return e.value, nil
	}
	p.mu.Unlock()

	corr, err := market.Correlation(ctx, p.klines, a, b, defaultInterval, p.cfg.CorrelationWindow)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.corrCache[key] = corrEntry{value: corr, at: p.now()}
	// 顺手清掉过期项，缓存规模与标的数平方成正比。
	for k, e := range p.corrCache {
		if p.now().Sub(e.at) >= ttl {
			delete(p.corrCache, k)
		}
	}
	p.mu.Unlock()
	return corr, nil
}

const defaultInterval = "5m"

func (p *Pipeline) checkLiquidity(ctx context.Context, sig signal.Signal) (bool, string, float64, error) {
	vol, err := market.QuoteVolume(ctx, p.klines, sig.Symbol, defaultInterval, 12)
	if err != nil {
		return false, "", 0, err
	}
	if vol < p.cfg.MinQuoteVolumeUSD {
		return false, fmt.Sprintf("近1小时成交额 %.0f 低于门槛 %.0f", vol, p.cfg.MinQuoteVolumeUSD), vol, nil
	}
	return true, "", vol, nil
}

// checkOutlier 最新一根收益率相对回看窗口的 z 分数，
// 异常波动多半是插针或数据错误，不追。
func (p *Pipeline) checkOutlier(ctx context.Context, sig signal.Signal) (bool, string, float64, error) {
	ks, err := p.klines.Get(ctx, sig.Symbol, defaultInterval)
	if err != nil {
		return false, "", 0, err
	}
	rets := market.Returns(ks)
	if len(rets) < p.cfg.OutlierLookback {
		return false, fmt.Sprintf("异常价守卫数据不足: %d/%d", len(rets), p.cfg.OutlierLookback), 0, nil
	}
	window := rets[len(rets)-p.cfg.OutlierLookback:]
	last := window[len(window)-1]
	base := window[:len(window)-1]

	var mean float64
	for _, r := range base {
		mean += r
	}
	mean /= float64(len(base))
	var variance float64
	for _, r := range base {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(base))
	sd := math.Sqrt(variance)
	if sd == 0 {
		return true, "", 0, nil
	}
	z := math.Abs(last-mean) / sd
	if z > p.cfg.OutlierZScore {
		return false, fmt.Sprintf("最新收益率 z=%.2f 超过 %.2f", z, p.cfg.OutlierZScore), z, nil
	}
	return true, "", z, nil
}
