package reconcile

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/exchange"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/position"
	"pilot/internal/risk"
	"pilot/internal/telemetry"
)

var log = logger.With("reconcile")

const (
	sizeEpsilon   = 1e-9
	klineInterval = "5m"
)

// Diff 一轮对账发现的差异。
type Diff struct {
	ExchangeOnly []exchange.RemotePosition // 交易所有、本地没有
	LocalOnly    []string                  // 本地有、交易所没有
	SizeMismatch []Mismatch                // 两边都有但数量不一致
	Unprotected  []string                  // 保护单缺失
}

type Mismatch struct {
	Symbol     string
	LocalSize  float64
	RemoteSize float64
}

// Empty 差异为空即视为收敛。
func (d Diff) Empty() bool {
	return len(d.ExchangeOnly) == 0 && len(d.LocalOnly) == 0 &&
		len(d.SizeMismatch) == 0 && len(d.Unprotected) == 0
}

// Reconciler 周期对账：以交易所为权威核对本地视图，差异按策略自愈。
// 刚启动的一段时间只观察不动手，免得把在途成交当成幽灵仓平掉。
type Reconciler struct {
	cfg      config.ReconcileConfig
	trailCfg config.TrailingConfig
	eng      *engine.Engine
	client   exchange.Client
	klines   market.KlineStore
	risk     *risk.Controller
	hub      *telemetry.Hub

	startedAt time.Time
	healFails map[string]int
}

func New(cfg config.ReconcileConfig, trailCfg config.TrailingConfig, eng *engine.Engine,
	client exchange.Client, klines market.KlineStore, rc *risk.Controller, hub *telemetry.Hub) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		trailCfg:  trailCfg,
		eng:       eng,
		client:    client,
		klines:    klines,
		risk:      rc,
		hub:       hub,
		healFails: make(map[string]int),
	}
}

// MarkStarted 记录启动时刻，此后 StartupGraceSeconds 内只观察不自愈。
func (r *Reconciler) MarkStarted() {
	r.startedAt = time.Now()
}

// Run 周期循环，单轮受时间预算约束。
func (r *Reconciler) Run(ctx context.Context) error {
	r.MarkStarted()
	ticker := time.NewTicker(time.Duration(r.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Warnf("对账失败，下轮再试: %v", err)
			}
		}
	}
}

// RunOnce 执行一轮对账并自愈，返回本轮发现的差异。
func (r *Reconciler) RunOnce(ctx context.Context) (Diff, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.BudgetSeconds)*time.Second)
	defer cancel()

	remote, err := r.client.OpenPositions(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("拉取交易所持仓失败: %w", err)
	}
	diff := r.diff(ctx, remote)

	if !diff.Empty() {
		log.Warnf("差异 exchange_only=%d local_only=%d mismatch=%d unprotected=%d",
			len(diff.ExchangeOnly), len(diff.LocalOnly), len(diff.SizeMismatch), len(diff.Unprotected))
		for kind, n := range map[string]int{
			"exchange_only": len(diff.ExchangeOnly),
			"local_only":    len(diff.LocalOnly),
			"size_mismatch": len(diff.SizeMismatch),
			"unprotected":   len(diff.Unprotected),
		} {
			for i := 0; i < n; i++ {
				telemetry.ReconcileDiffsTotal.WithLabelValues(kind).Inc()
			}
		}
		if r.hub != nil {
			r.hub.Publish(telemetry.Event{
				Type: telemetry.EventReconcile,
				Detail: fmt.Sprintf("exchange_only=%d local_only=%d mismatch=%d unprotected=%d",
					len(diff.ExchangeOnly), len(diff.LocalOnly), len(diff.SizeMismatch), len(diff.Unprotected)),
			})
		}
	}

	if r.inGrace() {
		if !diff.Empty() {
			log.Infof("启动宽限期内只记录不处理 (%ds)", r.cfg.StartupGraceSeconds)
		}
		return diff, nil
	}
	r.heal(ctx, diff)
	return diff, nil
}

func (r *Reconciler) inGrace() bool {
	if r.startedAt.IsZero() {
		return false
	}
	return time.Since(r.startedAt) < time.Duration(r.cfg.StartupGraceSeconds)*time.Second
}

// diff 交易所快照 vs 本地内存视图。入场/撤销半途的仓位不参与比对。
// 保护单以交易所挂单为准核对：本地记着编号但交易所侧已消失的腿
// 同样算缺保护，交给自愈清号补挂。
func (r *Reconciler) diff(ctx context.Context, remote []exchange.RemotePosition) Diff {
	remoteBy := make(map[string]exchange.RemotePosition, len(remote))
	for _, rp := range remote {
		if rp.Size > sizeEpsilon {
			remoteBy[strings.ToUpper(rp.Symbol)] = rp
		}
	}

	var d Diff
	seen := make(map[string]bool)
	for _, p := range r.eng.Positions() {
		if p.State.Terminal() || inFlight(p.State) {
			continue
		}
		seen[p.Symbol] = true
		rp, ok := remoteBy[p.Symbol]
		if !ok {
			d.LocalOnly = append(d.LocalOnly, p.Symbol)
			continue
		}
		if math.Abs(rp.Size-p.RemainingSize) > sizeEpsilon {
			d.SizeMismatch = append(d.SizeMismatch, Mismatch{
				Symbol:     p.Symbol,
				LocalSize:  p.RemainingSize,
				RemoteSize: rp.Size,
			})
		}
		if p.State == position.StateActive || p.State == position.StatePartial {
			if !p.Protected() || !r.protectionLive(ctx, p) {
				d.Unprotected = append(d.Unprotected, p.Symbol)
			}
		}
	}
	for sym, rp := range remoteBy {
		if !seen[sym] {
			if _, ok := r.eng.Get(sym); ok {
				continue // 在途仓位，下轮再看
			}
			d.ExchangeOnly = append(d.ExchangeOnly, rp)
		}
	}
	return d
}

// protectionLive 核对两条保护腿是否真在交易所挂着。查询失败按在位
// 处理（宁可下轮再核，不因瞬时网络错误误触发补挂）。
func (r *Reconciler) protectionLive(ctx context.Context, p *position.Position) bool {
	orders, err := r.client.OpenOrders(ctx, p.Symbol)
	if err != nil {
		log.Warnf("核对 %s 挂单失败: %v", p.Symbol, err)
		return true
	}
	live := make(map[string]bool, len(orders))
	for _, o := range orders {
		live[o.OrderID] = true
	}
	return live[p.StopOrderID] && live[p.TPOrderID]
}

func inFlight(s position.State) bool {
	switch s {
	case position.StateInit, position.StateSubmitting, position.StateOpenPending,
		position.StateCancelPending, position.StateClosing, position.StateScalingOut,
		position.StateTrailingAdjust:
		return true
	}
	return false
}

// heal 按策略逐项修复，单项失败不阻塞其余。
func (r *Reconciler) heal(ctx context.Context, d Diff) {
	for _, rp := range d.ExchangeOnly {
		stop, tp := r.synthProtection(ctx, rp)
		if err := r.eng.AdoptRemote(ctx, rp, stop, tp); err != nil {
			r.failed(ctx, rp.Symbol, fmt.Errorf("收养失败: %w", err))
		} else {
			r.recovered(rp.Symbol)
		}
	}

	for _, sym := range d.LocalOnly {
		var err error
		switch strings.ToLower(r.cfg.OrphanPolicy) {
		case "cancel":
			err = r.eng.CancelOrphan(ctx, sym, "对账: 交易所无此仓")
		default: // close
			err = r.eng.SetRemaining(ctx, sym, 0, "对账: 交易所无此仓")
		}
		if err != nil {
			r.failed(ctx, sym, fmt.Errorf("孤儿仓处理失败: %w", err))
		} else {
			r.recovered(sym)
		}
	}

	for _, m := range d.SizeMismatch {
		if err := r.resolveMismatch(ctx, m); err != nil {
			r.failed(ctx, m.Symbol, fmt.Errorf("数量修正失败: %w", err))
		} else {
			r.recovered(m.Symbol)
		}
	}

	for _, sym := range d.Unprotected {
		if err := r.eng.HealProtection(ctx, sym); err != nil {
			r.failed(ctx, sym, fmt.Errorf("保护单自愈失败: %w", err))
		} else {
			r.recovered(sym)
		}
	}
}

// resolveMismatch 数量不一致，交易所为准。部分成交态按 partial_policy。
func (r *Reconciler) resolveMismatch(ctx context.Context, m Mismatch) error {
	p, ok := r.eng.Get(m.Symbol)
	if !ok {
		return fmt.Errorf("本地仓位消失: %s", m.Symbol)
	}
	if p.State == position.StatePartial {
		switch strings.ToLower(r.cfg.PartialPolicy) {
		case "cancel":
			return r.eng.ClosePosition(ctx, m.Symbol, "对账: 部分成交按策略全平")
		case "reduce":
			if err := r.eng.SetRemaining(ctx, m.Symbol, m.RemoteSize, "对账: 按交易所数量收缩"); err != nil {
				return err
			}
			return r.eng.HealProtection(ctx, m.Symbol)
		}
	}
	return r.eng.SetRemaining(ctx, m.Symbol, m.RemoteSize, "对账: 数量对齐交易所")
}

// synthProtection 给收养的仓位合成止损/止盈：一个 ATR 步长的止损、
// 两倍距离的止盈；取不到 ATR 退回固定百分比。
func (r *Reconciler) synthProtection(ctx context.Context, rp exchange.RemotePosition) (stop, tp float64) {
	dist := rp.EntryPrice * 0.02
	if atr, err := market.ATR(ctx, r.klines, rp.Symbol, klineInterval, r.trailCfg.ATRPeriod); err == nil {
		dist = atr * r.trailCfg.ATRMultiplier
	}
	if rp.Side == position.SideShort {
		return rp.EntryPrice + dist, rp.EntryPrice - 2*dist
	}
	return rp.EntryPrice - dist, rp.EntryPrice + 2*dist
}

// failed 连续失败计数，达到上限升级风险并打 ERROR。
func (r *Reconciler) failed(ctx context.Context, symbol string, err error) {
	r.healFails[symbol]++
	n := r.healFails[symbol]
	log.Errorf("%s 自愈失败(%d/%d): %v", symbol, n, r.cfg.HealMaxAttempts, err)
	if n >= r.cfg.HealMaxAttempts {
		r.risk.ReportHealFailure(ctx, symbol, n)
		_ = r.eng.MarkError(ctx, symbol, "自愈连续失败")
	}
}

func (r *Reconciler) recovered(symbol string) {
	delete(r.healFails, symbol)
}
