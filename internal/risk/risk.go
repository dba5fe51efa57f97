package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pilot/internal/config"
	"pilot/internal/gateway/database"
	"pilot/internal/logger"
	"pilot/internal/telemetry"
)

var log = logger.With("risk")

// Level 风险等级。日内只升不降，日切时统一复位。
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Snapshot 对外暴露的只读状态。
type Snapshot struct {
	Level             Level
	Reasons           []string
	Multiplier        float64
	Halted            bool
	DailyLossPct      float64
	ConsecutiveLosses int
	DayStartEquity    float64
	Equity            float64
}

// Controller 风险升级控制器。所有写入走内部互斥锁，读走快照。
// EMERGENCY 触发 forceClose 回调强平全部仓位。
type Controller struct {
	cfg   config.RiskConfig
	store *database.Store
	hub   *telemetry.Hub

	mu             sync.RWMutex
	level          Level
	reasons        []string
	dayStartEquity float64
	equity         float64
	losses         int
	forcing        bool

	forceClose func(ctx context.Context, reason string)
	now        func() time.Time
}

func NewController(cfg config.RiskConfig, store *database.Store, hub *telemetry.Hub) *Controller {
	return &Controller{
		cfg:   cfg,
		store: store,
		hub:   hub,
		now:   time.Now,
	}
}

// SetForceClose 注入强平回调（装配期调用一次）。
func (c *Controller) SetForceClose(fn func(ctx context.Context, reason string)) {
	c.mu.Lock()
	c.forceClose = fn
	c.mu.Unlock()
}

// Halted CRITICAL 起禁止新开仓。
func (c *Controller) Halted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level >= LevelCritical
}

// Multiplier 仓位规模系数：NORMAL=1，WARNING/CRITICAL 按配置缩减，EMERGENCY=0。
func (c *Controller) Multiplier() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.multiplierLocked()
}

func (c *Controller) multiplierLocked() float64 {
	switch c.level {
	case LevelWarning:
		return c.cfg.WarningFactor
	case LevelCritical:
		return c.cfg.CriticalFactor
	case LevelEmergency:
		return 0
	default:
		return 1
	}
}

// Snapshot 当前状态拷贝。
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reasons := make([]string, len(c.reasons))
	copy(reasons, c.reasons)
	return Snapshot{
		Level:             c.level,
		Reasons:           reasons,
		Multiplier:        c.multiplierLocked(),
		Halted:            c.level >= LevelCritical,
		DailyLossPct:      c.dailyLossLocked(),
		ConsecutiveLosses: c.losses,
		DayStartEquity:    c.dayStartEquity,
		Equity:            c.equity,
	}
}

func (c *Controller) dailyLossLocked() float64 {
	if c.dayStartEquity <= 0 || c.equity <= 0 {
		return 0
	}
	loss := (c.dayStartEquity - c.equity) / c.dayStartEquity
	if loss < 0 {
		return 0
	}
	return loss
}

// DailyLossPct 当日回撤比例（守卫流水线也用它）。
func (c *Controller) DailyLossPct(ctx context.Context) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dailyLossLocked(), nil
}

// UpdateEquity 刷新账户权益并按损失阈值评估升级。
// 首次调用作为当日基准。
func (c *Controller) UpdateEquity(ctx context.Context, equity float64) {
	if equity <= 0 {
		return
	}
	c.mu.Lock()
	c.equity = equity
	if c.dayStartEquity <= 0 {
		c.dayStartEquity = equity
	}
	loss := c.dailyLossLocked()
	c.mu.Unlock()

	switch {
	case loss >= c.cfg.EmergencyLossPct:
		c.escalate(ctx, LevelEmergency, fmt.Sprintf("当日回撤 %.2f%% 触及紧急线", loss*100))
	case loss >= c.cfg.CriticalLossPct:
		c.escalate(ctx, LevelCritical, fmt.Sprintf("当日回撤 %.2f%% 触及严重线", loss*100))
	case loss >= c.cfg.WarningLossPct:
		c.escalate(ctx, LevelWarning, fmt.Sprintf("当日回撤 %.2f%% 触及警告线", loss*100))
	}
}

// RecordTradeResult 平仓后报告已实现盈亏，连亏达到阈值升级 CRITICAL。
func (c *Controller) RecordTradeResult(ctx context.Context, pnl float64) {
	c.mu.Lock()
	if pnl < 0 {
		c.losses++
	} else if pnl > 0 {
		c.losses = 0
	}
	losses := c.losses
	c.mu.Unlock()

	if losses >= c.cfg.ConsecutiveLosses {
		c.escalate(ctx, LevelCritical, fmt.Sprintf("连续亏损 %d 笔", losses))
	}
}

// ObserveLatency 交易所写操作耗时，超过阈值按环境异常升级 WARNING。
func (c *Controller) ObserveLatency(ctx context.Context, d time.Duration) {
	if d > time.Duration(c.cfg.LatencyThresholdMs)*time.Millisecond {
		c.escalate(ctx, LevelWarning, fmt.Sprintf("交易所延迟 %s 超过 %dms", d, c.cfg.LatencyThresholdMs))
	}
}

// ObserveSlippage 成交相对期望价的滑点比例。
func (c *Controller) ObserveSlippage(ctx context.Context, pct float64) {
	if pct > c.cfg.SlippageThreshold {
		c.escalate(ctx, LevelWarning, fmt.Sprintf("滑点 %.3f%% 超过 %.3f%%", pct*100, c.cfg.SlippageThreshold*100))
	}
}

// ReportHealFailure 对账自愈屡次失败说明状态已不可信，升级 CRITICAL。
func (c *Controller) ReportHealFailure(ctx context.Context, symbol string, attempts int) {
	c.escalate(ctx, LevelCritical, fmt.Sprintf("%s 自愈连续失败 %d 次", symbol, attempts))
}

// escalate 只升不降；同级重复原因不再落盘。
func (c *Controller) escalate(ctx context.Context, target Level, reason string) {
	c.mu.Lock()
	if target <= c.level {
		// 同级时仅补充新原因。
		if target == c.level && !contains(c.reasons, reason) {
			c.reasons = append(c.reasons, reason)
		}
		c.mu.Unlock()
		return
	}
	prev := c.level
	c.level = target
	c.reasons = append(c.reasons, reason)
	reasons := make([]string, len(c.reasons))
	copy(reasons, c.reasons)
	mult := c.multiplierLocked()
	fire := target == LevelEmergency && !c.forcing && c.forceClose != nil
	if fire {
		c.forcing = true
	}
	fn := c.forceClose
	c.mu.Unlock()

	log.Warnf("风险升级 %s → %s: %s", prev, target, reason)
	telemetry.RiskLevel.Set(float64(target))
	if err := c.store.RecordRiskEvent(ctx, target.String(), reasons, mult, c.now()); err != nil {
		log.Warnf("风险事件落盘失败: %v", err)
	}
	if c.hub != nil {
		c.hub.Publish(telemetry.Event{
			Type:   telemetry.EventRisk,
			Detail: fmt.Sprintf("%s: %s", target, reason),
		})
	}
	if fire {
		go fn(ctx, reason)
	}
}

// Rollover 日切复位：等级回 NORMAL，连亏清零，以当前权益为新基准。
func (c *Controller) Rollover(ctx context.Context) {
	c.mu.Lock()
	prev := c.level
	c.level = LevelNormal
	c.reasons = nil
	c.losses = 0
	c.forcing = false
	c.dayStartEquity = c.equity
	c.mu.Unlock()

	telemetry.RiskLevel.Set(0)
	if prev != LevelNormal {
		log.Infof("日切复位 %s → NORMAL", prev)
		if err := c.store.RecordRiskEvent(ctx, LevelNormal.String(), []string{"日切复位"}, 1, c.now()); err != nil {
			log.Warnf("风险事件落盘失败: %v", err)
		}
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
