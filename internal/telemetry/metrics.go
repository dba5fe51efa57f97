package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// prometheus 指标，/metrics 暴露。
var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pilot",
		Name:      "state_transitions_total",
		Help:      "仓位状态跃迁次数",
	}, []string{"from", "to"})

	IllegalTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pilot",
		Name:      "illegal_transitions_total",
		Help:      "被拒绝的非法跃迁次数",
	})

	GuardDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pilot",
		Name:      "guard_decisions_total",
		Help:      "守卫裁决次数",
	}, []string{"guard", "allowed"})

	OrderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pilot",
		Name:      "order_retries_total",
		Help:      "交易所下单重试次数",
	}, []string{"intent"})

	ReconcileDiffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pilot",
		Name:      "reconcile_diffs_total",
		Help:      "对账发现的差异数",
	}, []string{"kind"})

	HealAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pilot",
		Name:      "heal_attempts_total",
		Help:      "自愈动作次数",
	}, []string{"action", "outcome"})

	RiskLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pilot",
		Name:      "risk_level",
		Help:      "当前风险等级 0=NORMAL 1=WARNING 2=CRITICAL 3=EMERGENCY",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pilot",
		Name:      "open_positions",
		Help:      "当前非终态仓位数",
	})

	PartialExitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pilot",
		Name:      "partial_exits_total",
		Help:      "已执行的分批止盈次数",
	})
)
