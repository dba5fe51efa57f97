package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// 配置结构体：启动时加载一次，之后只读；可运行期调整的参数（风险系数等）
// 由 risk 控制器持有，不放在这里。

type Config struct {
	App       AppConfig       `toml:"app"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Symbols   SymbolsConfig   `toml:"symbols"`
	Signal    SignalConfig    `toml:"signal"`
	Trade     TradeConfig     `toml:"trade"`
	Guard     GuardConfig     `toml:"guard"`
	Trailing  TrailingConfig  `toml:"trailing"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Risk      RiskConfig      `toml:"risk"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	DBPath   string `toml:"db_path"`
}

type ExchangeConfig struct {
	Name      string `toml:"name"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	Testnet   bool   `toml:"testnet"`
	// 交易所支持一次性挂出 STOP+TP 组合单时置 true；否则拆成两腿。
	CombinedProtection bool `toml:"combined_protection"`
}

type SymbolsConfig struct {
	DefaultList []string `toml:"default_list"`
}

// SignalConfig 信号来源按名字从封闭集合中选择，不做运行期替换。
type SignalConfig struct {
	Source string `toml:"source"`
}

type TradeConfig struct {
	// 单笔风险占账户比例（如 0.01 = 1%），会被风险等级的系数缩放。
	RiskPercent   float64 `toml:"risk_percent"`
	MaxPositions  int     `toml:"max_positions"`
	RetryMax      int     `toml:"retry_max"`
	RetryBaseMs   int     `toml:"retry_base_ms"`
	RetryCapMs    int     `toml:"retry_cap_ms"`
	ProtectionMax int     `toml:"protection_retry_max"`
}

type GuardConfig struct {
	DailyLossEnabled   bool    `toml:"daily_loss_enabled"`
	DailyLossPct       float64 `toml:"daily_loss_pct"`
	CorrelationEnabled bool    `toml:"correlation_enabled"`
	CorrelationMax     float64 `toml:"correlation_max"`
	CorrelationWindow  int     `toml:"correlation_window"`
	CorrelationTTLSec  int     `toml:"correlation_ttl_seconds"`
	LiquidityEnabled   bool    `toml:"liquidity_enabled"`
	MinQuoteVolumeUSD  float64 `toml:"min_quote_volume_usd"`
	OutlierEnabled     bool    `toml:"outlier_enabled"`
	OutlierZScore      float64 `toml:"outlier_zscore"`
	OutlierLookback    int     `toml:"outlier_lookback"`
}

// ExitTier 部分止盈档位：到达 multiple 个 R 时平掉 fraction 比例。
type ExitTier struct {
	Multiple float64 `toml:"multiple"`
	Fraction float64 `toml:"fraction"`
}

type TrailingConfig struct {
	FlushIntervalMs int        `toml:"flush_interval_ms"`
	Tiers           []ExitTier `toml:"tiers"`
	ATRPeriod       int        `toml:"atr_period"`
	ATRMultiplier   float64    `toml:"atr_multiplier"`
	RetryMax        int        `toml:"retry_max"`
}

type ReconcileConfig struct {
	IntervalSeconds     int    `toml:"interval_seconds"`
	BudgetSeconds       int    `toml:"budget_seconds"`
	StartupGraceSeconds int    `toml:"startup_grace_seconds"`
	OrphanPolicy        string `toml:"orphan_policy"`  // close | cancel
	PartialPolicy       string `toml:"partial_policy"` // hold | cancel | reduce
	HealMaxAttempts     int    `toml:"heal_max_attempts"`
}

type RiskConfig struct {
	WarningLossPct     float64 `toml:"warning_loss_pct"`
	CriticalLossPct    float64 `toml:"critical_loss_pct"`
	EmergencyLossPct   float64 `toml:"emergency_loss_pct"`
	ConsecutiveLosses  int     `toml:"consecutive_losses"`
	WarningFactor      float64 `toml:"warning_factor"`
	CriticalFactor     float64 `toml:"critical_factor"`
	LatencyThresholdMs int     `toml:"latency_threshold_ms"`
	SlippageThreshold  float64 `toml:"slippage_threshold_pct"`
	RolloverSpec       string  `toml:"rollover_cron"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   int64  `toml:"chat_id"`
}

// Load 读取并解析 TOML 配置文件，并设置缺省值与基本校验。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 TOML 失败: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// 默认值设置
func applyDefaults(c *Config) {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8780"
	}
	if c.App.DBPath == "" {
		c.App.DBPath = "data/pilot.db"
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}
	if c.Signal.Source == "" {
		c.Signal.Source = "manual"
	}
	if c.Trade.RiskPercent <= 0 {
		c.Trade.RiskPercent = 0.01
	}
	if c.Trade.MaxPositions <= 0 {
		c.Trade.MaxPositions = 5
	}
	if c.Trade.RetryMax <= 0 {
		c.Trade.RetryMax = 4
	}
	if c.Trade.RetryBaseMs <= 0 {
		c.Trade.RetryBaseMs = 250
	}
	if c.Trade.RetryCapMs <= 0 {
		c.Trade.RetryCapMs = 5000
	}
	if c.Trade.ProtectionMax <= 0 {
		c.Trade.ProtectionMax = 3
	}
	if c.Guard.DailyLossPct <= 0 {
		c.Guard.DailyLossPct = 0.03
	}
	if c.Guard.CorrelationMax <= 0 {
		c.Guard.CorrelationMax = 0.85
	}
	if c.Guard.CorrelationWindow <= 0 {
		c.Guard.CorrelationWindow = 50
	}
	if c.Guard.CorrelationTTLSec <= 0 {
		c.Guard.CorrelationTTLSec = 300
	}
	if c.Guard.MinQuoteVolumeUSD <= 0 {
		c.Guard.MinQuoteVolumeUSD = 5_000_000
	}
	if c.Guard.OutlierZScore <= 0 {
		c.Guard.OutlierZScore = 4.0
	}
	if c.Guard.OutlierLookback <= 0 {
		c.Guard.OutlierLookback = 60
	}
	if c.Trailing.FlushIntervalMs <= 0 {
		c.Trailing.FlushIntervalMs = 500
	}
	if len(c.Trailing.Tiers) == 0 {
		c.Trailing.Tiers = []ExitTier{
			{Multiple: 1.0, Fraction: 0.33},
			{Multiple: 1.5, Fraction: 0.33},
			{Multiple: 2.5, Fraction: 0.34},
		}
	}
	if c.Trailing.ATRPeriod <= 0 {
		c.Trailing.ATRPeriod = 14
	}
	if c.Trailing.ATRMultiplier <= 0 {
		c.Trailing.ATRMultiplier = 2.0
	}
	if c.Trailing.RetryMax <= 0 {
		c.Trailing.RetryMax = 3
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 60
	}
	if c.Reconcile.BudgetSeconds <= 0 {
		c.Reconcile.BudgetSeconds = 30
	}
	if c.Reconcile.StartupGraceSeconds <= 0 {
		c.Reconcile.StartupGraceSeconds = 15
	}
	if c.Reconcile.OrphanPolicy == "" {
		c.Reconcile.OrphanPolicy = "close"
	}
	if c.Reconcile.PartialPolicy == "" {
		c.Reconcile.PartialPolicy = "hold"
	}
	if c.Reconcile.HealMaxAttempts <= 0 {
		c.Reconcile.HealMaxAttempts = 3
	}
	if c.Risk.WarningLossPct <= 0 {
		c.Risk.WarningLossPct = 0.02
	}
	if c.Risk.CriticalLossPct <= 0 {
		c.Risk.CriticalLossPct = 0.03
	}
	if c.Risk.EmergencyLossPct <= 0 {
		c.Risk.EmergencyLossPct = 0.05
	}
	if c.Risk.ConsecutiveLosses <= 0 {
		c.Risk.ConsecutiveLosses = 3
	}
	if c.Risk.WarningFactor <= 0 {
		c.Risk.WarningFactor = 0.5
	}
	if c.Risk.CriticalFactor <= 0 {
		c.Risk.CriticalFactor = 0.25
	}
	if c.Risk.LatencyThresholdMs <= 0 {
		c.Risk.LatencyThresholdMs = 3000
	}
	if c.Risk.SlippageThreshold <= 0 {
		c.Risk.SlippageThreshold = 0.005
	}
	if c.Risk.RolloverSpec == "" {
		c.Risk.RolloverSpec = "0 0 * * *" // UTC 零点日切
	}
}

// 基础校验
func validate(c *Config) error {
	if len(c.Symbols.DefaultList) == 0 {
		return fmt.Errorf("symbols.default_list 不能为空")
	}
	if c.Trade.RiskPercent >= 0.2 {
		return fmt.Errorf("trade.risk_percent 过大: %.2f", c.Trade.RiskPercent)
	}
	sum := 0.0
	for _, t := range c.Trailing.Tiers {
		if t.Multiple <= 0 || t.Fraction <= 0 || t.Fraction > 1 {
			return fmt.Errorf("trailing.tiers 非法档位: multiple=%.2f fraction=%.2f", t.Multiple, t.Fraction)
		}
		sum += t.Fraction
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("trailing.tiers fraction 总和超过 1: %.2f", sum)
	}
	switch strings.ToLower(c.Reconcile.OrphanPolicy) {
	case "close", "cancel":
	default:
		return fmt.Errorf("reconcile.orphan_policy 仅支持 close/cancel: %s", c.Reconcile.OrphanPolicy)
	}
	switch strings.ToLower(c.Reconcile.PartialPolicy) {
	case "hold", "cancel", "reduce":
	default:
		return fmt.Errorf("reconcile.partial_policy 仅支持 hold/cancel/reduce: %s", c.Reconcile.PartialPolicy)
	}
	if !(c.Risk.WarningLossPct < c.Risk.CriticalLossPct && c.Risk.CriticalLossPct < c.Risk.EmergencyLossPct) {
		return fmt.Errorf("risk 损失阈值需满足 warning < critical < emergency")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == 0 {
			return fmt.Errorf("已启用 Telegram 通知，请提供 bot_token 与 chat_id")
		}
	}
	return nil
}
