package app

import (
	"context"
	"fmt"
	"strings"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/exchange"
	"pilot/internal/gateway/database"
	"pilot/internal/guard"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/notify"
	"pilot/internal/reconcile"
	"pilot/internal/risk"
	"pilot/internal/scheduler"
	"pilot/internal/signal"
	"pilot/internal/telemetry"
	"pilot/internal/trailing"
	transporthttp "pilot/internal/transport/http"
)

// AppBuilder 把配置翻成可运行的依赖图。构建失败时已打开的资源就地释放。
type AppBuilder struct {
	cfg *config.Config
}

func NewAppBuilder(cfg *config.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 装配顺序：存储 → 事件中心 → 风险 → 交易所 → 引擎 →
// 守卫 → 追踪 → 对账 → 外围（HTTP/通知/行情/调度）。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	store, err := database.NewStore(cfg.App.DBPath)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			_ = store.Close()
		}
	}()

	hub := telemetry.NewHub()
	riskCtl := risk.NewController(cfg.Risk, store, hub)

	client, restClient, err := buildExchange(cfg.Exchange)
	if err != nil {
		return nil, err
	}

	eng := engine.New(cfg.Trade, cfg.Exchange, client, store, hub, riskCtl)
	riskCtl.SetForceClose(func(ctx context.Context, reason string) {
		logger.Errorf("风险 EMERGENCY，强平全部仓位: %s", reason)
		eng.CloseAll(ctx, "风险强平: "+reason)
	})

	klines := market.NewMemoryKlineStore()
	guardPipe := guard.NewPipeline(cfg.Guard, riskCtl, riskCtl, eng, klines, store, hub)
	trail := trailing.NewManager(cfg.Trailing, eng, klines)
	reconciler := reconcile.New(cfg.Reconcile, cfg.Trailing, eng, client, klines, riskCtl, hub)

	var feed *market.Feed
	if restClient != nil {
		feed = market.NewFeed(restClient, klines, trail, cfg.Symbols.DefaultList, 200)
	}

	// 信号来源从封闭集合里按名字挑，接外部源时在这里登记。
	manual := signal.NewChanSource("manual", 64)
	source, err := signal.Select(cfg.Signal.Source, manual)
	if err != nil {
		return nil, err
	}
	trader := NewTrader(source, guardPipe, eng, klines, cfg.Trailing)

	telegram, err := notify.NewTelegram(cfg.Notify.Telegram, hub)
	if err != nil {
		return nil, err
	}
	httpSrv := transporthttp.NewServer(cfg.App.HTTPAddr, eng, store, riskCtl, trader)

	schedule := func(ctx context.Context) (*scheduler.Scheduler, error) {
		sched := scheduler.New(ctx)
		if err := sched.Add(cfg.Risk.RolloverSpec, "daily_rollover", riskCtl.Rollover); err != nil {
			return nil, err
		}
		err := sched.Add("* * * * *", "equity_refresh", func(ctx context.Context) {
			balance, err := client.Balance(ctx)
			if err != nil {
				logger.Warnf("刷新权益失败: %v", err)
				return
			}
			riskCtl.UpdateEquity(ctx, balance)
		})
		if err != nil {
			return nil, err
		}
		return sched, nil
	}

	success = true
	return &App{
		cfg:        cfg,
		store:      store,
		eng:        eng,
		trailing:   trail,
		reconciler: reconciler,
		feed:       feed,
		trader:     trader,
		httpSrv:    httpSrv,
		telegram:   telegram,
		schedule:   schedule,
	}, nil
}

// buildExchange 按配置选交易所实现。paper 模式无行情 REST 客户端。
func buildExchange(cfg config.ExchangeConfig) (exchange.Client, *futures.Client, error) {
	switch strings.ToLower(cfg.Name) {
	case "paper":
		logger.Infof("✓ 纸面交易模式")
		return exchange.NewPaper(cfg.CombinedProtection), nil, nil
	case "binance":
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, nil, fmt.Errorf("binance 模式需要 api_key/api_secret")
		}
		if cfg.Testnet {
			futures.UseTestnet = true
		}
		rest := binance.NewFuturesClient(cfg.APIKey, cfg.APISecret)
		return exchange.NewBinance(cfg), rest, nil
	default:
		return nil, nil, fmt.Errorf("不支持的交易所: %s", cfg.Name)
	}
}
