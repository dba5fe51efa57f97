package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/gateway/database"
	"pilot/internal/logger"
	"pilot/internal/market"
	"pilot/internal/notify"
	"pilot/internal/reconcile"
	"pilot/internal/scheduler"
	"pilot/internal/trailing"
	transporthttp "pilot/internal/transport/http"
)

// App 应用级编排：加载配置→装配依赖→并发启动各子服务。
type App struct {
	cfg        *config.Config
	store      *database.Store
	eng        *engine.Engine
	trailing   *trailing.Manager
	reconciler *reconcile.Reconciler
	feed       *market.Feed
	trader     *Trader
	httpSrv    *transporthttp.Server
	telegram   *notify.Telegram
	schedule   func(ctx context.Context) (*scheduler.Scheduler, error)
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动全部子服务，任一出错或 ctx 取消时整体退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.store.Close()

	if err := a.eng.Recover(ctx); err != nil {
		return err
	}
	if a.feed != nil {
		if err := a.feed.Preheat(ctx); err != nil {
			logger.Warnf("行情预热失败: %v", err)
		}
	}

	sched, err := a.schedule(ctx)
	if err != nil {
		return fmt.Errorf("注册定时任务失败: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	group, ctx := errgroup.WithContext(ctx)
	if a.feed != nil {
		group.Go(func() error { return ignoreCancel(a.feed.Run(ctx)) })
	}
	group.Go(func() error { return ignoreCancel(a.trailing.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(a.reconciler.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(a.trader.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(a.httpSrv.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(a.telegram.Run(ctx)) })

	logger.Infof("✓ pilot 启动完成 env=%s symbols=%v", a.cfg.App.Env, a.cfg.Symbols.DefaultList)
	return group.Wait()
}

// Signals 手动信号入口（HTTP/测试注入用）。
func (a *App) Signals() *Trader { return a.trader }

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
