package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pilot/internal/app"
	"pilot/internal/config"
	"pilot/internal/logger"
)

// 入口程序：
// 1) 加载 TOML 配置
// 2) 装配应用（存储/交易所/引擎/守卫/追踪/对账/风险）
// 3) 启动并等待退出信号
func main() {
	cfgPath := os.Getenv("PILOT_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.toml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s 交易所=%s 标的=%v）", cfg.App.Env, cfg.Exchange.Name, cfg.Symbols.DefaultList)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("pilot 已退出")
}
