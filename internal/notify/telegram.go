package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pilot/internal/config"
	"pilot/internal/logger"
	"pilot/internal/telemetry"
)

var log = logger.With("notify")

// Telegram 订阅事件中心并把关键事件推到群里。
// 未启用时 Run 直接阻塞到退出，调用方不用判空。
type Telegram struct {
	cfg config.TelegramConfig
	hub *telemetry.Hub
	bot *tgbotapi.BotAPI
}

func NewTelegram(cfg config.TelegramConfig, hub *telemetry.Hub) (*Telegram, error) {
	t := &Telegram{cfg: cfg, hub: hub}
	if !cfg.Enabled {
		return t, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram bot 失败: %w", err)
	}
	t.bot = bot
	log.Infof("✓ Telegram 通知已启用 @%s", bot.Self.UserName)
	return t, nil
}

// Run 消费事件直到 ctx 取消。
func (t *Telegram) Run(ctx context.Context) error {
	if t.bot == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	events, cancel := t.hub.Subscribe(128)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.send(format(ev))
		}
	}
}

func format(ev telemetry.Event) string {
	prefix := map[string]string{
		telemetry.EventTransition: "🔄",
		telemetry.EventGuard:      "🛡",
		telemetry.EventRisk:       "⚠️",
		telemetry.EventReconcile:  "🔧",
	}[ev.Type]
	if ev.Symbol != "" {
		return fmt.Sprintf("%s [%s] %s", prefix, ev.Symbol, ev.Detail)
	}
	return fmt.Sprintf("%s %s", prefix, ev.Detail)
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.cfg.ChatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		log.Warnf("Telegram 发送失败: %v", err)
	}
}
