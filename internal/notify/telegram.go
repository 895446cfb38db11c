package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to one chat through the Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	// lastSent rate-limits sends to about one per second.
	lastSent time.Time
}

// NewTelegram authenticates the bot. endpoint overrides the Bot API URL
// format (tgbotapi.APIEndpoint) and is empty in production.
func NewTelegram(token string, chatID int64, endpoint string, logger *slog.Logger) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram notifier requires token and chat id")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram notifier ready", "user", bot.Self.UserName, "chat_id", chatID)
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	if wait := time.Second - time.Since(t.lastSent); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	t.lastSent = time.Now()
	msg := tgbotapi.NewMessage(t.chatID, a.Text())
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram alert", "task_id", a.TaskID, "error", err)
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}
