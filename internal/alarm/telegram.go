package alarm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the subset of *tgbotapi.BotAPI used by TelegramNotifier.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts alarms to a Telegram chat with bounded retries.
type TelegramNotifier struct {
	bot            Sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegramNotifier creates a notifier for chatID using botToken.
func NewTelegramNotifier(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	return newTelegramNotifier(bot, id, maxRetries, retryDelayBase), nil
}

func newTelegramNotifier(bot Sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *TelegramNotifier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, maxRetries: maxRetries, retryDelayBase: retryDelayBase}
}

func (n *TelegramNotifier) Notify(ctx context.Context, a Alarm) error {
	msg := tgbotapi.NewMessage(n.chatID, "ALARM "+a.String())

	var lastErr error
	for i := 0; i < n.maxRetries; i++ {
		_, err := n.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("send alarm after %d retries: %w", n.maxRetries, lastErr)
}
