package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	apphttp "stop_engine/pkg/http"
)

const telegramAPI = "https://api.telegram.org"

type TelegramChannel struct {
	botToken string
	chatID   string
	client   *apphttp.Client
}

// NewTelegramChannel talks to the Bot API at apiBase, the public API when empty
func NewTelegramChannel(apiBase, botToken, chatID string) *TelegramChannel {
	if apiBase == "" {
		apiBase = telegramAPI
	}
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   apphttp.NewClient(strings.TrimSuffix(apiBase, "/"), 5*time.Second, nil),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	}
	if _, err := t.client.Post(ctx, "/bot"+t.botToken+"/sendMessage", payload); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}
