package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"moonlander/internal/alerts"
)

// TelegramNotifier delivers alerts through the Telegram Bot API. One bot,
// one chat: the operator channel for the fleet.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier. botToken comes from
// @BotFather, chatID is the target chat, group or channel.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  "https://api.telegram.org",
		client:   &http.Client{Timeout: postTimeout},
	}
}

// Send posts the alert as a single MarkdownV2 message.
func (t *TelegramNotifier) Send(ctx context.Context, alert alerts.Alert) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       telegramText(alert),
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("telegram: rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[telegram] sent %s alert from %s", alert.Level, alert.Rule)
	return nil
}

// telegramText renders the alert body: level line with the product tag,
// the message, and the order id as an italic footer when present.
func telegramText(a alerts.Alert) string {
	var b strings.Builder
	b.WriteString(levelIcon(a.Level))
	b.WriteString(" *")
	b.WriteString(escapeMarkdown(string(a.Level)))
	b.WriteString("*")
	if a.Product != "" {
		b.WriteString("  ")
		b.WriteString(escapeMarkdown(a.Product))
	}
	b.WriteString("\n\n")
	b.WriteString(escapeMarkdown(a.Message))
	if a.OrderID != "" {
		b.WriteString("\n\n_")
		b.WriteString(escapeMarkdown("order " + a.OrderID))
		b.WriteString("_")
	}
	return b.String()
}

func levelIcon(l alerts.Level) string {
	switch l {
	case alerts.LevelCritical:
		return "🚨"
	case alerts.LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// escapeMarkdown backslash-escapes Telegram MarkdownV2 specials.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
