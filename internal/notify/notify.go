// Package notify pushes fill and failure notices to an operator channel.
// Delivery is best-effort and must never block or fail order flow.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Notifier is the minimal text notification surface the executor depends
// on, so components never import a concrete transport.
type Notifier interface {
	Send(text string) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Send(string) error { return nil }

// Telegram posts messages to a chat via the Bot API.
type Telegram struct {
	BotToken string
	ChatID   string
	BaseURL  string // overridable for tests; defaults to the Bot API
	Client   *http.Client
}

// NewTelegram builds a notifier with a short-timeout client.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  "https://api.telegram.org",
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Send posts one text message. Errors are returned for logging only;
// callers treat delivery as fire-and-forget.
func (t *Telegram) Send(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram notifier not configured")
	}
	body, _ := json.Marshal(map[string]string{"chat_id": t.ChatID, "text": text})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.BotToken)
	resp, err := t.Client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}
