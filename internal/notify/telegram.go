package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Telegram sends notifications through the Bot API sendMessage endpoint.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegram creates a Telegram channel.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{},
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Send posts the event as a plain-text message.
func (t *Telegram) Send(ctx context.Context, ev Event) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {fmt.Sprintf("%s\n%s", ev.Title, ev.Message)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned HTTP %d", resp.StatusCode)
	}
	return nil
}

var _ Channel = (*Telegram)(nil)
