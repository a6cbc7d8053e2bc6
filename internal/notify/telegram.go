package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TelegramSender posts through the Telegram Bot API.
type TelegramSender struct {
	Token  string
	ChatID string
	Client *http.Client

	// BaseURL overrides the API host, for tests.
	BaseURL string
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, message string) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	base := s.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", base, s.Token)
	body, _ := json.Marshal(map[string]string{
		"chat_id": s.ChatID,
		"text":    message,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram API returned %d", resp.StatusCode)
	}
	return nil
}
