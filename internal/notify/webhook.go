package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts each push as JSON to a chat adapter, which delivers it to the platform.
type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
	Logger  *zap.Logger
}

type pushBody struct {
	To   string `json:"to"`
	Text string `json:"text"`
	TS   string `json:"ts"`
}

func (w Webhook) Push(ctx context.Context, to, text string) error {
	err := w.post(ctx, to, text)
	if err != nil && w.Logger != nil {
		w.Logger.Warn("push failed", zap.String("to", to), zap.String("url", w.URL), zap.Error(err))
	}
	return err
}

func (w Webhook) post(ctx context.Context, to, text string) error {
	if strings.TrimSpace(w.URL) == "" {
		return fmt.Errorf("webhook url not configured")
	}
	data, err := json.Marshal(pushBody{To: to, Text: text, TS: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		timeout := w.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lbot-Destination", to)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Lbot-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
