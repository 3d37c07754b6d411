package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/relaybot/internal/policy"
	"github.com/ent0n29/relaybot/internal/reliability"
)

// MaxMessageRunes is the Bot API limit for one text message.
const MaxMessageRunes = 4096

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
	policy     reliability.Policy
}

// NewClient creates a client for apiBase (e.g. "https://api.telegram.org")
// and token. requestTimeout must exceed the long-poll timeout.
func NewClient(apiBase, token string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(strings.TrimSpace(apiBase), "/") + "/bot" + strings.TrimSpace(token),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		policy: reliability.Policy{
			MaxRetries: 2,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// APIError is a Bot API call answered with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request URL embeds the bot token.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = policy.RedactSecrets(urlErr.URL)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("telegram %s request failed: %w", method, err)
		}
		return reliability.Retryable(fmt.Errorf("telegram %s request failed: %w", method, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var tgResp apiResponse
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		statusErr := fmt.Errorf("parse %s response (status %d): %w", method, resp.StatusCode, err)
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return reliability.Retryable(statusErr)
		}
		return statusErr
	}
	if !tgResp.OK {
		apiErr := &APIError{Method: method, Code: tgResp.ErrorCode, Description: tgResp.Description}
		if reliability.IsRetryableHTTPStatus(tgResp.ErrorCode) {
			return reliability.Retryable(apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("parse %s result: %w", method, err)
	}
	return nil
}

// GetUpdates long-polls for updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text to chatID, truncated to the Bot API limit.
// Transient failures are retried.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, MaxMessageRunes),
	}
	return reliability.Do(ctx, c.policy, func(int) error {
		return c.call(ctx, "sendMessage", payload, nil)
	})
}

// SetWebhook registers webhookURL with Telegram. secret is echoed back by Telegram
// in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	payload := map[string]any{
		"url":             webhookURL,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", payload, nil)
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, nil)
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
