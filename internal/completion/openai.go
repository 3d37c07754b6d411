package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/relaybot/internal/reliability"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	policy  reliability.Policy
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		apiKey:  strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		policy: reliability.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  250 * time.Millisecond,
			MaxDelay:   2 * time.Second,
		},
	}
}

func (c *OpenAIClient) Provider() string { return ProviderOpenAI }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, failure(ProviderOpenAI, 0, fmt.Errorf("marshal request: %w", err))
	}

	var (
		resp   Response
		status int
	)
	err = reliability.Do(ctx, c.policy, func(int) error {
		var callErr error
		resp, status, callErr = c.do(ctx, payload)
		return callErr
	})
	if err != nil {
		return Response{}, failure(ProviderOpenAI, status, err)
	}
	return resp, nil
}

func (c *OpenAIClient) do(ctx context.Context, payload []byte) (Response, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, 0, fmt.Errorf("send request: %w", err)
		}
		return Response{}, 0, reliability.Retryable(fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Response{}, res.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		statusErr := fmt.Errorf("http status %d: %s", res.StatusCode, strings.TrimSpace(snippet))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Response{}, res.StatusCode, reliability.Retryable(statusErr)
		}
		return Response{}, res.StatusCode, statusErr
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, res.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return Response{}, res.StatusCode, fmt.Errorf("api error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return Response{}, res.StatusCode, fmt.Errorf("no choices: %w", errEmptyReply)
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return Response{}, res.StatusCode, errEmptyReply
	}
	return Response{Text: text, Model: out.Model, Provider: ProviderOpenAI}, res.StatusCode, nil
}
