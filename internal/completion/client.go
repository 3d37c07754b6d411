package completion

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderAuto      = "auto"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Config controls client construction.
type Config struct {
	Provider         string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
	Timeout          time.Duration
	MaxRetries       int
}

// NewClient builds the configured provider. In auto mode OpenAI is preferred,
// with Anthropic as fallback when both keys are present, and the mock client
// is used when no key is set.
func NewClient(cfg Config) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderAuto
	}

	switch provider {
	case ProviderAuto:
		return newAutoClient(cfg), nil
	case ProviderOpenAI:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai provider")
		}
		return NewOpenAIClient(cfg), nil
	case ProviderAnthropic:
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("anthropic api key is required for anthropic provider")
		}
		return NewAnthropicClient(cfg), nil
	case ProviderMock:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", cfg.Provider)
	}
}

func newAutoClient(cfg Config) Client {
	hasOpenAI := strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	hasAnthropic := strings.TrimSpace(cfg.AnthropicAPIKey) != ""

	switch {
	case hasOpenAI && hasAnthropic:
		return NewFallbackClient(NewOpenAIClient(cfg), NewAnthropicClient(cfg))
	case hasOpenAI:
		return NewOpenAIClient(cfg)
	case hasAnthropic:
		return NewAnthropicClient(cfg)
	default:
		return NewMockClient()
	}
}
