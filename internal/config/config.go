package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	Env              string
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string

	MemoryBackend    string
	DatabaseURL      string
	RedisURL         string
	MemorySQLitePath string
	MaxMemory        int
	ContextLimit     int
	StoreTimeout     time.Duration

	SystemPrompt  string
	FallbackReply string
	StartReply    string

	CompletionProvider    string
	CompletionModel       string
	CompletionTemperature float64
	CompletionMaxTokens   int
	CompletionTimeout     time.Duration
	CompletionMaxRetries  int
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	AnthropicAPIKey       string
	AnthropicBaseURL      string
	AnthropicModel        string

	TelegramBotToken      string
	TelegramMode          string
	TelegramAPIBase       string
	TelegramPollTimeout   time.Duration
	TelegramWorkers       int
	TelegramWebhookURL    string
	TelegramWebhookSecret string
}

// IsDevelopment reports whether the service runs with developer defaults.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// TelegramEnabled reports whether a bot token is configured.
func (c Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// Load reads a .env file when present, then environment variables, and
// applies safe defaults.
func Load() (Config, error) {
	// Missing .env is fine; real env vars always win.
	_ = godotenv.Load()

	cfg := Config{
		Env:                   strings.ToLower(envOrDefault("APP_ENV", "development")),
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "relaybot"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		MemoryBackend:         strings.ToLower(envOrDefault("MEMORY_BACKEND", "auto")),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		MemorySQLitePath:      envOrDefault("MEMORY_SQLITE_PATH", "data/memory.db"),
		SystemPrompt:          envOrDefault("SYSTEM_PROMPT", "You are a friendly Telegram bot."),
		FallbackReply:         envOrDefault("FALLBACK_REPLY", "Sorry, something went wrong. Please try again later."),
		StartReply:            envOrDefault("START_REPLY", "Hi! I'm ready to chat."),
		CompletionProvider:    strings.ToLower(envOrDefault("COMPLETION_PROVIDER", "auto")),
		CompletionModel:       envOrDefault("COMPLETION_MODEL", "gpt-4o-mini"),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:       stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:      stringsTrimSpace("ANTHROPIC_BASE_URL"),
		AnthropicModel:        envOrDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		TelegramBotToken:      stringsTrimSpace("TELEGRAM_BOT_TOKEN"),
		TelegramMode:          strings.ToLower(envOrDefault("TELEGRAM_MODE", "poll")),
		TelegramAPIBase:       envOrDefault("TELEGRAM_API_BASE", "https://api.telegram.org"),
		TelegramWebhookURL:    stringsTrimSpace("TELEGRAM_WEBHOOK_URL"),
		TelegramWebhookSecret: stringsTrimSpace("TELEGRAM_WEBHOOK_SECRET"),
		ShutdownTimeout:       15 * time.Second,
		MaxMemory:             100,
		ContextLimit:          10,
		StoreTimeout:          5 * time.Second,
		CompletionTemperature: 0.8,
		CompletionMaxTokens:   300,
		CompletionTimeout:     30 * time.Second,
		CompletionMaxRetries:  1,
		TelegramPollTimeout:   30 * time.Second,
		TelegramWorkers:       16,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMemory, err = intFromEnv("MAX_MEMORY", cfg.MaxMemory)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextLimit, err = intFromEnv("CONTEXT_LIMIT", cfg.ContextLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreTimeout, err = durationFromEnv("STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTemperature, err = floatFromEnv("COMPLETION_TEMPERATURE", cfg.CompletionTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionMaxTokens, err = intFromEnv("COMPLETION_MAX_TOKENS", cfg.CompletionMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout, err = durationFromEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionMaxRetries, err = intFromEnv("COMPLETION_MAX_RETRIES", cfg.CompletionMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.TelegramPollTimeout, err = durationFromEnv("TELEGRAM_POLL_TIMEOUT", cfg.TelegramPollTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TelegramWorkers, err = intFromEnv("TELEGRAM_WORKERS", cfg.TelegramWorkers)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.MaxMemory <= 0 {
		return fmt.Errorf("MAX_MEMORY must be positive")
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("CONTEXT_LIMIT must be positive")
	}
	if c.ContextLimit > c.MaxMemory {
		return fmt.Errorf("CONTEXT_LIMIT (%d) must not exceed MAX_MEMORY (%d)", c.ContextLimit, c.MaxMemory)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	switch c.MemoryBackend {
	case "auto", "postgres", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("MEMORY_BACKEND must be one of auto, postgres, sqlite, redis, memory")
	}
	if c.MemoryBackend == "memory" && c.Env == "production" {
		return fmt.Errorf("MEMORY_BACKEND=memory is not allowed when APP_ENV=production")
	}
	if c.CompletionTemperature < 0 || c.CompletionTemperature > 2 {
		return fmt.Errorf("COMPLETION_TEMPERATURE must be between 0 and 2")
	}
	if c.CompletionMaxTokens <= 0 {
		return fmt.Errorf("COMPLETION_MAX_TOKENS must be positive")
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}
	if c.CompletionMaxRetries < 0 {
		return fmt.Errorf("COMPLETION_MAX_RETRIES must be >= 0")
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return fmt.Errorf("SYSTEM_PROMPT must not be empty")
	}
	switch c.TelegramMode {
	case "poll", "webhook":
	default:
		return fmt.Errorf("TELEGRAM_MODE must be poll or webhook")
	}
	if c.TelegramWorkers <= 0 {
		return fmt.Errorf("TELEGRAM_WORKERS must be positive")
	}
	if c.TelegramPollTimeout < time.Second {
		return fmt.Errorf("TELEGRAM_POLL_TIMEOUT must be at least 1s")
	}
	if c.TelegramEnabled() && c.TelegramMode == "webhook" {
		if c.TelegramWebhookURL == "" {
			return fmt.Errorf("TELEGRAM_WEBHOOK_URL is required when TELEGRAM_MODE=webhook")
		}
		if c.TelegramWebhookSecret == "" {
			return fmt.Errorf("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_MODE=webhook")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
