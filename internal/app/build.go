package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/relaybot/internal/completion"
	"github.com/ent0n29/relaybot/internal/config"
	"github.com/ent0n29/relaybot/internal/httpapi"
	"github.com/ent0n29/relaybot/internal/memory"
	"github.com/ent0n29/relaybot/internal/observability"
	"github.com/ent0n29/relaybot/internal/prompt"
	"github.com/ent0n29/relaybot/internal/session"
	"github.com/ent0n29/relaybot/internal/telegram"
	"github.com/ent0n29/relaybot/internal/turn"
)

// WebhookPath is where Telegram deliveries are mounted; the secret is appended.
const WebhookPath = "/telegram/webhook/"

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	Store       memory.Store
	Coordinator *turn.Coordinator
	Completion  completion.Client
	Metrics     *observability.Metrics

	// Telegram is nil when no bot token is configured.
	Telegram       *telegram.Bot
	TelegramClient *telegram.Client

	log zerolog.Logger

	// Cleanup should be called on shutdown to release external resources (DB, Redis, etc).
	Cleanup func() error
}

// Build wires the store, completion client, turn coordinator and transports.
// A nil metrics builds instruments on the default registry.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*BuildResult, error) {
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace, nil)
	}

	rawStore, err := memory.NewStore(ctx, memory.Options{
		Backend:     cfg.MemoryBackend,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		SQLitePath:  cfg.MemorySQLitePath,
		MaxMemory:   cfg.MaxMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	store := memory.Instrument(rawStore, metrics)
	logger.Info().Str("backend", store.Backend()).Int("max_memory", cfg.MaxMemory).Msg("memory store ready")

	client, err := completion.NewClient(completion.Config{
		Provider:         cfg.CompletionProvider,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicModel:   cfg.AnthropicModel,
		Timeout:          cfg.CompletionTimeout,
		MaxRetries:       cfg.CompletionMaxRetries,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("completion client init failed: %w", err)
	}
	logger.Info().Str("provider", client.Provider()).Str("model", cfg.CompletionModel).Msg("completion client ready")

	assembler := prompt.NewAssembler(store, cfg.SystemPrompt, cfg.ContextLimit)
	coordinator := turn.NewCoordinator(store, assembler, client, turn.Options{
		Model:             cfg.CompletionModel,
		Temperature:       cfg.CompletionTemperature,
		MaxTokens:         cfg.CompletionMaxTokens,
		CompletionTimeout: cfg.CompletionTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		FallbackReply:     cfg.FallbackReply,
	}, logger.With().Str("component", "turn").Logger(), metrics)

	sessions := session.NewManager()
	sessions.SetChangeHook(metrics.SetActiveConnections)

	api := httpapi.New(cfg, store, coordinator, sessions, metrics, logger)

	res := &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Store:       store,
		Coordinator: coordinator,
		Completion:  client,
		Metrics:     metrics,
		log:         logger,
		Cleanup:     store.Close,
	}

	if cfg.TelegramEnabled() {
		tg := telegram.NewClient(cfg.TelegramAPIBase, cfg.TelegramBotToken, cfg.TelegramPollTimeout+cfg.CompletionTimeout)
		bot := telegram.NewBot(tg, coordinator, telegram.BotConfig{
			StartReply:  cfg.StartReply,
			Workers:     cfg.TelegramWorkers,
			PollTimeout: cfg.TelegramPollTimeout,
		}, logger, metrics)
		if cfg.TelegramMode == "webhook" {
			api.SetTelegramWebhook(bot.WebhookHandler(cfg.TelegramWebhookSecret))
		}
		res.Telegram = bot
		res.TelegramClient = tg
	}

	return res, nil
}

// StartTelegram registers the webhook or starts long polling, depending on
// TELEGRAM_MODE. The returned channel reports when polling stops; it is closed
// immediately in webhook mode or when Telegram is disabled.
func (b *BuildResult) StartTelegram(ctx context.Context) (<-chan error, error) {
	done := make(chan error, 1)
	if b.Telegram == nil {
		close(done)
		return done, nil
	}

	if b.Config.TelegramMode == "webhook" {
		url := WebhookURL(b.Config.TelegramWebhookURL, b.Config.TelegramWebhookSecret)
		if err := b.TelegramClient.SetWebhook(ctx, url, b.Config.TelegramWebhookSecret); err != nil {
			return nil, fmt.Errorf("telegram setWebhook failed: %w", err)
		}
		b.log.Info().Str("path", WebhookPath+"***").Msg("telegram webhook registered")
		close(done)
		return done, nil
	}

	// getUpdates is rejected while a webhook is registered.
	if err := b.TelegramClient.DeleteWebhook(ctx); err != nil {
		var apiErr *telegram.APIError
		if !errors.As(err, &apiErr) {
			return nil, fmt.Errorf("telegram deleteWebhook failed: %w", err)
		}
		b.log.Warn().Err(err).Msg("telegram deleteWebhook rejected")
	}
	go func() {
		done <- b.Telegram.Run(ctx, b.TelegramClient)
		close(done)
	}()
	return done, nil
}

// WebhookURL joins the public base URL with the secret webhook path.
func WebhookURL(base, secret string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + WebhookPath + secret
}
