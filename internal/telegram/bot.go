package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/relaybot/internal/reliability"
	"github.com/ent0n29/relaybot/internal/turn"
)

// SecretHeader carries the webhook secret registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Sender delivers replies. *Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Poller fetches updates. *Client satisfies it.
type Poller interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// TurnHandler runs one conversational turn. *turn.Coordinator satisfies it.
type TurnHandler interface {
	Handle(ctx context.Context, userID, text string) turn.Result
}

// Metrics counts update outcomes. *observability.Metrics satisfies it.
type Metrics interface {
	ObserveTelegramUpdate(outcome string)
}

// BotConfig tunes update dispatch.
type BotConfig struct {
	StartReply  string
	Workers     int
	PollTimeout time.Duration
}

// Bot turns Telegram updates into turns and sends the replies back.
type Bot struct {
	sender  Sender
	turns   TurnHandler
	cfg     BotConfig
	log     zerolog.Logger
	metrics Metrics
}

func NewBot(sender Sender, turns TurnHandler, cfg BotConfig, logger zerolog.Logger, metrics Metrics) *Bot {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.StartReply) == "" {
		cfg.StartReply = "Hi! I'm ready to chat."
	}
	return &Bot{
		sender:  sender,
		turns:   turns,
		cfg:     cfg,
		log:     logger.With().Str("component", "telegram").Logger(),
		metrics: metrics,
	}
}

// HandleUpdate answers one update. Non-text updates and commands other than
// /start are ignored.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) error {
	msg := u.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		b.observe("ignored")
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		if commandName(text) != "start" {
			b.observe("ignored")
			return nil
		}
		b.observe("start")
		return b.sender.SendMessage(ctx, msg.Chat.ID, b.cfg.StartReply)
	}

	res := b.turns.Handle(ctx, userIDFor(msg), text)
	if res.Fallback {
		b.observe("fallback")
	} else {
		b.observe("turn")
	}
	if err := b.sender.SendMessage(ctx, msg.Chat.ID, res.Reply); err != nil {
		b.observe("send_failed")
		return err
	}
	return nil
}

// Run long-polls until ctx is done. Each batch is dispatched with at most
// Workers concurrent users; one user's updates run in arrival order.
func (b *Bot) Run(ctx context.Context, poller Poller) error {
	var offset int64
	failures := 0
	b.log.Info().Int("workers", b.cfg.Workers).Dur("poll_timeout", b.cfg.PollTimeout).Msg("telegram polling started")

	for {
		if err := ctx.Err(); err != nil {
			b.log.Info().Msg("telegram polling stopped")
			return nil
		}

		updates, err := poller.GetUpdates(ctx, offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := reliability.ExponentialBackoff(failures, time.Second, 30*time.Second)
			failures++
			b.log.Warn().Err(err).Dur("retry_in", wait).Msg("telegram getUpdates failed")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
		b.dispatch(ctx, updates)
	}
}

func (b *Bot) dispatch(ctx context.Context, updates []Update) {
	if len(updates) == 0 {
		return
	}

	order := make([]string, 0, len(updates))
	byUser := make(map[string][]Update)
	for _, u := range updates {
		key := ""
		if u.Message != nil {
			key = userIDFor(u.Message)
		}
		if _, ok := byUser[key]; !ok {
			order = append(order, key)
		}
		byUser[key] = append(byUser[key], u)
	}

	var g errgroup.Group
	g.SetLimit(b.cfg.Workers)
	for _, key := range order {
		batch := byUser[key]
		g.Go(func() error {
			for _, u := range batch {
				if err := b.HandleUpdate(ctx, u); err != nil {
					b.log.Error().Err(err).Int64("update_id", u.UpdateID).Msg("telegram update failed")
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// WebhookHandler serves Telegram webhook deliveries. When secret is set the
// X-Telegram-Bot-Api-Secret-Token header must match it.
func (b *Bot) WebhookHandler(secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		var u Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}

		// Telegram redelivers on non-2xx, so failures are logged and acknowledged.
		if err := b.HandleUpdate(r.Context(), u); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error().Err(err).Int64("update_id", u.UpdateID).Msg("telegram webhook update failed")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func (b *Bot) observe(outcome string) {
	if b.metrics != nil {
		b.metrics.ObserveTelegramUpdate(outcome)
	}
}

func userIDFor(msg *Message) string {
	if msg.From != nil && msg.From.ID != 0 {
		return strconv.FormatInt(msg.From.ID, 10)
	}
	return strconv.FormatInt(msg.Chat.ID, 10)
}

// commandName returns "start" for "/start", "/start@mybot" and "/start payload".
func commandName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name)
}
