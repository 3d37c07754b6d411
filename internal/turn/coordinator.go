// Package turn runs one conversational exchange end to end: persist the
// inbound message, build the context window, request a completion and
// persist the reply.
package turn

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/relaybot/internal/completion"
	"github.com/ent0n29/relaybot/internal/memory"
	"github.com/ent0n29/relaybot/internal/policy"
	"github.com/ent0n29/relaybot/internal/prompt"
)

// State is a turn lifecycle state.
type State string

const (
	StateReceived            State = "received"
	StatePersistedInbound    State = "persisted_inbound"
	StateContextBuilt        State = "context_built"
	StateCompletionRequested State = "completion_requested"
	StatePersistedOutbound   State = "persisted_outbound"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

const (
	DefaultFallbackReply     = "Sorry, something went wrong. Please try again later."
	DefaultCompletionTimeout = 30 * time.Second
	DefaultStoreTimeout      = 5 * time.Second
)

// Result is what a transport sends back to the user.
type Result struct {
	TurnID   string `json:"turn_id"`
	Reply    string `json:"reply"`
	State    State  `json:"state"`
	Fallback bool   `json:"fallback"`
	Err      error  `json:"-"`
}

// Metrics receives turn outcomes. *observability.Metrics satisfies it.
type Metrics interface {
	ObserveTurn(state string, fallback bool, d time.Duration)
	ObserveTurnStage(stage string, d time.Duration)
	ObserveOutboundPersistFailure()
	ObserveCompletionError(provider string, status int)
}

// Options tunes the completion request and the per-step deadlines.
type Options struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	CompletionTimeout time.Duration
	StoreTimeout      time.Duration
	FallbackReply     string
}

// Coordinator drives turns. It holds no per-user state; serialization of
// writes for a user happens inside the store.
type Coordinator struct {
	store     memory.Store
	assembler *prompt.Assembler
	client    completion.Client
	opts      Options
	log       zerolog.Logger
	metrics   Metrics
}

func NewCoordinator(
	store memory.Store,
	assembler *prompt.Assembler,
	client completion.Client,
	opts Options,
	logger zerolog.Logger,
	metrics Metrics,
) *Coordinator {
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = DefaultCompletionTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if strings.TrimSpace(opts.FallbackReply) == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		store:     store,
		assembler: assembler,
		client:    client,
		opts:      opts,
		log:       logger,
		metrics:   metrics,
	}
}

// Handle runs one turn. It never returns raw error detail as the reply: any
// failure yields the fallback reply with State == StateFailed and Err set.
func (c *Coordinator) Handle(ctx context.Context, userID, text string) (res Result) {
	start := time.Now()
	res = Result{TurnID: uuid.NewString(), State: StateReceived}
	log := c.log.With().Str("turn_id", res.TurnID).Str("user_id", userID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("turn panicked")
			res = c.fail(res, &memory.InvariantError{UserID: userID, Detail: fmt.Sprintf("turn panicked: %v", r)})
		}

		elapsed := time.Since(start)
		c.metrics.ObserveTurn(string(res.State), res.Fallback, elapsed)
		event := log.Info()
		if res.State == StateFailed {
			event = log.Warn().
				Str("error", policy.RedactSecrets(res.Err.Error())).
				Str("text_preview", policy.Preview(text, 80))
		}
		event.Str("state", string(res.State)).
			Bool("fallback", res.Fallback).
			Dur("latency", elapsed).
			Msg("turn finished")
	}()

	stepStart := time.Now()
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	_, err := c.store.Append(storeCtx, userID, memory.RoleUser, text)
	cancel()
	if err != nil {
		return c.fail(res, fmt.Errorf("persist inbound: %w", err))
	}
	res.State = StatePersistedInbound
	c.metrics.ObserveTurnStage("persist_inbound", time.Since(stepStart))

	stepStart = time.Now()
	buildCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	messages, err := c.assembler.Build(buildCtx, userID)
	cancel()
	if err != nil {
		return c.fail(res, fmt.Errorf("build context: %w", err))
	}
	res.State = StateContextBuilt
	c.metrics.ObserveTurnStage("build_context", time.Since(stepStart))

	stepStart = time.Now()
	res.State = StateCompletionRequested
	reply, err := c.complete(ctx, messages)
	if err != nil {
		var ce *completion.Error
		if errors.As(err, &ce) {
			c.metrics.ObserveCompletionError(ce.Provider, ce.StatusCode)
		}
		return c.fail(res, err)
	}
	c.metrics.ObserveTurnStage("completion", time.Since(stepStart))

	// The reply is delivered even if storing it fails, so the write must not
	// be cut short by the caller going away.
	stepStart = time.Now()
	outCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
	_, err = c.store.Append(outCtx, userID, memory.RoleAssistant, reply)
	cancel()
	if err != nil {
		c.metrics.ObserveOutboundPersistFailure()
		log.Error().Err(err).Msg("persist outbound failed, reply delivered without storing it")
	} else {
		res.State = StatePersistedOutbound
		c.metrics.ObserveTurnStage("persist_outbound", time.Since(stepStart))
	}

	res.Reply = reply
	res.State = StateCompleted
	return res
}

func (c *Coordinator) complete(ctx context.Context, messages []completion.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CompletionTimeout)
	defer cancel()

	resp, err := c.client.Complete(callCtx, completion.Request{
		Model:       c.opts.Model,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		Messages:    messages,
	})
	if err != nil {
		if !errors.Is(err, completion.ErrCompletionFailure) {
			err = &completion.Error{Provider: c.client.Provider(), Err: err}
		}
		return "", fmt.Errorf("request completion: %w", err)
	}

	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		return "", fmt.Errorf("request completion: %w", &completion.Error{
			Provider: c.client.Provider(),
			Err:      errors.New("empty reply"),
		})
	}
	return reply, nil
}

func (c *Coordinator) fail(res Result, err error) Result {
	res.State = StateFailed
	res.Reply = c.opts.FallbackReply
	res.Fallback = true
	res.Err = err
	return res
}

type noopMetrics struct{}

func (noopMetrics) ObserveTurn(string, bool, time.Duration) {}
func (noopMetrics) ObserveTurnStage(string, time.Duration) {}
func (noopMetrics) ObserveOutboundPersistFailure() {}
func (noopMetrics) ObserveCompletionError(string, int) {}
