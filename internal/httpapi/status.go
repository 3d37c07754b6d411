package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	Env                string        `json:"env"`
	MemoryBackend      string        `json:"memory_backend"`
	CompletionProvider string        `json:"completion_provider"`
	CompletionModel    string        `json:"completion_model"`
	TelegramMode       string        `json:"telegram_mode"`
	MaxMemory          int           `json:"max_memory"`
	ContextLimit       int           `json:"context_limit"`
	ActiveConnections  int           `json:"active_connections"`
	Checks             []statusCheck `json:"checks"`
}

// handleStatus reports how the relay is wired and what an operator should fix.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	checks := make([]statusCheck, 0, 4)
	checks = append(checks, s.storeChecks(r.Context())...)

	provider, completionChecks := s.completionChecks()
	checks = append(checks, completionChecks...)

	telegramMode := "disabled"
	if s.cfg.TelegramEnabled() {
		telegramMode = s.cfg.TelegramMode
		checks = append(checks, statusCheck{
			ID:     "telegram",
			Status: "ok",
			Label:  "Telegram",
			Detail: telegramMode,
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "telegram",
			Status: "warn",
			Label:  "Telegram",
			Detail: "disabled",
			Fix:    "Set TELEGRAM_BOT_TOKEN to relay Telegram chats.",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Env:                s.cfg.Env,
		MemoryBackend:      s.store.Backend(),
		CompletionProvider: provider,
		CompletionModel:    s.cfg.CompletionModel,
		TelegramMode:       telegramMode,
		MaxMemory:          s.cfg.MaxMemory,
		ContextLimit:       s.cfg.ContextLimit,
		ActiveConnections:  s.sessions.ActiveCount(),
		Checks:             checks,
	})
}

func (s *Server) storeChecks(ctx context.Context) []statusCheck {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	backend := s.store.Backend()
	if err := s.store.Ping(ctx); err != nil {
		return []statusCheck{{
			ID:     "memory_store",
			Status: "error",
			Label:  "Conversation memory",
			Detail: backend + " unreachable",
			Fix:    "Check DATABASE_URL, REDIS_URL or MEMORY_SQLITE_PATH.",
		}}
	}
	if backend == "memory" {
		return []statusCheck{{
			ID:     "memory_store",
			Status: "warn",
			Label:  "Conversation memory",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL, REDIS_URL or MEMORY_BACKEND=sqlite to keep history across restarts.",
		}}
	}
	return []statusCheck{{
		ID:     "memory_store",
		Status: "ok",
		Label:  "Conversation memory",
		Detail: backend,
	}}
}

func (s *Server) completionChecks() (string, []statusCheck) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.CompletionProvider))
	hasOpenAI := s.cfg.OpenAIAPIKey != ""
	hasAnthropic := s.cfg.AnthropicAPIKey != ""
	if provider == "" || provider == "auto" {
		switch {
		case hasOpenAI && hasAnthropic:
			provider = "openai+anthropic"
		case hasOpenAI:
			provider = "openai"
		case hasAnthropic:
			provider = "anthropic"
		default:
			provider = "mock"
		}
	}

	if provider == "mock" {
		return provider, []statusCheck{{
			ID:     "completion",
			Status: "warn",
			Label:  "Completion provider",
			Detail: "mock replies",
			Fix:    "Set OPENAI_API_KEY or ANTHROPIC_API_KEY for real replies.",
		}}
	}
	return provider, []statusCheck{{
		ID:     "completion",
		Status: "ok",
		Label:  "Completion provider",
		Detail: provider,
	}}
}
