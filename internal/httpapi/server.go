package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/relaybot/internal/config"
	"github.com/ent0n29/relaybot/internal/memory"
	"github.com/ent0n29/relaybot/internal/observability"
	"github.com/ent0n29/relaybot/internal/session"
	"github.com/ent0n29/relaybot/internal/turn"
)

// TurnHandler runs one conversational turn. *turn.Coordinator satisfies it.
type TurnHandler interface {
	Handle(ctx context.Context, userID, text string) turn.Result
}

type Server struct {
	cfg      config.Config
	store    memory.Store
	turns    TurnHandler
	sessions *session.Manager
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
	webhook  http.Handler
}

func New(cfg config.Config, store memory.Store, turns TurnHandler, sessions *session.Manager, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	if sessions == nil {
		sessions = session.NewManager()
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		turns:    turns,
		sessions: sessions,
		metrics:  metrics,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// SetTelegramWebhook mounts h at /telegram/webhook/{secret}.
func (s *Server) SetTelegramWebhook(h http.Handler) {
	s.webhook = h
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	allowedOrigins := []string{}
	if s.cfg.AllowAnyOrigin {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/turns", s.handleCreateTurn)
	r.Get("/v1/users/{userID}/messages", s.handleListMessages)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/sessions", s.handleListSessions)

	if s.webhook != nil {
		r.Post("/telegram/webhook/{secret}", s.handleTelegramWebhook)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Str("backend", s.store.Backend()).Msg("readiness check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":         "unavailable",
			"memory_backend": s.store.Backend(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"memory_backend": s.store.Backend(),
	})
}

type createTurnRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var req createTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	res := s.turns.Handle(r.Context(), req.UserID, req.Text)
	respondJSON(w, http.StatusOK, res)
}

type listMessagesResponse struct {
	UserID   string           `json:"user_id"`
	Messages []memory.Message `json:"messages"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user id is required")
		return
	}

	limit := s.cfg.ContextLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if s.cfg.MaxMemory > 0 && limit > s.cfg.MaxMemory {
		limit = s.cfg.MaxMemory
	}

	msgs, err := s.store.Recent(r.Context(), userID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("list messages failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "message store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, listMessagesResponse{UserID: userID, Messages: msgs})
}

type listSessionsResponse struct {
	Sessions []session.Session `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	respondJSON(w, http.StatusOK, listSessionsResponse{Sessions: s.sessions.List(userID)})
}

func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	secret := chi.URLParam(r, "secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.TelegramWebhookSecret)) != 1 {
		respondError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	s.webhook.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
