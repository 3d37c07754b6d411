package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/relaybot/internal/protocol"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleChatWS runs turns for one user over a websocket. Messages from one
// connection are handled in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.sessions.Create(userID, "websocket")
	connID := sess.ID
	defer func() { _, _ = s.sessions.End(connID) }()
	log := s.log.With().Str("connection_id", connID).Str("user_id", userID).Logger()
	log.Debug().Msg("chat websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.runChat(ctx, connID, userID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(wsWriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					cancel()
					return
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.observeWS("outbound", t)
				}
			}
		}
	}()

	outbound <- protocol.SystemEvent{
		Type:         protocol.TypeSystemEvent,
		ConnectionID: connID,
		Code:         "connected",
	}

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_ = s.sessions.Touch(connID)
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				log.Warn().Msg("dropping error event, outbound queue full")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.observeWS("inbound", t)
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	log.Debug().Msg("chat websocket disconnected")
}

func (s *Server) runChat(ctx context.Context, connID, userID string, inbound <-chan any, outbound chan<- any) {
	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.UserMessage:
			_ = s.sessions.StartTurn(connID)
			res := s.turns.Handle(ctx, userID, m.Text)
			_ = s.sessions.FinishTurn(connID, res.TurnID)
			if !send(protocol.AssistantReply{
				Type:        protocol.TypeAssistantReply,
				TurnID:      res.TurnID,
				ClientMsgID: m.ClientMsgID,
				Text:        res.Reply,
				State:       string(res.State),
				Fallback:    res.Fallback,
				TSMs:        protocol.NowMS(),
			}) {
				return
			}
		case protocol.HistoryRequest:
			limit := m.Limit
			if limit == 0 {
				limit = s.cfg.ContextLimit
			}
			if s.cfg.MaxMemory > 0 && limit > s.cfg.MaxMemory {
				limit = s.cfg.MaxMemory
			}
			msgs, err := s.store.Recent(ctx, userID, limit)
			if err != nil {
				if !send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "store_unavailable",
					Retryable: true,
					Detail:    "message store unavailable",
				}) {
					return
				}
				continue
			}
			entries := make([]protocol.HistoryEntry, 0, len(msgs))
			for _, msg := range msgs {
				entries = append(entries, protocol.HistoryEntry{
					Role:     string(msg.Role),
					Text:     msg.Text,
					Sequence: msg.Sequence,
					TSMs:     msg.CreatedAt.UnixMilli(),
				})
			}
			if !send(protocol.History{Type: protocol.TypeHistory, UserID: userID, Messages: entries}) {
				return
			}
		}
	}
}

func (s *Server) observeWS(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.ObserveWSMessage(direction, string(t))
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserMessage:
		return m.Type, true
	case protocol.HistoryRequest:
		return m.Type, true
	case protocol.AssistantReply:
		return m.Type, true
	case protocol.History:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
