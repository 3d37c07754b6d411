package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserMessage    MessageType = "user_message"
	TypeHistoryRequest MessageType = "history_request"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeHistory        MessageType = "history"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserMessage starts one turn.
type UserMessage struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

// HistoryRequest asks for the user's most recent stored messages.
type HistoryRequest struct {
	Type  MessageType `json:"type"`
	Limit int         `json:"limit,omitempty"`
}

type AssistantReply struct {
	Type        MessageType `json:"type"`
	TurnID      string      `json:"turn_id"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	Text        string      `json:"text"`
	State       string      `json:"state"`
	Fallback    bool        `json:"fallback"`
	TSMs        int64       `json:"ts_ms"`
}

type HistoryEntry struct {
	Role     string `json:"role"`
	Text     string `json:"text"`
	Sequence int64  `json:"sequence"`
	TSMs     int64  `json:"ts_ms"`
}

type History struct {
	Type     MessageType    `json:"type"`
	UserID   string         `json:"user_id"`
	Messages []HistoryEntry `json:"messages"`
}

type SystemEvent struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connection_id"`
	Code         string      `json:"code"`
	Detail       string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid user_message: empty text")
		}
		return msg, nil
	case TypeHistoryRequest:
		var msg HistoryRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Limit < 0 {
			return nil, errors.New("invalid history_request: negative limit")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NowMS is the wire timestamp format.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
