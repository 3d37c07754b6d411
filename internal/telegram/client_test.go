package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "123:abc", 2*time.Second)
	c.policy.BaseDelay = time.Millisecond
	c.policy.MaxDelay = time.Millisecond
	return c
}

func TestGetUpdatesParsesMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:abc/getUpdates" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["offset"] != float64(7) || body["timeout"] != float64(30) {
			t.Errorf("unexpected getUpdates body: %v", body)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":[{"update_id":7,"message":{"message_id":1,"from":{"id":42,"is_bot":false},"chat":{"id":99,"type":"private"},"date":1700000000,"text":"hi"}}]}`)
	})

	updates, err := c.GetUpdates(context.Background(), 7, 30*time.Second)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 1 || updates[0].Message == nil {
		t.Fatalf("updates = %#v", updates)
	}
	m := updates[0].Message
	if m.Text != "hi" || m.From.ID != 42 || m.Chat.ID != 99 {
		t.Fatalf("message = %+v", m)
	}
}

func TestSendMessageTruncatesToLimit(t *testing.T) {
	var gotText string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChatID int64  `json:"chat_id"`
			Text   string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Text
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	})

	long := strings.Repeat("ж", MaxMessageRunes+50)
	if err := c.SendMessage(context.Background(), 99, long); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if n := utf8.RuneCountInString(gotText); n != MaxMessageRunes {
		t.Fatalf("sent %d runes, want %d", n, MaxMessageRunes)
	}
}

func TestSendMessageRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	})

	if err := c.SendMessage(context.Background(), 99, "hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestSendMessageAPIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	})

	err := c.SendMessage(context.Background(), 99, "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("SendMessage() error = %v, want APIError 400", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestSetWebhookSendsSecret(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/setWebhook") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	})

	if err := c.SetWebhook(context.Background(), "https://bot.example/telegram/webhook/s3cret", "s3cret"); err != nil {
		t.Fatalf("SetWebhook() error = %v", err)
	}
	if body["secret_token"] != "s3cret" || body["url"] != "https://bot.example/telegram/webhook/s3cret" {
		t.Fatalf("setWebhook body = %v", body)
	}
}

func TestTransportErrorDoesNotLeakToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	token := "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
	c := NewClient(base, token, time.Second)
	_, err := c.GetUpdates(context.Background(), 0, time.Second)
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if strings.Contains(err.Error(), "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw") {
		t.Fatalf("error leaks bot token: %v", err)
	}
}
