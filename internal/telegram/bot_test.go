package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/relaybot/internal/turn"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type turnCall struct {
	userID string
	text   string
}

type fakeTurns struct {
	mu    sync.Mutex
	calls []turnCall
}

func (f *fakeTurns) Handle(_ context.Context, userID, text string) turn.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, turnCall{userID: userID, text: text})
	return turn.Result{TurnID: "t", Reply: "echo: " + text, State: turn.StateCompleted}
}

func (f *fakeTurns) snapshot() []turnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turnCall(nil), f.calls...)
}

func newTestBot(sender Sender, turns TurnHandler) *Bot {
	return NewBot(sender, turns, BotConfig{StartReply: "welcome", Workers: 4, PollTimeout: time.Second}, zerolog.Nop(), nil)
}

func textUpdate(id, from, chat int64, text string) Update {
	var user *User
	if from != 0 {
		user = &User{ID: from}
	}
	return Update{UpdateID: id, Message: &Message{MessageID: id, From: user, Chat: Chat{ID: chat}, Text: text}}
}

func TestHandleUpdateRunsTurn(t *testing.T) {
	sender, turns := &fakeSender{}, &fakeTurns{}
	b := newTestBot(sender, turns)

	if err := b.HandleUpdate(context.Background(), textUpdate(1, 42, 99, "  hello ")); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}
	calls := turns.snapshot()
	if len(calls) != 1 || calls[0].userID != "42" || calls[0].text != "hello" {
		t.Fatalf("turn calls = %+v", calls)
	}
	sent := sender.messages()
	if len(sent) != 1 || sent[0].chatID != 99 || sent[0].text != "echo: hello" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandleUpdateFallsBackToChatID(t *testing.T) {
	turns := &fakeTurns{}
	b := newTestBot(&fakeSender{}, turns)

	_ = b.HandleUpdate(context.Background(), textUpdate(1, 0, 555, "hi"))
	if calls := turns.snapshot(); len(calls) != 1 || calls[0].userID != "555" {
		t.Fatalf("turn calls = %+v", calls)
	}
}

func TestHandleUpdateStartCommand(t *testing.T) {
	sender, turns := &fakeSender{}, &fakeTurns{}
	b := newTestBot(sender, turns)

	for _, cmd := range []string{"/start", "/start@relay_bot", "/START payload"} {
		if err := b.HandleUpdate(context.Background(), textUpdate(1, 42, 99, cmd)); err != nil {
			t.Fatalf("HandleUpdate(%q) error = %v", cmd, err)
		}
	}
	if n := len(turns.snapshot()); n != 0 {
		t.Fatalf("turn calls = %d, want 0", n)
	}
	sent := sender.messages()
	if len(sent) != 3 || sent[0].text != "welcome" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandleUpdateIgnoresOtherCommandsAndNonText(t *testing.T) {
	sender, turns := &fakeSender{}, &fakeTurns{}
	b := newTestBot(sender, turns)

	_ = b.HandleUpdate(context.Background(), textUpdate(1, 42, 99, "/help"))
	_ = b.HandleUpdate(context.Background(), textUpdate(2, 42, 99, ""))
	_ = b.HandleUpdate(context.Background(), Update{UpdateID: 3})

	if len(turns.snapshot()) != 0 || len(sender.messages()) != 0 {
		t.Fatalf("expected no turns and no replies, got %+v / %+v", turns.snapshot(), sender.messages())
	}
}

type scriptedPoller struct {
	mu      sync.Mutex
	batches [][]Update
	offsets []int64
}

func (p *scriptedPoller) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]Update, error) {
	p.mu.Lock()
	p.offsets = append(p.offsets, offset)
	if len(p.batches) > 0 {
		next := p.batches[0]
		p.batches = p.batches[1:]
		p.mu.Unlock()
		return next, nil
	}
	p.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunDispatchesAndAdvancesOffset(t *testing.T) {
	sender, turns := &fakeSender{}, &fakeTurns{}
	b := newTestBot(sender, turns)
	poller := &scriptedPoller{batches: [][]Update{
		{textUpdate(10, 1, 1, "a1"), textUpdate(11, 2, 2, "b1"), textUpdate(12, 1, 1, "a2")},
		{textUpdate(13, 2, 2, "b2")},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, poller) }()

	deadline := time.After(2 * time.Second)
	for len(sender.messages()) < 4 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for replies, got %+v", sender.messages())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	poller.mu.Lock()
	offsets := append([]int64(nil), poller.offsets...)
	poller.mu.Unlock()
	if len(offsets) < 3 || offsets[0] != 0 || offsets[1] != 13 || offsets[2] != 14 {
		t.Fatalf("offsets = %v, want [0 13 14 ...]", offsets)
	}

	var user1 []string
	for _, c := range turns.snapshot() {
		if c.userID == "1" {
			user1 = append(user1, c.text)
		}
	}
	if strings.Join(user1, ",") != "a1,a2" {
		t.Fatalf("user 1 turn order = %v, want a1,a2", user1)
	}
}

func TestWebhookHandler(t *testing.T) {
	sender, turns := &fakeSender{}, &fakeTurns{}
	h := newTestBot(sender, turns).WebhookHandler("s3cret")

	body := `{"update_id":5,"message":{"message_id":1,"from":{"id":42},"chat":{"id":99},"text":"hi"}}`

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status without secret = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set(SecretHeader, "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if sent := sender.messages(); len(sent) != 1 || sent[0].text != "echo: hi" {
		t.Fatalf("sent = %+v", sent)
	}

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader("{oops"))
	req.Header.Set(SecretHeader, "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status for bad body = %d, want 400", rec.Code)
	}
}
