package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClientAutoUsesMockWithoutKeys(t *testing.T) {
	c, err := NewClient(Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.Provider() != ProviderMock {
		t.Fatalf("Provider() = %q, want %q", c.Provider(), ProviderMock)
	}

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Text: "be nice"},
		{Role: RoleUser, Text: "hello"},
	}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "I heard you: hello" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestNewClientAutoPrefersOpenAIWithAnthropicFallback(t *testing.T) {
	c, err := NewClient(Config{OpenAIAPIKey: "sk-a", AnthropicAPIKey: "sk-b"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, ok := c.(*FallbackClient); !ok {
		t.Fatalf("client = %T, want *FallbackClient", c)
	}
	if c.Provider() != "openai+anthropic" {
		t.Fatalf("Provider() = %q", c.Provider())
	}
}

func TestNewClientRequiresKeys(t *testing.T) {
	for _, provider := range []string{ProviderOpenAI, ProviderAnthropic} {
		if _, err := NewClient(Config{Provider: provider}); err == nil {
			t.Fatalf("NewClient(%s) expected error without api key", provider)
		}
	}
	if _, err := NewClient(Config{Provider: "llama"}); err == nil {
		t.Fatalf("NewClient(llama) expected error")
	}
}

func TestMockClientMentionsHistory(t *testing.T) {
	resp, err := NewMockClient().Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Text: "sys"},
		{Role: RoleUser, Text: "a"},
		{Role: RoleAssistant, Text: "b"},
		{Role: RoleUser, Text: "c"},
	}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !strings.Contains(resp.Text, "I heard you: c") || !strings.Contains(resp.Text, "2 earlier messages") {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func newOpenAITestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	c := NewOpenAIClient(Config{OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL, MaxRetries: 2, Timeout: 2 * time.Second})
	c.policy.BaseDelay = time.Millisecond
	c.policy.MaxDelay = time.Millisecond
	return c
}

func TestOpenAIClientComplete(t *testing.T) {
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Model != "gpt-4o-mini" || body.MaxTokens != 300 || len(body.Messages) != 2 {
			t.Errorf("unexpected body: %+v", body)
		}
		if body.Messages[0].Role != RoleSystem {
			t.Errorf("first role = %q, want system", body.Messages[0].Role)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"  hi there \n"}}]}`))
	})

	resp, err := c.Complete(context.Background(), Request{
		Model:       "gpt-4o-mini",
		Temperature: 0.8,
		MaxTokens:   300,
		Messages: []Message{
			{Role: RoleSystem, Text: "You are a friendly Telegram bot."},
			{Role: RoleUser, Text: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "hi there")
	}
	if resp.Provider != ProviderOpenAI {
		t.Fatalf("resp.Provider = %q", resp.Provider)
	}
}

func TestOpenAIClientRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	resp, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Text: "x"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "ok" || calls.Load() != 3 {
		t.Fatalf("resp.Text = %q calls = %d", resp.Text, calls.Load())
	}
}

func TestOpenAIClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})

	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Text: "x"}}})
	if !errors.Is(err, ErrCompletionFailure) {
		t.Fatalf("Complete() error = %v, want ErrCompletionFailure", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Complete() error = %#v, want status 401", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestOpenAIClientEmptyReplyIsFailure(t *testing.T) {
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	})
	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Text: "x"}}})
	if !errors.Is(err, ErrCompletionFailure) || !errors.Is(err, errEmptyReply) {
		t.Fatalf("Complete() error = %v, want empty reply failure", err)
	}
}

func TestOpenAIClientHonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, Request{Model: "m", Messages: []Message{{Role: RoleUser, Text: "x"}}})
	if !errors.Is(err, ErrCompletionFailure) {
		t.Fatalf("Complete() error = %v, want ErrCompletionFailure", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Complete() error = %v, want deadline exceeded", err)
	}
}

func TestAnthropicClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["model"] != "claude-test" {
			t.Errorf("model = %v", body["model"])
		}
		system, _ := body["system"].([]any)
		if len(system) != 1 {
			t.Errorf("system = %v, want one block", body["system"])
		}
		messages, _ := body["messages"].([]any)
		if len(messages) != 2 {
			t.Errorf("messages = %v, want two", body["messages"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello from claude"}],
			"stop_reason":"end_turn","stop_sequence":null,
			"usage":{"input_tokens":3,"output_tokens":4}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(Config{AnthropicAPIKey: "sk-ant", AnthropicBaseURL: srv.URL, AnthropicModel: "claude-test"})
	resp, err := c.Complete(context.Background(), Request{
		Model:     "gpt-4o-mini",
		MaxTokens: 300,
		Messages: []Message{
			{Role: RoleSystem, Text: "sys"},
			{Role: RoleUser, Text: "hi"},
			{Role: RoleAssistant, Text: "hey"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "hello from claude" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestAnthropicClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"nope"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(Config{AnthropicAPIKey: "sk-ant", AnthropicBaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Text: "hi"}}})
	if !errors.Is(err, ErrCompletionFailure) {
		t.Fatalf("Complete() error = %v, want ErrCompletionFailure", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusBadRequest {
		t.Fatalf("Complete() error = %#v, want status 400", err)
	}
}

type stubClient struct {
	text  string
	err   error
	calls int
}

func (s *stubClient) Provider() string { return "stub" }

func (s *stubClient) Complete(context.Context, Request) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Text: s.text}, nil
}

func TestFallbackClientUsesFallback(t *testing.T) {
	c := NewFallbackClient(&stubClient{err: errors.New("down")}, &stubClient{text: "fallback"})
	resp, err := c.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackClientSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &stubClient{text: "fallback"}
	c := NewFallbackClient(&stubClient{err: context.Canceled}, fb)
	_, err := c.Complete(context.Background(), Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackClientBothFail(t *testing.T) {
	primary := &stubClient{err: &Error{Provider: "stub", StatusCode: 503, Err: errors.New("a")}}
	c := NewFallbackClient(primary, &stubClient{err: errors.New("b")})
	_, err := c.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrCompletionFailure) {
		t.Fatalf("error = %v, want ErrCompletionFailure", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Provider != "stub+stub" {
		t.Fatalf("error = %#v, want chain provider stub+stub", err)
	}
}
