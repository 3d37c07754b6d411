package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no provider is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Provider() string { return ProviderMock }

func (c *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, failure(ProviderMock, 0, ctx.Err())
	default:
	}
	return Response{Text: buildMockReply(req), Model: req.Model, Provider: ProviderMock}, nil
}

func buildMockReply(req Request) string {
	var last string
	turns := 0
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			last = strings.TrimSpace(m.Text)
		}
		if m.Role != RoleSystem {
			turns++
		}
	}
	if last == "" {
		last = "nothing yet"
	}
	if turns <= 1 {
		return fmt.Sprintf("I heard you: %s", last)
	}
	return fmt.Sprintf("I heard you: %s\nI remember %d earlier messages.", last, turns-1)
}
