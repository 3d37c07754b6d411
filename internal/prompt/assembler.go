package prompt

import (
	"context"
	"strings"

	"github.com/ent0n29/relaybot/internal/completion"
	"github.com/ent0n29/relaybot/internal/memory"
)

const DefaultContextLimit = 10

// HistoryReader is the part of memory.Store the assembler needs.
type HistoryReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]memory.Message, error)
}

// Assembler builds the prompt for one completion call: the system instruction
// followed by the user's most recent messages, oldest first.
type Assembler struct {
	history      HistoryReader
	instruction  string
	contextLimit int
}

func NewAssembler(history HistoryReader, instruction string, contextLimit int) *Assembler {
	if contextLimit <= 0 {
		contextLimit = DefaultContextLimit
	}
	return &Assembler{
		history:      history,
		instruction:  strings.TrimSpace(instruction),
		contextLimit: contextLimit,
	}
}

// Build reads the window fresh on every call. The system message is never
// persisted and appears exactly once, at the front.
func (a *Assembler) Build(ctx context.Context, userID string) ([]completion.Message, error) {
	window, err := a.history.Recent(ctx, userID, a.contextLimit)
	if err != nil {
		return nil, err
	}
	if err := memory.CheckOrdered(userID, window); err != nil {
		return nil, err
	}

	out := make([]completion.Message, 0, len(window)+1)
	out = append(out, completion.Message{Role: completion.RoleSystem, Text: a.instruction})
	for _, m := range window {
		out = append(out, completion.Message{Role: completion.Role(m.Role), Text: m.Text})
	}
	return out, nil
}

func (a *Assembler) ContextLimit() int { return a.contextLimit }
