package memory

import (
	"context"
	"time"
)

// Observer receives the outcome of every store operation.
type Observer interface {
	ObserveStoreOp(backend, op string, elapsed time.Duration, err error)
}

type instrumented struct {
	Store
	obs Observer
}

// Instrument wraps store so each operation is reported to obs. A nil observer
// returns store unchanged.
func Instrument(store Store, obs Observer) Store {
	if obs == nil || store == nil {
		return store
	}
	return &instrumented{Store: store, obs: obs}
}

func (s *instrumented) Append(ctx context.Context, userID string, role Role, text string) (int64, error) {
	start := time.Now()
	seq, err := s.Store.Append(ctx, userID, role, text)
	s.obs.ObserveStoreOp(s.Backend(), "append", time.Since(start), err)
	return seq, err
}

func (s *instrumented) Recent(ctx context.Context, userID string, limit int) ([]Message, error) {
	start := time.Now()
	msgs, err := s.Store.Recent(ctx, userID, limit)
	s.obs.ObserveStoreOp(s.Backend(), "recent", time.Since(start), err)
	return msgs, err
}
