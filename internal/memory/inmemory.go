package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
// Each user has an independent bucket so appends for different users never
// contend beyond the map lookup.
type InMemoryStore struct {
	maxMemory int

	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu      sync.Mutex
	nextSeq int64
	records []Message
}

func NewInMemoryStore(maxMemory int) *InMemoryStore {
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemory
	}
	return &InMemoryStore{
		maxMemory: maxMemory,
		buckets:   make(map[string]*bucket),
	}
}

func (s *InMemoryStore) bucketFor(userID string, create bool) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[userID]
	s.mu.RUnlock()
	if ok || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[userID]; ok {
		return b
	}
	b = &bucket{}
	s.buckets[userID] = b
	return b
}

func (s *InMemoryStore) Append(ctx context.Context, userID string, role Role, text string) (int64, error) {
	if err := validateAppend(userID, role, text); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, unavailable(s.Backend(), "append", err)
	}

	b := s.bucketFor(userID, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.nextSeq + 1
	if n := len(b.records); n > 0 && b.records[n-1].Sequence >= seq {
		return 0, &InvariantError{
			UserID: userID,
			Detail: fmt.Sprintf("sequence %d does not follow %d", seq, b.records[n-1].Sequence),
		}
	}

	// Build the trimmed log aside and only swap it in once it checks out.
	kept := make([]Message, 0, min(len(b.records)+1, s.maxMemory))
	if over := len(b.records) + 1 - s.maxMemory; over > 0 {
		kept = append(kept, b.records[over:]...)
	} else {
		kept = append(kept, b.records...)
	}
	kept = append(kept, Message{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Role:      role,
		Text:      text,
		Sequence:  seq,
		CreatedAt: time.Now().UTC(),
	})
	if err := checkRetained(userID, len(kept), s.maxMemory); err != nil {
		return 0, err
	}

	b.records = kept
	b.nextSeq = seq
	return seq, nil
}

func (s *InMemoryStore) Recent(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(s.Backend(), "recent", err)
	}
	b := s.bucketFor(userID, false)
	if b == nil {
		return []Message{}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if limit > len(b.records) {
		limit = len(b.records)
	}
	out := make([]Message, limit)
	copy(out, b.records[len(b.records)-limit:])
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context, userID string) (int, error) {
	b := s.bucketFor(userID, false)
	if b == nil {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records), nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Backend() string { return BackendMemory }

func (s *InMemoryStore) Close() error { return nil }
