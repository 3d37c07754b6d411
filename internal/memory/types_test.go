package memory

import (
	"context"
	"errors"
	"testing"
)

func TestStoreErrorMatchesUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := unavailable(BackendPostgres, "append", cause)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("errors.Is(ErrStoreUnavailable) = false for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(cause) = false for %v", err)
	}
	if unavailable(BackendPostgres, "append", nil) != nil {
		t.Fatalf("unavailable(nil) should be nil")
	}
}

func TestUnavailablePassesInvariantThrough(t *testing.T) {
	inv := checkRetained("u1", 11, 10)
	err := unavailable(BackendSQLite, "append", inv)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("errors.Is(ErrInvariantViolation) = false for %v", err)
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("invariant error should not be reported as unavailable")
	}
}

func TestCheckOrdered(t *testing.T) {
	ok := []Message{{Sequence: 3}, {Sequence: 4}, {Sequence: 9}}
	if err := CheckOrdered("u1", ok); err != nil {
		t.Fatalf("CheckOrdered() error = %v", err)
	}
	bad := []Message{{Sequence: 3}, {Sequence: 3}}
	if err := CheckOrdered("u1", bad); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("CheckOrdered() error = %v, want ErrInvariantViolation", err)
	}
}

func TestResolveBackend(t *testing.T) {
	cases := []struct {
		opts Options
		want string
	}{
		{opts: Options{}, want: BackendSQLite},
		{opts: Options{Backend: "auto", RedisURL: "redis://localhost:6379/0"}, want: BackendRedis},
		{opts: Options{DatabaseURL: "postgres://x", RedisURL: "redis://y"}, want: BackendPostgres},
		{opts: Options{Backend: " Memory "}, want: BackendMemory},
	}
	for _, tc := range cases {
		if got := ResolveBackend(tc.opts); got != tc.want {
			t.Fatalf("ResolveBackend(%+v) = %q, want %q", tc.opts, got, tc.want)
		}
	}
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := NewStore(context.Background(), Options{Backend: "cassandra"}); err == nil {
		t.Fatalf("NewStore() expected error for unknown backend")
	}
}
