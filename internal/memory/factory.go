package memory

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendAuto     = "auto"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	DefaultMaxMemory  = 100
	DefaultSQLitePath = "data/memory.db"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
	SQLitePath  string
	MaxMemory   int
}

// ResolveBackend maps "auto" (or empty) onto a concrete backend name.
func ResolveBackend(opts Options) string {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend != "" && backend != BackendAuto {
		return backend
	}
	switch {
	case strings.TrimSpace(opts.DatabaseURL) != "":
		return BackendPostgres
	case strings.TrimSpace(opts.RedisURL) != "":
		return BackendRedis
	default:
		return BackendSQLite
	}
}

// NewStore creates the configured store. "auto" prefers postgres, then redis,
// then a local sqlite file.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch backend := ResolveBackend(opts); backend {
	case BackendPostgres:
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres backend requires a database url")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.MaxMemory)
	case BackendRedis:
		if strings.TrimSpace(opts.RedisURL) == "" {
			return nil, fmt.Errorf("redis backend requires a redis url")
		}
		return NewRedisStore(ctx, opts.RedisURL, opts.MaxMemory)
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath, opts.MaxMemory)
	case BackendMemory:
		return NewInMemoryStore(opts.MaxMemory), nil
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", opts.Backend)
	}
}
