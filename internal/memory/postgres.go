package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore persists conversational memory in PostgreSQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	maxMemory int
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxMemory int) (*PostgresStore, error) {
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemory
	}
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, maxMemory: maxMemory}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			user_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			id TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, sequence)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, userID string, role Role, text string) (int64, error) {
	if err := validateAppend(userID, role, text); err != nil {
		return 0, err
	}
	seq, err := s.appendTx(ctx, userID, role, text)
	if err != nil {
		return 0, unavailable(s.Backend(), "append", err)
	}
	return seq, nil
}

func (s *PostgresStore) appendTx(ctx context.Context, userID string, role Role, text string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes appends for this user only; released at commit/rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return 0, fmt.Errorf("lock user: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM conversation_messages WHERE user_id = $1`,
		userID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_messages (user_id, sequence, id, role, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		userID,
		seq,
		ulid.Make().String(),
		string(role),
		text,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM conversation_messages
		  WHERE user_id = $1
		    AND sequence <= (
		        SELECT sequence FROM conversation_messages
		         WHERE user_id = $1
		         ORDER BY sequence DESC
		         OFFSET $2 LIMIT 1)`,
		userID, s.maxMemory,
	)
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM conversation_messages WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	if err := checkRetained(userID, count, s.maxMemory); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) Recent(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, text, sequence, created_at
		   FROM conversation_messages
		  WHERE user_id = $1
		  ORDER BY sequence DESC
		  LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, unavailable(s.Backend(), "recent", fmt.Errorf("query recent context: %w", err))
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &role, &m.Text, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, unavailable(s.Backend(), "recent", fmt.Errorf("scan context row: %w", err))
		}
		m.Role = Role(role)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(s.Backend(), "recent", fmt.Errorf("iterate context rows: %w", err))
	}

	// Reverse into chronological order for prompt coherence.
	reverse(items)
	return items, nil
}

func (s *PostgresStore) Count(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversation_messages WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, unavailable(s.Backend(), "count", err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return unavailable(s.Backend(), "ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Backend() string { return BackendPostgres }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
