package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLiteStore persists conversational memory in a local SQLite file.
type SQLiteStore struct {
	db        *sql.DB
	maxMemory int
	locks     *userLocks
}

// NewSQLiteStore opens (or creates) the database at path, ensuring that the
// parent directory exists.
func NewSQLiteStore(ctx context.Context, path string, maxMemory int) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemory
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	s := &SQLiteStore{db: db, maxMemory: maxMemory, locks: newUserLocks()}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_messages (
			user_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			id TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, sequence)
		);
	`)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, userID string, role Role, text string) (int64, error) {
	if err := validateAppend(userID, role, text); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	seq, err := s.appendTx(ctx, userID, role, text)
	if err != nil {
		return 0, unavailable(s.Backend(), "append", err)
	}
	return seq, nil
}

func (s *SQLiteStore) appendTx(ctx context.Context, userID string, role Role, text string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM conversation_messages WHERE user_id = ?`,
		userID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_messages (user_id, sequence, id, role, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, seq, ulid.Make().String(), string(role), text, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM conversation_messages
		 WHERE user_id = ?
		   AND sequence <= (
		       SELECT sequence FROM conversation_messages
		        WHERE user_id = ?
		        ORDER BY sequence DESC
		        LIMIT 1 OFFSET ?)`,
		userID, userID, s.maxMemory,
	)
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_messages WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	if err := checkRetained(userID, count, s.maxMemory); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return seq, nil
}

// Recent returns the most recent `limit` messages for the given user,
// ordered chronologically (oldest first).
func (s *SQLiteStore) Recent(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, text, sequence, created_at
		   FROM conversation_messages
		  WHERE user_id = ?
		  ORDER BY sequence DESC
		  LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, unavailable(s.Backend(), "recent", err)
	}
	defer rows.Close()

	results := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			role      string
			createdMS int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &role, &m.Text, &m.Sequence, &createdMS); err != nil {
			return nil, unavailable(s.Backend(), "recent", fmt.Errorf("scan row: %w", err))
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(createdMS).UTC()
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(s.Backend(), "recent", err)
	}

	reverse(results)
	return results, nil
}

func (s *SQLiteStore) Count(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_messages WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, unavailable(s.Backend(), "count", err)
	}
	return count, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return unavailable(s.Backend(), "ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Backend() string { return BackendSQLite }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
