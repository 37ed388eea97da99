package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/querymux/internal/domain"
	"github.com/ashureev/querymux/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		citations_json TEXT,
		reasoning_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSession creates or updates a session snapshot.
func (s *SQLiteStore) SaveSession(ctx context.Context, snap *domain.SessionSnapshot) error {
	if snap == nil || snap.UserID == "" || snap.SessionID == "" {
		return errors.New("save session: missing user or session id")
	}

	messagesJSON, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	citationsJSON, err := marshalOptional(snap.Citations, len(snap.Citations))
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	reasoningJSON, err := marshalOptional(snap.ReasoningSteps, len(snap.ReasoningSteps))
	if err != nil {
		return fmt.Errorf("marshal reasoning steps: %w", err)
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	query := `
		INSERT INTO chat_sessions (
			user_id, session_id, title, status, messages_json,
			citations_json, reasoning_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			messages_json = excluded.messages_json,
			citations_json = excluded.citations_json,
			reasoning_json = excluded.reasoning_json,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= chat_sessions.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "save_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			snap.UserID, snap.SessionID, snap.Title, string(snap.Status), string(messagesJSON),
			citationsJSON, reasoningJSON, createdAt.UnixMilli(), updatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

func marshalOptional(v any, n int) (any, error) {
	if n == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

const selectSession = `
	SELECT user_id, session_id, title, status, messages_json,
	       citations_json, reasoning_json, created_at, updated_at
	FROM chat_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	var status, messagesJSON string
	var citationsJSON, reasoningJSON sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&snap.UserID, &snap.SessionID, &snap.Title, &status, &messagesJSON,
		&citationsJSON, &reasoningJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	snap.Status = domain.Status(status)
	snap.CreatedAt = time.UnixMilli(createdAt)
	snap.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(messagesJSON), &snap.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", snap.SessionID, err)
	}
	if citationsJSON.Valid {
		if err := json.Unmarshal([]byte(citationsJSON.String), &snap.Citations); err != nil {
			return nil, fmt.Errorf("decode citations for %s: %w", snap.SessionID, err)
		}
	}
	if reasoningJSON.Valid {
		if err := json.Unmarshal([]byte(reasoningJSON.String), &snap.ReasoningSteps); err != nil {
			return nil, fmt.Errorf("decode reasoning steps for %s: %w", snap.SessionID, err)
		}
	}
	return &snap, nil
}

// GetSession retrieves one session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionSnapshot, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	snap, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return snap, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.SessionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` WHERE user_id = ? ORDER BY updated_at DESC, session_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.SessionSnapshot
	for rows.Next() {
		snap, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete_session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// CleanupExpiredSessions removes sessions older than TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, "cleanup_sessions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup expired sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
