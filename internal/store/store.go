// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/querymux/internal/domain"
)

// Repository persists chat session snapshots.
type Repository interface {
	// SaveSession creates or updates a session. An older snapshot never
	// overwrites a newer one.
	SaveSession(ctx context.Context, snap *domain.SessionSnapshot) error

	// GetSession retrieves one session, or nil if it does not exist.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionSnapshot, error)

	// ListSessions returns a user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*domain.SessionSnapshot, error)

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// CleanupExpiredSessions removes sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
