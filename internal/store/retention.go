package store

import (
	"context"
	"log/slog"
	"time"
)

// RunRetention deletes sessions not updated within ttl every interval until
// ctx is cancelled. A zero ttl disables the sweep.
func RunRetention(ctx context.Context, repo Repository, interval, ttl time.Duration) error {
	if ttl <= 0 {
		slog.Info("Session retention disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			sweepExpired(ctx, repo, ttl)
		case <-ctx.Done():
			slog.Info("Retention worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func sweepExpired(ctx context.Context, repo Repository, ttl time.Duration) {
	deleted, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to cleanup sessions", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed expired sessions", "count", deleted)
	}
}
