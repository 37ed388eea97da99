package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/querymux/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "querymux.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot(sessionID string, updated time.Time) *domain.SessionSnapshot {
	resp := domain.NewResponse("r1", updated)
	resp.IsLoading = false
	resp.Text = "Revenue grew **12%**. "
	resp.Citations = map[string]domain.Citation{"1": {Number: 1, DocID: "doc-1", Page: 4, BBox: &domain.BBox{X0: 0.1, Y0: 0.2, X1: 0.3, Y1: 0.4, Page: 4}}}
	return &domain.SessionSnapshot{
		UserID:    "user-1",
		SessionID: sessionID,
		Title:     "Revenue",
		Status:    domain.StatusCompleted,
		Messages:  []domain.Message{domain.NewQuery("q1", "How did revenue change?", []string{"report.pdf"}, updated), resp},
		Citations: resp.Citations,
		ReasoningSteps: []domain.ReasoningStep{
			{Step: "search", Message: "Searching", Timestamp: updated},
		},
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli()).UTC()

	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("s1", now)))

	got, err := s.GetSession(ctx, "user-1", "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Revenue", got.Title)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Len(t, got.Messages, 2)
	require.Equal(t, []string{"report.pdf"}, got.Messages[0].Attachments)
	require.Equal(t, 0.3, got.Citations["1"].BBox.X1)
	require.Len(t, got.ReasoningSteps, 1)
	require.True(t, now.Equal(got.UpdatedAt))

	missing, err := s.GetSession(ctx, "user-1", "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSaveSessionIgnoresStaleSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	newer := sampleSnapshot("s1", now)
	newer.Title = "newer"
	require.NoError(t, s.SaveSession(ctx, newer))

	older := sampleSnapshot("s1", now.Add(-time.Minute))
	older.Title = "older"
	require.NoError(t, s.SaveSession(ctx, older))

	got, err := s.GetSession(ctx, "user-1", "s1")
	require.NoError(t, err)
	require.Equal(t, "newer", got.Title)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("old", now.Add(-time.Hour))))
	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("new", now)))
	other := sampleSnapshot("theirs", now)
	other.UserID = "user-2"
	require.NoError(t, s.SaveSession(ctx, other))

	list, err := s.ListSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "new", list[0].SessionID)
	require.Equal(t, "old", list[1].SessionID)
}

func TestDeleteAndCleanupSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("keep", now)))
	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("stale", now.Add(-48*time.Hour))))
	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("gone", now)))

	require.NoError(t, s.DeleteSession(ctx, "user-1", "gone"))
	require.NoError(t, s.DeleteSession(ctx, "user-1", "gone"))

	deleted, err := s.CleanupExpiredSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	list, err := s.ListSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "keep", list[0].SessionID)
}

func TestSaveSessionRequiresIDs(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.SaveSession(context.Background(), &domain.SessionSnapshot{UserID: "user-1"}))
}

func TestRunRetentionStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("stale", time.Now().Add(-48*time.Hour))))

	done := make(chan error, 1)
	go func() { done <- RunRetention(ctx, s, 10*time.Millisecond, 24*time.Hour) }()

	require.Eventually(t, func() bool {
		list, err := s.ListSessions(context.Background(), "user-1")
		return err == nil && len(list) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
