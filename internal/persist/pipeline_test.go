package persist

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/querymux/internal/domain"
	"github.com/ashureev/querymux/internal/store"
)

type pipeline struct {
	pub   *Publisher
	repo  *store.SQLiteStore
	dir   string
	close func()
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "querymux.db"))
	require.NoError(t, err)
	dir := t.TempDir()
	transcript, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	require.NoError(t, err)

	bus := NewBus(64, nil)
	storeSink := NewStoreSink(repo)
	transcriptSink := NewTranscriptSink(transcript)

	var consumers []*Consumer
	for _, c := range []struct {
		topic, name string
		handle      Handler
	}{
		{TopicSettled, "store", storeSink.HandleSettled},
		{TopicDeleted, "store-deletes", storeSink.HandleDeleted},
		{TopicSettled, "transcript", transcriptSink.HandleSettled},
	} {
		consumer, err := Subscribe(ctx, bus, c.topic, c.name, c.handle, nil)
		require.NoError(t, err)
		consumers = append(consumers, consumer)
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(ctx)
		}()
	}

	p := &pipeline{pub: NewPublisher(bus, nil), repo: repo, dir: dir}
	p.close = func() {
		cancel()
		wg.Wait()
		_ = bus.Close()
		_ = transcript.Close()
		_ = repo.Close()
	}
	t.Cleanup(p.close)
	return p
}

func settledSnapshot(now time.Time) domain.SessionSnapshot {
	resp := domain.NewResponse("r1", now)
	resp.IsLoading = false
	resp.Text = "Margins improved. [1]"
	resp.Citations = map[string]domain.Citation{"1": {Number: 1, DocID: "doc-9", Page: 2}}
	return domain.SessionSnapshot{
		UserID:    "user-1",
		SessionID: "chat-1",
		Title:     "Margins",
		Status:    domain.StatusCompleted,
		Messages:  []domain.Message{domain.NewQuery("q1", "How did margins move?", nil, now), resp},
		Citations: resp.Citations,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSettledSnapshotReachesStoreAndTranscript(t *testing.T) {
	p := newPipeline(t)
	now := time.UnixMilli(time.Now().UnixMilli())

	p.pub.PublishSettled(settledSnapshot(now), "r1")

	require.Eventually(t, func() bool {
		got, err := p.repo.GetSession(context.Background(), "user-1", "chat-1")
		return err == nil && got != nil && got.Title == "Margins"
	}, 2*time.Second, 10*time.Millisecond)

	lines := waitForLines(t, filepath.Join(p.dir, "user-1", "chat-1.ndjson"), 2)
	var query, answer ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &query))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &answer))
	require.Equal(t, "chat_user_message", query.EventType)
	require.Equal(t, "How did margins move?", query.Content)
	require.Equal(t, "chat_assistant_message", answer.EventType)
	require.Equal(t, "completed", answer.Status)
	require.Equal(t, 1, answer.Citations)
}

func TestFailedResponseIsLoggedAsError(t *testing.T) {
	p := newPipeline(t)
	snap := settledSnapshot(time.Now())
	snap.Messages[1].Text = ""
	snap.Messages[1].Failure = &domain.Failure{Kind: domain.FailureNetworkInterrupted, Message: "Connection lost."}
	snap.Status = domain.StatusFailed

	p.pub.PublishSettled(snap, "r1")

	lines := waitForLines(t, filepath.Join(p.dir, "user-1", "chat-1.ndjson"), 2)
	var got ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	require.Equal(t, "chat_assistant_error", got.EventType)
	require.Equal(t, "failed", got.Status)
	require.Equal(t, string(domain.FailureNetworkInterrupted), got.Failure)
	require.Equal(t, "Connection lost.", got.Content)
}

func TestDeletedSessionIsRemovedFromStore(t *testing.T) {
	p := newPipeline(t)
	snap := settledSnapshot(time.Now())
	require.NoError(t, p.repo.SaveSession(context.Background(), &snap))

	p.pub.PublishDeleted("user-1", "chat-1")

	require.Eventually(t, func() bool {
		got, err := p.repo.GetSession(context.Background(), "user-1", "chat-1")
		return err == nil && got == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerAcksFailedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus(8, nil)
	defer func() { _ = bus.Close() }()

	handled := make(chan string, 4)
	consumer, err := Subscribe(ctx, bus, "test.topic", "flaky", func(_ context.Context, msg *message.Message) error {
		handled <- string(msg.Payload)
		return os.ErrInvalid
	}, nil)
	require.NoError(t, err)
	go func() { _ = consumer.Run(ctx) }()

	require.NoError(t, bus.Publish("test.topic", message.NewMessage("1", []byte("first"))))
	require.NoError(t, bus.Publish("test.topic", message.NewMessage("2", []byte("second"))))

	require.ElementsMatch(t, []string{"first", "second"}, []string{<-handled, <-handled})
	select {
	case extra := <-handled:
		t.Fatalf("unexpected redelivery of %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForLines(t *testing.T, path string, n int) []string {
	t.Helper()
	var lines []string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		lines = strings.Split(strings.TrimSpace(string(data)), "\n")
		return len(lines) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return lines
}
