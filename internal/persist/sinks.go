package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ashureev/querymux/internal/domain"
	"github.com/ashureev/querymux/internal/store"
)

// StoreSink writes settled sessions to the repository and applies deletions.
type StoreSink struct {
	repo store.Repository
}

// NewStoreSink returns a sink backed by repo.
func NewStoreSink(repo store.Repository) *StoreSink {
	return &StoreSink{repo: repo}
}

// HandleSettled upserts the snapshot carried by msg.
func (s *StoreSink) HandleSettled(ctx context.Context, msg *message.Message) error {
	var m SettledMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return fmt.Errorf("decode settled message: %w", err)
	}
	if err := s.repo.SaveSession(ctx, &m.Snapshot); err != nil {
		return fmt.Errorf("save session %s: %w", m.Snapshot.SessionID, err)
	}
	return nil
}

// HandleDeleted removes the session named by msg.
func (s *StoreSink) HandleDeleted(ctx context.Context, msg *message.Message) error {
	var m DeletedMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return fmt.Errorf("decode deleted message: %w", err)
	}
	if err := s.repo.DeleteSession(ctx, m.UserID, m.SessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", m.SessionID, err)
	}
	return nil
}

// TranscriptSink appends each settled exchange to the conversation log.
type TranscriptSink struct {
	log *ConversationLogger
}

// NewTranscriptSink returns a sink writing to log.
func NewTranscriptSink(log *ConversationLogger) *TranscriptSink {
	return &TranscriptSink{log: log}
}

// HandleSettled logs the query and the response that settled.
func (s *TranscriptSink) HandleSettled(_ context.Context, msg *message.Message) error {
	var m SettledMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return fmt.Errorf("decode settled message: %w", err)
	}

	snap := &m.Snapshot
	query, resp := snap.Exchange(m.MessageID)
	if resp == nil {
		return nil
	}
	if query != nil {
		s.log.Log(ConversationLogEvent{
			Timestamp:  query.CreatedAt,
			UserID:     snap.UserID,
			SessionID:  snap.SessionID,
			MessageID:  query.ID,
			Channel:    channelChatStream,
			Direction:  "inbound",
			EventType:  "chat_user_message",
			ContentRaw: query.Text,
		})
	}

	ev := ConversationLogEvent{
		Timestamp:  resp.CreatedAt,
		UserID:     snap.UserID,
		SessionID:  snap.SessionID,
		MessageID:  resp.ID,
		Channel:    channelChatStream,
		Direction:  "outbound",
		EventType:  "chat_assistant_message",
		ContentRaw: resp.Text,
		Status:     string(responseStatus(snap, resp)),
		Citations:  len(resp.Citations),
	}
	if resp.Failure != nil {
		ev.EventType = "chat_assistant_error"
		ev.Failure = string(resp.Failure.Kind)
		if ev.ContentRaw == "" {
			ev.ContentRaw = resp.Failure.Message
		}
	}
	s.log.Log(ev)
	return nil
}

// responseStatus reports how resp ended. The session status only describes
// the latest response.
func responseStatus(snap *domain.SessionSnapshot, resp *domain.Message) domain.Status {
	if resp.Failure != nil {
		return domain.StatusFailed
	}
	if last := domain.LastResponse(snap.Messages); last >= 0 && snap.Messages[last].ID == resp.ID && snap.Status.Terminal() {
		return snap.Status
	}
	return domain.StatusCompleted
}
