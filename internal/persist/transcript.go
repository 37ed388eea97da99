package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

const (
	channelChatStream = "chat_stream"

	defaultLogQueueSize = 256
)

// ConversationLogConfig controls the per-session NDJSON transcript.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// ConversationLogEvent is one transcript line.
type ConversationLogEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Channel    string    `json:"channel"`
	Direction  string    `json:"direction"`
	EventType  string    `json:"event_type"`
	ContentRaw string    `json:"content_raw"`
	Content    string    `json:"content"`
	Status     string    `json:"status,omitempty"`
	Failure    string    `json:"failure,omitempty"`
	Citations  int       `json:"citations,omitempty"`
}

// ConversationLogger appends transcript events to <dir>/<user>/<session>.ndjson
// from a single writer goroutine. Log never blocks; events are dropped when
// the queue is full.
type ConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan ConversationLogEvent
	done   chan struct{}
}

// NewConversationLogger starts the writer. A disabled config yields a logger
// whose Log is a no-op.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (*ConversationLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ConversationLogger{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return l, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conversation log dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if l.cfg.QueueSize <= 0 {
		l.cfg.QueueSize = defaultLogQueueSize
	}

	l.queue = make(chan ConversationLogEvent, l.cfg.QueueSize)
	l.done = make(chan struct{})
	go l.run()
	return l, nil
}

// Log queues ev for writing.
func (l *ConversationLogger) Log(ev ConversationLogEvent) {
	if l == nil || l.queue == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Content = cleanForReadability(ev.ContentRaw)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"user_id", ev.UserID,
			"session_id", ev.SessionID,
			"event_type", ev.EventType)
	}
}

// Close flushes queued events and stops the writer.
func (l *ConversationLogger) Close() error {
	if l == nil || l.queue == nil {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *ConversationLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write conversation log",
				"user_id", ev.UserID,
				"session_id", ev.SessionID,
				"error", err)
		}
	}
}

func (l *ConversationLogger) write(ev ConversationLogEvent) error {
	dir := filepath.Join(l.cfg.Dir, pathSegment(ev.UserID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create user log dir: %w", err)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	path := filepath.Join(dir, pathSegment(ev.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}

// pathSegment keeps ids from escaping the log directory.
func pathSegment(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// cleanForReadability strips terminal escapes and control characters so the
// transcript reads as plain text.
func cleanForReadability(raw string) string {
	s := ansi.Strip(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
