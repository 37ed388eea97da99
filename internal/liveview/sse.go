package liveview

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/querymux/internal/identity"
	"github.com/ashureev/querymux/internal/session"
)

const (
	defaultRetryDelay        = 5 * time.Second
	defaultKeepaliveInterval = 10 * time.Second
)

// Workspace is the per-user session registry a viewer observes and drives.
type Workspace interface {
	Resync()
	SetActive(id string) (session.View, error)
	Cancel(id string) error
}

// Resolver returns the workspace of a user.
type Resolver func(userID string) (Workspace, error)

// SSEConfig controls client retry and keepalive timing.
type SSEConfig struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
}

// SSEHandler streams a user's live updates as server-sent events. Every frame
// carries an id; a client reconnecting with Last-Event-ID receives the frames
// it missed, or a full reset if they are gone.
type SSEHandler struct {
	hub     *Hub
	resolve Resolver
	cfg     SSEConfig
	logger  *slog.Logger
}

// NewSSEHandler creates the handler.
func NewSSEHandler(hub *Hub, resolve Resolver, cfg SSEConfig, logger *slog.Logger) *SSEHandler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{hub: hub, resolve: resolve, cfg: cfg, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	ws, err := h.resolve(userID)
	if err != nil {
		h.logger.Error("Failed to resolve workspace", "user_id", userID, "error", err)
		http.Error(w, `{"error": "workspace unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	lastEventID := parseLastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}

	out, missed, resumed := h.hub.Subscribe(userID, lastEventID)
	defer h.hub.Unsubscribe(out)

	if resumed {
		for _, f := range missed {
			if err := writeFrame(w, f); err != nil {
				h.logger.Warn("Failed to replay SSE frame", "error", err, "user_id", userID)
				return
			}
		}
	} else {
		ws.Resync()
	}
	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","resumed":%t,"replayed":%d}`, resumed, len(missed))); err != nil {
		h.logger.Warn("Failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.logger.Info("Live stream connected",
		"user_id", userID,
		"outbox_id", out.ID,
		"last_event_id", lastEventID,
		"resumed", resumed,
		"replayed", len(missed))
	defer h.logger.Info("Live stream disconnected", "user_id", userID, "outbox_id", out.ID, "dropped", out.Dropped())

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-out.Done():
			return
		case f := <-out.Frames():
			if err := writeFrame(w, f); err != nil {
				h.logger.Warn("Failed to write SSE frame", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
			if out.Resync() {
				ws.Resync()
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Debug("Failed to write SSE keepalive", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func writeFrame(w io.Writer, f Frame) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.ID, f.Kind, f.Data)
	return err
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
