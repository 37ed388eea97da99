package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/querymux/internal/identity"
	"github.com/ashureev/querymux/internal/session"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketHandler pushes live updates over a WebSocket and accepts
// activate and cancel commands from the viewer.
type WebSocketHandler struct {
	hub           *Hub
	resolve       Resolver
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates the handler.
func NewWebSocketHandler(hub *Hub, resolve Resolver, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:           hub,
		resolve:       resolve,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// wsCommand is a message from the viewer.
type wsCommand struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// wsFrame wraps one live update for the viewer.
type wsFrame struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Update json.RawMessage `json:"update"`
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	ws, err := h.resolve(userID)
	if err != nil {
		h.logger.Error("Failed to resolve workspace", "user_id", userID, "error", err)
		http.Error(w, `{"error": "workspace unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "viewer closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	out, _, _ := h.hub.Subscribe(userID, 0)
	defer h.hub.Unsubscribe(out)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.logger.Info("Live viewer connected", "user_id", userID, "outbox_id", out.ID)
	ws.Resync()

	go func() {
		defer cancel()
		h.outputLoop(ctx, conn, out, ws)
	}()
	h.inputLoop(ctx, conn, ws, userID)

	h.logger.Info("Live viewer disconnected", "user_id", userID, "outbox_id", out.ID, "dropped", out.Dropped())
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, conn *websocket.Conn, ws Workspace, userID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(ctx, conn, map[string]string{"type": "error", "error": "invalid command"})
			continue
		}

		switch cmd.Type {
		case "activate":
			if _, err := ws.SetActive(cmd.SessionID); err != nil {
				h.replyError(ctx, conn, cmd, err)
				continue
			}
			h.reply(ctx, conn, map[string]string{"type": "ack", "command": cmd.Type, "session_id": cmd.SessionID})
		case "cancel":
			if err := ws.Cancel(cmd.SessionID); err != nil {
				h.replyError(ctx, conn, cmd, err)
				continue
			}
			h.reply(ctx, conn, map[string]string{"type": "ack", "command": cmd.Type, "session_id": cmd.SessionID})
		case "resync":
			ws.Resync()
		case "ping":
			h.reply(ctx, conn, map[string]string{"type": "pong"})
		default:
			h.reply(ctx, conn, map[string]string{"type": "error", "error": "unknown command", "command": cmd.Type})
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, conn *websocket.Conn, out *Outbox, ws Workspace) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-out.Done():
			return
		case f := <-out.Frames():
			if err := h.writeJSON(ctx, conn, wsFrame{ID: f.ID, Type: string(f.Kind), Update: f.Data}); err != nil {
				h.logger.Debug("WebSocket write error", "error", err, "user_id", out.UserID)
				return
			}
			if out.Resync() {
				ws.Resync()
			}
		}
	}
}

func (h *WebSocketHandler) replyError(ctx context.Context, conn *websocket.Conn, cmd wsCommand, err error) {
	msg := "command failed"
	if errors.Is(err, session.ErrSessionNotFound) {
		msg = "session not found"
	}
	h.reply(ctx, conn, map[string]string{"type": "error", "error": msg, "command": cmd.Type, "session_id": cmd.SessionID})
}

func (h *WebSocketHandler) reply(ctx context.Context, conn *websocket.Conn, v any) {
	if err := h.writeJSON(ctx, conn, v); err != nil {
		h.logger.Debug("Failed to send WebSocket reply", "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
