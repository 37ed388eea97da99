package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/querymux/internal/identity"
	"github.com/ashureev/querymux/internal/session"
)

const defaultMaxRequestBodySize = 1 << 20

// Workspaces resolves the session registry of a user.
type Workspaces interface {
	Get(userID string) (*session.Registry, error)
}

// SessionHandlerConfig tunes request limits.
type SessionHandlerConfig struct {
	MaxRequestBodySize int64
}

// SessionHandler serves the chat session API.
type SessionHandler struct {
	workspaces  Workspaces
	rateLimiter *RateLimiter
	maxBody     int64
	logger      *slog.Logger
}

// NewSessionHandler creates the handler. limiter may be nil to disable
// throttling.
func NewSessionHandler(workspaces Workspaces, limiter *RateLimiter, cfg SessionHandlerConfig, logger *slog.Logger) *SessionHandler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		workspaces:  workspaces,
		rateLimiter: limiter,
		maxBody:     cfg.MaxRequestBodySize,
		logger:      logger,
	}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/query", h.Query)
			r.Post("/activate", h.Activate)
			r.Post("/cancel", h.Cancel)
		})
	})
	r.Get("/api/live", h.Live)
}

type listResponse struct {
	ActiveID string            `json:"active_id"`
	Sessions []session.Summary `json:"sessions"`
}

type createResponse struct {
	SessionID string       `json:"session_id"`
	View      session.View `json:"view"`
}

type queryRequest struct {
	Query       string   `json:"query"`
	Attachments []string `json:"attachments,omitempty"`
}

type queryResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, listResponse{ActiveID: reg.ActiveID(), Sessions: reg.Sessions()})
}

// Create handles POST /api/sessions. The new session becomes live.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w, r)
	if !ok {
		return
	}
	id, err := reg.NewChat()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, createResponse{SessionID: id, View: reg.Live()})
}

// Get handles GET /api/sessions/{sessionID}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := h.registryAndSession(w, r)
	if !ok {
		return
	}
	snap, err := reg.Snapshot(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Query handles POST /api/sessions/{sessionID}/query. The answer streams to
// live viewers; the response only names the new message.
func (h *SessionHandler) Query(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := h.registryAndSession(w, r)
	if !ok {
		return
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow(reg.UserID()) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req queryRequest
	if !decodeBody(w, r, h.maxBody, &req) {
		return
	}

	messageID, err := reg.Submit(id, req.Query, req.Attachments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Chat query accepted",
		"user_id", reg.UserID(),
		"session_id", id,
		"message_id", messageID,
		"query_length", len(req.Query),
		"attachments", len(req.Attachments),
		"request_id", chiMiddleware.GetReqID(r.Context()))
	JSON(w, http.StatusAccepted, queryResponse{SessionID: id, MessageID: messageID})
}

// Activate handles POST /api/sessions/{sessionID}/activate.
func (h *SessionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := h.registryAndSession(w, r)
	if !ok {
		return
	}
	view, err := reg.SetActive(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// Cancel handles POST /api/sessions/{sessionID}/cancel.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := h.registryAndSession(w, r)
	if !ok {
		return
	}
	if err := reg.Cancel(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/sessions/{sessionID}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := h.registryAndSession(w, r)
	if !ok {
		return
	}
	if err := reg.Delete(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Live handles GET /api/live.
func (h *SessionHandler) Live(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, reg.Live())
}

func (h *SessionHandler) registry(w http.ResponseWriter, r *http.Request) (*session.Registry, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	reg, err := h.workspaces.Get(userID)
	if err != nil {
		h.logger.Error("Failed to load workspace", "user_id", userID, "error", err)
		Error(w, http.StatusServiceUnavailable, "workspace unavailable")
		return nil, false
	}
	return reg, true
}

func (h *SessionHandler) registryAndSession(w http.ResponseWriter, r *http.Request) (*session.Registry, string, bool) {
	id, ok := identity.SanitizeSessionID(chi.URLParam(r, "sessionID"))
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session id")
		return nil, "", false
	}
	reg, ok := h.registry(w, r)
	if !ok {
		return nil, "", false
	}
	return reg, id, true
}

func (h *SessionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidSessionID):
		Error(w, http.StatusBadRequest, "invalid session id")
	case errors.Is(err, session.ErrClosed):
		Error(w, http.StatusServiceUnavailable, "workspace closed")
	default:
		h.logger.Error("Session request failed",
			"path", r.URL.Path,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
