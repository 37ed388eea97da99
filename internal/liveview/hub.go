// Package liveview fans a user's live session updates out to connected
// viewers over SSE and WebSocket.
package liveview

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/querymux/internal/session"
)

const defaultOutboxSize = 100

// Frame is one numbered, encoded live update for a user.
type Frame struct {
	ID     int64
	UserID string
	Kind   session.UpdateKind
	Data   []byte
}

// HubOptions configures a Hub.
type HubOptions struct {
	ReplaySize int
	OutboxSize int
	Logger     *slog.Logger
}

// Hub numbers live updates, keeps them for replay and pushes them to every
// viewer of the user. Publish never blocks on a viewer.
type Hub struct {
	mu         sync.RWMutex
	nextID     int64
	outboxes   map[string]map[string]*Outbox // userID -> outbox id -> outbox
	replay     *ReplayQueue
	outboxSize int
	logger     *slog.Logger
	closed     bool
}

// NewHub creates a hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	return &Hub{
		// Frame ids keep increasing across restarts, so a stale Last-Event-ID
		// from a previous process never looks resumable.
		nextID:     time.Now().UnixMicro(),
		outboxes:   make(map[string]map[string]*Outbox),
		replay:     NewReplayQueue(opts.ReplaySize),
		outboxSize: opts.OutboxSize,
		logger:     opts.Logger,
	}
}

// Publish records u for userID and queues it on every viewer's outbox. Its
// shape fits session.Options.OnLive once the user id is bound.
func (h *Hub) Publish(userID string, u session.LiveUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("Failed to encode live update",
			"user_id", userID,
			"session_id", u.SessionID,
			"kind", u.Kind,
			"error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	f := Frame{ID: h.nextID, UserID: userID, Kind: u.Kind, Data: data}
	h.replay.Enqueue(f)
	for _, o := range h.outboxes[userID] {
		o.push(f)
	}
}

// Subscribe registers a viewer for userID. When afterID is positive the frames
// the viewer missed are returned; resumed is false if they are no longer all
// available. Frames published after Subscribe returns arrive on the outbox.
func (h *Hub) Subscribe(userID string, afterID int64) (o *Outbox, missed []Frame, resumed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	o = newOutbox(uuid.NewString(), userID, h.outboxSize, h.logger)
	if h.closed {
		o.close()
		return o, nil, false
	}
	conns, ok := h.outboxes[userID]
	if !ok {
		conns = make(map[string]*Outbox)
		h.outboxes[userID] = conns
	}
	conns[o.ID] = o

	if afterID <= 0 || afterID > h.nextID {
		return o, nil, false
	}
	missed, resumed = h.replay.After(userID, afterID)
	return o, missed, resumed
}

// Unsubscribe removes o and closes it.
func (h *Hub) Unsubscribe(o *Outbox) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.outboxes[o.UserID]; ok {
		delete(conns, o.ID)
		if len(conns) == 0 {
			delete(h.outboxes, o.UserID)
		}
	}
	o.close()
}

// Forget drops the replay history of userID, for example when the user's
// workspace is evicted.
func (h *Hub) Forget(userID string) {
	h.replay.Prune(userID)
}

// Viewers returns the number of connected viewers for userID.
func (h *Hub) Viewers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.outboxes[userID])
}

// Close disconnects every viewer. Later subscribers get a closed outbox.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for userID, conns := range h.outboxes {
		for _, o := range conns {
			o.close()
		}
		delete(h.outboxes, userID)
	}
}

// Outbox is one viewer's bounded frame queue. When it is full the oldest
// frame is dropped and the viewer is marked for resynchronization.
type Outbox struct {
	ID     string
	UserID string

	frames  chan Frame
	done    chan struct{}
	once    sync.Once
	stale   atomic.Bool
	dropped atomic.Int64
	logger  *slog.Logger
}

func newOutbox(id, userID string, size int, logger *slog.Logger) *Outbox {
	return &Outbox{
		ID:     id,
		UserID: userID,
		frames: make(chan Frame, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Frames delivers queued frames in publish order.
func (o *Outbox) Frames() <-chan Frame { return o.frames }

// Done is closed when the outbox is unsubscribed or the hub closes.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Dropped returns how many frames were discarded for this viewer.
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }

// Resync reports whether frames were dropped since the last call. The viewer
// should then be sent a full view.
func (o *Outbox) Resync() bool { return o.stale.Swap(false) }

// push is called with the hub lock held, so there is a single producer.
func (o *Outbox) push(f Frame) {
	select {
	case <-o.done:
		return
	default:
	}

	select {
	case o.frames <- f:
		return
	default:
	}

	select {
	case <-o.frames:
		o.dropped.Add(1)
		o.stale.Store(true)
		o.logger.Warn("Viewer outbox full, dropped oldest frame",
			"user_id", o.UserID,
			"outbox_id", o.ID,
			"dropped", o.dropped.Load())
	default:
	}

	select {
	case o.frames <- f:
	default:
		o.dropped.Add(1)
		o.stale.Store(true)
	}
}

func (o *Outbox) close() {
	o.once.Do(func() { close(o.done) })
}
