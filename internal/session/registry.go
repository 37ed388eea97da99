package session

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/querymux/internal/agent"
	"github.com/ashureev/querymux/internal/domain"
	"github.com/ashureev/querymux/internal/stream"
)

var (
	// ErrSessionNotFound is returned for ids the registry does not hold.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID rejects an empty session id.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrClosed is returned once the registry has been closed.
	ErrClosed = errors.New("registry closed")
)

const maxTitleRunes = 60

// Options configures a Registry. Sessions and ActiveID seed its initial state.
type Options struct {
	UserID    string
	Transport agent.Transport
	Stream    stream.Options
	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger

	// OnLive is called under the registry lock, in order, for every change to
	// live state. It must not call back into the registry.
	OnLive func(LiveUpdate)
	// OnSettled is called after the response messageID reaches a terminal state.
	OnSettled func(snap domain.SessionSnapshot, messageID string)
	// OnDeleted is called after an explicit delete.
	OnDeleted func(userID, sessionID string)

	Sessions []domain.SessionSnapshot
	ActiveID string
}

// Session is the registry's record of one chat.
type Session struct {
	ID        string
	Title     string
	Messages  []domain.Message
	Status    domain.Status
	CreatedAt time.Time
	UpdatedAt time.Time

	stream *stream.Stream
}

// Summary is the list form of a session.
type Summary struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Status    domain.Status `json:"status"`
	Active    bool          `json:"active"`
	Streaming bool          `json:"streaming"`
	Messages  int           `json:"message_count"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Registry owns every session of one user: which one is live, the live view,
// and the buffers of the others. All state is guarded by one mutex.
type Registry struct {
	opts   Options
	logger *slog.Logger
	window time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	buffers  map[string]*BufferedState
	activeID string
	live     View
}

// NewRegistry builds a registry and restores opts.Sessions into it.
func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}
	window := opts.Stream.DedupWindow
	if window <= 0 {
		window = domain.DefaultDedupWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:     opts,
		logger:   opts.Logger.With("user_id", opts.UserID),
		window:   window,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		buffers:  make(map[string]*BufferedState),
	}
	for _, snap := range opts.Sessions {
		r.restoreLocked(snap)
	}
	if sess, ok := r.sessions[opts.ActiveID]; ok {
		r.setActiveLocked(sess, false)
	}
	return r
}

// UserID returns the owner of the registry.
func (r *Registry) UserID() string { return r.opts.UserID }

// ActiveID returns the live session, or "".
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// IsActive reports whether id is the live session.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id != "" && id == r.activeID
}

// Live returns a copy of the live view.
func (r *Registry) Live() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live.Clone()
}

// Resync republishes the live view as a reset, in order with other live
// updates. Viewers that connect or fall behind use it to catch up.
func (r *Registry) Resync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.publishLocked(resetUpdate(r.live))
}

// SetActive makes id the live session. The outgoing session is captured into
// its buffer and the incoming one is reconciled from its buffer.
func (r *Registry) SetActive(id string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return View{}, ErrSessionNotFound
	}
	if id != r.activeID {
		r.setActiveLocked(sess, false)
	}
	return r.live.Clone(), nil
}

// NewChat leaves the current session running in the background and makes a
// fresh, empty session live. The preview is cleared.
func (r *Registry) NewChat() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	now := r.opts.Now()
	sess := &Session{ID: r.opts.NewID(), Status: domain.StatusIdle, CreatedAt: now, UpdatedAt: now}
	r.sessions[sess.ID] = sess
	r.setActiveLocked(sess, true)
	return sess.ID, nil
}

func (r *Registry) setActiveLocked(sess *Session, clearPreview bool) {
	r.captureLocked()

	preview := r.live.Preview
	if clearPreview {
		preview = nil
	}
	r.activeID = sess.ID
	r.live = viewFromRecord(sess.ID, sess.Messages, sess.Status)
	r.live.Preview = preview
	r.reconcileLocked(sess.ID)

	r.logger.Debug("Session activated", "session_id", sess.ID, "status", r.live.Status)
	r.publishLocked(resetUpdate(r.live))
}

// captureLocked snapshots the live session into its buffer.
func (r *Registry) captureLocked() {
	sess, ok := r.sessions[r.activeID]
	if !ok {
		return
	}
	sess.Messages = domain.CloneMessages(r.live.Messages)
	sess.Status = r.live.Status
	r.buffers[sess.ID] = &BufferedState{
		View:       r.live.Clone(),
		Preview:    domain.CapturePreview(r.live.Preview),
		LastUpdate: r.opts.Now(),
	}
}

// Route applies ev to live state if id is active, otherwise to id's buffer.
// Events for unknown or deleted sessions are dropped.
func (r *Registry) Route(id string, ev stream.Event) {
	r.mu.Lock()
	snap, settled := r.routeLocked(id, ev)
	r.mu.Unlock()

	if settled && r.opts.OnSettled != nil {
		r.opts.OnSettled(snap, ev.Head().MessageID)
	}
}

func (r *Registry) routeLocked(id string, ev stream.Event) (domain.SessionSnapshot, bool) {
	sess, ok := r.sessions[id]
	if !ok {
		r.logger.Debug("Dropping event for unknown session", "session_id", id, "type", ev.Type())
		return domain.SessionSnapshot{}, false
	}
	now := r.opts.Now()
	sess.UpdatedAt = now

	if id == r.activeID {
		apply(&r.live, ev, r.window)
		r.publishLocked(eventUpdate(id, ev))
	} else {
		buf := r.bufferLocked(sess)
		apply(&buf.View, ev, r.window)
		if pc, ok := ev.(stream.PreviewChanged); ok {
			buf.Preview = domain.CapturePreview(pc.Preview)
		}
		buf.LastUpdate = now
	}

	if !stream.Terminal(ev) {
		return domain.SessionSnapshot{}, false
	}
	return r.snapshotLocked(sess), true
}

// bufferLocked returns the buffer for sess, creating it from the session
// record with the preview never captured.
func (r *Registry) bufferLocked(sess *Session) *BufferedState {
	buf, ok := r.buffers[sess.ID]
	if !ok {
		buf = &BufferedState{View: viewFromRecord(sess.ID, sess.Messages, sess.Status)}
		r.buffers[sess.ID] = buf
	}
	return buf
}

func (r *Registry) publishLocked(u LiveUpdate) {
	if r.opts.OnLive != nil {
		r.opts.OnLive(u)
	}
}

// Submit sends query on session id, creating the session if needed. Any
// response still streaming on that session is cancelled first. It returns the
// id of the new response.
func (r *Registry) Submit(id, query string, attachments []string) (string, error) {
	if id == "" {
		return "", ErrInvalidSessionID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	now := r.opts.Now()
	sess, ok := r.sessions[id]
	if !ok {
		sess = &Session{ID: id, Status: domain.StatusIdle, CreatedAt: now}
		r.sessions[id] = sess
	}
	if sess.Title == "" {
		sess.Title = titleFrom(query)
	}
	if sess.stream != nil {
		sess.stream.Cancel()
	}

	head := stream.Header{SessionID: id, MessageID: r.opts.NewID()}
	r.routeLocked(id, stream.Submitted{
		Header:   head,
		Query:    domain.NewQuery(r.opts.NewID(), query, attachments, now),
		Response: domain.NewResponse(head.MessageID, now),
	})

	s := stream.New(r.ctx, head, r.opts.Stream)
	sess.stream = s
	r.wg.Add(1)
	r.mu.Unlock()

	go r.pump(s)
	go s.Run(r.opts.Transport, agent.QueryRequest{
		SessionID:   id,
		MessageID:   head.MessageID,
		UserID:      r.opts.UserID,
		Query:       query,
		Attachments: slices.Clone(attachments),
	})

	r.logger.Info("Query submitted", "session_id", id, "message_id", head.MessageID)
	return head.MessageID, nil
}

// pump forwards a stream's events to Route in arrival order.
func (r *Registry) pump(s *stream.Stream) {
	defer r.wg.Done()
	id := s.SessionID()
	for ev := range s.Events() {
		r.Route(id, ev)
	}

	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok && sess.stream == s {
		sess.stream = nil
	}
	r.mu.Unlock()
}

// Cancel stops the response streaming on id, if any.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.stream != nil {
		sess.stream.Cancel()
	}
	return nil
}

// Delete cancels and removes id. Later events for it are dropped. Deleting
// the live session clears live state.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.stream != nil {
		sess.stream.Cancel()
	}
	delete(r.sessions, id)
	delete(r.buffers, id)
	if r.activeID == id {
		r.activeID = ""
		r.live = View{}
		r.publishLocked(resetUpdate(r.live))
	}
	r.mu.Unlock()

	r.logger.Info("Session deleted", "session_id", id)
	if r.opts.OnDeleted != nil {
		r.opts.OnDeleted(r.opts.UserID, id)
	}
	return nil
}

// Restore registers a persisted session as inactive. Its buffer never
// captured a preview, so activating it keeps the current preview.
func (r *Registry) Restore(snap domain.SessionSnapshot) error {
	if snap.SessionID == "" {
		return ErrInvalidSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked(snap)
	return nil
}

func (r *Registry) restoreLocked(snap domain.SessionSnapshot) {
	if _, ok := r.sessions[snap.SessionID]; ok || snap.SessionID == "" {
		return
	}

	msgs := domain.CloneMessages(snap.Messages)
	status := snap.Status
	// A response persisted mid-stream has no stream left to finish it.
	for i := range msgs {
		if msgs[i].IsLoading {
			msgs[i].IsLoading = false
			status = domain.StatusCancelled
		}
	}
	sess := &Session{
		ID:        snap.SessionID,
		Title:     snap.Title,
		Messages:  msgs,
		Status:    status,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
	r.sessions[sess.ID] = sess

	v := viewFromRecord(sess.ID, msgs, status)
	v.Citations = domain.MergeCitations(v.Citations, snap.Citations)
	v.ReasoningSteps = domain.UnionReasoningSteps(v.ReasoningSteps, snap.ReasoningSteps, r.window)
	v.Preview = nil
	r.buffers[sess.ID] = &BufferedState{View: v, LastUpdate: snap.UpdatedAt}
}

// Snapshot returns the current state of id, whether live, buffered or stored.
func (r *Registry) Snapshot(id string) (domain.SessionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return domain.SessionSnapshot{}, ErrSessionNotFound
	}
	return r.snapshotLocked(sess), nil
}

func (r *Registry) viewLocked(sess *Session) View {
	if sess.ID == r.activeID {
		return r.live
	}
	if buf, ok := r.buffers[sess.ID]; ok {
		return buf.View
	}
	return viewFromRecord(sess.ID, sess.Messages, sess.Status)
}

func (r *Registry) snapshotLocked(sess *Session) domain.SessionSnapshot {
	v := r.viewLocked(sess)
	return domain.SessionSnapshot{
		UserID:         r.opts.UserID,
		SessionID:      sess.ID,
		Title:          sess.Title,
		Status:         v.Status,
		Messages:       domain.CloneMessages(v.Messages),
		Citations:      domain.CloneCitations(v.Citations),
		ReasoningSteps: domain.CloneReasoningSteps(v.ReasoningSteps),
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}
}

// Sessions lists sessions with messages, plus the live one, newest first.
func (r *Registry) Sessions() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.sessions))
	for _, sess := range r.sessions {
		v := r.viewLocked(sess)
		active := sess.ID == r.activeID
		if len(v.Messages) == 0 && !active {
			continue
		}
		out = append(out, Summary{
			ID:        sess.ID,
			Title:     sess.Title,
			Status:    v.Status,
			Active:    active,
			Streaming: sess.stream != nil,
			Messages:  len(v.Messages),
			UpdatedAt: sess.UpdatedAt,
		})
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Close cancels every stream and waits for their final events to be routed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Debug("Registry closed")
}

func titleFrom(query string) string {
	title := strings.TrimSpace(query)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
