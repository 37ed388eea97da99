// Package stream drives a single query's response. Transport callbacks are
// serialized through an inbox and republished as normalized events on one
// typed channel per stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/querymux/internal/agent"
	"github.com/ashureev/querymux/internal/domain"
	"github.com/ashureev/querymux/internal/markdown"
)

var errNoTransport = errors.New("no agent transport configured")

// Options tunes a stream. Zero fields take the defaults. RequestTimeout
// bounds the transport call; zero means no limit.
type Options struct {
	DedupWindow       time.Duration
	LongLineThreshold int
	FlushTimeout      time.Duration
	FlushPoll         time.Duration
	EventBuffer       int
	RequestTimeout    time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

// DefaultOptions returns the stream defaults.
func DefaultOptions() Options {
	return Options{
		DedupWindow:       domain.DefaultDedupWindow,
		LongLineThreshold: markdown.DefaultLongLineThreshold,
		FlushTimeout:      2 * time.Second,
		FlushPoll:         100 * time.Millisecond,
		EventBuffer:       256,
		Now:               time.Now,
		Logger:            slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DedupWindow <= 0 {
		o.DedupWindow = d.DedupWindow
	}
	if o.LongLineThreshold <= 0 {
		o.LongLineThreshold = d.LongLineThreshold
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = d.FlushTimeout
	}
	if o.FlushPoll <= 0 {
		o.FlushPoll = d.FlushPoll
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}

// State is the lifecycle of the response a stream produces.
type State int32

const (
	StateEmpty State = iota
	StatePartial
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "loading_empty"
	case StatePartial:
		return "loading_partial"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Stream owns one response. Callbacks may be invoked from any goroutine; they
// are applied one at a time in arrival order by the stream's loop.
type Stream struct {
	head   Header
	opts   Options
	logger *slog.Logger
	asm    *markdown.Assembler

	inbox  chan *agent.Frame
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	// Owned by loop.
	text      strings.Builder
	citations map[string]domain.Citation
	steps     []domain.ReasoningStep
}

// New starts a stream for the response identified by head. Cancelling parent
// cancels the stream.
func New(parent context.Context, head Header, opts Options) *Stream {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		head:   head,
		opts:   opts,
		logger: opts.Logger.With("session_id", head.SessionID, "message_id", head.MessageID),
		asm:    markdown.NewAssembler(markdown.Options{LongLineThreshold: opts.LongLineThreshold}),
		inbox:  make(chan *agent.Frame, opts.EventBuffer),
		events: make(chan Event, opts.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Header identifies the stream's session and response.
func (s *Stream) Header() Header { return s.head }

// SessionID returns the owning session.
func (s *Stream) SessionID() string { return s.head.SessionID }

// Events is closed after the terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed once the stream has emitted its terminal event.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

// Cancel stops the stream. Frames delivered before the call are still
// applied; anything after is dropped.
func (s *Stream) Cancel() { s.cancel() }

// OnToken delivers a text fragment.
func (s *Stream) OnToken(text string) {
	s.Deliver(&agent.Frame{Type: agent.FrameToken, Token: text})
}

// OnReasoningStep delivers a reasoning step.
func (s *Stream) OnReasoningStep(p agent.ReasoningStepPayload) {
	s.Deliver(&agent.Frame{Type: agent.FrameReasoningStep, Step: &p})
}

// OnCitation delivers a citation.
func (s *Stream) OnCitation(p agent.CitationPayload) {
	s.Deliver(&agent.Frame{Type: agent.FrameCitation, Citation: &p})
}

// OnAgentAction delivers an agent action.
func (s *Stream) OnAgentAction(p agent.AgentActionPayload) {
	s.Deliver(&agent.Frame{Type: agent.FrameAgentAction, Action: &p})
}

// OnComplete ends the response successfully.
func (s *Stream) OnComplete(p agent.CompletePayload) {
	s.Deliver(&agent.Frame{Type: agent.FrameComplete, Complete: &p})
}

// OnError ends the response with an agent-reported error.
func (s *Stream) OnError(message string) {
	s.Deliver(&agent.Frame{Type: agent.FrameError, Error: &agent.ErrorPayload{Message: message}})
}

func (s *Stream) fail(err error) {
	s.Deliver(&agent.Frame{Type: agent.FrameError, Err: err})
}

// Deliver queues a frame for the loop. It is a no-op once the stream is
// cancelled or finished.
func (s *Stream) Deliver(f *agent.Frame) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.inbox <- f:
	case <-s.ctx.Done():
	case <-s.done:
	}
}

// Run drives t for req until the transport finishes or the stream is
// cancelled. Transport errors become a Failed event. An empty query is
// rejected without contacting the agent.
func (s *Stream) Run(t agent.Transport, req agent.QueryRequest) {
	if strings.TrimSpace(req.Query) == "" {
		s.fail(ErrEmptyQuery)
		return
	}
	if t == nil {
		s.fail(errNoTransport)
		return
	}
	ctx := s.ctx
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	for frame, err := range t.Query(ctx, req) {
		if err != nil {
			s.fail(err)
			return
		}
		s.Deliver(frame)
	}
	s.Deliver(&agent.Frame{Type: agent.FrameEnd})
}

func (s *Stream) loop() {
	// Released once the terminal event is out, so the transport stops and the
	// stream detaches from its parent.
	defer s.cancel()
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case <-s.ctx.Done():
			s.finishCancelled()
			return
		case f := <-s.inbox:
			if s.ctx.Err() != nil {
				if nonTerminal(f.Type) {
					s.handle(f)
				}
				s.finishCancelled()
				return
			}
			if s.handle(f) {
				return
			}
		}
	}
}

// handle applies one frame and reports whether the stream reached a terminal state.
func (s *Stream) handle(f *agent.Frame) bool {
	switch f.Type {
	case agent.FrameToken:
		s.appendBlocks(s.asm.Feed(f.Token))
	case agent.FrameReasoningStep:
		s.addStep(f.Step)
	case agent.FrameCitation:
		s.addCitation(f.Citation)
	case agent.FrameAgentAction:
		s.applyAction(f.Action)
	case agent.FrameComplete:
		s.complete(f.Complete)
		return true
	case agent.FrameEnd:
		s.complete(nil)
		return true
	case agent.FrameError:
		s.failWith(f)
		return true
	default:
		s.logger.Debug("Ignoring unknown frame", "type", f.Type)
	}
	return false
}

func nonTerminal(t agent.FrameType) bool {
	switch t {
	case agent.FrameToken, agent.FrameReasoningStep, agent.FrameCitation, agent.FrameAgentAction:
		return true
	}
	return false
}

// settle keeps applying late frames after completion until a poll interval
// passes with nothing new, or the flush timeout expires.
func (s *Stream) settle() {
	timeout := time.NewTimer(s.opts.FlushTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(s.opts.FlushPoll)
	defer poll.Stop()

	active := false
	for {
		select {
		case f := <-s.inbox:
			if nonTerminal(f.Type) {
				s.handle(f)
				active = true
			}
		case <-poll.C:
			if !active {
				return
			}
			active = false
		case <-timeout.C:
			s.logger.Debug("Flush timeout reached", "pending_len", len(s.asm.Pending()))
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) complete(p *agent.CompletePayload) {
	s.settle()
	if s.ctx.Err() != nil {
		s.finishCancelled()
		return
	}
	s.appendBlocks(s.asm.Flush())

	text := s.text.String()
	if p != nil {
		for key, data := range p.Citations {
			s.citations = domain.MergeCitation(s.citations, key, data.Citation(agent.CitationKey(key).Number()))
		}
		if text == "" {
			text = p.Summary
		}
	}
	s.state.Store(int32(StateCompleted))
	s.emit(Completed{Header: s.head, Text: text, Citations: domain.CloneCitations(s.citations)})
}

func (s *Stream) failWith(f *agent.Frame) {
	s.appendBlocks(s.asm.Flush())

	var kind domain.FailureKind
	var msg string
	if f.Err != nil {
		kind, msg = Classify(f.Err)
		s.logger.Warn("Agent stream failed", "error", f.Err, "kind", kind)
	} else {
		raw := ""
		wireKind := ""
		if f.Error != nil {
			raw, wireKind = f.Error.Message, f.Error.Kind
		}
		kind = kindFromWire(wireKind, raw)
		msg = messageFor(kind)
		s.logger.Warn("Agent reported error", "message", raw, "kind", kind)
	}
	s.state.Store(int32(StateFailed))
	s.emit(Failed{Header: s.head, Kind: kind, Message: msg})
}

// finishCancelled applies frames that arrived before cancellation, releases
// pending text and emits Cancelled.
func (s *Stream) finishCancelled() {
drain:
	for {
		select {
		case f := <-s.inbox:
			if nonTerminal(f.Type) {
				s.handle(f)
			}
		default:
			break drain
		}
	}
	s.appendBlocks(s.asm.Flush())
	s.state.Store(int32(StateCancelled))
	s.emit(Cancelled{Header: s.head})
}

func (s *Stream) emit(ev Event) {
	s.events <- ev
}

func (s *Stream) appendBlocks(blocks []string) {
	for _, b := range blocks {
		if b == "" {
			continue
		}
		s.text.WriteString(b)
		s.state.CompareAndSwap(int32(StateEmpty), int32(StatePartial))
		s.emit(TextAppended{Header: s.head, Block: b})
	}
}

func (s *Stream) addStep(p *agent.ReasoningStepPayload) {
	if p == nil {
		return
	}
	step := domain.ReasoningStep{
		Step:       p.Step,
		ActionType: p.ActionType,
		Message:    p.Message,
		Count:      p.Count,
		Status:     p.Status,
		Details:    maps.Clone(p.Details),
		Timestamp:  s.opts.Now(),
	}
	steps, changed := domain.MergeReasoningStep(s.steps, step, s.opts.DedupWindow)
	s.steps = steps
	if changed {
		s.emit(ReasoningStepAdded{Header: s.head, Step: step})
	}
}

func (s *Stream) addCitation(p *agent.CitationPayload) {
	if p == nil || p.CitationNumber == "" {
		s.logger.Debug("Dropping citation without number")
		return
	}
	key := string(p.CitationNumber)
	c := p.Data.Citation(p.CitationNumber.Number())
	s.citations = domain.MergeCitation(s.citations, key, c)
	s.emit(CitationAdded{Header: s.head, Key: key, Citation: c})
}

func (s *Stream) applyAction(p *agent.AgentActionPayload) {
	if p == nil {
		return
	}
	preview, ok := previewFromAction(p)
	if !ok {
		s.logger.Debug("Ignoring agent action", "action", p.Action)
		return
	}
	s.emit(PreviewChanged{Header: s.head, Preview: preview})
}

// previewFromAction maps document navigation actions onto the preview.
// The bool is false for actions that do not touch the preview.
func previewFromAction(a *agent.AgentActionPayload) (*domain.DocumentPreview, bool) {
	switch a.Action {
	case "open_document", "show_document", "open_preview", "navigate_to_page", "highlight_citation":
		docID := stringParam(a.Params, "doc_id", "document_id", "docId")
		if docID == "" {
			return nil, false
		}
		p := &domain.DocumentPreview{
			DocID:    docID,
			Page:     intParam(a.Params, "page", "page_number"),
			Filename: stringParam(a.Params, "filename"),
		}
		if raw, ok := a.Params["bbox"]; ok {
			p.BBox = bboxParam(raw)
		}
		return p, true
	case "close_document", "close_preview":
		return nil, true
	}
	return nil, false
}

func stringParam(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intParam(params map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := params[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func bboxParam(raw any) *domain.BBox {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var bb domain.BBox
	if err := json.Unmarshal(data, &bb); err != nil {
		return nil
	}
	return &bb
}
