// Package session multiplexes chat sessions for one user: it gates which
// session is live, buffers the rest, and reconciles a buffer when its session
// becomes active again.
package session

import (
	"time"

	"github.com/ashureev/querymux/internal/domain"
	"github.com/ashureev/querymux/internal/stream"
)

// View is the display state of one session. Live state and buffered state
// share this shape and the same reducer.
type View struct {
	SessionID       string                     `json:"session_id"`
	Messages        []domain.Message           `json:"messages"`
	AccumulatedText string                     `json:"accumulated_text"`
	ReasoningSteps  []domain.ReasoningStep     `json:"reasoning_steps"`
	Citations       map[string]domain.Citation `json:"citations"`
	Status          domain.Status              `json:"status"`
	Preview         *domain.DocumentPreview    `json:"preview"`
}

// Clone returns a deep copy of v.
func (v View) Clone() View {
	out := v
	out.Messages = domain.CloneMessages(v.Messages)
	out.ReasoningSteps = domain.CloneReasoningSteps(v.ReasoningSteps)
	out.Citations = domain.CloneCitations(v.Citations)
	out.Preview = v.Preview.Clone()
	return out
}

// IsLoading reports whether the in-flight response is still loading.
func (v View) IsLoading() bool {
	i := domain.LastResponse(v.Messages)
	return i >= 0 && v.Messages[i].IsLoading
}

// BufferedState is the captured view of an inactive session plus whether its
// preview was captured.
type BufferedState struct {
	View       View
	Preview    domain.PreviewCapture
	LastUpdate time.Time
}

// UpdateKind distinguishes incremental live updates from full resets.
type UpdateKind string

const (
	UpdateEvent UpdateKind = "event"
	UpdateReset UpdateKind = "reset"
)

// LiveUpdate is one change to live state, in the order it was applied. A
// reset carries the full view; an event carries the event that was applied.
type LiveUpdate struct {
	Kind      UpdateKind       `json:"kind"`
	SessionID string           `json:"session_id"`
	Type      stream.EventType `json:"type,omitempty"`
	Event     stream.Event     `json:"event,omitempty"`
	View      *View            `json:"view,omitempty"`
}

func eventUpdate(id string, ev stream.Event) LiveUpdate {
	return LiveUpdate{Kind: UpdateEvent, SessionID: id, Type: ev.Type(), Event: ev}
}

func resetUpdate(v View) LiveUpdate {
	c := v.Clone()
	return LiveUpdate{Kind: UpdateReset, SessionID: v.SessionID, View: &c}
}

// viewFromRecord derives a view from stored messages. The display mirrors
// come from the most recent response.
func viewFromRecord(id string, msgs []domain.Message, status domain.Status) View {
	v := View{SessionID: id, Messages: domain.CloneMessages(msgs), Status: status}
	if i := domain.LastResponse(v.Messages); i >= 0 {
		last := v.Messages[i]
		v.AccumulatedText = last.Text
		v.ReasoningSteps = domain.CloneReasoningSteps(last.ReasoningSteps)
		v.Citations = domain.CloneCitations(last.Citations)
		v.Preview = last.Preview.Clone()
	}
	if v.Status == "" {
		v.Status = domain.StatusIdle
	}
	return v
}

// apply folds ev into v. Events address their response by message id; the
// display mirrors only follow the in-flight (last) response. Events for a
// response v does not hold are dropped.
func apply(v *View, ev stream.Event, window time.Duration) {
	if e, ok := ev.(stream.Submitted); ok {
		v.Messages = append(v.Messages, e.Query.Clone(), e.Response.Clone())
		v.AccumulatedText = ""
		v.ReasoningSteps = nil
		v.Citations = nil
		v.Status = domain.StatusLoading
		return
	}

	i := domain.FindMessage(v.Messages, ev.Head().MessageID)
	if i < 0 || v.Messages[i].Role != domain.RoleResponse {
		return
	}
	msg := &v.Messages[i]
	inFlight := i == domain.LastResponse(v.Messages)

	switch e := ev.(type) {
	case stream.TextAppended:
		msg.Text += e.Block
		if inFlight {
			v.AccumulatedText += e.Block
			v.Status = domain.StatusStreaming
		}
	case stream.CitationAdded:
		msg.Citations = domain.MergeCitation(msg.Citations, e.Key, e.Citation)
		if inFlight {
			v.Citations = domain.MergeCitation(v.Citations, e.Key, e.Citation)
		}
	case stream.ReasoningStepAdded:
		msg.ReasoningSteps, _ = domain.MergeReasoningStep(msg.ReasoningSteps, e.Step, window)
		if inFlight {
			v.ReasoningSteps, _ = domain.MergeReasoningStep(v.ReasoningSteps, e.Step, window)
		}
	case stream.PreviewChanged:
		msg.Preview = e.Preview.Clone()
		if inFlight {
			v.Preview = e.Preview.Clone()
		}
	case stream.Completed:
		msg.IsLoading = false
		if e.Text != "" {
			msg.Text = e.Text
		}
		msg.Citations = domain.MergeCitations(msg.Citations, e.Citations)
		if inFlight {
			v.AccumulatedText = msg.Text
			v.Citations = domain.MergeCitations(v.Citations, e.Citations)
			v.Status = domain.StatusCompleted
		}
	case stream.Failed:
		msg.IsLoading = false
		msg.Failure = &domain.Failure{Kind: e.Kind, Message: e.Message}
		if inFlight {
			v.Status = domain.StatusFailed
		}
	case stream.Cancelled:
		msg.IsLoading = false
		if inFlight {
			v.Status = domain.StatusCancelled
		}
	}
}
