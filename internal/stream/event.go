package stream

import "github.com/ashureev/querymux/internal/domain"

// EventType names an Event variant on the wire.
type EventType string

const (
	TypeSubmitted          EventType = "submitted"
	TypeTextAppended       EventType = "text_appended"
	TypeCitationAdded      EventType = "citation_added"
	TypeReasoningStepAdded EventType = "reasoning_step_added"
	TypePreviewChanged     EventType = "preview_changed"
	TypeCompleted          EventType = "completed"
	TypeFailed             EventType = "failed"
	TypeCancelled          EventType = "cancelled"
)

// Header names the session and response an event belongs to.
type Header struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// Head returns the header itself so embedding types satisfy Event.
func (h Header) Head() Header { return h }

func (Header) sealed() {}

// Event is the closed set of normalized session events. Only types in this
// package implement it.
type Event interface {
	Head() Header
	Type() EventType
	sealed()
}

// Submitted opens an exchange: the user's query and an empty loading response.
type Submitted struct {
	Header
	Query    domain.Message `json:"query"`
	Response domain.Message `json:"response"`
}

// TextAppended carries one render-safe markdown block.
type TextAppended struct {
	Header
	Block string `json:"block"`
}

// CitationAdded merges a citation under Key.
type CitationAdded struct {
	Header
	Key      string          `json:"key"`
	Citation domain.Citation `json:"citation"`
}

// ReasoningStepAdded carries a new step or an in-place update of a reading step.
type ReasoningStepAdded struct {
	Header
	Step domain.ReasoningStep `json:"step"`
}

// PreviewChanged points the document preview somewhere, or clears it when nil.
type PreviewChanged struct {
	Header
	Preview *domain.DocumentPreview `json:"preview"`
}

// Completed ends the response with its final text and citations.
type Completed struct {
	Header
	Text      string                     `json:"text"`
	Citations map[string]domain.Citation `json:"citations,omitempty"`
}

// Failed ends the response with an error. Text already applied is kept.
type Failed struct {
	Header
	Kind    domain.FailureKind `json:"kind"`
	Message string             `json:"message"`
}

// Cancelled ends the response at the user's request. Text already applied is kept.
type Cancelled struct {
	Header
}

func (Submitted) Type() EventType          { return TypeSubmitted }
func (TextAppended) Type() EventType       { return TypeTextAppended }
func (CitationAdded) Type() EventType      { return TypeCitationAdded }
func (ReasoningStepAdded) Type() EventType { return TypeReasoningStepAdded }
func (PreviewChanged) Type() EventType     { return TypePreviewChanged }
func (Completed) Type() EventType          { return TypeCompleted }
func (Failed) Type() EventType             { return TypeFailed }
func (Cancelled) Type() EventType          { return TypeCancelled }

// Terminal reports whether ev ends its response.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Envelope is the JSON shape of an event for viewers.
type Envelope struct {
	Type  EventType `json:"type"`
	Event Event     `json:"event"`
}

// Wrap builds the envelope for ev.
func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.Type(), Event: ev}
}
