// Package domain holds the chat model shared by streams, registries and the store.
package domain

import (
	"slices"
	"time"
)

// Role tags a Message as one side of the Query | Response union.
type Role string

const (
	RoleQuery    Role = "query"
	RoleResponse Role = "response"
)

// Status is the display status of a session's in-flight response.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further events are expected for the response.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureKind classifies why a response stopped early.
type FailureKind string

const (
	FailureNetworkInterrupted FailureKind = "network_interrupted"
	FailureQueryRejected      FailureKind = "query_rejected"
	FailureUnknown            FailureKind = "unknown_failure"
)

// Failure is attached to a response that ended in error.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Message is either a user query or an assistant response, tagged by Role.
// Only responses carry loading state, citations, reasoning steps and a preview.
type Message struct {
	ID             string              `json:"id"`
	Role           Role                `json:"role"`
	Text           string              `json:"text"`
	Attachments    []string            `json:"attachments,omitempty"`
	IsLoading      bool                `json:"is_loading"`
	Citations      map[string]Citation `json:"citations,omitempty"`
	ReasoningSteps []ReasoningStep     `json:"reasoning_steps,omitempty"`
	Preview        *DocumentPreview    `json:"preview,omitempty"`
	Failure        *Failure            `json:"failure,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// NewQuery builds the user side of an exchange.
func NewQuery(id, text string, attachments []string, at time.Time) Message {
	return Message{
		ID:          id,
		Role:        RoleQuery,
		Text:        text,
		Attachments: slices.Clone(attachments),
		CreatedAt:   at,
	}
}

// NewResponse builds an empty, loading response.
func NewResponse(id string, at time.Time) Message {
	return Message{
		ID:        id,
		Role:      RoleResponse,
		IsLoading: true,
		CreatedAt: at,
	}
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	out.Attachments = slices.Clone(m.Attachments)
	out.Citations = CloneCitations(m.Citations)
	out.ReasoningSteps = CloneReasoningSteps(m.ReasoningSteps)
	out.Preview = m.Preview.Clone()
	if m.Failure != nil {
		f := *m.Failure
		out.Failure = &f
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// LastResponse returns the index of the most recent response, or -1.
func LastResponse(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleResponse {
			return i
		}
	}
	return -1
}

// FindMessage returns the index of the message with the given id, or -1.
func FindMessage(msgs []Message, id string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
