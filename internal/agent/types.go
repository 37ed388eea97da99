// Package agent talks to the document QA agent that produces answer streams.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ashureev/querymux/internal/domain"
)

// QueryRequest asks the agent to answer one query.
type QueryRequest struct {
	SessionID   string   `json:"session_id"`
	MessageID   string   `json:"message_id"`
	UserID      string   `json:"user_id,omitempty"`
	Query       string   `json:"query"`
	Attachments []string `json:"attachments,omitempty"`
}

// FrameType names the kind of payload a Frame carries.
type FrameType string

const (
	FrameToken         FrameType = "token"
	FrameReasoningStep FrameType = "reasoning_step"
	FrameCitation      FrameType = "citation"
	FrameAgentAction   FrameType = "agent_action"
	FrameComplete      FrameType = "complete"
	FrameError         FrameType = "error"
	// FrameEnd is never sent on the wire; consumers synthesize it when a
	// stream closes without a complete or error frame.
	FrameEnd FrameType = "end"
)

// Frame is one push from the agent. Exactly one payload field is set,
// matching Type.
type Frame struct {
	Type     FrameType
	Token    string
	Step     *ReasoningStepPayload
	Citation *CitationPayload
	Action   *AgentActionPayload
	Complete *CompletePayload
	Error    *ErrorPayload
	// Err holds a transport failure. It is never serialized.
	Err error
}

// ReasoningStepPayload is the wire form of a reasoning step.
type ReasoningStepPayload struct {
	Step       string         `json:"step"`
	ActionType string         `json:"action_type,omitempty"`
	Message    string         `json:"message"`
	Count      int            `json:"count,omitempty"`
	Status     string         `json:"status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// CitationKey is a citation number that may arrive as a JSON number or string.
type CitationKey string

// UnmarshalJSON accepts 3, 3.0 and "3".
func (k *CitationKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = CitationKey(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("citation number: %w", err)
	}
	*k = CitationKey(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// Number returns the numeric value, or 0 when the key is not numeric.
func (k CitationKey) Number() int {
	n, err := strconv.Atoi(string(k))
	if err != nil {
		return 0
	}
	return n
}

// CitationData describes where a citation points.
type CitationData struct {
	DocID    string       `json:"doc_id,omitempty"`
	Page     int          `json:"page,omitempty"`
	BBox     *domain.BBox `json:"bbox,omitempty"`
	Method   string       `json:"method,omitempty"`
	BlockID  string       `json:"block_id,omitempty"`
	Filename string       `json:"filename,omitempty"`
}

// Citation converts d into a domain citation with the given number.
func (d CitationData) Citation(number int) domain.Citation {
	c := domain.Citation{
		Number:   number,
		DocID:    d.DocID,
		Page:     d.Page,
		Method:   d.Method,
		BlockID:  d.BlockID,
		Filename: d.Filename,
	}
	if d.BBox != nil {
		bb := *d.BBox
		c.BBox = &bb
	}
	return c
}

// CitationPayload is the wire form of a single citation.
type CitationPayload struct {
	CitationNumber CitationKey  `json:"citation_number"`
	Data           CitationData `json:"data"`
}

// AgentActionPayload is a UI-affecting action requested by the agent.
type AgentActionPayload struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// CompletePayload ends a successful stream.
type CompletePayload struct {
	Summary   string                  `json:"summary"`
	Citations map[string]CitationData `json:"citations,omitempty"`
}

// ErrorPayload ends a failed stream.
type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
