package domain

import (
	"maps"
	"time"
)

// ActionReading marks a step that reads a single document.
const ActionReading = "reading"

// DefaultDedupWindow is how close two identical steps must be to collapse.
const DefaultDedupWindow = 500 * time.Millisecond

// ReasoningStep is one progress/trace event emitted while the agent works.
type ReasoningStep struct {
	Step       string         `json:"step"`
	ActionType string         `json:"action_type,omitempty"`
	Message    string         `json:"message"`
	Count      int            `json:"count,omitempty"`
	Status     string         `json:"status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DocumentID returns the document a step refers to, if any.
func (s ReasoningStep) DocumentID() string {
	for _, key := range []string{"doc_id", "document_id", "docId"} {
		if v, ok := s.Details[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (s ReasoningStep) sameDocumentRead(other ReasoningStep) bool {
	if s.ActionType != ActionReading || other.ActionType != ActionReading {
		return false
	}
	id := s.DocumentID()
	return id != "" && id == other.DocumentID()
}

// Duplicates reports whether next is a repeat of s under the dedup rule: the
// same (step, message) within window, or a read of the same document.
func (s ReasoningStep) Duplicates(next ReasoningStep, window time.Duration) bool {
	if s.sameDocumentRead(next) {
		return true
	}
	if s.Step != next.Step || s.Message != next.Message {
		return false
	}
	gap := next.Timestamp.Sub(s.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}

// MergeReasoningStep appends next to steps unless it duplicates an existing
// entry. A repeated read of the same document updates the existing entry's
// status and count in place. The bool reports whether steps changed.
func MergeReasoningStep(steps []ReasoningStep, next ReasoningStep, window time.Duration) ([]ReasoningStep, bool) {
	for i := range steps {
		if !steps[i].Duplicates(next, window) {
			continue
		}
		if !steps[i].sameDocumentRead(next) {
			return steps, false
		}
		changed := false
		if next.Status != "" && next.Status != steps[i].Status {
			steps[i].Status = next.Status
			changed = true
		}
		if next.Count != 0 && next.Count != steps[i].Count {
			steps[i].Count = next.Count
			changed = true
		}
		return steps, changed
	}
	return append(steps, next), true
}

// UnionReasoningSteps adds the entries of extra that base does not already
// cover. Entries in base always win, so a stale copy never overwrites a newer
// in-place update.
func UnionReasoningSteps(base, extra []ReasoningStep, window time.Duration) []ReasoningStep {
	out := CloneReasoningSteps(base)
	for _, e := range extra {
		covered := false
		for _, b := range out {
			if b.Duplicates(e, window) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, e)
		}
	}
	return out
}

// CloneReasoningSteps deep-copies a step list.
func CloneReasoningSteps(steps []ReasoningStep) []ReasoningStep {
	if steps == nil {
		return nil
	}
	out := make([]ReasoningStep, len(steps))
	for i, s := range steps {
		s.Details = maps.Clone(s.Details)
		out[i] = s
	}
	return out
}
