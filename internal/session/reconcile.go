package session

import (
	"time"

	"github.com/ashureev/querymux/internal/domain"
)

// reconcileLocked folds the buffer of id into live state and consumes it.
// Without a buffer live state is left alone, so a second call is a no-op.
func (r *Registry) reconcileLocked(id string) {
	buf, ok := r.buffers[id]
	if !ok {
		return
	}
	delete(r.buffers, id)
	r.live = reconcile(r.live, buf, r.window)
}

// reconcile merges a buffered view into live. The buffer's messages and
// status are authoritative. Steps and citations are unioned with live when
// both describe the same in-flight response.
func reconcile(live View, buf *BufferedState, window time.Duration) View {
	out := buf.View.Clone()
	out.SessionID = live.SessionID

	if sameInFlight(live, buf.View) {
		out.ReasoningSteps = domain.UnionReasoningSteps(buf.View.ReasoningSteps, live.ReasoningSteps, window)
		out.Citations = domain.MergeCitations(domain.CloneCitations(live.Citations), buf.View.Citations)
	}

	if i := domain.LastResponse(out.Messages); i >= 0 && out.Messages[i].Text == "" && out.AccumulatedText != "" {
		out.Messages[i].Text = out.AccumulatedText
	}
	out.Preview = buf.Preview.Restore(live.Preview)
	return out
}

func sameInFlight(a, b View) bool {
	i, j := domain.LastResponse(a.Messages), domain.LastResponse(b.Messages)
	if i < 0 || j < 0 {
		return i == j
	}
	return a.Messages[i].ID == b.Messages[j].ID
}
