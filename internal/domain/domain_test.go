package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMergeCitationIdempotent(t *testing.T) {
	a := Citation{Number: 1, DocID: "doc-a", Page: 3, Method: "bbox"}

	once := MergeCitation(nil, "1", a)
	twice := MergeCitation(MergeCitation(nil, "1", a), "1", a)

	require.Equal(t, once, twice)
}

func TestMergeCitationCommutesAcrossKeys(t *testing.T) {
	one := Citation{Number: 1, DocID: "doc-a"}
	two := Citation{Number: 2, DocID: "doc-b", Page: 7}

	ab := MergeCitation(MergeCitation(nil, "1", one), "2", two)
	ba := MergeCitation(MergeCitation(nil, "2", two), "1", one)

	require.Equal(t, ab, ba)
}

func TestMergeCitationPreservesFields(t *testing.T) {
	got := MergeCitation(nil, "1", Citation{Number: 1, DocID: "doc-a", Page: 2, Filename: "a.pdf"})
	got = MergeCitation(got, "1", Citation{BBox: &BBox{X0: 0.1, Y0: 0.2, X1: 0.3, Y1: 0.4}})

	c := got["1"]
	require.Equal(t, "doc-a", c.DocID)
	require.Equal(t, 2, c.Page)
	require.Equal(t, "a.pdf", c.Filename)
	require.NotNil(t, c.BBox)
	require.InDelta(t, 0.3, c.BBox.X1, 1e-9)
}

func TestMergeCitationsNeverDrops(t *testing.T) {
	dst := map[string]Citation{"1": {Number: 1}, "2": {Number: 2}}
	dst = MergeCitations(dst, map[string]Citation{"3": {Number: 3}})
	require.Len(t, dst, 3)
}

func TestBBoxAcceptsArrayForm(t *testing.T) {
	var c Citation
	require.NoError(t, json.Unmarshal([]byte(`{"number":1,"bbox":[0.1,0.2,0.5,0.6]}`), &c))
	require.NotNil(t, c.BBox)
	require.InDelta(t, 0.5, c.BBox.X1, 1e-9)

	require.Error(t, json.Unmarshal([]byte(`{"bbox":[1,2]}`), &c))
}

func TestReasoningDedupWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	first := ReasoningStep{Step: "search", Message: "Searching documents", Timestamp: base}

	tests := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{"within window collapses", 400 * time.Millisecond, 1},
		{"at window collapses", 500 * time.Millisecond, 1},
		{"beyond window kept", 600 * time.Millisecond, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, _ := MergeReasoningStep(nil, first, DefaultDedupWindow)
			next := first
			next.Timestamp = base.Add(tt.gap)
			steps, _ = MergeReasoningStep(steps, next, DefaultDedupWindow)
			require.Len(t, steps, tt.want)
		})
	}
}

func TestReasoningDedupReadingSameDocument(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	read := func(msg, status string, at time.Duration) ReasoningStep {
		return ReasoningStep{
			Step:       "read",
			ActionType: ActionReading,
			Message:    msg,
			Status:     status,
			Details:    map[string]any{"doc_id": "doc-1"},
			Timestamp:  base.Add(at),
		}
	}

	steps, changed := MergeReasoningStep(nil, read("Reading report.pdf", "in_progress", 0), DefaultDedupWindow)
	require.True(t, changed)
	steps, changed = MergeReasoningStep(steps, read("Reading page 4", "done", 5*time.Second), DefaultDedupWindow)
	require.True(t, changed)

	require.Len(t, steps, 1)
	require.Equal(t, "done", steps[0].Status)
	require.Equal(t, "Reading report.pdf", steps[0].Message)

	other := read("Reading other.pdf", "in_progress", 6*time.Second)
	other.Details = map[string]any{"doc_id": "doc-2"}
	steps, _ = MergeReasoningStep(steps, other, DefaultDedupWindow)
	require.Len(t, steps, 2)
}

func TestUnionReasoningStepsKeepsBase(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fresh := ReasoningStep{Step: "read", ActionType: ActionReading, Status: "done", Details: map[string]any{"doc_id": "d"}, Timestamp: base}
	stale := fresh
	stale.Status = "in_progress"
	extra := ReasoningStep{Step: "answer", Message: "Drafting", Timestamp: base.Add(time.Second)}

	got := UnionReasoningSteps([]ReasoningStep{fresh}, []ReasoningStep{stale, extra}, DefaultDedupWindow)

	require.Len(t, got, 2)
	require.Equal(t, "done", got[0].Status)
	require.Equal(t, "answer", got[1].Step)
}

func TestPreviewCaptureRestore(t *testing.T) {
	current := &DocumentPreview{DocID: "stale"}
	shown := &DocumentPreview{DocID: "doc-1", Page: 2}

	require.Equal(t, "doc-1", CapturePreview(shown).Restore(current).DocID)
	require.Nil(t, CapturePreview(nil).Restore(current))
	require.Same(t, current, PreviewCapture{}.Restore(current))
}

func TestLastExchange(t *testing.T) {
	now := time.Now()
	snap := SessionSnapshot{Messages: []Message{
		NewQuery("q1", "first", nil, now),
		NewResponse("r1", now),
		NewQuery("q2", "second", nil, now),
		NewResponse("r2", now),
	}}

	q, r := snap.LastExchange()
	require.Equal(t, "q2", q.ID)
	require.Equal(t, "r2", r.ID)
}
