package stream

import (
	"context"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/querymux/internal/agent"
	"github.com/ashureev/querymux/internal/domain"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOptions() Options {
	return Options{
		FlushTimeout: 200 * time.Millisecond,
		FlushPoll:    5 * time.Millisecond,
		EventBuffer:  64,
	}
}

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func textOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ta, ok := ev.(TextAppended); ok {
			b.WriteString(ta.Block)
		}
	}
	return b.String()
}

func count[T Event](events []Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func scripted(frames []*agent.Frame, err error) agent.Transport {
	return agent.TransportFunc(func(ctx context.Context, _ agent.QueryRequest) iter.Seq2[*agent.Frame, error] {
		return func(yield func(*agent.Frame, error) bool) {
			for _, f := range frames {
				if ctx.Err() != nil || !yield(f, nil) {
					return
				}
			}
			if err != nil {
				yield(nil, err)
			}
		}
	})
}

func TestStreamReleasesTransportAfterComplete(t *testing.T) {
	released := make(chan struct{})
	transport := agent.TransportFunc(func(ctx context.Context, _ agent.QueryRequest) iter.Seq2[*agent.Frame, error] {
		return func(yield func(*agent.Frame, error) bool) {
			defer close(released)
			if !yield(&agent.Frame{Type: agent.FrameToken, Token: "Done. "}, nil) {
				return
			}
			if !yield(&agent.Frame{Type: agent.FrameComplete, Complete: &agent.CompletePayload{}}, nil) {
				return
			}
			// An agent that keeps its stream open after complete.
			<-ctx.Done()
		}
	})

	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	go s.Run(transport, agent.QueryRequest{Query: "q"})

	events := collect(t, s)
	require.Equal(t, 1, count[Completed](events))
	require.Equal(t, StateCompleted, s.State())

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("transport context still live after completion")
	}
}

func TestStreamCancelKeepsAppliedWork(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())

	s.OnReasoningStep(agent.ReasoningStepPayload{Step: "search", Message: "Searching documents"})
	s.OnReasoningStep(agent.ReasoningStepPayload{Step: "rank", Message: "Ranking passages"})
	s.OnToken("0123456789")
	s.OnToken("abcdefghij")
	s.Cancel()
	s.OnToken("ignored")

	events := collect(t, s)
	require.Equal(t, "0123456789abcdefghij", textOf(events))
	require.Equal(t, 2, count[ReasoningStepAdded](events))
	require.IsType(t, Cancelled{}, events[len(events)-1])
	require.Equal(t, StateCancelled, s.State())

	s.OnToken("late")
	require.Equal(t, StateCancelled, s.State())
}

func TestStreamCompletePrefersStreamedText(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	s.OnToken("Hello world. ")
	s.OnComplete(agent.CompletePayload{Summary: "summary text"})

	events := collect(t, s)
	done, ok := events[len(events)-1].(Completed)
	require.True(t, ok)
	require.Equal(t, "Hello world. ", done.Text)
	require.Equal(t, StateCompleted, s.State())
}

func TestStreamCompleteFallsBackToSummary(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	s.OnComplete(agent.CompletePayload{
		Summary:   "Only a summary.",
		Citations: map[string]agent.CitationData{"2": {DocID: "doc-2", Page: 3}},
	})

	events := collect(t, s)
	done := events[len(events)-1].(Completed)
	require.Equal(t, "Only a summary.", done.Text)
	require.Equal(t, 2, done.Citations["2"].Number)
	require.Equal(t, "doc-2", done.Citations["2"].DocID)
}

func TestStreamAppliesLateTokensBeforeCompleting(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	s.OnToken("First part. ")
	s.OnComplete(agent.CompletePayload{})
	s.OnToken("Late **bold")

	events := collect(t, s)
	done := events[len(events)-1].(Completed)
	require.Equal(t, "First part. Late **bold**", done.Text)
	require.Equal(t, done.Text, textOf(events))
}

func TestStreamRunClassifiesTransportErrors(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	frames := []*agent.Frame{{Type: agent.FrameToken, Token: "partial answer "}}
	go s.Run(scripted(frames, status.Error(codes.Unavailable, "agent gone")), agent.QueryRequest{Query: "why?"})

	events := collect(t, s)
	failed, ok := events[len(events)-1].(Failed)
	require.True(t, ok)
	require.Equal(t, domain.FailureNetworkInterrupted, failed.Kind)
	require.Equal(t, MessageNetworkInterrupted, failed.Message)
	require.Equal(t, "partial answer ", textOf(events))
}

func TestStreamRunRejectsEmptyQuery(t *testing.T) {
	called := false
	transport := agent.TransportFunc(func(context.Context, agent.QueryRequest) iter.Seq2[*agent.Frame, error] {
		called = true
		return func(func(*agent.Frame, error) bool) {}
	})

	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	go s.Run(transport, agent.QueryRequest{Query: "   "})

	events := collect(t, s)
	failed := events[len(events)-1].(Failed)
	require.Equal(t, domain.FailureQueryRejected, failed.Kind)
	require.False(t, called)
}

func TestStreamRunWithoutTerminalFrameCompletes(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	frames := []*agent.Frame{
		{Type: agent.FrameToken, Token: "Dangling `code"},
	}
	go s.Run(scripted(frames, nil), agent.QueryRequest{Query: "q"})

	events := collect(t, s)
	done := events[len(events)-1].(Completed)
	require.Equal(t, "Dangling `code`", done.Text)
}

func TestStreamAgentErrorIsGeneric(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	s.OnError("index shard 3 exploded")

	events := collect(t, s)
	failed := events[len(events)-1].(Failed)
	require.Equal(t, domain.FailureUnknown, failed.Kind)
	require.Equal(t, MessageUnknownFailure, failed.Message)
}

func TestStreamDedupsReasoningWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	opts := testOptions()
	opts.Now = clock.Now
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, opts)

	// Steps are stamped when applied; the marker token shows the first one landed.
	step := agent.ReasoningStepPayload{Step: "search", Message: "Searching"}
	s.OnReasoningStep(step)
	s.OnToken("a. ")
	waitForText(t, s)
	clock.Advance(400 * time.Millisecond)
	s.OnReasoningStep(step)
	s.Cancel()

	events := collect(t, s)
	require.Equal(t, 1, count[ReasoningStepAdded](events))
}

func TestStreamKeepsStepsOutsideWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	opts := testOptions()
	opts.Now = clock.Now
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, opts)

	step := agent.ReasoningStepPayload{Step: "search", Message: "Searching"}
	s.OnReasoningStep(step)
	s.OnToken("a. ")
	waitForText(t, s)
	clock.Advance(600 * time.Millisecond)
	s.OnReasoningStep(step)
	s.Cancel()

	events := collect(t, s)
	require.Equal(t, 2, count[ReasoningStepAdded](events))
}

func TestStreamMapsDocumentActionsToPreview(t *testing.T) {
	s := New(context.Background(), Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	s.OnAgentAction(agent.AgentActionPayload{
		Action: "open_document",
		Params: map[string]any{"doc_id": "doc-9", "page": float64(12), "bbox": []any{1.0, 2.0, 3.0, 4.0}},
	})
	s.OnAgentAction(agent.AgentActionPayload{Action: "scroll_chat"})
	s.OnAgentAction(agent.AgentActionPayload{Action: "close_preview"})
	s.Cancel()

	events := collect(t, s)
	var previews []PreviewChanged
	for _, ev := range events {
		if p, ok := ev.(PreviewChanged); ok {
			previews = append(previews, p)
		}
	}
	require.Len(t, previews, 2)
	require.Equal(t, "doc-9", previews[0].Preview.DocID)
	require.Equal(t, 12, previews[0].Preview.Page)
	require.Equal(t, 3.0, previews[0].Preview.BBox.X1)
	require.Nil(t, previews[1].Preview)
}

func TestStreamParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Header{SessionID: "s1", MessageID: "m1"}, testOptions())
	cancel()

	events := collect(t, s)
	require.Len(t, events, 1)
	require.IsType(t, Cancelled{}, events[0])
}

// waitForText blocks until the stream has released at least one block.
func waitForText(t *testing.T, s *Stream) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() != StateEmpty }, 2*time.Second, time.Millisecond)
}
