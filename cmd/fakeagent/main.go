// fakeagent serves scripted answers over the agent gRPC protocol for local
// development against querymux.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/querymux/internal/agent"
	"github.com/ashureev/querymux/internal/domain"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	addr := os.Getenv("FAKE_AGENT_ADDR")
	if addr == "" {
		addr = ":50051"
	}
	delay := 40 * time.Millisecond
	if v := os.Getenv("FAKE_AGENT_TOKEN_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("Invalid FAKE_AGENT_TOKEN_DELAY", "value", v, "error", err)
			os.Exit(1)
		}
		delay = d
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	s := grpc.NewServer()
	agent.RegisterAgentServer(s, &scriptedAgent{tokenDelay: delay, logger: logger})
	healthpb.RegisterHealthServer(s, health.NewServer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("Shutting down fake agent")
		s.GracefulStop()
	}()

	slog.Info("Fake agent listening", "addr", lis.Addr().String(), "token_delay", delay)
	if err := s.Serve(lis); err != nil {
		slog.Error("Fake agent stopped", "error", err)
		os.Exit(1)
	}
}

// scriptedAgent answers every query with the same shaped stream: reasoning
// steps, a markdown answer with citations, an optional document action and a
// complete frame. Queries mentioning "fail" end with an error frame instead.
type scriptedAgent struct {
	tokenDelay time.Duration
	logger     *slog.Logger
}

func (a *scriptedAgent) StreamQuery(ctx context.Context, req agent.QueryRequest, out agent.FrameSender) error {
	a.logger.Info("Query received",
		"session_id", req.SessionID,
		"message_id", req.MessageID,
		"attachments", len(req.Attachments))

	frames := script(req)
	for _, f := range frames {
		if f.Type == agent.FrameToken && a.tokenDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.tokenDelay):
			}
		}
		if err := out.Send(f); err != nil {
			return err
		}
	}
	return nil
}

func script(req agent.QueryRequest) []*agent.Frame {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return []*agent.Frame{{
			Type:  agent.FrameError,
			Error: &agent.ErrorPayload{Message: "query is empty", Kind: string(domain.FailureQueryRejected)},
		}}
	}

	doc := "doc-1"
	if len(req.Attachments) > 0 {
		doc = req.Attachments[0]
	}
	cites := map[string]agent.CitationData{
		"1": {DocID: doc, Page: 3, Method: "block", BlockID: "b-12", Filename: doc},
		"2": {DocID: doc, Page: 7, Method: "bbox", BBox: &domain.BBox{X0: 72, Y0: 140, X1: 540, Y1: 188}, Filename: doc},
	}

	frames := []*agent.Frame{
		{Type: agent.FrameReasoningStep, Step: &agent.ReasoningStepPayload{
			Step: "search", ActionType: "searching", Message: "Searching documents", Status: "running",
		}},
		{Type: agent.FrameReasoningStep, Step: &agent.ReasoningStepPayload{
			Step: "search", ActionType: "searching", Message: "Found relevant passages", Count: 2, Status: "done",
		}},
	}

	answer := fmt.Sprintf("## Answer\n\nYou asked: *%s*\n\n"+
		"- The summary section covers this directly [1].\n"+
		"- Supporting figures appear in the appendix table [2].\n\n"+
		"| Metric | Value |\n|---|---|\n| Pages read | 2 |\n", query)
	for _, tok := range strings.SplitAfter(answer, " ") {
		frames = append(frames, &agent.Frame{Type: agent.FrameToken, Token: tok})
	}

	if strings.Contains(strings.ToLower(query), "fail") {
		return append(frames, &agent.Frame{
			Type:  agent.FrameError,
			Error: &agent.ErrorPayload{Message: "agent failed while drafting the answer"},
		})
	}

	for _, n := range []string{"1", "2"} {
		frames = append(frames, &agent.Frame{Type: agent.FrameCitation, Citation: &agent.CitationPayload{
			CitationNumber: agent.CitationKey(n),
			Data:           cites[n],
		}})
	}
	if len(req.Attachments) > 0 {
		frames = append(frames, &agent.Frame{Type: agent.FrameAgentAction, Action: &agent.AgentActionPayload{
			Action: "open_document",
			Params: map[string]any{"doc_id": doc, "page": 3},
		}})
	}
	return append(frames, &agent.Frame{
		Type:     agent.FrameComplete,
		Complete: &agent.CompletePayload{Summary: "Answered from " + doc, Citations: cites},
	})
}
