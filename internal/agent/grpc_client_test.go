package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type scriptedAgent struct {
	frames []*Frame
	fail   error
	got    chan QueryRequest
}

func (a *scriptedAgent) StreamQuery(_ context.Context, req QueryRequest, out FrameSender) error {
	if a.got != nil {
		a.got <- req
	}
	for _, f := range a.frames {
		if err := out.Send(f); err != nil {
			return err
		}
	}
	return a.fail
}

func startAgent(t *testing.T, srv AgentServer) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterAgentServer(s, srv)
	healthpb.RegisterHealthServer(s, health.NewServer())
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	client, err := NewGrpcClient(GrpcClientConfig{
		Address:        "passthrough:///bufnet",
		ConnectTimeout: 2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestGrpcClientStreamsFrames(t *testing.T) {
	srv := &scriptedAgent{
		got: make(chan QueryRequest, 1),
		frames: []*Frame{
			{Type: FrameReasoningStep, Step: &ReasoningStepPayload{Step: "search", ActionType: "searching", Message: "Searching", Count: 2}},
			{Type: FrameToken, Token: "Hello "},
			{Type: FrameCitation, Citation: &CitationPayload{CitationNumber: "1", Data: CitationData{DocID: "doc-1", Page: 4}}},
			{Type: FrameAgentAction, Action: &AgentActionPayload{Action: "open_document", Params: map[string]any{"doc_id": "doc-1"}}},
			{Type: FrameComplete, Complete: &CompletePayload{Summary: "Hello ", Citations: map[string]CitationData{"1": {DocID: "doc-1"}}}},
		},
	}
	client := startAgent(t, srv)

	var frames []*Frame
	for f, err := range client.Query(context.Background(), QueryRequest{SessionID: "s1", Query: "hi", Attachments: []string{"a.pdf"}}) {
		require.NoError(t, err)
		frames = append(frames, f)
	}

	req := <-srv.got
	require.Equal(t, "s1", req.SessionID)
	require.Equal(t, []string{"a.pdf"}, req.Attachments)

	require.Len(t, frames, 5)
	require.Equal(t, "Searching", frames[0].Step.Message)
	require.Equal(t, 2, frames[0].Step.Count)
	require.Equal(t, "Hello ", frames[1].Token)
	require.Equal(t, 1, frames[2].Citation.CitationNumber.Number())
	require.Equal(t, 4, frames[2].Citation.Data.Page)
	require.Equal(t, "open_document", frames[3].Action.Action)
	require.Equal(t, "doc-1", frames[4].Complete.Citations["1"].DocID)
}

func TestGrpcClientSurfacesStatus(t *testing.T) {
	srv := &scriptedAgent{
		frames: []*Frame{{Type: FrameToken, Token: "partial "}},
		fail:   status.Error(codes.Unavailable, "backend went away"),
	}
	client := startAgent(t, srv)

	var tokens []string
	var streamErr error
	for f, err := range client.Query(context.Background(), QueryRequest{Query: "hi"}) {
		if err != nil {
			streamErr = err
			continue
		}
		tokens = append(tokens, f.Token)
	}

	require.Equal(t, []string{"partial "}, tokens)
	require.Error(t, streamErr)
	require.Equal(t, codes.Unavailable, status.Code(streamErr))
}

func TestGrpcClientHealth(t *testing.T) {
	client := startAgent(t, &scriptedAgent{})
	require.NoError(t, client.Health(context.Background()))
}

func TestCitationKeyAcceptsNumbers(t *testing.T) {
	msg, err := EncodeFrame(&Frame{Type: FrameCitation, Citation: &CitationPayload{CitationNumber: "7"}})
	require.NoError(t, err)

	// Numbers on the wire arrive as doubles.
	msg.Fields["data"].GetStructValue().Fields["citation_number"] = structpb.NewNumberValue(7)
	f, err := DecodeFrame(msg)
	require.NoError(t, err)
	require.Equal(t, CitationKey("7"), f.Citation.CitationNumber)
	require.Equal(t, 7, f.Citation.CitationNumber.Number())
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	_, err := EncodeFrame(&Frame{Type: "bogus"})
	require.ErrorIs(t, err, errUnknownFrame)

	_, err = EncodeFrame(&Frame{Type: FrameCitation})
	require.ErrorIs(t, err, errMissingFrameData)
}
