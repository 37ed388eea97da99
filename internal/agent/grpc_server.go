package agent

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the agent.
const ServiceName = "querymux.agent.v1.AgentService"

const streamQueryMethod = "/" + ServiceName + "/StreamQuery"

var streamQueryDesc = grpc.StreamDesc{
	StreamName:    "StreamQuery",
	ServerStreams: true,
}

// FrameSender delivers frames to the querying client.
type FrameSender interface {
	Send(*Frame) error
}

// AgentServer answers one query per call by sending frames until it returns.
type AgentServer interface {
	StreamQuery(ctx context.Context, req QueryRequest, out FrameSender) error
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamQueryDesc.StreamName,
		Handler:       streamQueryHandler,
		ServerStreams: true,
	}},
	Metadata: "querymux/agent/v1/agent.proto",
}

// RegisterAgentServer exposes srv on s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

func streamQueryHandler(srv any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req, err := queryRequestFromStruct(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(AgentServer).StreamQuery(stream.Context(), req, &frameSender{stream: stream})
}

type frameSender struct {
	stream grpc.ServerStream
}

func (s *frameSender) Send(f *Frame) error {
	msg, err := EncodeFrame(f)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return s.stream.SendMsg(msg)
}
