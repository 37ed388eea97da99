package agent

import (
	"context"
	"iter"
)

// Transport streams an answer for a query. Implementations stop yielding when
// ctx is cancelled; a yielded error ends the sequence.
type Transport interface {
	Query(ctx context.Context, req QueryRequest) iter.Seq2[*Frame, error]
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req QueryRequest) iter.Seq2[*Frame, error]

// Query calls f.
func (f TransportFunc) Query(ctx context.Context, req QueryRequest) iter.Seq2[*Frame, error] {
	return f(ctx, req)
}

// Ensure GrpcClient implements Transport.
var _ Transport = (*GrpcClient)(nil)
