package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ashureev/querymux/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// User-facing messages for each failure kind.
const (
	MessageNetworkInterrupted = "Connection lost while generating the answer. Please try again."
	MessageQueryRejected      = "Please enter a question to ask about your documents."
	MessageUnknownFailure     = "Something went wrong while generating the answer."
)

// ErrEmptyQuery rejects a submission with no question text.
var ErrEmptyQuery = errors.New("query is empty")

// Classify maps a transport error to a failure kind and the message shown to
// the user.
func Classify(err error) (domain.FailureKind, string) {
	kind := classifyKind(err)
	return kind, messageFor(kind)
}

func classifyKind(err error) domain.FailureKind {
	switch {
	case err == nil:
		return domain.FailureUnknown
	case errors.Is(err, ErrEmptyQuery):
		return domain.FailureQueryRejected
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return domain.FailureNetworkInterrupted
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.FailureNetworkInterrupted
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return domain.FailureNetworkInterrupted
		case codes.InvalidArgument, codes.FailedPrecondition:
			return domain.FailureQueryRejected
		}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps an agent-reported error string to a failure kind.
func ClassifyMessage(msg string) domain.FailureKind {
	lower := strings.ToLower(msg)
	for _, hint := range []string{"network", "connection", "timed out", "timeout", "unavailable", "disconnected"} {
		if strings.Contains(lower, hint) {
			return domain.FailureNetworkInterrupted
		}
	}
	for _, hint := range []string{"empty query", "no query", "rejected", "invalid query"} {
		if strings.Contains(lower, hint) {
			return domain.FailureQueryRejected
		}
	}
	return domain.FailureUnknown
}

func kindFromWire(kind, msg string) domain.FailureKind {
	switch domain.FailureKind(kind) {
	case domain.FailureNetworkInterrupted, domain.FailureQueryRejected, domain.FailureUnknown:
		return domain.FailureKind(kind)
	}
	return ClassifyMessage(msg)
}

func messageFor(kind domain.FailureKind) string {
	switch kind {
	case domain.FailureNetworkInterrupted:
		return MessageNetworkInterrupted
	case domain.FailureQueryRejected:
		return MessageQueryRejected
	default:
		return MessageUnknownFailure
	}
}
