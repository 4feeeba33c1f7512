package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectTimeout is returned when the server does not acknowledge the
	// connection handshake within the caller's deadline
	ErrConnectTimeout = errors.New("connection ack timeout")

	// ErrAlreadyConnected is returned on a second connect of the same transport
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrProtocolViolation is returned when the server sends a message that is
	// not valid at the current point of the subscription protocol
	ErrProtocolViolation = errors.New("subscription protocol violation")

	// ErrTransportClosed is returned when an operation is attempted on a
	// closed transport
	ErrTransportClosed = errors.New("transport closed")

	// ErrDeepReorg is returned when a reorganization crosses the finality
	// threshold; the sync session must not continue
	ErrDeepReorg = errors.New("deep reorg past finality threshold")

	// ErrBalanceUnderflow is returned when a debit would drive a tracked
	// balance negative; treated as corruption, never clamped
	ErrBalanceUnderflow = errors.New("balance underflow")

	// ErrInvalidTransition is returned when an output state transition outside
	// the state machine is requested
	ErrInvalidTransition = errors.New("invalid output state transition")

	// ErrUnknownOutput is returned when a state transition names an output
	// identity that is not tracked
	ErrUnknownOutput = errors.New("unknown output")

	// ErrCacheCapacityTooSmall is returned at cache construction when the
	// configured capacity is below the enforced floor
	ErrCacheCapacityTooSmall = errors.New("event cache capacity below minimum")

	// ErrSigningFailed is returned when the injected signer declines to sign
	ErrSigningFailed = errors.New("signing failed")
)

// GraphQLMessage is one server-reported GraphQL error
type GraphQLMessage struct {
	Message   string        `json:"message"`
	Locations []GraphQLLoc  `json:"locations,omitempty"`
	Path      []interface{} `json:"path,omitempty"`
}

// GraphQLLoc is a source position inside the query document
type GraphQLLoc struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError carries the server-reported errors of a terminated
// subscription verbatim. It is not retryable: the same query fails again.
type GraphQLError struct {
	OperationID string
	Messages    []GraphQLMessage
}

func (e *GraphQLError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("graphql error on operation %s", e.OperationID)
	}
	msgs := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		msgs[i] = m.Message
	}
	return fmt.Sprintf("graphql error on operation %s: %s", e.OperationID, strings.Join(msgs, "; "))
}

// IsRetryable reports whether the orchestrator may retry after err.
// Transport and network failures are retryable; server-reported GraphQL
// errors, deep reorgs and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gqlErr *GraphQLError
	if errors.As(err, &gqlErr) {
		return false
	}
	if errors.Is(err, ErrDeepReorg) || errors.Is(err, ErrBalanceUnderflow) {
		return false
	}
	return true
}
