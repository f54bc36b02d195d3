package impl

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

var (
	// ErrIDSpaceExhausted is returned when every stream id of a hop is in
	// use. Only the stream open request fails.
	ErrIDSpaceExhausted = xerrors.New("stream id space exhausted")
	// ErrWindowExhausted is returned when a flow window has no credit. The
	// caller queues the data until a SENDME arrives.
	ErrWindowExhausted = xerrors.New("flow window exhausted")
	// ErrPendingFailed is returned to requests waiting on a circuit that was
	// abandoned before it could be built.
	ErrPendingFailed = xerrors.New("pending circuit failed")
	// ErrCircTimeout is returned when a circuit is not built in time.
	ErrCircTimeout = xerrors.New("circuit build timed out")
	// ErrNoRelays is returned when no relay satisfies the path constraints.
	ErrNoRelays = xerrors.New("no usable relays")
	// ErrNeedConsensus is returned when an exit path is requested before a
	// consensus is available.
	ErrNeedConsensus = xerrors.New("a consensus is needed to build this path")
	// ErrCircuitClosed is returned by operations on a closed circuit.
	ErrCircuitClosed = xerrors.New("circuit closed")
	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = xerrors.New("stream closed")
)

// ProtocolViolationError reports a peer that broke the protocol. On a
// circuit it is fatal.
type ProtocolViolationError struct {
	Msg string
}

// Error implements error.
func (e ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Msg
}

func protocolErr(format string, args ...interface{}) error {
	return ProtocolViolationError{Msg: fmt.Sprintf(format, args...)}
}

// HandshakeFailedError reports a relay that failed a circuit handshake. The
// request can be retried through another relay.
type HandshakeFailedError struct {
	Relay string
	Err   error
}

// Error implements error.
func (e HandshakeFailedError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", e.Relay, e.Err)
}

// Unwrap returns the cause.
func (e HandshakeFailedError) Unwrap() error {
	return e.Err
}

// InternalError reports a local invariant violation.
type InternalError struct {
	Msg string
}

// Error implements error.
func (e InternalError) Error() string {
	return "internal error: " + e.Msg
}

func internalErr(format string, args ...interface{}) error {
	return InternalError{Msg: fmt.Sprintf(format, args...)}
}

// ChanFailedError reports a channel that could not be opened or that failed.
type ChanFailedError struct {
	Relay string
	Err   error
}

// Error implements error.
func (e ChanFailedError) Error() string {
	return fmt.Sprintf("channel to %s failed: %v", e.Relay, e.Err)
}

// Unwrap returns the cause.
func (e ChanFailedError) Unwrap() error {
	return e.Err
}

// RequestFailedError holds the error of every attempt made for one request.
type RequestFailedError struct {
	Attempts []error
}

// Error implements error.
func (e RequestFailedError) Error() string {
	var out strings.Builder
	fmt.Fprintf(&out, "request failed after %d attempts", len(e.Attempts))
	for i, err := range e.Attempts {
		fmt.Fprintf(&out, "\n  attempt %d: %v", i+1, err)
	}
	return out.String()
}

// Unwrap returns every attempt error.
func (e RequestFailedError) Unwrap() []error {
	return e.Attempts
}

// Is returns true if any attempt failed with target.
func (e RequestFailedError) Is(target error) bool {
	for _, err := range e.Attempts {
		if xerrors.Is(err, target) {
			return true
		}
	}
	return false
}

// As finds the first attempt error that matches target.
func (e RequestFailedError) As(target interface{}) bool {
	for _, err := range e.Attempts {
		if xerrors.As(err, target) {
			return true
		}
	}
	return false
}

// errorKind names an error for metric labels.
func errorKind(err error) string {
	var proto ProtocolViolationError
	var hs HandshakeFailedError
	var ch ChanFailedError

	switch {
	case xerrors.Is(err, ErrCircTimeout):
		return "timeout"
	case xerrors.As(err, &hs):
		return "handshake"
	case xerrors.As(err, &proto):
		return "protocol"
	case xerrors.As(err, &ch):
		return "channel"
	default:
		return "other"
	}
}
