package linerpc

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for calls that cannot complete because the
// connection is gone. Errors wrapping it usually also wrap the cause.
var ErrClosed = errors.New("linerpc: connection closed")

// ErrRejected is the close cause of a connection refused by admission control
// or the init hook.
var ErrRejected = errors.New("linerpc: connection rejected")

// RemoteError is an {"error": ...} answer from the responder.
type RemoteError struct {
	Command string
	Reason  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("linerpc: %s: remote error: %s", e.Command, e.Reason)
}

// ProtocolError is a frame that could not be decoded or was not expected in
// the current state.
type ProtocolError struct {
	Reason string
	Frame  string
}

func (e *ProtocolError) Error() string {
	if e.Frame == "" {
		return "linerpc: protocol error: " + e.Reason
	}
	return fmt.Sprintf("linerpc: protocol error: %s (frame %q)", e.Reason, e.Frame)
}

func closedBy(cause error) error {
	if cause == nil {
		return ErrClosed
	}
	if errors.Is(cause, ErrClosed) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrClosed, cause)
}
