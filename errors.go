package mcpsse

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations attempted after the session has been
// closed or has failed.
var ErrClosed = errors.New("session closed")

// TransportError reports a failed exchange with the service: a connection
// failure or a non-2xx HTTP status. Transport failures during the initialize
// request are fatal for the session; during best-effort steps they are logged
// and swallowed.
type TransportError struct {
	// Status is the HTTP status code, or zero when the request never
	// reached the server.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error: unexpected status code %d", e.Status)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed JSON-RPC envelope, a missing session
// identifier, or an unexpected correlation id. A ProtocolError on a single
// stream frame is non-fatal; the frame is dropped and processing continues.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
