package mcpsse

import (
	"context"
	"iter"
)

// StreamEvent is one named-event frame decoded from the push stream. Events
// are ephemeral: produced by the transport, consumed immediately by the
// client, never retained.
type StreamEvent struct {
	// Type is the event name; frames without an explicit event line carry
	// the implicit type "message".
	Type string
	// Data is the raw frame payload.
	Data string
}

// ClientTransport provides the client-side communication layer: a long-lived
// push stream and a short-lived correlated request channel.
type ClientTransport interface {
	// StartSession opens the push stream and returns an iterator over the
	// frames it delivers. The iterator stops yielding when the underlying
	// transport signals end-of-stream or the context is canceled; that is
	// the closure signal to the caller. The transport must tolerate frames
	// split across arbitrary chunk boundaries.
	StartSession(ctx context.Context) (iter.Seq[StreamEvent], error)

	// Send transmits a single JSON-RPC request or notification to the
	// endpoint discovered on the stream and returns the decoded response
	// envelope when the service answers in the response body, or the zero
	// envelope when it accepts asynchronously. Send performs no retries
	// and no correlation bookkeeping beyond stamping the outgoing
	// envelope; matching responses delivered on the stream is the caller's
	// responsibility.
	Send(ctx context.Context, endpoint string, msg JSONRPCMessage) (JSONRPCMessage, error)
}

// Hook is a pluggable reaction to server-pushed messages. After the handshake
// completes, every successfully parsed "message" frame that is not consumed
// as a pending-request result is offered to each registered hook in stream
// arrival order.
type Hook struct {
	// Match reports whether this hook wants the message. A nil Match
	// matches everything.
	Match func(msg JSONRPCMessage) bool
	// Handle is invoked with the decoded message. It runs on the client's
	// event-processing goroutine, so long-running work should be handed
	// off by the implementation.
	Handle func(msg JSONRPCMessage)
}

// ToolListWatcher receives a callback when the server notifies that its tool
// list has changed. Watchers typically refresh their cached list by calling
// ListTools again.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ProgressListener receives progress updates for long-running operations.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver receives log messages pushed by the server.
type LogReceiver interface {
	OnLog(params LogParams)
}
