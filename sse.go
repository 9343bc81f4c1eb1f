package mcpsse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient implements ClientTransport over Server-Sent Events: the push
// stream is a long-lived GET upgraded to SSE, the request channel is an HTTP
// POST to the endpoint the server announces on the stream. Instances should
// be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// SSEServer is the server half of the SSE wire contract: it upgrades GET
// requests to event streams, announces each session's message endpoint
// through the "endpoint" event, and routes POSTed JSON-RPC envelopes back to
// the owning session by their session_id query parameter. It carries no MCP
// protocol logic; what to answer is up to the code ranging over Sessions.
// Instances should be created using NewSSEServer and shut down with Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions chan *ServerSession
	received chan serverSessionMessage
	removed  chan string

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// ServerSession is one accepted stream connection on an SSEServer.
type ServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	// Guards writes to the underlying SSE session; Send may be called
	// from multiple goroutines while the handler goroutine holds the
	// connection open.
	mu sync.Mutex

	receivedMsgs chan JSONRPCMessage

	done     chan struct{}
	stopOnce sync.Once
}

type serverSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
}

// NewSSEClient creates an SSE client transport that connects to the specified
// connectURL. The optional httpClient parameter allows custom HTTP client
// configuration - if nil, the default HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event payload
// accepted from the server. Oversized events terminate the stream.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// StartSession opens the SSE stream and returns an iterator over the decoded
// frames. Frame decoding handles events split across chunk boundaries and
// both the bare "data:" form (implicit type "message") and the explicit
// "event:"+"data:" form. The iterator stops when the transport signals
// end-of-stream or the context is canceled.
func (s *SSEClient) StartSession(ctx context.Context) (iter.Seq[StreamEvent], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{Status: resp.StatusCode}
	}

	events := make(chan StreamEvent)
	go s.listenSSEEvents(ctx, resp.Body, events)

	return func(yield func(StreamEvent) bool) {
		for ev := range events {
			if !yield(ev) {
				return
			}
		}
	}, nil
}

func (s *SSEClient) listenSSEEvents(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer func() {
		body.Close()
		close(events)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE event", "err", err)
			}
			return
		}

		typ := ev.Type
		if typ == "" {
			typ = eventTypeMessage
		}

		select {
		case events <- StreamEvent{Type: typ, Data: ev.Data}:
		case <-ctx.Done():
			return
		}
	}
}

// Send transmits a JSON-encoded message to the given endpoint through an HTTP
// POST request. The endpoint may be a relative reference, as announced by the
// server's endpoint event; it is resolved against the connect URL on every
// call, keeping Send stateless. A non-2xx status is returned as a
// TransportError and a non-empty body that fails to decode as a JSON-RPC
// envelope as a ProtocolError; the caller decides whether to retry.
func (s *SSEClient) Send(ctx context.Context, endpoint string, msg JSONRPCMessage) (JSONRPCMessage, error) {
	target, err := s.resolveEndpoint(endpoint)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(msgBs))
	if err != nil {
		return JSONRPCMessage{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return JSONRPCMessage{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return JSONRPCMessage{}, &TransportError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return JSONRPCMessage{}, &TransportError{Err: err}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		// Accepted asynchronously; any response arrives on the stream.
		return JSONRPCMessage{}, nil
	}

	var res JSONRPCMessage
	if err := json.Unmarshal(body, &res); err != nil {
		return JSONRPCMessage{}, &ProtocolError{Reason: "malformed response body", Err: err}
	}

	return res, nil
}

func (s *SSEClient) resolveEndpoint(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", &ProtocolError{Reason: "invalid endpoint", Err: err}
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("invalid connect URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// ExtractSessionID parses the session identifier out of an endpoint event
// payload. The payload is a URI-like string whose query carries a session_id
// parameter; the value is terminated by '&' or end of string. A missing or
// empty value is a ProtocolError.
func ExtractSessionID(endpoint string) (string, error) {
	query := endpoint
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query = query[:i]
	}
	if i := strings.IndexByte(query, '?'); i >= 0 {
		query = query[i+1:]
	}

	for _, param := range strings.Split(query, "&") {
		value, ok := strings.CutPrefix(param, sessionIDParam+"=")
		if !ok {
			continue
		}
		if value == "" {
			return "", &ProtocolError{Reason: "empty session identifier in endpoint payload"}
		}
		return value, nil
	}

	return "", &ProtocolError{Reason: "missing session identifier in endpoint payload"}
}

// NewSSEServer creates an SSE server whose sessions announce messageURL as
// their request endpoint. The returned SSEServer must be shut down using
// Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(chan *ServerSession, 5),
		received:   make(chan serverSessionMessage),
		removed:    make(chan string),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEServerLogger sets the logger for the SSEServer.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// Sessions returns an iterator over accepted sessions. The iteration also
// drives routing of received messages to their sessions, so the caller must
// keep ranging (typically in its own goroutine) for the lifetime of the
// server. The iterator exits when Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[*ServerSession] {
	return func(yield func(*ServerSession) bool) {
		defer close(s.closed)

		active := make(map[string]*ServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				active[sess.id] = sess
				if !yield(sess) {
					return
				}
			case sessID := <-s.removed:
				delete(active, sessID)
			case msg := <-s.received:
				sess, ok := active[msg.sessID]
				if !ok {
					// The session may already be closed.
					continue
				}
				select {
				case <-s.done:
					return
				case <-sess.done:
				case sess.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown terminates all active connections and stops the Sessions iterator.
// It blocks until the iterator has exited or the context expires.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler that upgrades GET requests to SSE
// streams. Each connection is assigned a unique session identifier and
// immediately told its message endpoint through the "endpoint" event, payload
// "<messageURL>?session_id=<id>". The connection stays open until the client
// disconnects, the session is stopped, or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &ServerSession{
			id:           uuid.New().String(),
			sess:         sess,
			logger:       s.logger,
			receivedMsgs: make(chan JSONRPCMessage, 5),
			done:         make(chan struct{}),
		}

		endpoint := fmt.Sprintf("%s?%s=%s", s.messageURL, sessionIDParam, srvSession.id)
		if err := srvSession.sendEvent(eventTypeEndpoint, endpoint); err != nil {
			s.logger.Error("failed to send endpoint event", "err", err)
			return
		}

		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		}

		// Keep the connection open until the session ends.
		select {
		case <-srvSession.done:
		case <-s.done:
		case <-r.Context().Done():
		}
		srvSession.Stop()

		// Wait for any in-flight Send to drain. Once done is closed no
		// new write can start, so the connection is quiet when this
		// handler returns and net/http tears it down.
		srvSession.mu.Lock()
		srvSession.mu.Unlock() //nolint:staticcheck // empty section joins in-flight writers

		select {
		case s.removed <- srvSession.id:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for the message endpoint. It expects
// a session_id query parameter and a JSON-RPC envelope body; valid messages
// are routed to the owning session's Messages iterator and acknowledged with
// 202 Accepted.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get(sessionIDParam)
		if sessID == "" {
			s.logger.Warn("missing session_id query parameter")
			http.Error(w, "missing session_id query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode message", "err", err)
			http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		case s.received <- serverSessionMessage{sessID: sessID, msg: msg}:
			w.WriteHeader(http.StatusAccepted)
		}
	})
}

// ID returns the unique identifier for this session.
func (s *ServerSession) ID() string { return s.id }

// Send pushes a JSON-encoded message to the client as a "message" event.
func (s *ServerSession) Send(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.sendEvent(eventTypeMessage, string(msgBs))
}

// Messages returns an iterator over messages the client POSTed to this
// session. The iteration exits when the session is stopped.
func (s *ServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop closes the session and releases its stream connection.
func (s *ServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *ServerSession) sendEvent(typ, data string) error {
	msg := &sse.Message{
		Type: sse.Type(typ),
	}
	msg.AppendData(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}
