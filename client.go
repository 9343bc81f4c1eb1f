package mcpsse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HandshakeState is the lifecycle state of a client session. Transitions are
// monotonic: no state is revisited once passed, except Failed which is
// absorbing.
type HandshakeState int

// Session lifecycle states, in handshake order.
const (
	StateDisconnected HandshakeState = iota
	StateAwaitingSession
	StateInitializing
	StateInitialized
	StateToolsRequested
	StateFailed
)

// Correlation ids for the handshake requests. The service addresses them per
// session; subsequent requests count up from there.
const (
	initializeRequestID = 1
	toolsListRequestID  = 2
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client owns the session-bootstrap handshake with an MCP service reached
// over two transports: a long-lived push stream delivering named events, and
// a per-call request channel correlated by the session identifier the stream
// announces. Connect sequences initialize -> notifications/initialized ->
// tools/list and guarantees each side-effecting call is issued exactly once
// per session, even when the service delivers the same result both in a
// direct response body and as a replayed stream event.
//
// A Client must be created using NewClient and requires Connect to be called
// before any operations can be performed. Close releases the stream when the
// client is no longer needed. Multiple clients are fully independent; no
// state is shared between sessions.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    ClientTransport
	logger       *slog.Logger

	hooks            []Hook
	toolListWatcher  ToolListWatcher
	progressListener ProgressListener
	logReceiver      LogReceiver

	writeTimeout     time.Duration
	readTimeout      time.Duration
	handshakeTimeout time.Duration
	connectMaxTries  uint

	// Guards the fields the event loop publishes to other goroutines.
	mu                 sync.RWMutex
	state              HandshakeState
	sessionID          string
	endpoint           string
	serverInfo         Info
	serverCapabilities ServerCapabilities
	tools              []Tool

	// Handshake flags, owned exclusively by the event loop goroutine so
	// check-and-set is atomic with respect to event-processing order.
	initialized    bool
	toolsRequested bool
	toolsReceived  bool

	nextID atomic.Int64
	cancel context.CancelFunc

	events          chan StreamEvent
	registerPending chan pendingRequest
	cancelPending   chan int64
	results         chan JSONRPCMessage
	handshakeDone   chan error
	loopDone        chan struct{}
}

type pendingRequest struct {
	id int64
	ch chan JSONRPCMessage
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
)

// WithHook registers a dispatch hook for server-pushed messages.
func WithHook(hook Hook) ClientOption {
	return func(c *Client) {
		c.hooks = append(c.hooks, hook)
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientWriteTimeout sets the timeout for each outgoing request.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets the timeout for waiting on a request's response.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithHandshakeTimeout bounds the time from opening the stream until the
// handshake completes. Expiry surfaces as a failed Connect and a Failed
// session. Zero disables the bound.
func WithHandshakeTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = timeout
	}
}

// WithConnectRetry retries the initial stream connection up to maxTries
// attempts with exponential backoff. Only the connection attempt is retried;
// requests on the message channel never are.
func WithConnectRetry(maxTries uint) ClientOption {
	return func(c *Client) {
		c.connectMaxTries = maxTries
	}
}

// NewClient creates a client for the service reached through the given
// transport. The info parameter identifies this client in the initialize
// request. Optional behaviors, watchers, and timeouts are configured through
// ClientOption functions.
//
// The client is not connected until Connect is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:            info,
		transport:       transport,
		logger:          slog.Default(),
		state:           StateDisconnected,
		events:          make(chan StreamEvent),
		registerPending: make(chan pendingRequest),
		cancelPending:   make(chan int64),
		results:         make(chan JSONRPCMessage),
		handshakeDone:   make(chan error, 1),
		loopDone:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	c.nextID.Store(toolsListRequestID)

	return c
}

// Connect opens the push stream and performs the handshake: it waits for the
// endpoint event carrying the session identifier, issues initialize (id 1),
// sends notifications/initialized, and issues tools/list (id 2). It returns
// once the handshake has completed or with the first fatal error encountered,
// in which case the session is Failed and the stream released.
//
// The context governs the whole session: cancel it, or call Close, to
// terminate the stream. Connect must be called at most once per Client.
func (c *Client) Connect(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	events, err := c.startStream(sessCtx)
	if err != nil {
		cancel()
		c.setState(StateFailed)
		close(c.loopDone)
		return fmt.Errorf("failed to start session: %w", err)
	}

	c.setState(StateAwaitingSession)
	go c.run(sessCtx, events)

	var timeout <-chan time.Time
	if c.handshakeTimeout > 0 {
		timer := time.NewTimer(c.handshakeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-c.handshakeDone:
		if err != nil {
			cancel()
			return err
		}
		return nil
	case <-timeout:
		cancel()
		c.setState(StateFailed)
		return errors.New("handshake timeout")
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Close terminates the session. The stream is released and the session
// becomes terminal; an RPC call in flight completes or fails on its own
// context. Close is a no-op before Connect.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.loopDone
}

// State returns the session's current lifecycle state.
func (c *Client) State() HandshakeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the identifier extracted from the endpoint event, or the
// empty string before one arrived.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerInfo returns the server's info from the initialize result.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server reported in the
// initialize result.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// Tools returns the most recent tool list received from the server.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]Tool, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// ListTools retrieves the list of available tools from the server and
// refreshes the cached Tools result.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	res, err := c.sendRequest(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}
	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	return result, nil
}

// CallTool invokes a specific tool and returns its result. The response may
// arrive in the direct response body or as a pushed stream message; either
// way the first occurrence is returned and later duplicates are ignored.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	res, err := c.sendRequest(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}
	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

func (c *Client) startStream(ctx context.Context) (iter.Seq[StreamEvent], error) {
	if c.connectMaxTries <= 1 {
		return c.transport.StartSession(ctx)
	}

	expBackOff := backoff.NewExponentialBackOff()
	return backoff.Retry(ctx, func() (iter.Seq[StreamEvent], error) {
		return c.transport.StartSession(ctx)
	}, backoff.WithBackOff(expBackOff), backoff.WithMaxTries(c.connectMaxTries))
}

// run is the single event-processing goroutine. All handshake-mutating
// actions happen here, serialized, which is what makes the exactly-once
// flags safe to check-and-set without further locking.
func (c *Client) run(ctx context.Context, events iter.Seq[StreamEvent]) {
	defer close(c.loopDone)

	go func() {
		defer close(c.events)
		for ev := range events {
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	pending := make(map[int64]chan JSONRPCMessage)

	for {
		select {
		case <-ctx.Done():
			c.fail(ErrClosed)
			return
		case req := <-c.registerPending:
			pending[req.id] = req.ch
		case id := <-c.cancelPending:
			delete(pending, id)
		case msg := <-c.results:
			c.dispatchMessage(ctx, msg, pending)
		case ev, ok := <-c.events:
			if !ok {
				c.fail(errors.New("stream closed"))
				return
			}
			c.handleEvent(ctx, ev, pending)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, ev StreamEvent, pending map[int64]chan JSONRPCMessage) {
	switch ev.Type {
	case eventTypeEndpoint:
		c.handleEndpoint(ctx, ev.Data, pending)
	case eventTypeMessage:
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			c.logger.Warn("dropping malformed message frame", "err", err)
			return
		}
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Warn("dropping message with invalid jsonrpc version", "version", msg.JSONRPC)
			return
		}
		c.dispatchMessage(ctx, msg, pending)
	default:
		c.logger.Debug("unhandled event type", "type", ev.Type)
	}
}

func (c *Client) handleEndpoint(ctx context.Context, payload string, pending map[int64]chan JSONRPCMessage) {
	if c.State() != StateAwaitingSession {
		// Duplicate endpoint frames are a no-op.
		return
	}

	sessID, err := ExtractSessionID(payload)
	if err != nil {
		c.logger.Warn("ignoring endpoint frame", "err", err)
		return
	}

	c.mu.Lock()
	c.sessionID = sessID
	c.endpoint = payload
	c.mu.Unlock()
	c.setState(StateInitializing)

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		c.failHandshake(fmt.Errorf("failed to marshal initialize params: %w", err))
		return
	}

	res, err := c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      initializeRequestID,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		c.failHandshake(fmt.Errorf("failed to send initialize request: %w", err))
		return
	}

	// The service may answer in the response body or push the result on
	// the stream later; whichever comes first wins.
	if !res.isZero() {
		c.dispatchMessage(ctx, res, pending)
	}
}

func (c *Client) dispatchMessage(ctx context.Context, msg JSONRPCMessage, pending map[int64]chan JSONRPCMessage) {
	if msg.Method != "" {
		c.handleNotification(msg)
		return
	}

	switch int64(msg.ID) {
	case initializeRequestID:
		c.handleInitializeResult(ctx, msg, pending)
	case toolsListRequestID:
		c.handleToolsResult(msg)
	default:
		ch, ok := pending[int64(msg.ID)]
		if !ok {
			c.logger.Debug("dropping result with unknown id", "id", int64(msg.ID))
			c.offerToHooks(msg)
			return
		}
		delete(pending, int64(msg.ID))
		ch <- msg
	}
}

func (c *Client) handleInitializeResult(ctx context.Context, msg JSONRPCMessage, pending map[int64]chan JSONRPCMessage) {
	if c.initialized {
		c.logger.Debug("dropping duplicate initialize result")
		return
	}

	if msg.Error != nil {
		c.failHandshake(fmt.Errorf("initialize error: %w", msg.Error))
		return
	}

	var result initializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		c.failHandshake(fmt.Errorf("failed to unmarshal initialize result: %w", err))
		return
	}

	if result.ProtocolVersion != "" && result.ProtocolVersion != protocolVersion {
		c.logger.Warn("protocol version mismatch",
			"server", result.ProtocolVersion, "client", protocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.mu.Unlock()

	c.initialized = true
	c.setState(StateInitialized)

	if err := c.sendNotification(ctx, methodNotificationsInitialized); err != nil {
		// Best effort: capability discovery is still attempted.
		c.logger.Error("failed to send initialized notification", "err", err)
	}

	c.requestTools(ctx, pending)

	select {
	case c.handshakeDone <- nil:
	default:
	}
}

func (c *Client) requestTools(ctx context.Context, pending map[int64]chan JSONRPCMessage) {
	if c.toolsRequested {
		return
	}
	c.toolsRequested = true
	c.setState(StateToolsRequested)

	paramsBs, err := json.Marshal(ListToolsParams{})
	if err != nil {
		c.logger.Error("failed to marshal tool list params", "err", err)
		return
	}

	res, err := c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      toolsListRequestID,
		Method:  MethodToolsList,
		Params:  paramsBs,
	})
	if err != nil {
		// Best effort: the session stays usable for hook-driven calls.
		c.logger.Error("failed to request tool list", "err", err)
		return
	}

	if !res.isZero() {
		c.dispatchMessage(ctx, res, pending)
	}
}

func (c *Client) handleToolsResult(msg JSONRPCMessage) {
	if !c.toolsRequested {
		// No session reaches capability discovery before the handshake
		// completes; out-of-order frames are discarded.
		c.logger.Debug("dropping capability result before handshake completion")
		return
	}
	if c.toolsReceived {
		c.logger.Debug("dropping duplicate tool list result")
		return
	}
	c.toolsReceived = true

	if msg.Error != nil {
		c.logger.Error("tool list request failed", "err", msg.Error)
		return
	}

	var result ListToolsResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		c.logger.Error("failed to unmarshal tool list result", "err", err)
		return
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.offerToHooks(msg)
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	if !c.initialized {
		c.logger.Debug("dropping notification before handshake completion", "method", msg.Method)
		return
	}

	switch msg.Method {
	case methodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case methodNotificationsProgress:
		if c.progressListener != nil {
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", "err", err)
				break
			}
			c.progressListener.OnProgress(params)
		}
	case methodNotificationsMessage:
		if c.logReceiver != nil {
			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal log params", "err", err)
				break
			}
			c.logReceiver.OnLog(params)
		}
	}

	c.offerToHooks(msg)
}

func (c *Client) offerToHooks(msg JSONRPCMessage) {
	if !c.initialized {
		return
	}
	for _, h := range c.hooks {
		if h.Match == nil || h.Match(msg) {
			h.Handle(msg)
		}
	}
}

func (c *Client) sendRequest(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	if !c.ready() {
		return JSONRPCMessage{}, errors.New("client not initialized")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	id := c.nextID.Add(1)
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      RequestID(id),
		Method:  method,
		Params:  paramsBs,
	}

	// Register before sending, so a response pushed on the stream cannot
	// outrun the bookkeeping.
	resChan := make(chan JSONRPCMessage, 1)
	select {
	case c.registerPending <- pendingRequest{id: id, ch: resChan}:
	case <-c.loopDone:
		return JSONRPCMessage{}, ErrClosed
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}

	res, err := c.send(ctx, msg)
	if err != nil {
		c.unregisterPending(id)
		return JSONRPCMessage{}, err
	}

	if !res.isZero() {
		// Funnel direct responses through the event loop so duplicates
		// replayed on the stream are dropped.
		select {
		case c.results <- res:
		case <-c.loopDone:
			return JSONRPCMessage{}, ErrClosed
		case <-ctx.Done():
			c.unregisterPending(id)
			return JSONRPCMessage{}, ctx.Err()
		}
	}

	timeout := time.NewTimer(c.readTimeout)
	defer timeout.Stop()

	select {
	case resMsg := <-resChan:
		return resMsg, nil
	case <-timeout.C:
		c.unregisterPending(id)
		return JSONRPCMessage{}, errors.New("request timeout")
	case <-ctx.Done():
		c.unregisterPending(id)
		return JSONRPCMessage{}, ctx.Err()
	case <-c.loopDone:
		return JSONRPCMessage{}, ErrClosed
	}
}

func (c *Client) sendNotification(ctx context.Context, method string) error {
	_, err := c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  json.RawMessage(`{}`),
	})
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	c.mu.RLock()
	endpoint := c.endpoint
	c.mu.RUnlock()

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	return c.transport.Send(sCtx, endpoint, msg)
}

func (c *Client) unregisterPending(id int64) {
	select {
	case c.cancelPending <- id:
	case <-c.loopDone:
	}
}

func (c *Client) ready() bool {
	st := c.State()
	return st == StateInitialized || st == StateToolsRequested
}

func (c *Client) setState(state HandshakeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed {
		// Failed is absorbing.
		return
	}
	c.state = state
}

func (c *Client) fail(err error) {
	c.setState(StateFailed)
	select {
	case c.handshakeDone <- err:
	default:
	}
}

// failHandshake aborts the whole session: the error is surfaced to the
// Connect caller and the stream is closed.
func (c *Client) failHandshake(err error) {
	c.fail(err)
	if c.cancel != nil {
		c.cancel()
	}
}

func (m JSONRPCMessage) isZero() bool {
	return m.ID == 0 && m.Method == "" && m.Result == nil && m.Error == nil
}

func (s HandshakeState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingSession:
		return "awaiting-session"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateToolsRequested:
		return "tools-requested"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
