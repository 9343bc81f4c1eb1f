package mcpsse_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpsse "github.com/modulab/go-mcpsse"
)

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
		wantErr  bool
	}{
		{
			name:     "relative endpoint",
			endpoint: "/messages/?session_id=abc123",
			want:     "abc123",
		},
		{
			name:     "absolute endpoint",
			endpoint: "http://example.com/messages/?session_id=deadbeef",
			want:     "deadbeef",
		},
		{
			name:     "extra params before",
			endpoint: "/messages/?foo=bar&session_id=xyz",
			want:     "xyz",
		},
		{
			name:     "extra params after",
			endpoint: "/messages/?session_id=xyz&foo=bar",
			want:     "xyz",
		},
		{
			name:     "fragment after value",
			endpoint: "/messages/?session_id=xyz#frag",
			want:     "xyz",
		},
		{
			name:     "missing param",
			endpoint: "/messages/?foo=bar",
			wantErr:  true,
		},
		{
			name:     "empty value",
			endpoint: "/messages/?session_id=",
			wantErr:  true,
		},
		{
			name:     "no query",
			endpoint: "/messages/",
			wantErr:  true,
		},
		{
			name:     "prefix of another param",
			endpoint: "/messages/?session_id_extra=abc",
			wantErr:  true,
		},
		{
			name:     "empty payload",
			endpoint: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mcpsse.ExtractSessionID(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				var protoErr *mcpsse.ProtocolError
				assert.ErrorAs(t, err, &protoErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// The stream decoder must reassemble frames no matter where the transport
// splits the byte stream. The handler below flushes mid-line and mid-frame.
func TestSSEClientStartSessionChunkedFrames(t *testing.T) {
	chunks := []string{
		"event: end",
		"point\ndata: /messages/?session_id=abc\n",
		"\ndata: {\"jsonrpc\":\"2.0\",",
		"\"method\":\"notifications/progress\"}\n\n",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		for _, chunk := range chunks {
			if _, err := fmt.Fprint(w, chunk); err != nil {
				t.Errorf("failed to write chunk: %v", err)
				return
			}
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer srv.Close()

	client := mcpsse.NewSSEClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.StartSession(ctx)
	require.NoError(t, err)

	var received []mcpsse.StreamEvent
	for ev := range events {
		received = append(received, ev)
		if len(received) == 2 {
			break
		}
	}

	require.Len(t, received, 2)
	assert.Equal(t, "endpoint", received[0].Type)
	assert.Equal(t, "/messages/?session_id=abc", received[0].Data)
	// Frames without an event line carry the implicit type.
	assert.Equal(t, "message", received[1].Type)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/progress"}`, received[1].Data)
}

func TestSSEClientStartSessionRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	client := mcpsse.NewSSEClient(srv.URL, srv.Client())

	_, err := client.StartSession(context.Background())
	require.Error(t, err)

	var transportErr *mcpsse.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusForbidden, transportErr.Status)
}

func TestSSEClientSend(t *testing.T) {
	var gotSessionID string
	var gotBody mcpsse.JSONRPCMessage

	mux := http.NewServeMux()
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		gotSessionID = r.URL.Query().Get("session_id")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	})
	mux.HandleFunc("/async", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := mcpsse.NewSSEClient(srv.URL+"/connect", srv.Client())

	msg := mcpsse.JSONRPCMessage{
		JSONRPC: mcpsse.JSONRPCVersion,
		ID:      1,
		Method:  "initialize",
		Params:  json.RawMessage(`{}`),
	}

	// Relative endpoints resolve against the connect URL.
	res, err := client.Send(context.Background(), "/messages/?session_id=s1", msg)
	require.NoError(t, err)
	assert.Equal(t, "s1", gotSessionID)
	assert.Equal(t, "initialize", gotBody.Method)
	assert.EqualValues(t, 1, res.ID)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))

	// An empty 202 body means the response arrives on the stream.
	res, err = client.Send(context.Background(), "/async", msg)
	require.NoError(t, err)
	assert.Empty(t, res.Result)
	assert.EqualValues(t, 0, res.ID)

	_, err = client.Send(context.Background(), "/broken", msg)
	var transportErr *mcpsse.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusInternalServerError, transportErr.Status)
}

func TestSSEServerAndClient(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	server := mcpsse.NewSSEServer("/messages/")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/messages/", server.HandleMessage())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.Shutdown(ctx))
		srv.Close()
	}()

	sessions := make(chan *mcpsse.ServerSession, 1)
	go func() {
		for sess := range server.Sessions() {
			sessions <- sess
		}
	}()

	client := mcpsse.NewSSEClient(srv.URL+"/connect", srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.StartSession(ctx)
	require.NoError(t, err)

	streamed := make(chan mcpsse.StreamEvent, 8)
	go func() {
		defer close(streamed)
		for ev := range events {
			streamed <- ev
		}
	}()

	// The first frame announces the session's message endpoint.
	var endpointEv mcpsse.StreamEvent
	select {
	case endpointEv = <-streamed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for endpoint event")
	}
	require.Equal(t, "endpoint", endpointEv.Type)

	sessID, err := mcpsse.ExtractSessionID(endpointEv.Data)
	require.NoError(t, err)
	require.NotEmpty(t, sessID)

	var serverSession *mcpsse.ServerSession
	select {
	case serverSession = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server session")
	}
	defer serverSession.Stop()
	assert.Equal(t, sessID, serverSession.ID())

	// Client to server: POST to the announced endpoint.
	received := make(chan mcpsse.JSONRPCMessage, 1)
	go func() {
		for msg := range serverSession.Messages() {
			received <- msg
			return
		}
	}()

	clientMsg := mcpsse.JSONRPCMessage{
		JSONRPC: mcpsse.JSONRPCVersion,
		ID:      1,
		Method:  "initialize",
		Params:  json.RawMessage(`{"hello":"world"}`),
	}
	res, err := client.Send(ctx, endpointEv.Data, clientMsg)
	require.NoError(t, err)
	assert.True(t, res.ID == 0 && res.Result == nil, "message endpoint accepts asynchronously")

	select {
	case msg := <-received:
		assert.Equal(t, "initialize", msg.Method)
		assert.EqualValues(t, 1, msg.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server to receive message")
	}

	// Server to client: pushed as a "message" event.
	serverMsg := mcpsse.JSONRPCMessage{
		JSONRPC: mcpsse.JSONRPCVersion,
		ID:      1,
		Result:  json.RawMessage(`{"done":true}`),
	}
	require.NoError(t, serverSession.Send(serverMsg))

	select {
	case ev := <-streamed:
		assert.Equal(t, "message", ev.Type)
		var msg mcpsse.JSONRPCMessage
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &msg))
		assert.EqualValues(t, 1, msg.ID)
		assert.JSONEq(t, `{"done":true}`, string(msg.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for pushed message")
	}
}

// Sends racing a client disconnect must either complete or fail with
// ErrClosed; none may touch the connection after the handler returns.
func TestServerSessionSendDuringDisconnect(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	server := mcpsse.NewSSEServer("/messages/")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/messages/", server.HandleMessage())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.Shutdown(ctx))
		srv.Close()
	}()

	sessions := make(chan *mcpsse.ServerSession, 1)
	go func() {
		for sess := range server.Sessions() {
			sessions <- sess
		}
	}()

	client := mcpsse.NewSSEClient(srv.URL+"/connect", srv.Client())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := client.StartSession(ctx)
	require.NoError(t, err)
	go func() {
		for range events {
			continue
		}
	}()

	var serverSession *mcpsse.ServerSession
	select {
	case serverSession = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server session")
	}

	msg := mcpsse.JSONRPCMessage{
		JSONRPC: mcpsse.JSONRPCVersion,
		Method:  "notifications/progress",
		Params:  json.RawMessage(`{"progressToken":"op","progress":1}`),
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := serverSession.Send(msg); err != nil {
					return
				}
			}
		}()
	}

	// Drop the stream while the writers are mid-flight.
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for writers to stop")
	}

	// Messages exits once the session is stopped; after that every Send
	// reports the session closed.
	stopped := make(chan struct{})
	go func() {
		for range serverSession.Messages() {
			continue
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session to stop")
	}

	require.ErrorIs(t, serverSession.Send(msg), mcpsse.ErrClosed)
}

func TestSSEServerHandleMessageValidation(t *testing.T) {
	server := mcpsse.NewSSEServer("/messages/")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	// Sessions drives message routing even when no streams are open.
	go func() {
		for range server.Sessions() {
			continue
		}
	}()

	handler := server.HandleMessage()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing session_id")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/messages/?session_id=abc",
		strings.NewReader(`not json`))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed body")

	// Unknown sessions are acknowledged and dropped by the router.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/messages/?session_id=abc",
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}`))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
