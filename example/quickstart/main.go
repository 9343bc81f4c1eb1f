// Quickstart wires the whole stack together in one process: an SSEServer
// exposing a single echo tool, and a Client that connects, discovers it, and
// calls it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	mcpsse "github.com/modulab/go-mcpsse"
)

const addr = ":8080"

func main() {
	server := mcpsse.NewSSEServer("/messages/")

	mux := http.NewServeMux()
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/messages/", server.HandleMessage())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		for sess := range server.Sessions() {
			go answerSession(sess)
		}
	}()

	// Give the listener a moment to come up.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport := mcpsse.NewSSEClient("http://localhost"+addr+"/sse", nil)
	client := mcpsse.NewClient(mcpsse.Info{
		Name:    "quickstart",
		Version: "0.1.0",
	}, transport, mcpsse.WithHandshakeTimeout(5*time.Second))

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()

	fmt.Printf("connected to %s (session %s)\n", client.ServerInfo().Name, client.SessionID())
	for _, tool := range client.Tools() {
		fmt.Printf("tool: %s - %s\n", tool.Name, tool.Description)
	}

	result, err := client.CallTool(ctx, mcpsse.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello, world"}`),
	})
	if err != nil {
		log.Fatalf("call tool: %v", err)
	}
	for _, content := range result.Content {
		fmt.Printf("echo says: %s\n", content.Text)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	_ = srv.Shutdown(shutdownCtx)
}

// answerSession implements just enough of the protocol to serve the
// handshake and the echo tool, replying on the push stream.
func answerSession(sess *mcpsse.ServerSession) {
	for msg := range sess.Messages() {
		var result json.RawMessage

		switch msg.Method {
		case "initialize":
			result = json.RawMessage(`{
				"protocolVersion": "2024-11-05",
				"capabilities": {"tools": {}},
				"serverInfo": {"name": "quickstart-server", "version": "0.1.0"}
			}`)
		case mcpsse.MethodToolsList:
			result = json.RawMessage(`{
				"tools": [{"name": "echo", "description": "Echoes back its text argument"}]
			}`)
		case mcpsse.MethodToolsCall:
			result = echo(msg.Params)
		default:
			continue
		}

		if err := sess.Send(mcpsse.JSONRPCMessage{
			JSONRPC: mcpsse.JSONRPCVersion,
			ID:      msg.ID,
			Result:  result,
		}); err != nil {
			log.Printf("send response: %v", err)
			return
		}
	}
}

func echo(params json.RawMessage) json.RawMessage {
	var callParams mcpsse.CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return errorResult(fmt.Sprintf("bad params: %v", err))
	}

	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(callParams.Arguments, &args); err != nil {
		return errorResult(fmt.Sprintf("bad arguments: %v", err))
	}

	res := mcpsse.CallToolResult{
		Content: []mcpsse.Content{{Type: "text", Text: args.Text}},
	}
	bs, err := json.Marshal(res)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return bs
}

func errorResult(text string) json.RawMessage {
	res := mcpsse.CallToolResult{
		Content: []mcpsse.Content{{Type: "text", Text: text}},
		IsError: true,
	}
	bs, err := json.Marshal(res)
	if err != nil {
		return json.RawMessage(`{"content":[],"isError":true}`)
	}
	return bs
}
