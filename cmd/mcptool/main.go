// mcptool is a small command-line client for MCP services exposed over SSE.
// It connects to a server, performs the session handshake, and either prints
// the advertised tools or invokes one of them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	mcpsse "github.com/modulab/go-mcpsse"
)

var (
	serverURL      string
	timeout        time.Duration
	debug          bool
	connectRetries uint

	callArgs string
)

var rootCmd = &cobra.Command{
	Use:   "mcptool",
	Short: "Inspect and invoke tools on an MCP server over SSE",
	Long: `mcptool connects to an MCP (Model Context Protocol) server over its SSE
transport, performs the initialize handshake, and discovers the server's
tools. Use the subcommands to list the advertised tools or to call one.`,
	SilenceUsage: true,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the server advertises",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.ListTools(ctx, mcpsse.ListToolsParams{})
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}

		if len(result.Tools) == 0 {
			cmd.Println("No tools advertised.")
			return nil
		}
		for _, tool := range result.Tools {
			if tool.Description != "" {
				cmd.Printf("%s\t%s\n", tool.Name, tool.Description)
				continue
			}
			cmd.Println(tool.Name)
		}
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call NAME",
	Short: "Invoke a tool and print its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var arguments json.RawMessage
		if callArgs != "" {
			if !json.Valid([]byte(callArgs)) {
				return fmt.Errorf("--args must be a valid JSON object")
			}
			arguments = json.RawMessage(callArgs)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.CallTool(ctx, mcpsse.CallToolParams{
			Name:      args[0],
			Arguments: arguments,
		})
		if err != nil {
			return fmt.Errorf("failed to call tool %q: %w", args[0], err)
		}

		for _, content := range result.Content {
			switch content.Type {
			case "text":
				cmd.Println(content.Text)
			default:
				cmd.Printf("[%s content, %s]\n", content.Type, content.MimeType)
			}
		}
		if result.IsError {
			return fmt.Errorf("tool %q reported an error", args[0])
		}
		return nil
	},
}

func connect(ctx context.Context) (*mcpsse.Client, error) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	transport := mcpsse.NewSSEClient(serverURL, nil,
		mcpsse.WithSSEClientLogger(logger))

	options := []mcpsse.ClientOption{
		mcpsse.WithClientLogger(logger),
		mcpsse.WithHandshakeTimeout(timeout),
	}
	if connectRetries > 1 {
		options = append(options, mcpsse.WithConnectRetry(connectRetries))
	}

	client := mcpsse.NewClient(mcpsse.Info{
		Name:    "mcptool",
		Version: "0.1.0",
	}, transport, options...)

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	return client, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"http://localhost:8080/sse", "SSE connect URL of the MCP server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout",
		30*time.Second, "Overall timeout for the command")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().UintVar(&connectRetries, "connect-retries",
		1, "Connection attempts before giving up")

	callCmd.Flags().StringVar(&callArgs, "args", "", "Tool arguments as a JSON object")

	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
