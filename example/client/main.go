// Command client calls one tool of a running "cppmcp sse" server and prints the result.
//
//	go run ./example/client --url http://localhost:8080/sse open_document '{"path":"a.cpp","content":"void f(){}"}'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	mcp "github.com/MegaGrindStone/cppmcp"
)

var (
	flagURL     string
	flagTimeout time.Duration
)

func main() {
	cmd := &cobra.Command{
		Use:           "client <tool> [arguments-json]",
		Short:         "Call a cppmcp tool over SSE",
		Args:          cobra.RangeArgs(1, 2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments := json.RawMessage(`{}`)
			if len(args) == 2 {
				arguments = json.RawMessage(args[1])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()
			return run(ctx, args[0], arguments)
		},
	}
	cmd.Flags().StringVar(&flagURL, "url", "http://localhost:8080/sse", "SSE endpoint of the server")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "overall timeout")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, tool string, arguments json.RawMessage) error {
	client := mcp.NewSSEClient(flagURL, http.DefaultClient)

	ready := make(chan error, 1)
	events, err := client.StartSession(ctx, ready)
	if err != nil {
		return err
	}
	if err := <-ready; err != nil {
		return fmt.Errorf("session not ready: %w", err)
	}
	// Replies come back on the POST; the stream copies are drained.
	go func() {
		for range events {
		}
	}()

	if _, err := request(ctx, client, 0, "initialize", map[string]any{
		"protocolVersion": mcp.LatestProtocolVersion,
		"clientInfo":      mcp.Info{Name: "cppmcp-example", Version: "0.1.0"},
	}); err != nil {
		return err
	}
	if _, err := client.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/initialized"}); err != nil {
		return err
	}

	raw, err := request(ctx, client, 1, mcp.MethodToolsCall, mcp.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		return err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	for _, c := range result.Content {
		fmt.Println(c.Text)
	}
	return nil
}

func request(ctx context.Context, client *mcp.SSEClient, id int, method string, params any) (json.RawMessage, error) {
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	reply, err := client.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewRequestID(id),
		Method:  method,
		Params:  bs,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if reply == nil {
		return nil, fmt.Errorf("%s: no reply", method)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s: %s (%d)", method, reply.Error.Message, reply.Error.Code)
	}
	return reply.Result, nil
}
