// Package mcp serves the memory tools over JSON-RPC 2.0 on stdio using
// newline-delimited messages.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/app"
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server dispatches MCP requests onto the application.
type Server struct {
	app    *app.App
	logger *zap.Logger
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
}

// New builds a stdio server over the given streams.
func New(application *app.App, in io.Reader, out io.Writer, logger *zap.Logger) *Server {
	return &Server{app: application, logger: logger, in: in, out: out}
}

// Run reads newline-delimited JSON-RPC messages until EOF or cancellation.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var request rpcRequest
		if err := json.Unmarshal(line, &request); err != nil {
			s.reply(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
			continue
		}
		// Notifications carry no id and get no reply.
		if len(request.ID) == 0 {
			continue
		}
		s.reply(s.dispatch(ctx, request))
	}
	return scanner.Err()
}

func (s *Server) reply(response rpcResponse) {
	response.JSONRPC = "2.0"
	encoded, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("failed to marshal rpc response", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(append(encoded, '\n'))
}

func (s *Server) dispatch(ctx context.Context, request rpcRequest) rpcResponse {
	response := rpcResponse{ID: request.ID}

	switch request.Method {
	case "initialize":
		response.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "engram", "version": "1.0.0"},
		}
	case "ping":
		response.Result = map[string]any{}
	case "tools/list":
		response.Result = map[string]any{"tools": toolDefinitions()}
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(request.Params, &params); err != nil {
			response.Error = &rpcError{Code: -32602, Message: "invalid params"}
			return response
		}
		payload := s.callTool(ctx, params.Name, params.Arguments)
		encoded, err := json.Marshal(payload)
		if err != nil {
			response.Error = &rpcError{Code: -32603, Message: err.Error()}
			return response
		}
		response.Result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(encoded)}},
		}
	default:
		response.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("method %q not found", request.Method)}
	}
	return response
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]any) map[string]any {
	switch name {
	case "search_memory":
		return s.toolSearchMemory(ctx, args)
	case "compact_context":
		return s.toolCompactContext(ctx, args)
	case "create_memory":
		return s.toolCreateMemory(ctx, args)
	case "update_memory":
		return s.toolUpdateMemory(ctx, args)
	case "read_memory":
		return s.toolReadMemory(ctx, args)
	case "delete_memory":
		return s.toolDeleteMemory(ctx, args)
	case "add_alias":
		return s.toolAddAlias(ctx, args)
	case "rebuild_index":
		return s.toolRebuildIndex(ctx, args)
	case "index_status":
		return s.toolIndexStatus(ctx)
	}
	return map[string]any{"ok": false, "error": fmt.Sprintf("unknown tool %q", name)}
}
