// Package mcp exposes registered services as Model Context Protocol tools.
//
// Every supported operation of every service becomes one tool named
// "<path>_<operation>" (slashes in the path become underscores), e.g.
// "users_find". Tool arguments are
//
//	{"id": "...", "data": {...}, "query": {...}, "access_token": "..."}
//
// The result text is the JSON encoding of the operation result. Failed
// calls return an error result whose text is the JSON error body, with
// internal details removed.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/transport"
)

// Arguments are the arguments accepted by every tool.
type Arguments struct {
	ID          string         `json:"id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Query       map[string]any `json:"query,omitempty"`
	AccessToken string         `json:"access_token,omitempty"`
}

// Config holds configuration for the MCP server.
type Config struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// Server serves service tools over MCP.
type Server struct {
	dispatcher transport.Dispatcher
	server     *mcp.Server
	tools      []string
	logger     *slog.Logger
}

// New creates an MCP server with one tool per supported service operation
// in reg. Middleware is applied to the dispatcher in the given order.
func New(d transport.Dispatcher, reg *service.Registry, cfg Config, middlewares ...transport.Middleware) *Server {
	if len(middlewares) > 0 {
		d = transport.Chain(middlewares...)(d)
	}
	if cfg.Name == "" {
		cfg.Name = "plume"
	}
	if cfg.Version == "" {
		cfg.Version = "v0.1.0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		dispatcher: d,
		server:     mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		logger:     logger,
	}

	for _, path := range reg.Paths() {
		svc, err := reg.Lookup(path)
		if err != nil {
			continue
		}
		for _, op := range svc.Methods() {
			s.addTool(svc.Path(), op)
		}
	}
	sort.Strings(s.tools)
	return s
}

// ToolName returns the tool name of op on path.
func ToolName(path string, op service.Operation) string {
	return strings.ReplaceAll(service.NormalizePath(path), "/", "_") + "_" + string(op)
}

func (s *Server) addTool(path string, op service.Operation) {
	name := ToolName(path, op)
	s.server.AddTool(&mcp.Tool{
		Name:        name,
		Description: describe(path, op),
		InputSchema: inputSchema(op),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.call(ctx, path, op, req), nil
	})
	s.tools = append(s.tools, name)
	debug.Log("transport", "registered MCP tool", "tool", name)
}

// Tools returns the registered tool names in sorted order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

// Handler returns a streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) call(ctx context.Context, path string, op service.Operation, req *mcp.CallToolRequest) *mcp.CallToolResult {
	var args Arguments
	if req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(api.NewInvalidRequestError("arguments", "invalid tool arguments"))
		}
	}

	hc := service.NewContext(path, op)
	hc.ID = args.ID
	if args.Data != nil {
		hc.Data = api.Record(args.Data)
	}
	hc.Params.Query = api.Query(args.Query)
	if hc.Params.Query == nil {
		hc.Params.Query = api.Query{}
	}
	hc.Params.Provider = service.ProviderMCP
	if args.AccessToken != "" {
		hc.SetHeader("Authorization", "Bearer "+args.AccessToken)
	}

	out := s.dispatcher.Dispatch(ctx, hc)
	if out.Err != nil {
		return errorResult(out.Err)
	}

	text, err := json.Marshal(out.Result)
	if err != nil {
		s.logger.Error("encoding tool result failed", "tool", ToolName(path, op), "error", err)
		return errorResult(api.NewServerError("encoding result failed").WithCause(err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	body, _ := json.Marshal(api.ErrorResponse{Error: transport.Sanitize(err)})
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
		IsError: true,
	}
}

func describe(path string, op service.Operation) string {
	switch op {
	case service.Find:
		return fmt.Sprintf("Find records of the %s service matching query.", path)
	case service.Get:
		return fmt.Sprintf("Get the %s record with the given id.", path)
	case service.Create:
		return fmt.Sprintf("Create a %s record from data.", path)
	case service.Update:
		return fmt.Sprintf("Replace the %s record with the given id by data.", path)
	case service.Patch:
		return fmt.Sprintf("Merge data into the %s record with the given id.", path)
	case service.Remove:
		return fmt.Sprintf("Remove the %s record with the given id.", path)
	}
	return path + " " + string(op)
}

func inputSchema(op service.Operation) map[string]any {
	props := map[string]any{
		"access_token": map[string]any{
			"type":        "string",
			"description": "Bearer access token for protected operations",
		},
	}
	var required []string
	if op.RequiresID() {
		props["id"] = map[string]any{"type": "string", "description": "Record id"}
		required = append(required, "id")
	}
	if op.HasPayload() {
		props["data"] = map[string]any{"type": "object", "description": "Record fields"}
		required = append(required, "data")
	}
	props["query"] = map[string]any{"type": "object", "description": "Query filters, e.g. {\"age\": {\"$gt\": 3}, \"$limit\": 10}"}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
