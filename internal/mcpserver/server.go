// Package mcpserver exposes the document tools over the Model Context
// Protocol on stdio, for agents running outside the server process.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/agent"
	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
)

// ServerName is also the middle segment of the prefixed tool names the chat
// agent sees.
const ServerName = "punypage_internal"

// Version is set at build time via ldflags.
var Version = "dev"

// New registers every tool of registry on a new MCP server. Calls run as
// userID; an empty userID means the anonymous user.
func New(registry *agent.Registry, userID string, logger *zap.Logger) *server.MCPServer {
	if userID == "" {
		userID = model.AnonymousUserID
	}
	logger = logging.OrNop(logger).Named("mcp")

	s := server.NewMCPServer(
		ServerName,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	for _, tool := range registry.ListOrdered() {
		s.AddTool(Definition(tool.Spec()), Handler(registry, tool.Spec().Name, userID, logger))
	}
	return s
}

// Definition converts a tool spec to its MCP form.
func Definition(spec agent.ToolSpec) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(spec.Description)}
	for _, p := range spec.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		switch p.Type {
		case agent.ParamBoolean:
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		case agent.ParamInteger:
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		case agent.ParamObject:
			opts = append(opts, mcp.WithObject(p.Name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		}
	}
	return mcp.NewTool(spec.Name, opts...)
}

// Handler runs a registry tool. Tool failures are reported in the result,
// not as protocol errors, so the calling model can read them.
func Handler(registry *agent.Registry, name, userID string, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := registry.Execute(ctx, agent.ToolCall{
			UserID: userID,
			Name:   name,
			Input:  req.GetArguments(),
		})
		if err != nil {
			logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
			return mcp.NewToolResultError("Error: " + err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// ServeStdio blocks serving MCP on stdin and stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
