package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gobby-dev/gobby/internal/tools"
)

// newMCPServer exposes the tool registry over the Model Context Protocol so
// CLIs configure gobby as a single MCP server instead of shelling out to the
// HTTP invoke path. MCP tool names cannot contain slashes, so the namespaced
// registry names are flattened ("tasks/close_task" becomes
// "tasks_close_task"); the caller's session rides in the session_id argument.
func newMCPServer(reg *tools.Registry) *server.MCPServer {
	s := server.NewMCPServer("gobby", "1.0.0", server.WithToolCapabilities(false))
	for _, t := range reg.Tools() {
		realName := t.Name
		s.AddTool(
			mcp.NewTool(mcpToolName(t.Name), mcp.WithDescription(t.Description)),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				sessionID, _ := args["session_id"].(string)
				delete(args, "session_id")

				res := reg.Dispatch(ctx, sessionID, realName, args)
				if res.IsError {
					return mcp.NewToolResultError(res.ForLLM), nil
				}
				return mcp.NewToolResultText(res.ForLLM), nil
			},
		)
	}
	return s
}

func mcpToolName(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

// handleMCP serves the streamable-HTTP MCP transport at /mcp, behind the
// same token check as the RPC surface.
func (s *Server) handleMCP() http.Handler {
	streamable := server.NewStreamableHTTPServer(newMCPServer(s.tools))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		streamable.ServeHTTP(w, r)
	})
}
