// Copyright 2025 OpsRelay
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcpserver

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"opsrelay/engine"
	"opsrelay/shared/logger"
	"opsrelay/sources/registry"
)

// DefaultInvokeTimeout bounds invoke_tool calls that do not pass one
const DefaultInvokeTimeout = 60 * time.Second

// Server exposes the agent's tool operations over the MCP protocol for
// direct consumption by an AI client. This is the MCP-mode ingress: one
// synchronous task per invoke_tool call, no polling.
type Server struct {
	pool      *engine.Pool
	reg       *registry.Registry
	mcpServer *server.MCPServer
	log       *logger.Logger
}

// New creates the MCP server and registers its tools
func New(pool *engine.Pool, reg *registry.Registry, version string) *Server {
	mcpServer := server.NewMCPServer(
		"opsrelay-agent",
		version,
		server.WithToolCapabilities(false),
	)

	s := &Server{
		pool:      pool,
		reg:       reg,
		mcpServer: mcpServer,
		log:       logger.New("mcpserver"),
	}
	s.registerTools()
	return s
}

// Start serves MCP over stdio until the context is cancelled or the
// client closes the connection
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("", "Starting MCP server on stdio", map[string]interface{}{
		"sources": s.reg.Count(),
	})
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Server) registerTools() {
	invokeTool := mcp.NewTool("invoke_tool",
		mcp.WithDescription("Execute one operation against a configured source (grafana, kubernetes, bash, ...)"),
		mcp.WithString("source_type",
			mcp.Required(),
			mcp.Description("Source type to invoke (see list_sources)"),
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("Operation name declared by the source"),
		),
		mcp.WithObject("parameters",
			mcp.Description("Operation-specific parameters (as JSON object)"),
		),
		mcp.WithString("credential_ref",
			mcp.Description("Name of a configured connection for the source; defaults to its only one"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Overall deadline for the call (default 60)"),
		),
	)
	s.mcpServer.AddTool(invokeTool, s.handleInvokeTool)

	listSourcesTool := mcp.NewTool("list_sources",
		mcp.WithDescription("List registered source types with their declared operations"),
	)
	s.mcpServer.AddTool(listSourcesTool, s.handleListSources)

	testConnectionTool := mcp.NewTool("test_source_connection",
		mcp.WithDescription("Verify the configured connections of a source are reachable"),
		mcp.WithString("source_type",
			mcp.Required(),
			mcp.Description("Source type to test"),
		),
	)
	s.mcpServer.AddTool(testConnectionTool, s.handleTestConnection)
}
