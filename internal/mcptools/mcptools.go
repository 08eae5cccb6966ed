// Package mcptools exposes the proxy's read-only surfaces as Model
// Context Protocol tools: routing-log stats, the model catalog, and the
// routing table. The server never proxies traffic.
package mcptools

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/throttleproxy/throttle/internal/catalog"
)

// Config wires the tool server to the proxy's artifacts.
type Config struct {
	// LogPath is the routing-log JSONL file get_stats aggregates.
	LogPath string

	// Registry is the loaded model catalog.
	Registry *catalog.Registry

	// Table is the loaded routing table.
	Table *catalog.Table

	// Logger receives tool-call diagnostics. Stdout belongs to the
	// protocol on the stdio transport, so this must write to stderr.
	Logger *slog.Logger
}

// Server hosts the throttle MCP tools over stdio or streamable HTTP.
type Server struct {
	config    Config
	mcpServer *mcp.Server
	handler   *mcp.StreamableHTTPHandler
}

// NewServer builds the tool server and registers the three tools.
func NewServer(version string, c Config) (*Server, error) {
	if c.Registry == nil {
		return nil, errors.New("mcptools: model catalog is required")
	}
	if c.Table == nil {
		return nil, errors.New("mcptools: routing table is required")
	}
	if c.LogPath == "" {
		return nil, errors.New("mcptools: routing log path is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	s := &Server{config: c}

	srv := mcp.NewServer(
		&mcp.Implementation{
			Name:    "throttle",
			Version: version,
		},
		&mcp.ServerOptions{},
	)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        statsToolName,
		Description: statsDescription,
	}, s.handleGetStats)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        modelsToolName,
		Description: modelsDescription,
	}, s.handleListModels)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        routingModesToolName,
		Description: routingModesDescription,
	}, s.handleGetRoutingModes)

	s.mcpServer = srv
	s.handler = mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return srv },
		&mcp.StreamableHTTPOptions{Stateless: true},
	)
	return s, nil
}

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// RunStdio serves the protocol over stdin/stdout until ctx ends.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}
