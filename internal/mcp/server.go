package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
	"github.com/fyrsmithlabs/forgeline/internal/secrets"
)

// Runs is the orchestrator surface the tools drive.
type Runs interface {
	Submit(ctx context.Context, task pipeline.Task) (string, error)
	Wait(ctx context.Context, runID string) (*orchestrator.Result, error)
	Status(ctx context.Context, runID string) (runstore.Run, error)
	Cancel(runID string) error
}

// Trace reads stored trace events.
type Trace interface {
	Events(ctx context.Context, runID string) ([]events.TraceEvent, error)
}

// Server is an MCP server over the orchestrator.
type Server struct {
	mcp      *mcp.Server
	runs     Runs
	trace    Trace
	scrubber secrets.Scrubber
	metrics  *Metrics
	logger   *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "forgeline")
	Name    string
	Version string
	Logger  *logging.Logger
}

func DefaultConfig() *Config {
	return &Config{
		Name:    "forgeline",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates the server and registers its tools. trace may be nil,
// in which case pipeline_trace is not offered.
func NewServer(cfg *Config, runs Runs, trace Trace, scrubber secrets.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if runs == nil {
		return nil, fmt.Errorf("runs are required")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		runs:     runs,
		trace:    trace,
		scrubber: scrubber,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on the stdio transport until ctx ends or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session on t. Used for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
