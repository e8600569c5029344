package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/orchestrator"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
)

// ContextAssembler produces context for a turn.
type ContextAssembler interface {
	Assemble(ctx context.Context, turn strategy.ConversationTurn) orchestrator.Result
}

// MemoryWriter stores memories for the user bound to ctx.
type MemoryWriter interface {
	Add(ctx context.Context, text string, metadata map[string]interface{}) (string, error)
}

// Server is an MCP server backed by the orchestrator and memory store.
type Server struct {
	mcp       *mcp.Server
	assembler ContextAssembler
	memories  MemoryWriter
	metrics   *Metrics
	logger    *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "recalld")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "recalld",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server.
func NewServer(cfg *Config, assembler ContextAssembler, memories MemoryWriter) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if assembler == nil {
		return nil, fmt.Errorf("context assembler is required")
	}
	if memories == nil {
		return nil, fmt.Errorf("memory writer is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:       mcpServer,
		assembler: assembler,
		memories:  memories,
		metrics:   NewMetrics(cfg.Logger),
		logger:    cfg.Logger,
	}
	s.registerTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
