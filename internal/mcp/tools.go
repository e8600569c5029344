package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
)

var errEmptyText = errors.New("text cannot be empty")

type getContextInput struct {
	UserID    string `json:"user_id" jsonschema:"User the turn belongs to"`
	ClientID  string `json:"client_id,omitempty" jsonschema:"Calling client; selects the capability profile"`
	Text      string `json:"text" jsonschema:"The user's message"`
	FirstTurn bool   `json:"first_turn,omitempty" jsonschema:"True for the first message of a session"`
}

type getContextOutput struct {
	Context  string   `json:"context" jsonschema:"Context to attach to the turn, possibly empty"`
	Strategy string   `json:"strategy" jsonschema:"Strategy that produced the context"`
	Tiers    []string `json:"tiers" jsonschema:"Strategies attempted in order"`
}

type rememberInput struct {
	UserID   string            `json:"user_id" jsonschema:"User the memory belongs to"`
	ClientID string            `json:"client_id,omitempty" jsonschema:"Calling client"`
	Text     string            `json:"text" jsonschema:"Fact to remember"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Optional string metadata"`
}

type rememberOutput struct {
	ID string `json:"id" jsonschema:"ID of the stored memory"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_context",
		Description: "Return remembered context about a user for the current conversational turn",
	}, s.getContext)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remember",
		Description: "Store a fact about a user",
	}, s.remember)
}

// instrument wraps a tool body with active-request and invocation metrics.
func (s *Server) instrument(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
	}
}

func (s *Server) getContext(ctx context.Context, _ *mcp.CallToolRequest, args getContextInput) (_ *mcp.CallToolResult, _ getContextOutput, toolErr error) {
	done := s.instrument(ctx, "get_context")
	defer func() { done(toolErr) }()

	if strings.TrimSpace(args.Text) == "" {
		return nil, getContextOutput{}, errEmptyText
	}
	jc := identity.JobContext{UserID: args.UserID, ClientID: args.ClientID}
	if err := jc.Validate(); err != nil {
		return nil, getContextOutput{}, err
	}

	res := s.assembler.Assemble(ctx, strategy.ConversationTurn{
		UserID:               args.UserID,
		ClientID:             args.ClientID,
		Text:                 args.Text,
		IsFirstTurnOfSession: args.FirstTurn,
	})

	out := getContextOutput{
		Context:  res.Context,
		Strategy: string(res.Strategy),
		Tiers:    make([]string, len(res.Tried)),
	}
	for i, t := range res.Tried {
		out.Tiers[i] = string(t)
	}

	text := res.Context
	if text == "" {
		text = "No relevant context."
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, out, nil
}

func (s *Server) remember(ctx context.Context, _ *mcp.CallToolRequest, args rememberInput) (_ *mcp.CallToolResult, _ rememberOutput, toolErr error) {
	done := s.instrument(ctx, "remember")
	defer func() { done(toolErr) }()

	if strings.TrimSpace(args.Text) == "" {
		return nil, rememberOutput{}, errEmptyText
	}
	jc := identity.JobContext{UserID: args.UserID, ClientID: args.ClientID}
	if err := jc.Validate(); err != nil {
		return nil, rememberOutput{}, err
	}

	metadata := make(map[string]interface{}, len(args.Metadata)+1)
	for k, v := range args.Metadata {
		metadata[k] = v
	}
	metadata["source"] = "mcp"

	id, err := s.memories.Add(identity.WithJobContext(ctx, jc), args.Text, metadata)
	if err != nil {
		s.logger.Warn("remember failed", zap.String("user.id", jc.UserID), zap.Error(err))
		return nil, rememberOutput{}, fmt.Errorf("storing memory: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Memory stored: %s", id)}},
	}, rememberOutput{ID: id}, nil
}
