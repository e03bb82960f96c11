// Package mcpserver exposes the chat front door as MCP tools so agent hosts
// can ask questions of the database over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/refine"
	"github.com/chatsql/chatsql/internal/schema"
	"github.com/chatsql/chatsql/internal/session"
)

const (
	ToolAskDatabase    = "ask_database"
	ToolDescribeSchema = "describe_schema"
)

type ChatService interface {
	HandleMessage(ctx context.Context, sessionID, utterance string) (session.Response, error)
}

type SchemaService interface {
	Get(ctx context.Context, connectionID string) (schema.Lookup, error)
}

type Config struct {
	Name         string
	Version      string
	ConnectionID string
}

type Server struct {
	chat    ChatService
	schemas SchemaService
	cfg     Config
	logger  *slog.Logger
	mcp     *server.MCPServer
}

func New(chat ChatService, schemas SchemaService, cfg Config, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "chatsql"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		chat:    chat,
		schemas: schemas,
		cfg:     cfg,
		logger:  observability.LoggerOrDiscard(logger),
		mcp:     server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool(ToolAskDatabase,
		mcp.WithDescription("Answer a natural-language question about the connected database. "+
			"Pass the returned session_id on follow-up questions to keep conversational context."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The question to answer")),
		mcp.WithString("session_id", mcp.Description("Session to continue; omit to start a new one")),
	), s.handleAskDatabase)

	if schemas != nil {
		s.mcp.AddTool(mcp.NewTool(ToolDescribeSchema,
			mcp.WithDescription("Show the tables, columns and relations of the connected database."),
		), s.handleDescribeSchema)
	}
	return s
}

// ServeStdio blocks serving JSON-RPC over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleAskDatabase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil || strings.TrimSpace(message) == "" {
		return mcp.NewToolResultError("message is required"), nil
	}
	sessionID := request.GetString("session_id", "")

	response, err := s.chat.HandleMessage(ctx, sessionID, message)
	if err != nil {
		s.logger.WarnContext(ctx, "ask_database failed",
			slog.String("session_id", response.SessionID),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError(toolErrorText(err)), nil
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleDescribeSchema(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lookup, err := s.schemas.Get(ctx, s.cfg.ConnectionID)
	if err != nil {
		return mcp.NewToolResultError("schema unavailable: " + err.Error()), nil
	}
	text := schema.Render(lookup.Snapshot)
	if lookup.Stale {
		text = "(stale)\n" + text
	}
	return mcp.NewToolResultText(text), nil
}

func toolErrorText(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		return "session is unknown or expired; omit session_id to start a new one"
	case errors.Is(err, schema.ErrSchemaUnavailable):
		return "database schema could not be loaded"
	case errors.Is(err, generation.ErrUnavailable):
		return "language model is unavailable"
	case errors.Is(err, refine.ErrCancelled):
		return "request was cancelled before an answer was produced"
	default:
		return "internal error"
	}
}
