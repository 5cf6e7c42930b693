// Package mcp implements a read-only Model Context Protocol server over the
// statement store, so MCP-compatible agents can query learning records
// without speaking the xAPI HTTP surface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/axiomata/recital/internal/authz"
	"github.com/axiomata/recital/internal/model"
	"github.com/axiomata/recital/internal/store"
)

// Server wraps the MCP server with the statement store. Tool calls carry the
// HTTP request context, so the principal resolved by the auth middleware is
// available here and every tool goes through the same scope gate as the
// xAPI surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     *store.Store
	gate      *authz.Gate
	logger    *slog.Logger
}

// New creates and configures an MCP server with the statement tools.
func New(st *store.Store, gate *authz.Gate, version string, logger *slog.Logger) *Server {
	s := &Server{
		store:  st,
		gate:   gate,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"recital",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// query_statements: filtered page of statements.
	s.mcpServer.AddTool(
		mcplib.NewTool("query_statements",
			mcplib.WithDescription("Query stored learning statements with filters and keyset pagination"),
			mcplib.WithString("verb", mcplib.Description("Filter by verb IRI")),
			mcplib.WithString("activity", mcplib.Description("Filter by activity (object) IRI")),
			mcplib.WithString("since", mcplib.Description("Only statements with timestamp at or after this RFC 3339 instant")),
			mcplib.WithString("until", mcplib.Description("Only statements with timestamp before this RFC 3339 instant")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum statements to return (default 10)")),
			mcplib.WithString("cursor", mcplib.Description("Opaque cursor from a previous page")),
			mcplib.WithBoolean("ascending", mcplib.Description("Oldest first instead of newest first")),
		),
		s.handleQueryStatements,
	)

	// get_statement: single statement by id.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_statement",
			mcplib.WithDescription("Fetch a single statement by id"),
			mcplib.WithString("statement_id", mcplib.Description("Statement UUID"), mcplib.Required()),
			mcplib.WithBoolean("voided", mcplib.Description("Fetch a voided statement instead of an active one")),
		),
		s.handleGetStatement,
	)
}

func (s *Server) handleQueryStatements(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := authz.PrincipalFromContext(ctx)
	if p == nil {
		return errorResult("authentication required"), nil
	}

	q := model.StatementQuery{
		Verb:     request.GetString("verb", ""),
		Activity: request.GetString("activity", ""),
		Limit:    request.GetInt("limit", 10),
	}
	q.Ascending = request.GetBool("ascending", false)

	if v := request.GetString("since", ""); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return errorResult(fmt.Sprintf("since is not RFC 3339: %v", err)), nil
		}
		q.Since = &t
	}
	if v := request.GetString("until", ""); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return errorResult(fmt.Sprintf("until is not RFC 3339: %v", err)), nil
		}
		q.Until = &t
	}
	if v := request.GetString("cursor", ""); v != "" {
		cur, err := model.DecodeCursor(v)
		if err != nil {
			return errorResult("cursor is not valid"), nil
		}
		q.Cursor = cur
	}

	if err := s.gate.AuthorizeRead(*p, &q); err != nil {
		return errorResult("statements/read scope required"), nil
	}

	page, err := s.store.Query(ctx, q)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	stmts := make([]json.RawMessage, len(page.Statements))
	for i, st := range page.Statements {
		stmts[i] = st.Raw
	}
	resp := map[string]any{"statements": stmts}
	if page.More != nil {
		resp["cursor"] = page.More.Encode()
	}

	resultData, _ := json.MarshalIndent(resp, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetStatement(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := authz.PrincipalFromContext(ctx)
	if p == nil {
		return errorResult("authentication required"), nil
	}

	// Mine-narrowed principals are checked against the statement's authority
	// after the fetch, like the HTTP surface: a mismatch reads as not found
	// so foreign ids cannot be confirmed to exist.
	var narrow model.StatementQuery
	if err := s.gate.AuthorizeRead(*p, &narrow); err != nil {
		return errorResult("statements/read scope required"), nil
	}

	id := request.GetString("statement_id", "")
	if id == "" {
		return errorResult("statement_id is required"), nil
	}
	voided := request.GetBool("voided", false)

	stmt, err := s.store.Get(ctx, id, voided)
	if err != nil {
		return errorResult(fmt.Sprintf("get failed: %v", err)), nil
	}
	if narrow.Authority != "" && stmt.Meta.Authority != narrow.Authority {
		return errorResult(fmt.Sprintf("get failed: %v", store.ErrNotFound)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(stmt.Raw)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
