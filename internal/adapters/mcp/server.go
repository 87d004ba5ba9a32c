// Package mcpadapter exposes retrieval, answering and index maintenance as
// Model Context Protocol tools.
package mcpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const (
	serverName    = "docsearch"
	serverVersion = "1.0.0"
	maxK          = 50
)

// Dependencies are the services behind the tools. Sessions is optional.
type Dependencies struct {
	Index        ports.IndexService
	Retriever    ports.Retriever
	Answers      ports.AnswerService
	Sessions     ports.SessionMemory
	SessionPairs int
	Logger       *slog.Logger
}

type Server struct {
	index        ports.IndexService
	retriever    ports.Retriever
	answers      ports.AnswerService
	sessions     ports.SessionMemory
	sessionPairs int
	logger       *slog.Logger
	mcp          *server.MCPServer
}

func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		index:        deps.Index,
		retriever:    deps.Retriever,
		answers:      deps.Answers,
		sessions:     deps.Sessions,
		sessionPairs: deps.SessionPairs,
		logger:       logger,
		mcp: server.NewMCPServer(serverName, serverVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying protocol server for transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving JSON-RPC over stdin and stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("retrieve",
		mcp.WithDescription("Return the top-k chunks most similar to a query, with scores."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithNumber("k", mcp.Description("Number of results"), mcp.Min(1), mcp.Max(maxK)),
	), s.retrieve)

	s.mcp.AddTool(mcp.NewTool("answer",
		mcp.WithDescription("Answer a question from the indexed documents with numbered citations."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question to answer")),
		mcp.WithNumber("k", mcp.Description("Number of chunks to retrieve"), mcp.Min(1), mcp.Max(maxK)),
		mcp.WithString("persona", mcp.Description("Answer style: concise, tutor or analyst")),
		mcp.WithString("model", mcp.Description("Chat model override")),
		mcp.WithString("session_id", mcp.Description("Conversation id whose recent turns are used as history")),
	), s.answer)

	s.mcp.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List indexed sources with their chunk counts."),
	), s.listSources)

	s.mcp.AddTool(mcp.NewTool("delete_source",
		mcp.WithDescription("Remove every chunk of a source from the index."),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source name as listed by list_sources")),
	), s.deleteSource)

	s.mcp.AddTool(mcp.NewTool("index_state",
		mcp.WithDescription("Describe the index mode, embedding model and size."),
	), s.indexState)
}

func (s *Server) retrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.retriever.Retrieve(ctx, query, req.GetInt("k", 0))
	if err != nil {
		return s.toolError("retrieve", err), nil
	}
	if results == nil {
		results = []domain.RetrievalResult{}
	}
	return jsonResult(map[string]any{"results": results})
}

func (s *Server) answer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID := strings.TrimSpace(req.GetString("session_id", ""))
	answer, err := s.answers.Answer(ctx, ports.AnswerRequest{
		Text:        question,
		K:           req.GetInt("k", 0),
		Persona:     req.GetString("persona", ""),
		Model:       req.GetString("model", ""),
		RecentTurns: s.recentTurns(ctx, sessionID),
	})
	if err != nil {
		return s.toolError("answer", err), nil
	}
	if s.sessions != nil && sessionID != "" {
		if err := s.sessions.AppendTurn(ctx, sessionID, question, answer.Text); err != nil {
			s.logger.Warn("session_write_failed", "session_id", sessionID, "error", err)
		}
	}
	return jsonResult(answer)
}

func (s *Server) listSources(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sources, err := s.index.ListSources(ctx)
	if err != nil {
		return s.toolError("list_sources", err), nil
	}
	if sources == nil {
		sources = []domain.SourceSummary{}
	}
	return jsonResult(map[string]any{"sources": sources})
}

func (s *Server) deleteSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.index.Delete(ctx, domain.DeleteBySource(source))
	if err != nil {
		return s.toolError("delete_source", err), nil
	}
	return jsonResult(map[string]int{"deleted": n})
}

func (s *Server) indexState(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.index.State(ctx))
}

func (s *Server) recentTurns(ctx context.Context, sessionID string) []domain.ConversationTurn {
	if s.sessions == nil || sessionID == "" {
		return nil
	}
	turns, err := s.sessions.RecentTurns(ctx, sessionID, s.sessionPairs)
	if err != nil {
		s.logger.Warn("session_read_failed", "session_id", sessionID, "error", err)
		return nil
	}
	return turns
}

// toolError reports failures inside the tool result so the calling model
// can see them; protocol errors are reserved for transport problems.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	s.logger.Warn("mcp_tool_failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
