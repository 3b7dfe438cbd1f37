// Package mcp exposes question answering over the Model Context Protocol.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/rag"
	"github.com/abdul-hamid-achik/newsrag/internal/search"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
	"github.com/abdul-hamid-achik/newsrag/internal/version"
)

// AskInput is the input for news_ask.
type AskInput struct {
	Question string `json:"question" jsonschema:"The question about recent financial news."`
}

// SearchInput is the input for news_search.
type SearchInput struct {
	Query string `json:"query" jsonschema:"Natural language description of the news you are looking for."`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of articles to return."`
}

// StatusInput is the input for news_status (empty).
type StatusInput struct{}

// Answerer answers and searches.
type Answerer interface {
	AnswerQuestion(ctx context.Context, question string) (*rag.Answer, error)
	Search(ctx context.Context, query string, k int) (*search.Result, error)
}

// IndexSource exposes the loaded index.
type IndexSource interface {
	Snapshot() *vecindex.Snapshot
}

// StatsSource reports corpus statistics.
type StatsSource interface {
	Stats(ctx context.Context) (*db.Stats, error)
}

// ServerConfig contains configuration for the MCP server.
type ServerConfig struct {
	Answerer Answerer
	Index    IndexSource
	// Stats is optional
	Stats StatsSource
}

// Server wraps the official MCP SDK server.
type Server struct {
	server   *sdkmcp.Server
	answerer Answerer
	index    IndexSource
	stats    StatsSource
}

// NewServer creates a new MCP server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		answerer: cfg.Answerer,
		index:    cfg.Index,
		stats:    cfg.Stats,
	}

	s.server = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "newsrag",
		Version: version.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: "newsrag answers questions about recent financial news from a local corpus of summarized articles. " +
			"Use news_ask for a grounded answer with sources, news_search to list matching articles, " +
			"and news_status to check whether the index is loaded.",
	})

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "news_ask",
		Description: "Answer a question about financial news. The answer is grounded in the retrieved articles, which are listed as sources.",
	}, s.handleAsk)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "news_search",
		Description: "Semantic search over summarized financial news. Returns the closest articles with their summaries.",
	}, s.handleSearch)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "news_status",
		Description: "Report the loaded vector index build and corpus statistics.",
	}, s.handleStatus)

	return s
}

// Run serves MCP over stdio until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdkmcp.StdioTransport{})
}

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *sdkmcp.CallToolResult {
	r := textResult(text)
	r.IsError = true
	return r
}

// describe turns a failure into a message an assistant can act on.
func describe(err error) string {
	switch {
	case errors.Is(err, vecindex.ErrEmptyIndex):
		return "The news index is empty. Run `newsrag summarize` and `newsrag index` to build it."
	case errors.Is(err, rag.ErrQueryTimeout):
		return "The question timed out. Try again or ask something narrower."
	case errors.Is(err, search.ErrQueryEmbeddingFailed):
		return fmt.Sprintf("The embedding backend is unavailable: %v", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func (s *Server) handleAsk(ctx context.Context, req *sdkmcp.CallToolRequest, input AskInput) (*sdkmcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Question) == "" {
		return errorResult("question parameter is required"), nil, nil
	}

	answer, err := s.answerer.AnswerQuestion(ctx, input.Question)
	if err != nil {
		return errorResult(describe(err)), nil, nil
	}
	return textResult(rag.FormatAnswer(answer)), nil, nil
}

func (s *Server) handleSearch(ctx context.Context, req *sdkmcp.CallToolRequest, input SearchInput) (*sdkmcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return errorResult("query parameter is required"), nil, nil
	}

	result, err := s.answerer.Search(ctx, input.Query, input.Limit)
	if err != nil {
		return errorResult(describe(err)), nil, nil
	}
	if len(result.Hits) == 0 {
		return textResult("No results found."), nil, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d articles:\n\n", len(result.Hits)))
	sb.WriteString(search.FormatResults(result.Hits, search.FormatDefault))
	if len(result.Misses) > 0 {
		sb.WriteString(fmt.Sprintf("\n%d neighbours were skipped (deleted or stale).\n", len(result.Misses)))
	}
	return textResult(sb.String()), nil, nil
}

func (s *Server) handleStatus(ctx context.Context, req *sdkmcp.CallToolRequest, input StatusInput) (*sdkmcp.CallToolResult, any, error) {
	var sb strings.Builder
	sb.WriteString("Index Status:\n\n")

	snap := s.index.Snapshot()
	if snap.Size() == 0 {
		sb.WriteString("Index: empty (run `newsrag index`)\n")
	} else {
		m := snap.Manifest
		sb.WriteString(fmt.Sprintf("Build: %s\n", m.BuildID))
		sb.WriteString(fmt.Sprintf("Created: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05")))
		sb.WriteString(fmt.Sprintf("Model: %s (%d dimensions)\n", m.Model, m.Dimensions))
		sb.WriteString(fmt.Sprintf("Documents: %d\n", snap.Size()))
	}

	if s.stats != nil {
		stats, err := s.stats.Stats(ctx)
		if err != nil {
			return errorResult(fmt.Sprintf("Error getting stats: %v", err)), nil, nil
		}
		sb.WriteString("\nCorpus:\n")
		sb.WriteString(fmt.Sprintf("  Articles: %d\n", stats.Articles))
		sb.WriteString(fmt.Sprintf("  Summarized: %d\n", stats.Summarized))
		sb.WriteString(fmt.Sprintf("  Sources: %d\n", stats.Sources))
		if stats.SummaryMetrics > 0 {
			sb.WriteString(fmt.Sprintf("  Avg summary length: %.1f words\n", stats.AvgSummaryWords))
			sb.WriteString(fmt.Sprintf("  Avg summary time: %.2fs\n", stats.AvgResponseSeconds))
		}
	}

	return textResult(sb.String()), nil, nil
}
