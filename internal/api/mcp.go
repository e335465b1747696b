package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const maxMCPResults = 50

// NewMCPServer creates an MCP server exposing search, chat and ingestion.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"docrag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docrag: question answering over ingested PDF documents, with page-level citations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search ingested documents and return the most similar chunks with their citations."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the ingested documents. Pass session_id to continue a conversation."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation id; omitted starts a new conversation")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_file",
			mcp.WithDescription("Ingest a PDF from the local filesystem into the document store."),
			mcp.WithString("path", mcp.Description("Absolute path to a PDF file"), mcp.Required()),
		),
		mcpIngestFile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docrag://documents",
			"Ingested Documents",
			mcp.WithResourceDescription("Stored documents with chunk and page counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpSearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultK(deps))
		if limit <= 0 {
			limit = defaultK(deps)
		}
		if limit > maxMCPResults {
			limit = maxMCPResults
		}

		hits, err := deps.Searcher.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		results := make([]searchHit, len(hits))
		for i, h := range hits {
			results[i] = searchHit{Label: h.Metadata.Label(), Text: h.Text, Score: h.Score, Meta: h.Metadata}
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("chat not available: no generation backend configured"), nil
		}
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}

		s := deps.Sessions.GetOrCreate(req.GetString("session_id", ""))
		reply, err := deps.Chat.Chat(ctx, s, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		var b strings.Builder
		b.WriteString(reply.Answer)
		if len(reply.Sources) > 0 {
			b.WriteString("\n\nSources:\n")
			for _, src := range dedupe(reply.Sources) {
				fmt.Fprintf(&b, "- %s\n", src)
			}
		}
		fmt.Fprintf(&b, "\nsession_id: %s", s.ID)
		return mcpText(b.String()), nil
	}
}

func mcpIngestFile(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Ingestor == nil {
			return mcpError("ingestion not available: no generation backend configured"), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		if !filepath.IsAbs(path) {
			return mcpError("path must be absolute"), nil
		}

		f, err := os.Open(path)
		if err != nil {
			return mcpError(fmt.Sprintf("opening file: %v", err)), nil
		}
		defer f.Close()

		res, err := deps.Ingestor.Ingest(ctx, filepath.Base(path), f)
		if err != nil {
			return mcpError(fmt.Sprintf("ingestion failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Ingested %s: %d pages, %d text chunks, %d image chunks",
			res.Source, res.Pages, res.TextChunks, res.ImageChunks)), nil
	}
}

func mcpResourceDocuments(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sources, err := deps.Sources.Sources(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		b, err := json.Marshal(sources)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// dedupe keeps the first occurrence of each label.
func dedupe(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := labels[:0:0]
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
