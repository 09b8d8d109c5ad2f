package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/askpaper/askpaper/internal/retrieval"
	"github.com/askpaper/askpaper/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. It mirrors the HTTP Deps so
// both surfaces drive the same pipeline.
type MCPDeps struct {
	Store   *storage.Store
	Blobs   BlobWriter
	Engine  Retriever
	Vectors VectorStore

	MaxAttempts int
	Retrieval   retrieval.Options // defaults applied when the tool call omits them
}

// BlobWriter abstracts document storage for the MCP layer.
type BlobWriter interface {
	Put(data []byte, filename string) (string, error)
}

// NewMCPServer creates an MCP server exposing the ingestion queue and the
// retrieval engine as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"askpaper",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("askpaper — ingest PDF and HTML documents, then ask questions answered from the most relevant passages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Queue a document (PDF or HTML page) for ingestion. Returns the document id and the ingestion job id."),
			mcp.WithString("filename", mcp.Description("Original filename, used to infer the document type"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Base64-encoded document bytes"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Document kind: pdf or page. Inferred from the filename when omitted")),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Check the status and progress of an ingestion job."),
			mcp.WithString("job_id", mcp.Description("Job id returned by ingest_document"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Retrieve the passages of an ingested document most relevant to a question."),
			mcp.WithString("document_id", mcp.Description("Document id returned by ingest_document"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer from the document"), mcp.Required()),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of passages to return (default 5)")),
		),
		mcpAskDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_document",
			mcp.WithDescription("Remove an ingested document and all its indexed chunks."),
			mcp.WithString("document_id", mcp.Description("Document id to delete"), mcp.Required()),
		),
		mcpDeleteDocument(deps),
	)

	return s
}

func mcpIngestDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filename, err := req.RequireString("filename")
		if err != nil {
			return mcpError("filename is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return mcpError(fmt.Sprintf("content is not valid base64: %v", err)), nil
		}

		kind, err := resolveKind(req.GetString("kind", ""), filename, data)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		ref, err := deps.Blobs.Put(data, filename)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store document: %v", err)), nil
		}

		job, err := deps.Store.EnqueueJob(storage.Payload{
			Kind:       kind,
			DocumentID: uuid.New().String(),
			StorageRef: ref,
			Filename:   filename,
		}, deps.MaxAttempts)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue job: %v", err)), nil
		}

		b, err := json.Marshal(ingestResponse{
			DocumentID: job.DocumentID,
			JobID:      job.ID,
			Status:     job.Status,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Store.GetJob(jobID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", jobID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load job: %v", err)), nil
		}

		b, err := json.Marshal(jobToResponse(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		opts := retrieval.Options{MaxResults: req.GetInt("max_results", 0)}
		if opts.MaxResults <= 0 {
			opts.MaxResults = deps.Retrieval.MaxResults
		}
		opts.MinScore = deps.Retrieval.MinScore

		results, analysis, strategy, err := deps.Engine.Retrieve(ctx, documentID, question, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("No relevant passages found."), nil
		}

		b, err := json.Marshal(retrieveResponse{
			Results:  results,
			Analysis: analysis,
			Strategy: strategy,
			Context:  retrieval.BuildContext(results, 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDeleteDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		if err := deps.Vectors.DeleteDocument(ctx, documentID); err != nil {
			return mcpError(fmt.Sprintf("failed to delete chunks: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted document %s", documentID)), nil
	}
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
