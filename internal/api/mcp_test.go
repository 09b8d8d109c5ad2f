package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/askpaper/askpaper/internal/objectstore"
	"github.com/askpaper/askpaper/internal/retrieval"
	"github.com/askpaper/askpaper/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *stubRetriever, *stubVectors) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := objectstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New failed: %v", err)
	}

	engine := &stubRetriever{strategy: retrieval.StrategySemantic}
	vectors := newStubVectors()

	return MCPDeps{
		Store:       store,
		Blobs:       blobs,
		Engine:      engine,
		Vectors:     vectors,
		MaxAttempts: 3,
	}, engine, vectors
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_IngestDocument(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	handler := mcpIngestDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ingest_document", map[string]any{
		"filename": "paper.pdf",
		"content":  base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 mcp upload")),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp ingestResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if resp.Status != storage.StatusQueued {
		t.Errorf("status = %q, want queued", resp.Status)
	}

	job, err := deps.Store.GetJob(resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != storage.KindPDF || job.DocumentID != resp.DocumentID {
		t.Errorf("job = %+v, response = %+v", job, resp)
	}
}

func TestMCPTool_IngestDocument_BadBase64(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	handler := mcpIngestDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ingest_document", map[string]any{
		"filename": "paper.pdf",
		"content":  "!!not base64!!",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for invalid base64")
	}
}

func TestMCPTool_IngestDocument_MissingArgs(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	handler := mcpIngestDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ingest_document", map[string]any{
		"filename": "paper.pdf",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing content")
	}
}

func TestMCPTool_JobStatus(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	job, err := deps.Store.EnqueueJob(storage.Payload{
		Kind:       storage.KindPage,
		DocumentID: "doc-mcp",
		StorageRef: "abc123.html",
		Filename:   "page.html",
	}, 3)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	handler := mcpJobStatus(deps)
	result, err := handler(context.Background(), makeCallToolRequest("job_status", map[string]any{
		"job_id": job.ID,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp jobResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if resp.Status != storage.StatusQueued || resp.DocumentID != "doc-mcp" {
		t.Errorf("unexpected job: %+v", resp)
	}
}

func TestMCPTool_JobStatus_NotFound(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	handler := mcpJobStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("job_status", map[string]any{
		"job_id": "ingest:missing",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown job")
	}
}

func TestMCPTool_AskDocument(t *testing.T) {
	deps, engine, _ := newTestMCPDeps(t)
	engine.results = []retrieval.Result{
		{DocumentID: "doc-1", ChunkIndex: 2, Source: "paper.pdf", Content: "attention mechanisms", Score: 1.1, Reason: "High semantic similarity to query"},
	}

	handler := mcpAskDocument(deps)
	result, err := handler(context.Background(), makeCallToolRequest("ask_document", map[string]any{
		"document_id": "doc-1",
		"question":    "How does attention work?",
		"max_results": 3,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp retrieveResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Content != "attention mechanisms" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if !strings.Contains(resp.Context, "attention mechanisms") {
		t.Errorf("context missing content: %q", resp.Context)
	}
	if engine.gotDocumentID != "doc-1" || engine.gotOpts.MaxResults != 3 {
		t.Errorf("engine called with %q / %+v", engine.gotDocumentID, engine.gotOpts)
	}
}

func TestMCPTool_AskDocument_ConfiguredDefaults(t *testing.T) {
	deps, engine, _ := newTestMCPDeps(t)
	deps.Retrieval = retrieval.Options{MaxResults: 2, MinScore: 0.5}
	engine.results = []retrieval.Result{
		{DocumentID: "doc-1", ChunkIndex: 0, Content: "passage", Score: 1.0, Reason: "High semantic similarity to query"},
	}

	handler := mcpAskDocument(deps)
	result, err := handler(context.Background(), makeCallToolRequest("ask_document", map[string]any{
		"document_id": "doc-1",
		"question":    "What does it say?",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if engine.gotOpts.MaxResults != 2 || engine.gotOpts.MinScore != 0.5 {
		t.Errorf("opts = %+v, want configured defaults {2 0.5}", engine.gotOpts)
	}
}

func TestMCPTool_AskDocument_NoResults(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	handler := mcpAskDocument(deps)
	result, err := handler(context.Background(), makeCallToolRequest("ask_document", map[string]any{
		"document_id": "doc-empty",
		"question":    "Anything here?",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "No relevant passages found." {
		t.Errorf("text = %q", got)
	}
}

func TestMCPTool_DeleteDocument(t *testing.T) {
	deps, _, vectors := newTestMCPDeps(t)
	vectors.counts["doc-gone"] = 4

	handler := mcpDeleteDocument(deps)
	result, err := handler(context.Background(), makeCallToolRequest("delete_document", map[string]any{
		"document_id": "doc-gone",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if len(vectors.deleted) != 1 || vectors.deleted[0] != "doc-gone" {
		t.Errorf("vector deletion not recorded: %v", vectors.deleted)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
