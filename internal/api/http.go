package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/askpaper/askpaper/internal/objectstore"
	"github.com/askpaper/askpaper/internal/retrieval"
	"github.com/askpaper/askpaper/internal/rewriter"
	"github.com/askpaper/askpaper/internal/sessioncache"
	"github.com/askpaper/askpaper/internal/storage"
)

// Base64 inflates uploads by a third, so the body cap sits above the
// post-decode document limit enforced by the extractor.
const maxIngestBodySize = 80 << 20
const maxURLFetchSize = 5 << 20
const maxRequestBodySize = 1 << 20

// Retriever abstracts the ranking engine for the API layer.
type Retriever interface {
	Retrieve(ctx context.Context, documentID, question string, opts retrieval.Options) ([]retrieval.Result, rewriter.QueryAnalysis, string, error)
}

// VectorStore abstracts the index operations the document endpoints need.
type VectorStore interface {
	DeleteDocument(ctx context.Context, documentID string) error
	Count(ctx context.Context, documentID string) (int, error)
}

type Deps struct {
	Store       *storage.Store
	Blobs       *objectstore.Store
	Engine      Retriever
	Vectors     VectorStore
	Sessions    *sessioncache.Cache // optional; if nil, sessionId is ignored
	Token       string              // empty disables auth
	HTTPClient  *http.Client
	MaxAttempts int               // retry budget stamped on enqueued jobs
	Retrieval   retrieval.Options // defaults applied when a request omits them
}

func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleCreateDocument(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/retrieve", handleRetrieve(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64-encoded document bytes
	URL      string `json:"url"`
	Kind     string `json:"kind"` // "pdf" or "page"; inferred when empty
}

type ingestResponse struct {
	DocumentID string `json:"documentId"`
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
}

func handleCreateDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content or url is required")
			return
		}
		if req.Content != "" && req.URL != "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content and url are mutually exclusive")
			return
		}

		var data []byte
		switch {
		case req.URL != "":
			fetched, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				var badURL *urlError
				if errors.As(err, &badURL) {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				} else {
					httpError(w, http.StatusBadGateway, "api_error", "%v", err)
				}
				return
			}
			data = fetched
			if req.Filename == "" {
				req.Filename = req.URL
			}

		default:
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is not valid base64: %v", err)
				return
			}
			data = decoded
			if req.Filename == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "filename is required for content uploads")
				return
			}
		}

		kind, err := resolveKind(req.Kind, req.Filename, data)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		ref, err := deps.Blobs.Put(data, req.Filename)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store document: %v", err)
			return
		}

		job, err := deps.Store.EnqueueJob(storage.Payload{
			Kind:       kind,
			DocumentID: uuid.New().String(),
			StorageRef: ref,
			Filename:   req.Filename,
		}, deps.MaxAttempts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, ingestResponse{
			DocumentID: job.DocumentID,
			JobID:      job.ID,
			Status:     job.Status,
		})
	}
}

type urlError struct{ err error }

func (e *urlError) Error() string { return e.err.Error() }
func (e *urlError) Unwrap() error { return e.err }

func fetchURL(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &urlError{fmt.Errorf("invalid url: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("url returned status %d", resp.StatusCode)
	}
	// Read one byte past the cap so an oversized response is rejected
	// instead of silently clipped.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read url response: %w", err)
	}
	if len(body) > maxURLFetchSize {
		return nil, fmt.Errorf("url response exceeds %d bytes", maxURLFetchSize)
	}
	return body, nil
}

// resolveKind picks the ingestion kind: an explicit request value wins, then
// the filename extension, then a sniff of the payload bytes.
func resolveKind(requested, filename string, data []byte) (storage.JobKind, error) {
	switch requested {
	case string(storage.KindPDF):
		return storage.KindPDF, nil
	case string(storage.KindPage):
		return storage.KindPage, nil
	case "":
	default:
		return "", fmt.Errorf("unknown kind %q (want pdf or page)", requested)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return storage.KindPDF, nil
	case ".html", ".htm":
		return storage.KindPage, nil
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return storage.KindPDF, nil
	}
	return storage.KindPage, nil
}

type jobResponse struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	Kind        string    `json:"kind"`
	Filename    string    `json:"filename"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	ChunkCount  int       `json:"chunkCount"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func jobToResponse(j *storage.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		DocumentID:  j.DocumentID,
		Kind:        string(j.Kind),
		Filename:    j.Filename,
		Status:      j.Status,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		ChunkCount:  j.ChunkCount,
		Error:       j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", storage.StatusQueued, storage.StatusActive, storage.StatusCompleted, storage.StatusFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}

		jobs, err := deps.Store.ListJobs(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		out := make([]jobResponse, 0, len(jobs))
		for i := range jobs {
			out = append(out, jobToResponse(&jobs[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

type documentResponse struct {
	DocumentID    string       `json:"documentId"`
	IndexedChunks int          `json:"indexedChunks"`
	Job           *jobResponse `json:"job,omitempty"`
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetDocumentJob(id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load document job: %v", err)
			return
		}

		count, err := deps.Vectors.Count(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count chunks: %v", err)
			return
		}

		if job == nil && count == 0 {
			httpError(w, http.StatusNotFound, "not_found_error", "document %s not found", id)
			return
		}

		resp := documentResponse{DocumentID: id, IndexedChunks: count}
		if job != nil {
			jr := jobToResponse(job)
			resp.Job = &jr
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetDocumentJob(id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load document job: %v", err)
			return
		}

		count, err := deps.Vectors.Count(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count chunks: %v", err)
			return
		}
		if job == nil && count == 0 {
			httpError(w, http.StatusNotFound, "not_found_error", "document %s not found", id)
			return
		}

		if err := deps.Vectors.DeleteDocument(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete chunks: %v", err)
			return
		}
		if job != nil {
			// Blob cleanup is best-effort; the vectors are already gone and
			// job rows age out via the purge loop.
			if err := deps.Blobs.Delete(job.StorageRef); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete stored document: %v", err)
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"documentId": id, "deleted": true})
	}
}

type retrieveRequest struct {
	DocumentID string  `json:"documentId"`
	Question   string  `json:"question"`
	SessionID  string  `json:"sessionId"`
	MaxResults int     `json:"maxResults"`
	MinScore   float64 `json:"minScore"`
}

type retrieveResponse struct {
	Results  []retrieval.Result     `json:"results"`
	Analysis rewriter.QueryAnalysis `json:"analysis"`
	Strategy string                 `json:"strategy"`
	Context  string                 `json:"context"`
}

func handleRetrieve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req retrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		// A session pins the document so follow-up questions can omit it.
		var questionCount int
		if req.SessionID != "" && deps.Sessions != nil {
			if sess, ok := deps.Sessions.Get(req.SessionID); ok {
				questionCount = sess.QuestionCount
				if req.DocumentID == "" {
					req.DocumentID = sess.DocumentID
				}
			}
		}
		if req.DocumentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "documentId is required")
			return
		}

		if req.MinScore < 0 || req.MinScore > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "minScore %v out of range [0,1]", req.MinScore)
			return
		}

		// Request values win; omitted fields fall back to the configured
		// defaults, then to the engine's own.
		opts := retrieval.Options{MaxResults: req.MaxResults, MinScore: req.MinScore}
		if opts.MaxResults <= 0 {
			opts.MaxResults = deps.Retrieval.MaxResults
		}
		if opts.MinScore <= 0 {
			opts.MinScore = deps.Retrieval.MinScore
		}

		results, analysis, strategy, err := deps.Engine.Retrieve(r.Context(), req.DocumentID, req.Question, opts)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "retrieval failed: %v", err)
			return
		}

		if req.SessionID != "" && deps.Sessions != nil {
			deps.Sessions.Put(req.SessionID, sessioncache.Session{
				DocumentID:    req.DocumentID,
				LastQuestion:  req.Question,
				QuestionCount: questionCount + 1,
			})
		}

		writeJSON(w, http.StatusOK, retrieveResponse{
			Results:  results,
			Analysis: analysis,
			Strategy: strategy,
			Context:  retrieval.BuildContext(results, 0),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
