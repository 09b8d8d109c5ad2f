// Package ingest runs the asynchronous document pipeline: claim a job from
// the durable queue, extract text, chunk it, embed the chunks, and write the
// vectors to the index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/askpaper/askpaper/internal/chunker"
	"github.com/askpaper/askpaper/internal/embedding"
	"github.com/askpaper/askpaper/internal/extract"
	"github.com/askpaper/askpaper/internal/objectstore"
	"github.com/askpaper/askpaper/internal/storage"
	"github.com/askpaper/askpaper/internal/vectorindex"
)

// JobStore abstracts the job queue operations the worker needs.
type JobStore interface {
	ClaimNextJob() (*storage.Job, error)
	ExtendLease(id string) error
	UpdateJobProgress(id string, progress int) error
	CompleteJob(id string, chunkCount int) error
	FailJob(id string, errMsg string) error
	FailJobPermanent(id string, errMsg string) error
}

// BlobStore fetches uploaded document bytes by storage reference.
type BlobStore interface {
	Get(ref string) ([]byte, error)
}

// ChunkEmbedder generates one embedding per chunk text.
type ChunkEmbedder interface {
	EmbedChunks(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter replaces a document's vectors in the index.
type VectorWriter interface {
	Upsert(ctx context.Context, documentID string, records []vectorindex.Record) error
}

// Options tunes the worker pool. Zero values take the defaults.
type Options struct {
	PollInterval  time.Duration // default 500ms
	Concurrency   int           // parallel pipelines, default 4
	JobsPerSecond float64       // pool-wide claim rate, default 10
	ChunkSize     int           // default chunker.DefaultSize
	ChunkOverlap  int           // default chunker.DefaultOverlap
	ExtractLimits extract.Limits
	EmbedBatch    int // chunks per embedding request, default 32
}

// Worker drains the ingestion queue with a pool of concurrent pipelines.
type Worker struct {
	store    JobStore
	blobs    BlobStore
	embedder ChunkEmbedder
	index    VectorWriter

	poll         time.Duration
	concurrency  int
	limiter      *rate.Limiter
	chunkSize    int
	chunkOverlap int
	limits       extract.Limits
	embedBatch   int
	logger       *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
func NewWorker(store JobStore, blobs BlobStore, embedder ChunkEmbedder, index VectorWriter, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.JobsPerSecond <= 0 {
		opts.JobsPerSecond = 10
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunker.DefaultSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = chunker.DefaultOverlap
	}
	if opts.ExtractLimits == (extract.Limits{}) {
		opts.ExtractLimits = extract.DefaultLimits
	}
	if opts.EmbedBatch <= 0 {
		opts.EmbedBatch = 32
	}
	return &Worker{
		store:        store,
		blobs:        blobs,
		embedder:     embedder,
		index:        index,
		poll:         opts.PollInterval,
		concurrency:  opts.Concurrency,
		limiter:      rate.NewLimiter(rate.Limit(opts.JobsPerSecond), 1),
		chunkSize:    opts.ChunkSize,
		chunkOverlap: opts.ChunkOverlap,
		limits:       opts.ExtractLimits,
		embedBatch:   opts.EmbedBatch,
		logger:       slog.Default(),
	}
}

// Run drains the queue with a pool of goroutines until ctx is cancelled.
// In-flight jobs finish their current stage; an interrupted job is recovered
// by the lease timeout.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.runLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context) {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	chunkCount, err := w.processJob(ctx, job)
	if err != nil {
		w.failJob(job, err)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID, chunkCount); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Info("job completed", "job_id", job.ID, "document_id", job.DocumentID, "chunks", chunkCount)
	return true, nil
}

// failJob routes a pipeline error to the retrying or the dead-letter path.
func (w *Worker) failJob(job *storage.Job, err error) {
	w.logger.Warn("job failed", "job_id", job.ID, "document_id", job.DocumentID,
		"attempt", job.Attempts+1, "error", err)

	var failErr error
	if isPermanent(err) {
		failErr = w.store.FailJobPermanent(job.ID, err.Error())
	} else {
		failErr = w.store.FailJob(job.ID, err.Error())
	}
	if failErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
	}
}

// isPermanent reports whether a pipeline error cannot succeed on retry:
// unreadable or oversized documents, missing uploads, and request errors the
// embedding client classified as permanent. Everything else is assumed
// transient and retried against the job's budget.
func isPermanent(err error) bool {
	var extractErr *extract.ExtractionError
	if errors.As(err, &extractErr) {
		return true
	}
	var embErr *embedding.Error
	if errors.As(err, &embErr) {
		return !embErr.Transient
	}
	return errors.Is(err, objectstore.ErrNotFound) ||
		errors.Is(err, chunker.ErrInvalidSize) ||
		errors.Is(err, chunker.ErrInvalidOverlap) ||
		errors.Is(err, vectorindex.ErrMissingDocumentID)
}

// Progress milestones per pipeline stage. Embedding advances from
// progressChunked to progressEmbedded proportionally to batches done.
const (
	progressClaimed   = 10
	progressExtracted = 30
	progressChunked   = 45
	progressEmbedded  = 85
	progressIndexed   = 95
)

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (int, error) {
	w.setProgress(job.ID, progressClaimed)

	data, err := w.blobs.Get(job.StorageRef)
	if err != nil {
		return 0, fmt.Errorf("loading document %s: %w", job.StorageRef, err)
	}

	text, err := w.extractText(job, data)
	if err != nil {
		return 0, err
	}
	w.setProgress(job.ID, progressExtracted)
	w.extendLease(job.ID)

	chunks, err := w.splitChunks(text)
	if err != nil {
		return 0, err
	}
	w.setProgress(job.ID, progressChunked)

	records, err := w.embedChunks(ctx, job, chunks)
	if err != nil {
		return 0, err
	}
	w.extendLease(job.ID)

	if err := w.index.Upsert(ctx, job.DocumentID, records); err != nil {
		return 0, fmt.Errorf("indexing vectors: %w", err)
	}
	w.setProgress(job.ID, progressIndexed)

	return len(records), nil
}

// extractText dispatches on the job kind. The kind set is closed at enqueue
// time, so an unknown kind here means the database was edited by hand.
func (w *Worker) extractText(job *storage.Job, data []byte) (string, error) {
	switch job.Kind {
	case storage.KindPDF:
		pages, err := extract.PDFPages(job.Filename, data, w.limits)
		if err != nil {
			return "", err
		}
		return extract.JoinPages(pages), nil
	case storage.KindPage:
		return extract.HTMLText(job.Filename, data, w.limits)
	default:
		return "", &extract.ExtractionError{Source: job.Filename, Err: fmt.Errorf("unknown job kind %q", job.Kind)}
	}
}

func (w *Worker) splitChunks(text string) ([]string, error) {
	seq, err := chunker.Chunks(text, w.chunkSize, w.chunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("chunking text: %w", err)
	}
	var chunks []string
	for _, chunk := range seq {
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// embedChunks embeds the chunks in batches, building one index record per
// chunk. The lease is renewed after every batch so slow embedding never
// outlives the visibility timeout.
func (w *Worker) embedChunks(ctx context.Context, job *storage.Job, chunks []string) ([]vectorindex.Record, error) {
	now := time.Now().UTC()
	records := make([]vectorindex.Record, 0, len(chunks))

	for start := 0; start < len(chunks); start += w.embedBatch {
		end := min(start+w.embedBatch, len(chunks))
		batch := chunks[start:end]

		vecs, err := w.embedder.EmbedChunks(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding chunks %d-%d: %w", start, end-1, err)
		}

		for i, vec := range vecs {
			records = append(records, vectorindex.Record{
				ID:         uuid.New().String(),
				DocumentID: job.DocumentID,
				ChunkIndex: start + i,
				Source:     job.Filename,
				Content:    batch[i],
				Embedding:  vec,
				CreatedAt:  now,
			})
		}

		w.extendLease(job.ID)
		span := progressEmbedded - progressChunked
		w.setProgress(job.ID, progressChunked+span*end/len(chunks))
	}

	return records, nil
}

// setProgress and extendLease are best-effort: a bookkeeping hiccup must not
// fail a pipeline that is otherwise making progress.
func (w *Worker) setProgress(jobID string, progress int) {
	if err := w.store.UpdateJobProgress(jobID, progress); err != nil {
		w.logger.Warn("updating job progress", "job_id", jobID, "error", err)
	}
}

func (w *Worker) extendLease(jobID string) {
	if err := w.store.ExtendLease(jobID); err != nil {
		w.logger.Warn("extending job lease", "job_id", jobID, "error", err)
	}
}
