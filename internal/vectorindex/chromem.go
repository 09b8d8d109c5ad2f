package vectorindex

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// Compile-time check that ChromemIndex implements Index.
var _ Index = (*ChromemIndex)(nil)

const chromemCollection = "chunks"

// ChromemIndex stores vectors in a chromem-go collection, optionally persisted
// to disk. Alternative to the SQLite backend for installs that want the vector
// data in its own store.
type ChromemIndex struct {
	collection *chromem.Collection
}

// NewChromemIndex opens (or creates) a persistent chromem database at path.
// An empty path keeps everything in memory, which the tests use.
func NewChromemIndex(path string) (*ChromemIndex, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database: %w", err)
		}
	}

	// Embeddings are always supplied by the caller; chromem must never
	// compute its own.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called: all records must carry precomputed embeddings")
	}

	c, err := db.GetOrCreateCollection(chromemCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("opening chromem collection: %w", err)
	}
	return &ChromemIndex{collection: c}, nil
}

// chromemID gives each chunk a deterministic ID so re-ingesting a document
// overwrites rather than duplicates.
func chromemID(documentID string, chunkIndex int) string {
	return documentID + ":" + strconv.Itoa(chunkIndex)
}

// Upsert replaces the document's vectors with the given set.
func (c *ChromemIndex) Upsert(ctx context.Context, documentID string, records []Record) error {
	if err := validateRecords(documentID, records); err != nil {
		return err
	}

	if err := c.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		docs[i] = chromem.Document{
			ID:        chromemID(r.DocumentID, r.ChunkIndex),
			Content:   r.Content,
			Embedding: r.Embedding,
			Metadata: map[string]string{
				"document_id": r.DocumentID,
				"chunk_index": strconv.Itoa(r.ChunkIndex),
				"source":      r.Source,
				"created_at":  createdAt.Format(time.RFC3339),
			},
		}
	}

	if err := c.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("adding documents to chromem: %w", err)
	}
	return nil
}

// Search queries the collection filtered to the document's vectors. topK is
// clamped to the document's chunk count since chromem rejects oversized
// result requests.
func (c *ChromemIndex) Search(ctx context.Context, documentID string, vector []float32, topK int) ([]ScoredRecord, error) {
	count, err := c.Count(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := c.collection.QueryEmbedding(ctx, vector, topK, map[string]string{"document_id": documentID}, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chromem: %w", err)
	}

	scored := make([]ScoredRecord, 0, len(results))
	for _, res := range results {
		rec, err := recordFromChromem(res.ID, res.Content, res.Embedding, res.Metadata)
		if err != nil {
			return nil, err
		}
		scored = append(scored, ScoredRecord{Record: rec, Score: res.Similarity})
	}
	return scored, nil
}

// DeleteDocument removes every chunk of the document. Unknown documents are a no-op.
func (c *ChromemIndex) DeleteDocument(ctx context.Context, documentID string) error {
	if c.collection.Count() == 0 {
		return nil
	}
	if err := c.collection.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("deleting document from chromem: %w", err)
	}
	return nil
}

// Count walks the document's deterministic chunk IDs until the first miss.
// Chunk indexes are contiguous from zero, so the walk length is the count.
func (c *ChromemIndex) Count(ctx context.Context, documentID string) (int, error) {
	n := 0
	for {
		if _, err := c.collection.GetByID(ctx, chromemID(documentID, n)); err != nil {
			return n, nil
		}
		n++
	}
}

func recordFromChromem(id, content string, embedding []float32, metadata map[string]string) (Record, error) {
	chunkIndex, err := strconv.Atoi(metadata["chunk_index"])
	if err != nil {
		return Record{}, fmt.Errorf("parsing chunk_index for %s: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339, metadata["created_at"])
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", id, err)
	}
	return Record{
		ID:         id,
		DocumentID: metadata["document_id"],
		ChunkIndex: chunkIndex,
		Source:     metadata["source"],
		Content:    content,
		Embedding:  embedding,
		CreatedAt:  createdAt,
	}, nil
}
