// Package vectorindex stores chunk embeddings and answers similarity queries
// scoped to a single document. Two backends exist: SQLite (default, shares the
// job store's database) and chromem-go (persistent file store with its own
// search).
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissingDocumentID is returned when a record arrives without document
// attribution. Every vector must carry its document ID or filtered search
// silently returns chunks from the wrong paper.
var ErrMissingDocumentID = errors.New("vectorindex: record missing document id")

// Record is one embedded chunk.
type Record struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Source     string
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a cosine similarity score in [-1, 1].
type ScoredRecord struct {
	Record
	Score float32
}

// Index is the vector storage and search interface. Implementations must
// scope every operation to the given document ID.
type Index interface {
	// Upsert replaces all vectors for records' document with the given set.
	// Re-ingesting a document never duplicates chunks.
	Upsert(ctx context.Context, documentID string, records []Record) error

	// Search returns the topK records of the document most similar to the
	// query vector, best first. An unknown document yields an empty result,
	// not an error.
	Search(ctx context.Context, documentID string, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteDocument removes every vector belonging to the document.
	// Deleting an unknown document is a no-op.
	DeleteDocument(ctx context.Context, documentID string) error

	// Count returns the number of vectors stored for the document.
	Count(ctx context.Context, documentID string) (int, error)
}

// validateRecords checks that each record carries the document ID it is being
// written under.
func validateRecords(documentID string, records []Record) error {
	if documentID == "" {
		return ErrMissingDocumentID
	}
	for i, r := range records {
		if r.DocumentID == "" {
			return fmt.Errorf("record %d: %w", i, ErrMissingDocumentID)
		}
		if r.DocumentID != documentID {
			return fmt.Errorf("record %d: document id %q does not match upsert target %q", i, r.DocumentID, documentID)
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %d: empty embedding", i)
		}
	}
	return nil
}
