// Package chunker splits extracted document text into overlapping
// fixed-size chunks suitable for embedding.
package chunker

import (
	"errors"
	"iter"
)

// Defaults match the ingestion pipeline's embedding-friendly chunk geometry.
const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// ErrInvalidSize is returned when the chunk size is not positive.
var ErrInvalidSize = errors.New("chunker: chunk size must be positive")

// ErrInvalidOverlap is returned when the overlap is negative or not smaller
// than the chunk size.
var ErrInvalidOverlap = errors.New("chunker: overlap must be non-negative and smaller than chunk size")

// Chunks returns a lazy sequence of (index, text) pairs covering text with a
// sliding window of size characters advancing by size-overlap. Consecutive
// chunks share exactly overlap characters; the final chunk may be shorter
// than size but is never empty. The sequence is restartable: ranging over it
// twice yields the same chunks.
//
// Identical input and parameters always produce an identical sequence, which
// keeps re-ingestion idempotent.
func Chunks(text string, size, overlap int) (iter.Seq2[int, string], error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	if overlap < 0 || overlap >= size {
		return nil, ErrInvalidOverlap
	}

	// Windows are measured in runes so multi-byte text never splits
	// mid-character.
	runes := []rune(text)
	step := size - overlap

	return func(yield func(int, string) bool) {
		idx := 0
		for start := 0; start < len(runes); start += step {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}
			if !yield(idx, string(runes[start:end])) {
				return
			}
			if end == len(runes) {
				return
			}
			idx++
		}
	}, nil
}
