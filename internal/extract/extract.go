// Package extract converts raw document bytes into ordered text segments.
// PDF documents yield one segment per page; web pages yield a single segment.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Sentinel causes for extraction failures. All are wrapped in ExtractionError.
var (
	ErrNotPDF       = errors.New("not a parseable PDF")
	ErrEncrypted    = errors.New("PDF is encrypted")
	ErrTooLarge     = errors.New("document exceeds size ceiling")
	ErrTooManyPages = errors.New("document exceeds page ceiling")
	ErrEmpty        = errors.New("document contains no extractable text")
)

// ExtractionError reports a failed extraction. It is permanent: a malformed
// input will not fix itself, so the ingestion worker never retries it.
type ExtractionError struct {
	Source string // filename or storage reference, for diagnostics
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Limits bounds what the extractor will accept.
type Limits struct {
	MaxPages int
	MaxBytes int64
}

// DefaultLimits matches the config defaults.
var DefaultLimits = Limits{MaxPages: 500, MaxBytes: 50 << 20}

// PDFPages parses data as a PDF and returns the plain text of each page in
// order. Pages with no extractable text are returned as empty strings so the
// page count stays stable.
func PDFPages(source string, data []byte, limits Limits) (pages []string, err error) {
	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return nil, &ExtractionError{Source: source, Err: ErrTooLarge}
	}

	// The PDF parser panics on some malformed inputs; convert those to the
	// same permanent failure a parse error produces.
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Source: source, Err: fmt.Errorf("%w: %v", ErrNotPDF, r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		cause := ErrNotPDF
		if strings.Contains(err.Error(), "encrypted") || strings.Contains(err.Error(), "password") {
			cause = ErrEncrypted
		}
		return nil, &ExtractionError{Source: source, Err: fmt.Errorf("%w: %v", cause, err)}
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, &ExtractionError{Source: source, Err: ErrEmpty}
	}
	if limits.MaxPages > 0 && numPages > limits.MaxPages {
		return nil, &ExtractionError{Source: source, Err: fmt.Errorf("%w: %d pages", ErrTooManyPages, numPages)}
	}

	pages = make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, &ExtractionError{Source: source, Err: fmt.Errorf("page %d: %w", i, err)}
		}
		pages = append(pages, normalizeWhitespace(text))
	}
	return pages, nil
}

// JoinPages concatenates per-page text into the single string handed to the
// chunker. Page boundaries become double newlines.
func JoinPages(pages []string) string {
	return strings.Join(pages, "\n\n")
}

// normalizeWhitespace collapses runs of whitespace into single spaces while
// preserving paragraph breaks.
func normalizeWhitespace(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n':
			space = true
		default:
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
