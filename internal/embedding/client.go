// Package embedding converts chunk text into fixed-dimension vectors via the
// local inference server, retrying transient failures with exponential
// backoff.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/askpaper/askpaper/internal/ollama"
)

// Error wraps an embedding failure with its retry classification. Transient
// failures (network, 5xx, rate limiting) are retried by the client and, if
// they outlast the retry budget, again by the job queue. Permanent failures
// (malformed input, 4xx) fail the call immediately.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is an embedding failure worth retrying.
func IsTransient(err error) bool {
	var embErr *Error
	return errors.As(err, &embErr) && embErr.Transient
}

// Embedder is the interface the inference client must satisfy.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
)

// Client embeds text with in-call retries. Safe for concurrent use.
type Client struct {
	embedder    Embedder
	model       string
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// New creates a Client using the given embedder and model name. maxAttempts
// and baseDelay fall back to defaults when non-positive.
func New(embedder Embedder, model string, maxAttempts int, baseDelay time.Duration) *Client {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &Client{
		embedder:    embedder,
		model:       model,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      slog.Default(),
	}
}

// EmbedQuery returns the vector for a single query text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := c.withRetry(ctx, func() error {
		var err error
		vec, err = c.embedder.Embed(ctx, c.model, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedChunks returns one vector per chunk text, in input order. All texts go
// out in a single batched request.
func (c *Client) EmbedChunks(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var vecs [][]float32
	err := c.withRetry(ctx, func() error {
		var err error
		vecs, err = c.embedder.EmbedBatch(ctx, c.model, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// withRetry runs op, retrying transient failures up to the attempt ceiling
// with exponential backoff. Permanent failures and context cancellation
// return immediately.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	delay := c.baseDelay
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op()
		if err == nil {
			if attempt > 1 {
				c.logger.Debug("embedding succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		lastErr = classify(err)
		if !IsTransient(lastErr) || attempt == c.maxAttempts {
			return lastErr
		}

		c.logger.Debug("embedding failed, will retry",
			"attempt", attempt, "max_attempts", c.maxAttempts, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}

// classify maps a raw embedder error to the retry taxonomy. HTTP 429 and 5xx
// are transient; other HTTP statuses mean the request itself is bad. Errors
// without a status (connection refused, reset) are assumed transient.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var statusErr *ollama.StatusError
	if errors.As(err, &statusErr) {
		transient := statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
		return &Error{Transient: transient, Err: err}
	}

	return &Error{Transient: true, Err: err}
}
