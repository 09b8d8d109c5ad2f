// Package retrieval answers "which chunks of this document are relevant to
// this question". It combines semantic nearest-neighbor search with, for
// complex questions, a keyword-driven second pass, and fuses both candidate
// sets into one ranked result list.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/askpaper/askpaper/internal/rewriter"
	"github.com/askpaper/askpaper/internal/vectorindex"
)

// ErrRetrieval wraps failures reaching the embedding service or the vector
// index. Callers see it as one category: the question can simply be re-asked.
var ErrRetrieval = errors.New("retrieval failed")

// Strategies reported back to the caller for observability.
const (
	StrategySemantic = "semantic"
	StrategyHybrid   = "hybrid"
)

// Scoring constants. Rank decay makes earlier neighbors score higher; the
// fusion weights encode higher trust in vector similarity than in keyword
// matches. Defaults, not tuned precision values.
const (
	semanticTopScore  = 1.0
	semanticRankDecay = 0.1
	keywordTopScore   = 0.8
	keywordRankDecay  = 0.05
	semanticBoost     = 1.2
	keywordWeight     = 0.8

	highConfidenceScore = 0.9
)

// Options bound a retrieval call. Zero values take the defaults.
type Options struct {
	MaxResults int     // default 5
	MinScore   float64 // relevance floor, default 0.7
}

const (
	DefaultMaxResults = 5
	DefaultMinScore   = 0.7
)

// Result is one scored chunk handed to the answer-generation step.
type Result struct {
	DocumentID string  `json:"documentId"`
	ChunkIndex int     `json:"chunkIndex"`
	Source     string  `json:"source"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
}

// QueryAnalyzer produces the per-question analysis driving strategy choice.
type QueryAnalyzer interface {
	Analyze(ctx context.Context, question string) rewriter.QueryAnalysis
}

// QueryEmbedder turns search text into a query vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the document-scoped nearest-neighbor query.
type Searcher interface {
	Search(ctx context.Context, documentID string, vector []float32, topK int) ([]vectorindex.ScoredRecord, error)
}

// Engine runs retrieval. Calls are independent read-only queries; the Engine
// is safe for concurrent use as long as its dependencies are.
type Engine struct {
	analyzer QueryAnalyzer
	embedder QueryEmbedder
	index    Searcher
	logger   *slog.Logger
}

// NewEngine creates an Engine with the given dependencies.
func NewEngine(analyzer QueryAnalyzer, embedder QueryEmbedder, index Searcher) *Engine {
	return &Engine{
		analyzer: analyzer,
		embedder: embedder,
		index:    index,
		logger:   slog.Default(),
	}
}

// Retrieve returns the ranked context set for a question against one
// document, plus the query analysis and the strategy used. A document with no
// indexed chunks yields an empty result set, not an error.
func (e *Engine) Retrieve(ctx context.Context, documentID, question string, opts Options) ([]Result, rewriter.QueryAnalysis, string, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultMinScore
	}

	analysis := e.analyzer.Analyze(ctx, question)

	strategy := StrategySemantic
	if analysis.Complexity == rewriter.ComplexityComplex {
		strategy = StrategyHybrid
	}

	candidateK := 2 * opts.MaxResults

	semantic, err := e.searchCandidates(ctx, documentID, analysis.RewrittenQuery, candidateK, semanticTopScore, semanticRankDecay)
	if err != nil {
		return nil, analysis, strategy, err
	}

	var keyword []candidate
	if strategy == StrategyHybrid && len(analysis.Keywords) > 0 {
		keyword, err = e.searchCandidates(ctx, documentID, strings.Join(analysis.Keywords, " "), candidateK, keywordTopScore, keywordRankDecay)
		if err != nil {
			return nil, analysis, strategy, err
		}
	}

	fused := fuse(semantic, keyword)

	results := make([]Result, 0, opts.MaxResults)
	for _, c := range fused {
		if c.score < opts.MinScore {
			continue
		}
		results = append(results, Result{
			DocumentID: c.record.DocumentID,
			ChunkIndex: c.record.ChunkIndex,
			Source:     c.record.Source,
			Content:    c.record.Content,
			Score:      c.score,
			Reason:     relevanceReason(c.record.Content, analysis.Keywords, c.score),
		})
		if len(results) == opts.MaxResults {
			break
		}
	}

	e.logger.Debug("retrieval complete", "document_id", documentID, "strategy", strategy,
		"candidates", len(fused), "results", len(results))
	return results, analysis, strategy, nil
}

// candidate is an intermediate scored chunk before fusion.
type candidate struct {
	record vectorindex.Record
	score  float64
}

// searchCandidates embeds the search text, queries the index, and assigns
// rank-decayed scores: the best neighbor gets topScore, each following rank
// loses decay.
func (e *Engine) searchCandidates(ctx context.Context, documentID, text string, topK int, topScore, decay float64) ([]candidate, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrRetrieval, err)
	}

	scored, err := e.index.Search(ctx, documentID, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: searching index: %v", ErrRetrieval, err)
	}

	candidates := make([]candidate, 0, len(scored))
	for rank, s := range scored {
		score := topScore - decay*float64(rank)
		if score < 0 {
			score = 0
		}
		candidates = append(candidates, candidate{record: s.Record, score: score})
	}
	return candidates, nil
}

// fuse merges the semantic and keyword candidate sets keyed by chunk index.
// Semantic scores are boosted over keyword scores, and a chunk present in
// both sets keeps the maximum of its two weighted scores, so adding keyword
// evidence can never lower a chunk's score. Output is sorted by score
// descending, chunk index ascending on ties.
func fuse(semantic, keyword []candidate) []candidate {
	byChunk := make(map[int]candidate, len(semantic)+len(keyword))

	for _, c := range semantic {
		c.score *= semanticBoost
		byChunk[c.record.ChunkIndex] = c
	}
	for _, c := range keyword {
		c.score *= keywordWeight
		if existing, ok := byChunk[c.record.ChunkIndex]; ok && existing.score >= c.score {
			continue
		}
		byChunk[c.record.ChunkIndex] = c
	}

	fused := make([]candidate, 0, len(byChunk))
	for _, c := range byChunk {
		fused = append(fused, c)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].record.ChunkIndex < fused[j].record.ChunkIndex
	})
	return fused
}

// relevanceReason explains a result in one human-readable line: matched
// keywords when any occur verbatim in the chunk, otherwise the similarity
// level.
func relevanceReason(content string, keywords []string, score float64) string {
	lower := strings.ToLower(content)
	var matched []string
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	switch {
	case len(matched) > 0:
		return "Contains relevant keywords: " + strings.Join(matched, ", ")
	case score > highConfidenceScore:
		return "High semantic similarity to query"
	default:
		return "Relevant content match"
	}
}
