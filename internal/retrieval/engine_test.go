package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/askpaper/askpaper/internal/rewriter"
	"github.com/askpaper/askpaper/internal/vectorindex"
)

type stubAnalyzer struct {
	complexity string
	keywords   []string
}

func (s *stubAnalyzer) Analyze(_ context.Context, question string) rewriter.QueryAnalysis {
	complexity := s.complexity
	if complexity == "" {
		complexity = rewriter.ComplexitySimple
	}
	return rewriter.QueryAnalysis{
		OriginalQuery:  question,
		RewrittenQuery: question,
		Keywords:       s.keywords,
		Complexity:     complexity,
		Intent:         rewriter.IntentUnknown,
		Confidence:     0.5,
	}
}

type stubEmbedder struct {
	err   error
	texts []string
}

func (s *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.texts = append(s.texts, text)
	return []float32{1, 0}, nil
}

// stubIndex returns one preset record set per successive Search call.
type stubIndex struct {
	sets  [][]vectorindex.ScoredRecord
	calls int
	err   error
}

func (s *stubIndex) Search(_ context.Context, _ string, _ []float32, _ int) ([]vectorindex.ScoredRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.calls++
	if s.calls > len(s.sets) {
		return nil, nil
	}
	return s.sets[s.calls-1], nil
}

func records(chunkIndexes ...int) []vectorindex.ScoredRecord {
	out := make([]vectorindex.ScoredRecord, len(chunkIndexes))
	for i, ci := range chunkIndexes {
		out[i] = vectorindex.ScoredRecord{
			Record: vectorindex.Record{
				ID:         fmt.Sprintf("rec-%d", ci),
				DocumentID: "doc-1",
				ChunkIndex: ci,
				Source:     "paper.pdf",
				Content:    fmt.Sprintf("chunk %d discusses gradient descent", ci),
			},
			Score: 1 - 0.01*float32(i),
		}
	}
	return out
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRetrieve_EmptyIndex(t *testing.T) {
	e := NewEngine(&stubAnalyzer{}, &stubEmbedder{}, &stubIndex{})
	results, _, strategy, err := e.Retrieve(context.Background(), "doc-1", "what is covered?", Options{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for unindexed document, want 0", len(results))
	}
	if strategy != StrategySemantic {
		t.Errorf("strategy = %q, want semantic", strategy)
	}
}

func TestRetrieve_SemanticOrderPreserved(t *testing.T) {
	index := &stubIndex{sets: [][]vectorindex.ScoredRecord{records(5, 2, 7)}}
	e := NewEngine(&stubAnalyzer{}, &stubEmbedder{}, index)

	results, _, _, err := e.Retrieve(context.Background(), "doc-1", "question", Options{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantOrder := []int{5, 2, 7}
	for i, r := range results {
		if r.ChunkIndex != wantOrder[i] {
			t.Errorf("result %d chunk = %d, want %d", i, r.ChunkIndex, wantOrder[i])
		}
	}
	if !approx(results[0].Score, 1.0*semanticBoost) {
		t.Errorf("top score = %v, want %v", results[0].Score, 1.0*semanticBoost)
	}
	if !approx(results[1].Score, 0.9*semanticBoost) {
		t.Errorf("second score = %v, want %v", results[1].Score, 0.9*semanticBoost)
	}
}

func TestRetrieve_MinScoreFloorAndTruncation(t *testing.T) {
	// Ranks 0-6 fuse to 1.2, 1.08, 0.96, 0.84, 0.72, 0.6, 0.48; the floor at
	// 0.7 keeps the first five.
	index := &stubIndex{sets: [][]vectorindex.ScoredRecord{records(0, 1, 2, 3, 4, 5, 6)}}
	e := NewEngine(&stubAnalyzer{}, &stubEmbedder{}, index)

	results, _, _, err := e.Retrieve(context.Background(), "doc-1", "question", Options{MaxResults: 10})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5 above the relevance floor", len(results))
	}
	last := results[len(results)-1]
	if !approx(last.Score, 0.6*semanticBoost) {
		t.Errorf("last score = %v, want %v", last.Score, 0.6*semanticBoost)
	}
}

func TestRetrieve_HybridFusionMonotonic(t *testing.T) {
	// Chunk 2 appears in both sets; fusion must keep its semantic-boosted
	// score, never the lower keyword score.
	index := &stubIndex{sets: [][]vectorindex.ScoredRecord{
		records(1, 2), // semantic pass
		records(2, 3), // keyword pass
	}}
	analyzer := &stubAnalyzer{complexity: rewriter.ComplexityComplex, keywords: []string{"gradient", "descent"}}
	embedder := &stubEmbedder{}
	e := NewEngine(analyzer, embedder, index)

	results, _, strategy, err := e.Retrieve(context.Background(), "doc-1", "compare the optimizers", Options{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if strategy != StrategyHybrid {
		t.Errorf("strategy = %q, want hybrid", strategy)
	}
	if index.calls != 2 {
		t.Errorf("index searched %d times, want 2", index.calls)
	}
	if len(embedder.texts) != 2 || embedder.texts[1] != "gradient descent" {
		t.Errorf("embedded texts = %v, want question then joined keywords", embedder.texts)
	}

	byChunk := map[int]Result{}
	for _, r := range results {
		byChunk[r.ChunkIndex] = r
	}

	got2, ok := byChunk[2]
	if !ok {
		t.Fatal("chunk 2 missing from results")
	}
	semanticScore := 0.9 * semanticBoost // rank 1 in the semantic set
	keywordScore := keywordTopScore * keywordWeight
	if !approx(got2.Score, semanticScore) {
		t.Errorf("fused score = %v, want semantic-boosted %v", got2.Score, semanticScore)
	}
	if got2.Score < keywordScore {
		t.Errorf("fused score %v below keyword-only score %v", got2.Score, keywordScore)
	}

	// Keyword-only chunk 3 scores (0.8-0.05)*0.8 = 0.6, below the floor.
	if _, ok := byChunk[3]; ok {
		t.Error("keyword-only chunk below the relevance floor was returned")
	}
}

func TestRetrieve_HybridSkipsKeywordPassWithoutKeywords(t *testing.T) {
	index := &stubIndex{sets: [][]vectorindex.ScoredRecord{records(0)}}
	analyzer := &stubAnalyzer{complexity: rewriter.ComplexityComplex}
	e := NewEngine(analyzer, &stubEmbedder{}, index)

	_, _, strategy, err := e.Retrieve(context.Background(), "doc-1", "???", Options{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if strategy != StrategyHybrid {
		t.Errorf("strategy = %q, want hybrid", strategy)
	}
	if index.calls != 1 {
		t.Errorf("index searched %d times, want 1 (no keywords extracted)", index.calls)
	}
}

func TestRetrieve_EmbedderFailure(t *testing.T) {
	e := NewEngine(&stubAnalyzer{}, &stubEmbedder{err: errors.New("down")}, &stubIndex{})
	_, _, _, err := e.Retrieve(context.Background(), "doc-1", "question", Options{})
	if !errors.Is(err, ErrRetrieval) {
		t.Errorf("err = %v, want ErrRetrieval", err)
	}
}

func TestRetrieve_IndexFailure(t *testing.T) {
	e := NewEngine(&stubAnalyzer{}, &stubEmbedder{}, &stubIndex{err: errors.New("corrupt")})
	_, _, _, err := e.Retrieve(context.Background(), "doc-1", "question", Options{})
	if !errors.Is(err, ErrRetrieval) {
		t.Errorf("err = %v, want ErrRetrieval", err)
	}
}

func TestRelevanceReason(t *testing.T) {
	if got := relevanceReason("the gradient flows backward", []string{"gradient", "loss"}, 0.8); got != "Contains relevant keywords: gradient" {
		t.Errorf("reason = %q", got)
	}
	if got := relevanceReason("unrelated text", []string{"gradient"}, 0.95); got != "High semantic similarity to query" {
		t.Errorf("reason = %q", got)
	}
	if got := relevanceReason("unrelated text", nil, 0.75); got != "Relevant content match" {
		t.Errorf("reason = %q", got)
	}
}

func TestFuse_TieBreaksByChunkIndex(t *testing.T) {
	mk := func(ci int, score float64) candidate {
		return candidate{record: vectorindex.Record{ChunkIndex: ci}, score: score}
	}
	// Equal pre-boost scores, distinct chunk indexes, deliberately unsorted.
	fused := fuse([]candidate{mk(9, 0.5), mk(3, 0.5), mk(6, 0.5)}, nil)
	wantOrder := []int{3, 6, 9}
	for i, c := range fused {
		if c.record.ChunkIndex != wantOrder[i] {
			t.Errorf("fused[%d] chunk = %d, want %d", i, c.record.ChunkIndex, wantOrder[i])
		}
	}
}

func TestBuildContext(t *testing.T) {
	results := []Result{
		{Source: "paper.pdf", ChunkIndex: 0, Content: "first chunk"},
		{Source: "paper.pdf", ChunkIndex: 4, Content: "second chunk"},
	}
	got := BuildContext(results, 0)
	if !strings.Contains(got, "[paper.pdf, chunk 0]\nfirst chunk") {
		t.Errorf("context missing first section:\n%s", got)
	}
	if !strings.Contains(got, "---") {
		t.Error("context missing separator")
	}
	if strings.Index(got, "first chunk") > strings.Index(got, "second chunk") {
		t.Error("context sections out of rank order")
	}
}

func TestBuildContext_BudgetDropsWholeSections(t *testing.T) {
	results := []Result{
		{Source: "p.pdf", ChunkIndex: 0, Content: strings.Repeat("a", 50)},
		{Source: "p.pdf", ChunkIndex: 1, Content: strings.Repeat("b", 50)},
	}
	got := BuildContext(results, 80)
	if !strings.Contains(got, "aaaa") {
		t.Error("top-ranked section dropped")
	}
	if strings.Contains(got, "bbbb") {
		t.Error("section exceeding the budget was not dropped")
	}
}

func TestBuildContext_Empty(t *testing.T) {
	if got := BuildContext(nil, 0); got != "" {
		t.Errorf("BuildContext(nil) = %q, want empty", got)
	}
}
