// Package rewriter turns a user question into a QueryAnalysis: complexity
// class, extracted keywords, and a retrieval-optimized paraphrase produced by
// a fast local LLM. Rewriting is best-effort; the heuristics never fail.
package rewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/askpaper/askpaper/internal/ollama"
)

const rewriteTimeout = 5 * time.Second

// Complexity classes drive the retrieval strategy choice.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// Intent tags form a closed set; anything else from the LLM maps to unknown.
const (
	IntentFactual      = "factual"
	IntentAnalytical   = "analytical"
	IntentComparative  = "comparative"
	IntentProcedural   = "procedural"
	IntentDefinitional = "definitional"
	IntentUnknown      = "unknown"
)

// Confidence levels for the fallback paths: the LLM answered but could not be
// parsed, and the LLM was unreachable.
const (
	confidenceUnparsed    = 0.5
	confidenceUnavailable = 0.3
)

// QueryAnalysis is the per-question result. It is never persisted; it lives
// for the duration of one retrieval call.
type QueryAnalysis struct {
	OriginalQuery  string   `json:"originalQuery"`
	RewrittenQuery string   `json:"rewrittenQuery"`
	Keywords       []string `json:"keywords"`
	Intent         string   `json:"intent"`
	Complexity     string   `json:"complexity"`
	Confidence     float64  `json:"confidence"`
}

// Chatter is the interface for chat completion via Ollama.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Rewriter analyzes questions using local heuristics plus an LLM paraphrase.
type Rewriter struct {
	client Chatter
	model  string
	logger *slog.Logger
}

// New creates a Rewriter using the given chat client and model name.
func New(client Chatter, model string) *Rewriter {
	return &Rewriter{client: client, model: model, logger: slog.Default()}
}

// Analyze classifies the question and asks the LLM for a clearer paraphrase.
// On any LLM failure (timeout, error, unparseable output) the original
// question is returned verbatim with intent unknown and reduced confidence.
func (r *Rewriter) Analyze(ctx context.Context, question string) QueryAnalysis {
	analysis := QueryAnalysis{
		OriginalQuery:  question,
		RewrittenQuery: question,
		Keywords:       ExtractKeywords(question),
		Complexity:     ClassifyComplexity(question),
		Intent:         IntentUnknown,
	}

	ctx, cancel := context.WithTimeout(ctx, rewriteTimeout)
	defer cancel()

	raw, err := r.client.Chat(ctx, r.model, rewritePrompt(question), rewriteSchema())
	if err != nil {
		r.logger.Warn("query rewrite chat failed, using original question", "error", err)
		analysis.Confidence = confidenceUnavailable
		return analysis
	}

	rewritten, intent, confidence, err := parseRewrite(raw)
	if err != nil {
		r.logger.Warn("query rewrite response unparseable, using original question",
			"error", err, "response", raw)
		analysis.Confidence = confidenceUnparsed
		return analysis
	}

	if rewritten != "" {
		analysis.RewrittenQuery = rewritten
	}
	analysis.Intent = intent
	analysis.Confidence = confidence
	return analysis
}

// analyticalVerbs mark questions that need multi-chunk reasoning.
var analyticalVerbs = []string{
	"analyze", "compare", "contrast", "evaluate", "explain", "describe", "summarize",
}

// ClassifyComplexity buckets a question by three heuristics: length, multiple
// question marks, and analytical verbs.
func ClassifyComplexity(question string) string {
	words := len(strings.Fields(question))
	lower := strings.ToLower(question)

	analytical := false
	for _, verb := range analyticalVerbs {
		if strings.Contains(lower, verb) {
			analytical = true
			break
		}
	}

	switch {
	case words > 20 || strings.Count(question, "?") > 1 || analytical:
		return ComplexityComplex
	case words > 10:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "about": true, "as": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"being": true, "have": true, "has": true, "had": true, "do": true,
	"does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "must": true, "can": true,
	"what": true, "which": true, "who": true, "whom": true, "when": true,
	"where": true, "why": true, "how": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "they": true,
	"them": true, "their": true, "there": true, "here": true,
}

const maxKeywords = 10

// ExtractKeywords returns up to 10 lower-cased content words from the
// question, in original order, with stop words and duplicates removed.
func ExtractKeywords(question string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(tokens))
	var keywords []string
	for _, tok := range tokens {
		if len(tok) <= 2 || stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

func rewritePrompt(question string) []ollama.Message {
	return []ollama.Message{
		{
			Role: "system",
			Content: "You rewrite user questions about a document so they retrieve better from a vector index. " +
				"Expand abbreviations, drop filler, keep the meaning. " +
				`Respond with only a JSON object: {"rewritten_query": <string>, "intent": <string>, "confidence": <number>}. ` +
				"intent is one of: factual, analytical, comparative, procedural, definitional. " +
				"confidence is your certainty in the rewrite, 0.0 to 1.0.",
		},
		{Role: "user", Content: question},
	}
}

// rewriteSchema returns the Ollama JSON schema for structured rewrite output.
func rewriteSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"rewritten_query": {Type: "string", Description: "The question rewritten for retrieval"},
			"intent":          {Type: "string", Description: "One of: factual, analytical, comparative, procedural, definitional"},
			"confidence":      {Type: "number", Description: "Rewrite confidence 0.0-1.0"},
		},
		Required: []string{"rewritten_query", "intent", "confidence"},
	}
}

var validIntents = map[string]bool{
	IntentFactual:      true,
	IntentAnalytical:   true,
	IntentComparative:  true,
	IntentProcedural:   true,
	IntentDefinitional: true,
}

// parseRewrite extracts the structured rewrite from an LLM response. Small
// local models frequently wrap JSON in markdown code fences or prepend
// conversational filler, so the parser strips fences and extracts the
// outermost brace pair before unmarshalling.
func parseRewrite(resp string) (rewritten, intent string, confidence float64, err error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", "", 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		RewrittenQuery string  `json:"rewritten_query"`
		Intent         string  `json:"intent"`
		Confidence     float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return "", "", 0, fmt.Errorf("unmarshal rewrite: %w", err)
	}

	intent = strings.ToLower(strings.TrimSpace(obj.Intent))
	if !validIntents[intent] {
		intent = IntentUnknown
	}
	confidence = obj.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return strings.TrimSpace(obj.RewrittenQuery), intent, confidence, nil
}
