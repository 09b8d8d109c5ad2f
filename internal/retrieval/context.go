package retrieval

import (
	"fmt"
	"strings"
)

const defaultMaxContextChars = 16000

// BuildContext assembles the context string handed to the answer-generation
// collaborator. Results are expected in ranked order; when the character
// budget runs out, the lowest-ranked results are dropped whole rather than
// truncated mid-chunk. maxChars <= 0 uses the default budget.
func BuildContext(results []Result, maxChars int) string {
	if maxChars <= 0 {
		maxChars = defaultMaxContextChars
	}

	var sb strings.Builder
	for _, r := range results {
		section := fmt.Sprintf("[%s, chunk %d]\n%s", r.Source, r.ChunkIndex, r.Content)
		if sb.Len() > 0 {
			section = "\n\n---\n\n" + section
		}
		if sb.Len()+len(section) > maxChars {
			break
		}
		sb.WriteString(section)
	}
	return sb.String()
}
