package retrieval

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/iago/research-agent/internal/chunk"
	"github.com/iago/research-agent/internal/domain"
)

const defaultContextTokens = 2400

// ContextOutput is the evidence block handed to the language model.
type ContextOutput struct {
	Text       string
	Chunks     []domain.Chunk
	TokenCount int
}

// BuildContext numbers the cluster evidence as "[n] (domain) text", skipping
// chunks that would exceed maxTokens. Numbering matches the order of
// ContextOutput.Chunks.
func BuildContext(cluster Cluster, maxTokens int) ContextOutput {
	if maxTokens <= 0 {
		maxTokens = defaultContextTokens
	}

	selected := make([]domain.Chunk, 0, len(cluster.Chunks)+len(cluster.Supporting))
	totalTokens := 0
	for _, c := range dedupeChunks(cluster.Evidence()) {
		tokens := chunk.CountTokens(c.Text)
		if tokens == 0 || totalTokens+tokens > maxTokens {
			continue
		}
		selected = append(selected, c)
		totalTokens += tokens
	}

	var builder strings.Builder
	for index, c := range selected {
		builder.WriteString(fmt.Sprintf("[%d] (%s) %s\n", index+1, c.Domain, c.Text))
	}

	return ContextOutput{
		Text:       strings.TrimSpace(builder.String()),
		Chunks:     selected,
		TokenCount: totalTokens,
	}
}

// dedupeChunks drops chunks whose normalized text repeats an earlier one,
// keeping the higher scored copy in the earlier position.
func dedupeChunks(chunks []domain.Chunk) []domain.Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	seen := make(map[string]int, len(chunks))
	result := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		key := fingerprint(c.Text)
		if index, exists := seen[key]; exists {
			if c.Score > result[index].Score {
				result[index] = c
			}
			continue
		}
		seen[key] = len(result)
		result = append(result, c)
	}
	return result
}

var repeatedSpacePattern = regexp.MustCompile(`\s+`)

func fingerprint(value string) string {
	return repeatedSpacePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), " ")
}
