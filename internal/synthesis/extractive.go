package synthesis

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/iago/research-agent/internal/embedding"
	"github.com/iago/research-agent/internal/retrieval"
)

const (
	extractiveMaxSentences = 4
	extractiveMaxChars     = 900
)

var sentenceSplitPattern = regexp.MustCompile(`(?:[.!?])\s+`)

// extractive builds a card from the evidence itself when no language model
// is configured. It keeps the sentences sharing the most terms with the
// query, in evidence order, and cites them by their evidence number.
func extractive(query string, cluster retrieval.Cluster, evidence retrieval.ContextOutput) cardOutput {
	queryTerms := make(map[string]struct{})
	for _, term := range embedding.Terms(query) {
		queryTerms[term] = struct{}{}
	}

	type candidate struct {
		text     string
		ref      int
		overlap  int
		position int
	}
	var candidates []candidate
	position := 0
	for i, chunk := range evidence.Chunks {
		for _, sentence := range splitSentences(chunk.Text) {
			overlap := 0
			for _, term := range embedding.Terms(sentence) {
				if _, ok := queryTerms[term]; ok {
					overlap++
				}
			}
			candidates = append(candidates, candidate{text: sentence, ref: i + 1, overlap: overlap, position: position})
			position++
		}
	}

	picked := make([]bool, len(candidates))
	for n := 0; n < extractiveMaxSentences && n < len(candidates); n++ {
		best := -1
		for i, c := range candidates {
			if picked[i] {
				continue
			}
			if best < 0 || c.overlap > candidates[best].overlap {
				best = i
			}
		}
		picked[best] = true
	}

	var builder strings.Builder
	for i, c := range candidates {
		if !picked[i] {
			continue
		}
		addition := c.text + " [" + strconv.Itoa(c.ref) + "] "
		if builder.Len()+len(addition) > extractiveMaxChars && builder.Len() > 0 {
			break
		}
		builder.WriteString(addition)
	}

	content := strings.TrimSpace(builder.String())
	if content == "" {
		content = truncateAtWord(normalizeText(evidence.Chunks[0].Text), extractiveMaxChars) + " [1]"
	}

	confidence := 0.5 + cluster.MaxScore/2
	if len(evidence.Chunks) < 2 {
		confidence -= 0.1
	}

	return cardOutput{
		Title:      firstNonEmpty(evidence.Chunks[0].SourceTitle, "Findings from "+cluster.Domain),
		Content:    content,
		Confidence: clamp01(confidence),
	}
}

func splitSentences(text string) []string {
	parts := sentenceSplitPattern.Split(normalizeText(text), -1)
	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if len(strings.Fields(part)) < 4 {
			continue
		}
		if !hasTerminalPunctuation(part) {
			part += "."
		}
		sentences = append(sentences, part)
	}
	return sentences
}

func hasTerminalPunctuation(value string) bool {
	return strings.HasSuffix(value, ".") || strings.HasSuffix(value, "!") || strings.HasSuffix(value, "?")
}
