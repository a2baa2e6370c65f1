package quality

import (
	"math"
	"strings"

	"github.com/iago/research-agent/internal/embedding"
)

func normalizeText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	parts := strings.Fields(trimmed)
	return strings.Join(parts, " ")
}

func uniqueTerms(value string) []string {
	seen := make(map[string]struct{})
	terms := make([]string, 0)
	for _, term := range embedding.Terms(value) {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// wordShingles returns the set of n-word windows over the lowercase words of
// value. Texts shorter than n words yield one shingle.
func wordShingles(value string, n int) map[string]struct{} {
	words := strings.Fields(strings.ToLower(value))
	for i, word := range words {
		words[i] = strings.Trim(word, ".,;:!?\"'()[]")
	}

	shingles := make(map[string]struct{})
	if len(words) == 0 {
		return shingles
	}
	if len(words) < n {
		shingles[strings.Join(words, " ")] = struct{}{}
		return shingles
	}
	for i := 0; i+n <= len(words); i++ {
		shingles[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return shingles
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for key := range a {
		if _, ok := b[key]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
