package synthesis

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/iago/research-agent/internal/errors"
)

// errMalformedOutput marks model output that could not be parsed into a
// card. It is retried like a transient provider failure.
var errMalformedOutput = errors.New("malformed model output")

func parseCard(text string) (cardOutput, error) {
	rawJSON, err := extractJSON(text)
	if err != nil {
		return cardOutput{}, errors.Mark(err, errMalformedOutput)
	}

	var parsed cardOutput
	if err := json.Unmarshal(rawJSON, &parsed); err != nil {
		return cardOutput{}, errors.Mark(errors.Wrap(err, "decode card json"), errMalformedOutput)
	}
	if strings.TrimSpace(parsed.Content) == "" {
		return cardOutput{}, errors.Mark(errors.New("card json without content"), errMalformedOutput)
	}
	if math.IsNaN(parsed.Confidence) {
		parsed.Confidence = 0
	}
	return parsed, nil
}

func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}

	if strings.HasPrefix(trimmed, "```") {
		trimmed = stripCodeFence(trimmed)
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return []byte(trimmed), nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(candidate), &decoded); err == nil {
			return []byte(candidate), nil
		}
	}

	return nil, errors.New("model output is not valid JSON")
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "json")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// truncateAtWord cuts value to at most maxLen bytes, backing up to a space
// when one is in the second half, and never splitting a rune.
func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen || maxLen <= 0 {
		return value
	}
	cut := value[:maxLen]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	if lastSpace := strings.LastIndex(cut, " "); lastSpace > maxLen/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
