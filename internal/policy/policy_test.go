package policy

import (
	"strings"
	"testing"

	"github.com/iago/research-agent/internal/domain"
)

func TestMaskPIIStringMasksCommonPatterns(t *testing.T) {
	raw := "Contact jane.doe@example.com or +1 415-555-0132, SSN 123-45-6789, card 4111 1111 1111 1111."
	masked := MaskPIIString(raw)

	for _, leaked := range []string{"jane.doe@example.com", "555-0132", "123-45-6789", "4111 1111 1111 1111"} {
		if strings.Contains(masked, leaked) {
			t.Fatalf("expected %q to be masked in %q", leaked, masked)
		}
	}
	if !strings.Contains(masked, "**** **** **** 1111") {
		t.Fatalf("expected card last four to survive, got %q", masked)
	}
}

func TestMaskPIIStringKeepsResearchNumbers(t *testing.T) {
	raw := "Between 1990 - 2000 output grew 12.5% to 1,200,000 units (2023)."
	if masked := MaskPIIString(raw); masked != raw {
		t.Fatalf("expected research numbers untouched, got %q", masked)
	}
}

func TestRedactCardReportsChanges(t *testing.T) {
	card := domain.InsightCard{
		Title:   "Findings",
		Content: "Reach the lab at lab@uni.edu for data.",
		Citations: []domain.Citation{
			{SourceURL: "https://uni.edu", Snippet: "call 020 7946 0958 for info"},
		},
	}
	if !RedactCard(&card) {
		t.Fatalf("expected redaction to report a change")
	}
	if strings.Contains(card.Content, "lab@uni.edu") || strings.Contains(card.Citations[0].Snippet, "7946") {
		t.Fatalf("expected card PII masked: %+v", card)
	}

	clean := domain.InsightCard{Title: "Qubits", Content: "No personal data here."}
	if RedactCard(&clean) {
		t.Fatalf("expected no change for clean card")
	}
}
