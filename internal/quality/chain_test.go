package quality

import (
	"strings"
	"testing"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

func goodCard() domain.InsightCard {
	return domain.InsightCard{
		ID:    "card-1",
		Type:  domain.CardTypeInsight,
		Title: "Quantum error correction crosses a threshold",
		Content: "Surface code experiments on superconducting quantum processors show logical error rates " +
			"falling as code distance grows, a first demonstration of scalable error correction [1][2].",
		Citations: []domain.Citation{
			{SourceURL: "https://nature.com/a", Title: "A"},
			{SourceURL: "https://arxiv.org/b", Title: "B"},
		},
		Confidence: 0.8,
		Authority:  0.9,
	}
}

func TestChainAcceptsGoodCard(t *testing.T) {
	chain := NewChain(DefaultThresholds(), "quantum error correction")
	if err := chain.Evaluate(goodCard()); err != nil {
		t.Fatalf("expected card to pass: %v", err)
	}
	chain.Accept(goodCard())
	if chain.Accepted() != 1 {
		t.Fatalf("expected one accepted card, got %d", chain.Accepted())
	}
}

func TestChainRejectsByFirstFailingGuard(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.InsightCard)
		guard  string
	}{
		{"single citation", func(c *domain.InsightCard) { c.Citations = c.Citations[:1] }, GuardCitation},
		{"blank citation url", func(c *domain.InsightCard) { c.Citations[1].SourceURL = " " }, GuardCitation},
		{"low authority", func(c *domain.InsightCard) { c.Authority = 0.59 }, GuardAuthority},
		{"low confidence", func(c *domain.InsightCard) { c.Confidence = 0.49 }, GuardConfidence},
		{"too short", func(c *domain.InsightCard) { c.Content = "Quantum error correction works." }, GuardLength},
		{"too long", func(c *domain.InsightCard) { c.Content = strings.Repeat("quantum ", 300) }, GuardLength},
		{"off topic", func(c *domain.InsightCard) {
			c.Title = "Sourdough starters"
			c.Content = "Bakers keep sourdough starters alive by feeding flour and water daily, adjusting hydration for flavor."
		}, GuardRelevance},
		{"citation checked before authority", func(c *domain.InsightCard) {
			c.Citations = nil
			c.Authority = 0
		}, GuardCitation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			card := goodCard()
			card.Citations = append([]domain.Citation(nil), card.Citations...)
			tc.mutate(&card)

			err := NewChain(DefaultThresholds(), "quantum error correction").Evaluate(card)
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if !errors.Is(err, errors.ErrGuardRejection) {
				t.Fatalf("expected ErrGuardRejection mark, got %v", err)
			}
			rejection, ok := AsRejection(err)
			if !ok {
				t.Fatalf("expected *Rejection in %v", err)
			}
			if rejection.Guard != tc.guard {
				t.Fatalf("expected guard %s, got %s (%s)", tc.guard, rejection.Guard, rejection.Reason)
			}
		})
	}
}

func TestChainBoundaryValuesPass(t *testing.T) {
	card := goodCard()
	card.Authority = 0.6
	card.Confidence = 0.5
	if err := NewChain(DefaultThresholds(), "quantum").Evaluate(card); err != nil {
		t.Fatalf("expected thresholds to be inclusive: %v", err)
	}
}

func TestChainRejectsNearDuplicateOfAcceptedCard(t *testing.T) {
	chain := NewChain(DefaultThresholds(), "quantum error correction")
	if err := chain.Evaluate(goodCard()); err != nil {
		t.Fatalf("expected first card to pass: %v", err)
	}
	chain.Accept(goodCard())

	duplicate := goodCard()
	duplicate.ID = "card-2"
	duplicate.Content = strings.Replace(duplicate.Content, "[1][2]", "[1].", 1)
	err := chain.Evaluate(duplicate)
	rejection, ok := AsRejection(err)
	if !ok || rejection.Guard != GuardDuplicate {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	distinct := goodCard()
	distinct.ID = "card-3"
	distinct.Content = "Trapped ion quantum computers reached record gate fidelities, which lowers the overhead " +
		"that error correction schemes need before logical qubits outperform physical ones [3]."
	if err := chain.Evaluate(distinct); err != nil {
		t.Fatalf("expected distinct card to pass: %v", err)
	}
	chain.Accept(distinct)
	if chain.Accepted() != 2 {
		t.Fatalf("expected two accepted cards, got %d", chain.Accepted())
	}
}

func TestRejectedCardIsNotRemembered(t *testing.T) {
	chain := NewChain(DefaultThresholds(), "quantum error correction")
	low := goodCard()
	low.Confidence = 0.1
	if err := chain.Evaluate(low); err == nil {
		t.Fatalf("expected low confidence rejection")
	}
	if err := chain.Evaluate(goodCard()); err != nil {
		t.Fatalf("expected same content to pass once confident: %v", err)
	}
}

func TestUnacceptedCardDoesNotBlockDuplicates(t *testing.T) {
	chain := NewChain(DefaultThresholds(), "quantum error correction")
	if err := chain.Evaluate(goodCard()); err != nil {
		t.Fatalf("expected card to pass: %v", err)
	}
	// Passing cards that were never emitted are not remembered.
	if err := chain.Evaluate(goodCard()); err != nil {
		t.Fatalf("expected identical card to pass while nothing was accepted: %v", err)
	}
	if chain.Accepted() != 0 {
		t.Fatalf("expected no accepted cards, got %d", chain.Accepted())
	}
}

func TestJaccard(t *testing.T) {
	a := wordShingles("one two three four", 3)
	b := wordShingles("One two three, four!", 3)
	if got := jaccard(a, b); got != 1 {
		t.Fatalf("expected punctuation and case to be ignored, got %.2f", got)
	}
	c := wordShingles("five six seven eight", 3)
	if got := jaccard(a, c); got != 0 {
		t.Fatalf("expected disjoint shingles, got %.2f", got)
	}
}
