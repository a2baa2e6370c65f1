// Package quality filters candidate insight cards through an ordered chain
// of guards. The first failing guard rejects the card.
package quality

import (
	"fmt"
	"strings"
	"sync"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/embedding"
	"github.com/iago/research-agent/internal/errors"
)

// Guard names, in evaluation order.
const (
	GuardCitation   = "citation"
	GuardAuthority  = "authority"
	GuardConfidence = "confidence"
	GuardLength     = "content_length"
	GuardDuplicate  = "duplicate"
	GuardRelevance  = "relevance"
)

const shingleSize = 3

type Thresholds struct {
	MinCitations       int
	MinAuthority       float64
	MinConfidence      float64
	MinContentLength   int
	MaxContentLength   int
	DuplicateThreshold float64
	RelevanceThreshold float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCitations:       2,
		MinAuthority:       0.6,
		MinConfidence:      0.5,
		MinContentLength:   50,
		MaxContentLength:   2000,
		DuplicateThreshold: 0.8,
		RelevanceThreshold: 0.2,
	}
}

// Rejection names the guard that dropped a card. It is always returned
// marked with errors.ErrGuardRejection.
type Rejection struct {
	Guard  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s guard: %s", r.Guard, r.Reason)
}

func reject(guard, format string, args ...any) error {
	return errors.Mark(&Rejection{Guard: guard, Reason: fmt.Sprintf(format, args...)}, errors.ErrGuardRejection)
}

// AsRejection extracts the Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// Chain evaluates the cards of one job. Accepted cards are remembered so
// later near-duplicates are rejected.
type Chain struct {
	thresholds Thresholds
	queryTerms []string

	mu       sync.Mutex
	accepted []map[string]struct{}
}

func NewChain(thresholds Thresholds, query string) *Chain {
	return &Chain{
		thresholds: thresholds.normalized(),
		queryTerms: uniqueTerms(query),
	}
}

func (t Thresholds) normalized() Thresholds {
	defaults := DefaultThresholds()
	if t.MinCitations <= 0 {
		t.MinCitations = defaults.MinCitations
	}
	if t.MaxContentLength <= 0 {
		t.MaxContentLength = defaults.MaxContentLength
	}
	if t.MinContentLength < 0 || t.MinContentLength > t.MaxContentLength {
		t.MinContentLength = defaults.MinContentLength
	}
	if t.DuplicateThreshold <= 0 || t.DuplicateThreshold > 1 {
		t.DuplicateThreshold = defaults.DuplicateThreshold
	}
	return t
}

// Evaluate runs the guards in order and returns the first rejection. A card
// that passes only counts against later duplicates once Accept records it.
func (c *Chain) Evaluate(card domain.InsightCard) error {
	if err := c.checkCitations(card); err != nil {
		return err
	}
	if card.Authority < c.thresholds.MinAuthority {
		return reject(GuardAuthority, "authority %.2f below %.2f", card.Authority, c.thresholds.MinAuthority)
	}
	if card.Confidence < c.thresholds.MinConfidence {
		return reject(GuardConfidence, "confidence %.2f below %.2f", card.Confidence, c.thresholds.MinConfidence)
	}

	content := normalizeText(card.Content)
	length := len([]rune(content))
	if length < c.thresholds.MinContentLength || length > c.thresholds.MaxContentLength {
		return reject(GuardLength, "content length %d outside [%d, %d]",
			length, c.thresholds.MinContentLength, c.thresholds.MaxContentLength)
	}

	shingles := wordShingles(content, shingleSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, previous := range c.accepted {
		if similarity := jaccard(shingles, previous); similarity >= c.thresholds.DuplicateThreshold {
			return reject(GuardDuplicate, "similarity %.2f with an accepted card", round2(similarity))
		}
	}

	if overlap := c.relevance(card); overlap < c.thresholds.RelevanceThreshold {
		return reject(GuardRelevance, "query term overlap %.2f below %.2f", round2(overlap), c.thresholds.RelevanceThreshold)
	}
	return nil
}

// Accept records an emitted card for the duplicate guard.
func (c *Chain) Accept(card domain.InsightCard) {
	shingles := wordShingles(normalizeText(card.Content), shingleSize)

	c.mu.Lock()
	c.accepted = append(c.accepted, shingles)
	c.mu.Unlock()
}

// Accepted reports how many cards passed the chain.
func (c *Chain) Accepted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.accepted)
}

func (c *Chain) checkCitations(card domain.InsightCard) error {
	usable := 0
	for _, citation := range card.Citations {
		if strings.TrimSpace(citation.SourceURL) != "" {
			usable++
		}
	}
	if usable < c.thresholds.MinCitations {
		return reject(GuardCitation, "%d citations, need %d", usable, c.thresholds.MinCitations)
	}
	return nil
}

// relevance is the fraction of distinct query terms found in the card
// title and content. A query without content words is always relevant.
func (c *Chain) relevance(card domain.InsightCard) float64 {
	if len(c.queryTerms) == 0 {
		return 1
	}
	cardTerms := make(map[string]struct{})
	for _, term := range embedding.Terms(card.Title + " " + card.Content) {
		cardTerms[term] = struct{}{}
	}
	found := 0
	for _, term := range c.queryTerms {
		if _, ok := cardTerms[term]; ok {
			found++
		}
	}
	return float64(found) / float64(len(c.queryTerms))
}
