package service

import (
	"fmt"
	"strings"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/embedding"
)

const warmTitleTerms = 6

// WarmCard is the placeholder returned with a submission while the pipeline
// has not produced anything yet. It is built from the query alone and is
// never counted as a job card.
func WarmCard(jobID, query string) domain.InsightCard {
	query = strings.Join(strings.Fields(query), " ")

	terms := embedding.Terms(query)
	if len(terms) > warmTitleTerms {
		terms = terms[:warmTitleTerms]
	}
	subject := query
	if len(terms) > 0 {
		subject = strings.Join(terms, " ")
	}

	return domain.InsightCard{
		ID:    "warm-" + jobID,
		Type:  domain.CardTypeWarm,
		Title: fmt.Sprintf("Researching: %s", subject),
		Content: fmt.Sprintf(
			"Searching the web for sources on %q. Insight cards with citations will stream in as each source is read and verified.",
			query,
		),
		Citations:  []domain.Citation{},
		Confidence: 1.0,
		Tags:       []string{"warm"},
	}
}
