// Package search turns a research query into ranked web results.
package search

import (
	"context"
	"net/url"
	"strings"

	"github.com/iago/research-agent/internal/domain"
)

// Provider runs a single web search.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error)
	Name() string
}

// PlanTerms derives the search terms for a query. The deep path widens the
// search with two variants of the query.
func PlanTerms(query string, deep bool) []string {
	query = strings.Join(strings.Fields(query), " ")
	if query == "" {
		return nil
	}
	terms := []string{query}
	if deep {
		terms = append(terms, query+" research", query+" analysis")
	}
	return terms
}

var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid", "ref", "source",
}

// NormalizeURL lowercases scheme and host, strips "www.", the fragment,
// tracking parameters and a trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range trackingParams {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// Merge concatenates result sets, drops non-http URLs and duplicates by
// normalized URL, re-ranks from 0 and caps the total at limit (0 = no cap).
func Merge(limit int, sets ...[]domain.SearchResult) []domain.SearchResult {
	seen := make(map[string]struct{})
	var merged []domain.SearchResult
	for _, set := range sets {
		for _, result := range set {
			if limit > 0 && len(merged) >= limit {
				return merged
			}
			if !strings.HasPrefix(result.URL, "http://") && !strings.HasPrefix(result.URL, "https://") {
				continue
			}
			key, err := NormalizeURL(result.URL)
			if err != nil {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result.Rank = len(merged)
			merged = append(merged, result)
		}
	}
	return merged
}
