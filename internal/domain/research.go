package domain

import (
	"net/url"
	"strings"
	"time"
)

// SearchResult is one ranked hit from a search provider.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Rank    int    `json:"rank"`
}

// SourceDocument is one fetched URL. FetchError is set when the document was
// skipped; such documents never reach the chunker.
type SourceDocument struct {
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	Title      string    `json:"title"`
	RawText    string    `json:"-"`
	FetchedAt  time.Time `json:"fetched_at"`
	FetchError string    `json:"fetch_error,omitempty"`
	Order      int       `json:"order"`
}

func (d SourceDocument) OK() bool {
	return d.FetchError == ""
}

// Chunk is a bounded text segment of one SourceDocument.
type Chunk struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"source_url"`
	SourceTitle string    `json:"source_title,omitempty"`
	Domain      string    `json:"domain"`
	SourceOrder int       `json:"source_order"`
	Index       int       `json:"index"`
	Text        string    `json:"text"`
	TokenCount  int       `json:"token_count"`
	Embedding   []float32 `json:"-"`
	Score       float64   `json:"score"`
}

type CardType string

const (
	CardTypeInsight CardType = "insight"
	CardTypeWarm    CardType = "warm"
)

type Citation struct {
	SourceURL      string  `json:"source_url"`
	Title          string  `json:"title"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// InsightCard is a synthesized, evidence-bound unit of output.
type InsightCard struct {
	ID            string     `json:"id"`
	Type          CardType   `json:"type"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Citations     []Citation `json:"citations"`
	Confidence    float64    `json:"confidence"`
	Authority     float64    `json:"authority"`
	DomainCluster string     `json:"domain_cluster,omitempty"`
	Tags          []string   `json:"tags"`
}

// DomainOf returns the lowercase host of rawURL without port or a leading "www.".
func DomainOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}
