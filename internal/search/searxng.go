package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

type SearxNGConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SearxNG queries a self-hosted SearxNG instance through its JSON API.
type SearxNG struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

type searxngResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

func NewSearxNG(cfg SearxNGConfig) (*SearxNG, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("searxng base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &SearxNG{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
	}, nil
}

func (s *SearxNG) Name() string { return "searxng" }

func (s *SearxNG) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build searxng request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "searxng request"), errors.ErrProvider)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Mark(fmt.Errorf("searxng status %d", resp.StatusCode), errors.ErrProvider)
	}

	var decoded searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode searxng response"), errors.ErrProvider)
	}

	results := make([]domain.SearchResult, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		if limit > 0 && len(results) >= limit {
			break
		}
		if strings.TrimSpace(item.URL) == "" {
			continue
		}
		results = append(results, domain.SearchResult{
			URL:     item.URL,
			Title:   strings.TrimSpace(item.Title),
			Snippet: strings.TrimSpace(item.Content),
			Rank:    len(results),
		})
	}
	return results, nil
}
