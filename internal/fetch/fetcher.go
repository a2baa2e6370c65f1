package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/logger"
)

type Config struct {
	Concurrency      int
	Timeout          time.Duration
	StageDeadline    time.Duration
	MinContentLength int
	MaxBodyBytes     int64
	PerHostRPS       float64
	UserAgent        string
	HTTPClient       *http.Client
	Logger           *zap.SugaredLogger
}

// ProgressFunc is called once per URL after it settles, with processed
// counting both successes and skips.
type ProgressFunc func(processed, total int)

// Fetcher retrieves and sanitizes source documents concurrently.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *zap.SugaredLogger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func New(cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 12
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 200
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.PerHostRPS <= 0 {
		cfg.PerHostRPS = 4
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "research-agent/1.0"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Fetcher{
		cfg:      cfg,
		client:   cfg.HTTPClient,
		logger:   logger.OrNop(cfg.Logger).Named("fetch"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves every result concurrently and returns one document per
// input, in input order. Failed URLs carry FetchError and are never fatal.
func (f *Fetcher) Fetch(ctx context.Context, results []domain.SearchResult, progress ProgressFunc) []domain.SourceDocument {
	docs := make([]domain.SourceDocument, len(results))
	if len(results) == 0 {
		return docs
	}

	if f.cfg.StageDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.StageDeadline)
		defer cancel()
	}

	var (
		g         errgroup.Group
		mu        sync.Mutex
		processed int
	)
	g.SetLimit(f.cfg.Concurrency)

	for i, result := range results {
		i, result := i, result
		g.Go(func() error {
			docs[i] = f.fetchOne(ctx, result, i)

			mu.Lock()
			processed++
			if progress != nil {
				progress(processed, len(results))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return docs
}

func (f *Fetcher) fetchOne(ctx context.Context, result domain.SearchResult, order int) domain.SourceDocument {
	doc := domain.SourceDocument{
		URL:       result.URL,
		Domain:    domain.DomainOf(result.URL),
		Title:     result.Title,
		FetchedAt: time.Now().UTC(),
		Order:     order,
	}

	title, text, err := f.retrieve(ctx, result.URL, doc.Domain)
	if err != nil {
		doc.FetchError = classifyFetchError(err)
		f.logger.Debugw("fetch skipped", "url", result.URL, "reason", doc.FetchError)
		return doc
	}
	if len([]rune(text)) < f.cfg.MinContentLength {
		doc.FetchError = "content too short"
		return doc
	}
	if title != "" && doc.Title == "" {
		doc.Title = title
	}
	doc.RawText = text
	return doc
}

func (f *Fetcher) retrieve(ctx context.Context, rawURL, host string) (string, string, error) {
	if err := f.limiter(host).Wait(ctx); err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", errors.Newf("http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return "", "", errors.Wrap(err, "read body")
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "":
		return ExtractText(bytes.NewReader(body))
	case strings.HasPrefix(mediaType, "text/plain") || mediaType == "text/markdown":
		return "", cleanText(string(body)), nil
	default:
		return "", "", errors.Newf("unsupported content type %s", mediaType)
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.limitersMu.Lock()
	defer f.limitersMu.Unlock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.cfg.PerHostRPS), 2)
		f.limiters[host] = limiter
	}
	return limiter
}

func classifyFetchError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		message := err.Error()
		if strings.Contains(strings.ToLower(message), "timeout") {
			return "timeout"
		}
		return fmt.Sprintf("fetch failed: %s", message)
	}
}
