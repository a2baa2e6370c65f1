// Package embedding turns chunk and query text into dense vectors.
package embedding

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/logger"
)

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

type Config struct {
	Provider      string
	Model         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GenAIAPIKey   string
	BatchSize     int
	Dimensions    int
	Timeout       time.Duration
	Logger        *zap.SugaredLogger
}

// New builds the configured backend wrapped in batching. Backends without
// credentials fall back to the hash embedder.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	log := logger.OrNop(cfg.Logger).Named("embedding")

	var (
		inner Embedder
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			log.Warnw("openai embedder selected without api key, using hash embedder")
			inner = NewHashEmbedder(cfg.Dimensions)
			break
		}
		inner = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	case "genai", "gemini":
		if strings.TrimSpace(cfg.GenAIAPIKey) == "" {
			log.Warnw("genai embedder selected without api key, using hash embedder")
			inner = NewHashEmbedder(cfg.Dimensions)
			break
		}
		inner, err = NewGenAIEmbedder(ctx, GenAIConfig{
			APIKey:  cfg.GenAIAPIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
	case "", "hash":
		inner = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, errors.Newf("unknown embedding provider %q", cfg.Provider)
	}

	log.Infow("embedder configured", "name", inner.Name(), "batch_size", cfg.BatchSize)
	return WithBatching(inner, cfg.BatchSize), nil
}

type batched struct {
	inner Embedder
	size  int
}

// WithBatching splits calls into requests of at most size texts.
func WithBatching(inner Embedder, size int) Embedder {
	if size <= 0 {
		size = 64
	}
	return &batched{inner: inner, size: size}
}

func (b *batched) Name() string { return b.inner.Name() }

func (b *batched) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + b.size
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := b.inner.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, errors.Mark(
				errors.Newf("%s returned %d vectors for %d texts", b.inner.Name(), len(batch), end-start),
				errors.ErrProvider,
			)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// CosineSimilarity returns 0 for mismatched or zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
