// Package synthesis turns a retrieval cluster into a candidate insight card
// with one language model call.
package synthesis

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/ai"
	"github.com/iago/research-agent/internal/authority"
	"github.com/iago/research-agent/internal/cache"
	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/logger"
	"github.com/iago/research-agent/internal/policy"
	"github.com/iago/research-agent/internal/retrieval"
	"github.com/iago/research-agent/internal/retry"
)

//go:embed prompts/*.tmpl
var embeddedPrompts embed.FS

const (
	promptFile    = "insight_card.tmpl"
	promptVersion = "insight-card/v1"

	defaultSnippetLength = 240
	extractiveModelID    = "extractive"
)

// ErrClusterSkipped means the cluster produced no card. It is a soft
// failure: the job continues with the remaining clusters.
var ErrClusterSkipped = errors.New("cluster skipped")

type Config struct {
	Generator        ai.TextGenerator
	Router           *ai.ModelRouter
	Scorer           authority.Scorer
	Cache            *cache.SemanticCache
	Retry            retry.Policy
	PromptsDir       string
	MaxContextTokens int
	SnippetLength    int
	Logger           *zap.SugaredLogger
}

type Request struct {
	Query   string
	Deep    bool
	Cluster retrieval.Cluster
}

// Result carries the candidate card and how it was produced.
type Result struct {
	Card     domain.InsightCard
	ModelID  string
	CacheHit bool
	Redacted bool
}

type Synthesizer struct {
	generator        ai.TextGenerator
	router           *ai.ModelRouter
	scorer           authority.Scorer
	cache            *cache.SemanticCache
	retry            retry.Policy
	promptsDir       string
	maxContextTokens int
	snippetLength    int
	logger           *zap.SugaredLogger

	tmplMu    sync.RWMutex
	templates map[string]*template.Template
}

type cardOutput struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

func New(cfg Config) *Synthesizer {
	if cfg.Router == nil {
		cfg.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if cfg.Scorer == nil {
		cfg.Scorer = authority.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewSemanticCache(cache.Config{})
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = defaultSnippetLength
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = func(err error) bool {
			return ai.IsRetryable(err) || errors.Is(err, errMalformedOutput)
		}
	}
	return &Synthesizer{
		generator:        cfg.Generator,
		router:           cfg.Router,
		scorer:           cfg.Scorer,
		cache:            cfg.Cache,
		retry:            cfg.Retry,
		promptsDir:       strings.TrimSpace(cfg.PromptsDir),
		maxContextTokens: cfg.MaxContextTokens,
		snippetLength:    cfg.SnippetLength,
		logger:           logger.OrNop(cfg.Logger).Named("synthesis"),
		templates:        make(map[string]*template.Template),
	}
}

// Sweep drops expired cache entries. It runs as part of the periodic
// maintenance task.
func (s *Synthesizer) Sweep(context.Context) (int, error) {
	return s.cache.PurgeExpired(), nil
}

func (s *Synthesizer) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Synthesize builds one candidate card. Model failures after retries and
// unparsable output return an error marked ErrClusterSkipped; context
// errors are returned unmarked so the caller can tell timeouts apart.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Result, error) {
	evidence := retrieval.BuildContext(req.Cluster, s.maxContextTokens)
	if len(evidence.Chunks) == 0 {
		return Result{}, errors.Mark(errors.New("cluster has no evidence"), ErrClusterSkipped)
	}

	output, modelID, cacheHit, err := s.generate(ctx, req, evidence)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		s.logger.Warnw("cluster skipped", "domain", req.Cluster.Domain, "error", err)
		return Result{}, errors.Mark(err, ErrClusterSkipped)
	}

	card := domain.InsightCard{
		ID:            uuid.NewString(),
		Type:          domain.CardTypeInsight,
		Title:         strings.TrimSpace(output.Title),
		Content:       strings.TrimSpace(output.Content),
		Citations:     s.citations(evidence.Chunks),
		Confidence:    clamp01(output.Confidence),
		DomainCluster: req.Cluster.Domain,
		Tags:          []string{req.Cluster.Domain},
	}
	if card.Title == "" {
		card.Title = firstNonEmpty(evidence.Chunks[0].SourceTitle, "Findings from "+req.Cluster.Domain)
	}
	if modelID == extractiveModelID {
		card.Tags = append(card.Tags, extractiveModelID)
	}
	card.Authority = authority.CardAuthority(s.scorer, card.Citations)
	redacted := policy.RedactCard(&card)

	return Result{Card: card, ModelID: modelID, CacheHit: cacheHit, Redacted: redacted}, nil
}

func (s *Synthesizer) generate(
	ctx context.Context,
	req Request,
	evidence retrieval.ContextOutput,
) (cardOutput, string, bool, error) {
	if s.generator == nil || !s.generator.Available() {
		return extractive(req.Query, req.Cluster, evidence), extractiveModelID, false, nil
	}

	task := ai.TaskSynthesis
	if req.Deep {
		task = ai.TaskDeepSynthesis
	}
	profile := s.router.Select(task)

	signature := cache.BuildSignature(profile.PrimaryModel, promptVersion, req.Query, evidence.Text)
	if entry, ok := s.cache.Get(signature); ok {
		var cached cardOutput
		if err := json.Unmarshal(entry.Value, &cached); err == nil {
			return cached, entry.ModelID, true, nil
		}
	}

	prompt, err := s.renderPrompt(promptFile, map[string]any{
		"Query":    req.Query,
		"Domain":   req.Cluster.Domain,
		"Evidence": evidence.Text,
		"Deep":     req.Deep,
	})
	if err != nil {
		return cardOutput{}, "", false, err
	}

	var (
		output  cardOutput
		modelID string
	)
	err = retry.Do(ctx, s.retry, func(ctx context.Context, _ int) error {
		text, usedModel, genErr := s.generateText(ctx, profile, prompt)
		if genErr != nil {
			return genErr
		}
		parsed, parseErr := parseCard(text)
		if parseErr != nil {
			return parseErr
		}
		output, modelID = parsed, usedModel
		return nil
	})
	if err != nil {
		return cardOutput{}, "", false, err
	}

	if encoded, marshalErr := json.Marshal(output); marshalErr == nil {
		s.cache.Set(signature, cache.Entry{Value: encoded, ModelID: modelID, PromptVersion: promptVersion})
	}
	return output, modelID, false, nil
}

// generateText tries the primary model, then the fallback model once.
func (s *Synthesizer) generateText(ctx context.Context, profile ai.ModelProfile, prompt string) (string, string, error) {
	request := ai.GenerateRequest{
		Model:           profile.PrimaryModel,
		Instructions:    "Return only valid JSON. Do not use markdown code fences.",
		Input:           prompt,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
		JSONOutput:      true,
	}
	primary, err := s.generator.Generate(ctx, request)
	if err == nil {
		return primary.Text, firstNonEmpty(primary.ModelID, profile.PrimaryModel), nil
	}
	if strings.TrimSpace(profile.FallbackModel) == "" || profile.FallbackModel == profile.PrimaryModel || ctx.Err() != nil {
		return "", "", err
	}

	request.Model = profile.FallbackModel
	fallback, fallbackErr := s.generator.Generate(ctx, request)
	if fallbackErr != nil {
		return "", "", errors.WithSecondary(errors.Wrap(fallbackErr, "fallback model failed"), err)
	}
	return fallback.Text, firstNonEmpty(fallback.ModelID, profile.FallbackModel), nil
}

func (s *Synthesizer) renderPrompt(fileName string, data any) (string, error) {
	tmpl, err := s.loadTemplate(fileName)
	if err != nil {
		return "", err
	}

	buffer := bytes.NewBuffer(nil)
	if err := tmpl.Execute(buffer, data); err != nil {
		return "", errors.Wrapf(err, "execute template %s", fileName)
	}
	return buffer.String(), nil
}

// loadTemplate prefers PromptsDir and falls back to the embedded copy.
func (s *Synthesizer) loadTemplate(fileName string) (*template.Template, error) {
	s.tmplMu.RLock()
	if tmpl, ok := s.templates[fileName]; ok {
		s.tmplMu.RUnlock()
		return tmpl, nil
	}
	s.tmplMu.RUnlock()

	var (
		content []byte
		err     error
	)
	if s.promptsDir != "" {
		content, err = os.ReadFile(filepath.Join(s.promptsDir, fileName))
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "read prompt template %s", fileName)
		}
	}
	if len(content) == 0 {
		content, err = embeddedPrompts.ReadFile("prompts/" + fileName)
		if err != nil {
			return nil, errors.Wrapf(err, "read embedded prompt %s", fileName)
		}
	}

	tmpl, err := template.New(fileName).Parse(string(content))
	if err != nil {
		return nil, errors.Wrapf(err, "parse prompt template %s", fileName)
	}

	s.tmplMu.Lock()
	s.templates[fileName] = tmpl
	s.tmplMu.Unlock()
	return tmpl, nil
}

// citations builds one citation per source URL, in evidence order, keeping
// the best scoring chunk's snippet.
func (s *Synthesizer) citations(chunks []domain.Chunk) []domain.Citation {
	index := make(map[string]int, len(chunks))
	citations := make([]domain.Citation, 0, len(chunks))
	for _, chunk := range chunks {
		score := math.Round(chunk.Score*1e4) / 1e4
		if i, ok := index[chunk.SourceURL]; ok {
			if score > citations[i].RelevanceScore {
				citations[i].RelevanceScore = score
				citations[i].Snippet = truncateAtWord(normalizeText(chunk.Text), s.snippetLength)
			}
			continue
		}
		index[chunk.SourceURL] = len(citations)
		citations = append(citations, domain.Citation{
			SourceURL:      chunk.SourceURL,
			Title:          firstNonEmpty(chunk.SourceTitle, chunk.Domain),
			Snippet:        truncateAtWord(normalizeText(chunk.Text), s.snippetLength),
			RelevanceScore: score,
		})
	}
	return citations
}
