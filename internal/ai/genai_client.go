package ai

import (
	"context"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/iago/research-agent/internal/errors"
)

type GenAIClientConfig struct {
	APIKey  string
	Timeout time.Duration
}

// GenAIClient generates text with the Gemini API.
type GenAIClient struct {
	client  *genai.Client
	timeout time.Duration
}

func NewGenAIClient(ctx context.Context, config GenAIClientConfig) (*GenAIClient, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return &GenAIClient{}, nil
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(config.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}
	return &GenAIClient{client: client, timeout: config.Timeout}, nil
}

func (c *GenAIClient) Available() bool {
	return c != nil && c.client != nil
}

func (c *GenAIClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrUnavailable
	}
	if err := validateRequest(request); err != nil {
		return GenerateResult{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(request.Temperature)),
		MaxOutputTokens: int32(request.MaxOutputTokens),
	}
	if strings.TrimSpace(request.Instructions) != "" {
		config.SystemInstruction = genai.NewContentFromText(strings.TrimSpace(request.Instructions), genai.RoleUser)
	}
	if request.JSONOutput {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(timeoutCtx, request.Model, genai.Text(request.Input), config)
	if err != nil {
		return GenerateResult{}, transportError("genai", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return GenerateResult{}, errors.Mark(errors.New("genai response without text output"), errors.ErrProvider)
	}

	result := GenerateResult{
		Text:    text,
		ModelID: firstNonEmpty(resp.ModelVersion, request.Model),
	}
	if usage := resp.UsageMetadata; usage != nil {
		result.Usage = TokenUsage{
			InputTokens:  int(usage.PromptTokenCount),
			OutputTokens: int(usage.CandidatesTokenCount),
			TotalTokens:  int(usage.TotalTokenCount),
		}
	}
	return result, nil
}
