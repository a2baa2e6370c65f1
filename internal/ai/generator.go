package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iago/research-agent/internal/errors"
)

// ErrUnavailable is returned by a generator that has no credentials.
var ErrUnavailable = errors.New("language model client unavailable")

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type GenerateRequest struct {
	Model           string
	Instructions    string
	Input           string
	Temperature     float64
	MaxOutputTokens int
	JSONOutput      bool
}

type GenerateResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
}

// TextGenerator performs a single completion. Retries are the caller's
// concern; see IsRetryable.
type TextGenerator interface {
	Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error)
	Available() bool
}

// ProviderError is a non-2xx response from a model or embedding backend.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// NewProviderError builds a ProviderError from a response body, marked as
// errors.ErrProvider.
func NewProviderError(provider string, statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return errors.Mark(&ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
	}, errors.ErrProvider)
}

// IsRetryable reports whether err is transient: rate limits, 5xx responses
// and timeouts. Cancellation and validation failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnavailable) || errors.IsValidation(err) {
		return false
	}
	var httpErr *ProviderError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "tempor", "unavailable", "resource_exhausted", "connection reset"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func validateRequest(request GenerateRequest) error {
	if strings.TrimSpace(request.Model) == "" {
		return errors.Validationf("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return errors.Validationf("input is required")
	}
	return nil
}

// postJSON sends payload to url and returns the body of a 2xx response.
// Non-2xx responses become a ProviderError.
func postJSON(
	ctx context.Context,
	client *http.Client,
	timeout time.Duration,
	provider string,
	url string,
	headers map[string]string,
	payload any,
) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", provider)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrapf(err, "create %s request", provider)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		if value != "" {
			request.Header.Set(key, value)
		}
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, transportError(provider, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, transportError(provider, errors.Wrap(err, "read body"))
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, NewProviderError(provider, response.StatusCode, body)
	}
	return body, nil
}

func transportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(errors.Wrapf(err, "%s timeout", provider), errors.ErrProvider)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Mark(errors.Wrapf(err, "%s transport error", provider), errors.ErrProvider)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
