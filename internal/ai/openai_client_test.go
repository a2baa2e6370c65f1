package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iago/research-agent/internal/errors"
)

func TestOpenAIClientReadsOutputContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"gpt-4.1-mini-2025",
			"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"first"},{"type":"refusal","text":"skip"},{"type":"output_text","text":"second"}]}],
			"usage":{"input_tokens":3,"output_tokens":4,"total_tokens":7}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{APIKey: "k", BaseURL: server.URL + "/", Timeout: time.Second})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "gpt-4.1-mini", Input: "hi"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Text != "first\nsecond" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.ModelID != "gpt-4.1-mini-2025" || result.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected metadata %+v", result)
	}
}

func TestOpenAIClientValidatesRequest(t *testing.T) {
	client := NewOpenAIClient(OpenAIClientConfig{APIKey: "k"})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "m"})
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("validation errors are not retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", NewProviderError("x", http.StatusBadGateway, nil), true},
		{"rate limited", NewProviderError("x", http.StatusTooManyRequests, nil), true},
		{"bad request", NewProviderError("x", http.StatusBadRequest, []byte("nope")), false},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "call"), true},
		{"cancelled", errors.Wrap(context.Canceled, "call"), false},
		{"temporary text", errors.New("temporary failure in name resolution"), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestModelRouterDefaultsPerProvider(t *testing.T) {
	router := NewModelRouter(ModelRouterConfig{Provider: "genai"})
	profile := router.Select(TaskSynthesis)
	if profile.PrimaryModel != "gemini-2.5-flash" || profile.FallbackModel != "gemini-2.5-flash-lite" {
		t.Fatalf("unexpected genai defaults %+v", profile)
	}

	custom := NewModelRouter(ModelRouterConfig{Provider: "openai", PrimaryModel: "gpt-4.1"}).Select(TaskDeepSynthesis)
	if custom.PrimaryModel != "gpt-4.1" || custom.FallbackModel != "gpt-4.1-nano" {
		t.Fatalf("unexpected override %+v", custom)
	}
	if custom.MaxOutputTokens <= profile.MaxOutputTokens {
		t.Fatalf("deep synthesis should allow longer output")
	}
}

func TestGenAIClientWithoutKeyIsUnavailable(t *testing.T) {
	client, err := NewGenAIClient(context.Background(), GenAIClientConfig{})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if client.Available() {
		t.Fatalf("expected unavailable client")
	}
	if _, err := client.Generate(context.Background(), GenerateRequest{Model: "m", Input: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
