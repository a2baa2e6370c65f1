package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/research-agent/internal/ai"
	"github.com/iago/research-agent/internal/errors"
)

func TestHashEmbedderIsDeterministicAndNormalized(t *testing.T) {
	embedder := NewHashEmbedder(64)
	first, err := embedder.Embed(context.Background(), []string{"quantum error correction codes"})
	require.NoError(t, err)
	second, err := embedder.Embed(context.Background(), []string{"quantum error correction codes"})
	require.NoError(t, err)

	require.Len(t, first[0], 64)
	assert.Equal(t, first, second)
	assert.InDelta(t, 1.0, CosineSimilarity(first[0], first[0]), 1e-6)
}

func TestHashEmbedderRanksRelatedTextHigher(t *testing.T) {
	vectors, err := NewHashEmbedder(256).Embed(context.Background(), []string{
		"quantum computing qubits",
		"qubits power quantum computing hardware",
		"banana bread recipe with walnuts",
	})
	require.NoError(t, err)

	related := CosineSimilarity(vectors[0], vectors[1])
	unrelated := CosineSimilarity(vectors[0], vectors[2])
	assert.Greater(t, related, unrelated)
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestTermsDropsStopWordsAndPunctuation(t *testing.T) {
	assert.Equal(t, []string{"state", "quantum", "computing", "2024"}, Terms("What is the state of quantum-computing in 2024?"))
}

type countingEmbedder struct {
	sizes []int
}

func (c *countingEmbedder) Name() string { return "counting" }

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.sizes = append(c.sizes, len(texts))
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, nil
}

func TestWithBatchingSplitsAndPreservesOrder(t *testing.T) {
	inner := &countingEmbedder{}
	embedder := WithBatching(inner, 2)

	vectors, err := embedder.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, inner.sizes)
	require.Len(t, vectors, 5)
	for i, vec := range vectors {
		assert.Equal(t, float32(i+1), vec[0])
	}
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req embeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, 8, req.Dimensions)
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(OpenAIConfig{APIKey: "key", BaseURL: server.URL, Dimensions: 8})
	vectors, err := embedder.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
}

func TestOpenAIEmbedderServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "key", BaseURL: server.URL}).Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProvider))
	assert.True(t, ai.IsRetryable(err))
}

func TestNewFallsBackToHashWithoutCredentials(t *testing.T) {
	embedder, err := New(context.Background(), Config{Provider: "openai", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, "hash", embedder.Name())

	_, err = New(context.Background(), Config{Provider: "word2vec"})
	assert.Error(t, err)
}
