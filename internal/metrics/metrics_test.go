package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/research-agent/internal/cache"
	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/queue"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobSubmitted("high")
	m.JobFinished("succeeded", time.Second)
	m.CardRejected("citation")
}

func TestMetricsRecord(t *testing.T) {
	m := New()
	registry := prometheus.NewRegistry()
	m.MustRegister(registry)

	m.JobSubmitted("high")
	m.JobSubmitted("high")
	m.CardRejected("duplicate")
	m.CardAccepted()
	m.Synthesis("cached")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsSubmitted.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guardRejections.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cardsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.synthesisCalls.WithLabelValues("cached")))
}

func TestQueueCollector(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{BufferSize: 4})
	require.NoError(t, q.Enqueue(context.Background(), domain.Task{ID: "a", Lane: domain.LaneLow}))

	collector := NewQueueCollector(q, nil)
	expected := `
# HELP research_agent_queue_dlq_size Tasks in the dead letter queue.
# TYPE research_agent_queue_dlq_size gauge
research_agent_queue_dlq_size 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "research_agent_queue_dlq_size"))
	assert.Equal(t, 4, testutil.CollectAndCount(collector))
}

type fixedCacheStats cache.Stats

func (f fixedCacheStats) CacheStats() cache.Stats { return cache.Stats(f) }

func TestCacheCollector(t *testing.T) {
	collector := NewCacheCollector(fixedCacheStats{Entries: 3, Hits: 7, Misses: 2})

	expected := `
# HELP research_agent_synthesis_cache_lookups_total Synthesis cache lookups by result.
# TYPE research_agent_synthesis_cache_lookups_total counter
research_agent_synthesis_cache_lookups_total{result="hit"} 7
research_agent_synthesis_cache_lookups_total{result="miss"} 2
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "research_agent_synthesis_cache_lookups_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(collector, "research_agent_synthesis_cache_lookups_total"))
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/research/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	m := NewHTTPMiddleware()
	handler := m.Handler(mux)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/research/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("404", "GET", "GET /v1/research/{id}")))
}
