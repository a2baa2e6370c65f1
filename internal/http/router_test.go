package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/research-agent/internal/embedding"
	"github.com/iago/research-agent/internal/events"
	"github.com/iago/research-agent/internal/fetch"
	"github.com/iago/research-agent/internal/http/handlers"
	"github.com/iago/research-agent/internal/http/middleware"
	"github.com/iago/research-agent/internal/metrics"
	"github.com/iago/research-agent/internal/queue"
	"github.com/iago/research-agent/internal/quota"
	"github.com/iago/research-agent/internal/repository"
	"github.com/iago/research-agent/internal/retry"
	"github.com/iago/research-agent/internal/search"
	"github.com/iago/research-agent/internal/service"
	"github.com/iago/research-agent/internal/synthesis"
	"github.com/iago/research-agent/internal/worker"
)

const pageTemplate = `<html><head><title>Quantum note %s</title></head><body>
<nav>Menu</nav>
<article>
<p>Quantum computing basics start with the qubit, which can hold a superposition of zero and one at the same time.</p>
<p>Entanglement links qubits so that quantum algorithms can explore many states together, note %s explains.</p>
<p>Practical quantum computers still fight decoherence, so error correction is a central research topic.</p>
</article></body></html>`

type runtimeOptions struct {
	tokens  map[string]string
	credits int
}

type integrationRuntime struct {
	server *httptest.Server
	client *http.Client
}

func startIntegrationRuntime(t *testing.T, opts runtimeOptions) integrationRuntime {
	t.Helper()

	var source *httptest.Server
	sourceMux := http.NewServeMux()
	sourceMux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		results := make([]map[string]string, 0, 3)
		if !strings.Contains(r.URL.Query().Get("q"), "nothing") {
			for i := 0; i < 3; i++ {
				results = append(results, map[string]string{
					"url":   fmt.Sprintf("%s/page/%d", source.URL, i),
					"title": fmt.Sprintf("Quantum note %d", i),
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	sourceMux.HandleFunc("GET /page/{n}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		n := r.PathValue("n")
		_, _ = fmt.Fprintf(w, pageTemplate, n, n)
	})
	source = httptest.NewServer(sourceMux)

	ctx, cancel := context.WithCancel(context.Background())
	repo := repository.NewMemoryJobsRepository()
	localQueue := queue.NewLocalQueue(queue.LocalConfig{BufferSize: 256})
	bus := events.NewBus(events.NewMemoryLog(time.Hour), events.BusConfig{PollInterval: 20 * time.Millisecond})

	provider, err := search.NewSearxNG(search.SearxNGConfig{BaseURL: source.URL})
	if err != nil {
		t.Fatalf("build search provider: %v", err)
	}
	fastRetry := retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.New()
	pipelineMetrics.MustRegister(registry)
	httpMetrics := metrics.NewHTTPMiddleware()
	registry.MustRegister(httpMetrics.Collectors()...)
	registry.MustRegister(metrics.NewQueueCollector(localQueue, nil))

	var ledger quota.Ledger = quota.Unlimited{}
	if opts.credits > 0 {
		ledger = quota.NewMemoryLedger(opts.credits)
	}

	research := service.NewResearchService(service.Config{
		WarmCardEnabled: true,
		Retry:           fastRetry,
	}, service.Dependencies{
		Repo:        repo,
		Producer:    localQueue,
		Inspector:   localQueue,
		Bus:         bus,
		Search:      provider,
		Fetcher:     fetch.New(fetch.Config{PerHostRPS: 1000, MinContentLength: 100}),
		Embedder:    embedding.NewHashEmbedder(256),
		Synthesizer: synthesis.New(synthesis.Config{Retry: fastRetry}),
		Quota:       ledger,
		Metrics:     pipelineMetrics,
	})

	pool := worker.NewPool(localQueue, localQueue, research, bus, worker.Config{Concurrency: 2, DrainTimeout: time.Second})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	router := NewRouter(RouterDependencies{
		API:            handlers.NewAPI(research, handlers.Options{KeepAlive: 200 * time.Millisecond}),
		AuthTokens:     opts.tokens,
		CORSOrigins:    []string{"*"},
		RateLimiter:    middleware.NewRateLimiter(20000, 20000),
		HTTPMetrics:    httpMetrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		wg.Wait()
		source.Close()
	})
	return integrationRuntime{server: server, client: server.Client()}
}

func (rt integrationRuntime) do(
	t *testing.T,
	method string,
	path string,
	payload any,
	headers map[string]string,
) (int, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, rt.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := rt.client.Do(request)
	if err != nil {
		t.Fatalf("execute request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	if len(raw) == 0 {
		return response.StatusCode, map[string]any{}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response body (%d): %s", response.StatusCode, string(raw))
	}
	return response.StatusCode, decoded
}

type sseFrame struct {
	ID    string
	Event string
	Data  string
}

// readStream consumes an event stream until the server closes it.
func (rt integrationRuntime) readStream(t *testing.T, path string, headers map[string]string) []sseFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rt.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := rt.client.Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected stream status %d, got %d", http.StatusOK, response.StatusCode)
	}
	if got := response.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", got)
	}

	var (
		frames  []sseFrame
		current sseFrame
	)
	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Event != "" {
				frames = append(frames, current)
			}
			current = sseFrame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data += strings.TrimPrefix(line, "data: ")
		}
	}
	if ctx.Err() != nil {
		t.Fatalf("stream did not close after the terminal event, got %d frames", len(frames))
	}
	return frames
}

func submit(t *testing.T, rt integrationRuntime, payload map[string]any) string {
	t.Helper()
	status, body := rt.do(t, http.MethodPost, "/v1/research", payload, nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d (%v)", http.StatusAccepted, status, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("expected job_id in %v", body)
	}
	return jobID
}

func TestResearchFlowStreamsCardsAndEnd(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{})

	status, body := rt.do(t, http.MethodPost, "/v1/research", map[string]any{
		"query": "quantum computing basics",
		"top_k": 6,
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d (%v)", http.StatusAccepted, status, body)
	}
	if body["status"] != "queued" {
		t.Fatalf("expected queued status, got %v", body["status"])
	}
	warm, _ := body["warm_card"].(map[string]any)
	if warm["type"] != "warm" {
		t.Fatalf("expected a warm card, got %v", body["warm_card"])
	}
	jobID := body["job_id"].(string)
	cardsURL, _ := body["cards_stream_url"].(string)
	if cardsURL != "/v1/research/"+jobID+"/cards/stream" {
		t.Fatalf("unexpected cards_stream_url %q", cardsURL)
	}

	frames := rt.readStream(t, cardsURL, nil)
	if len(frames) == 0 {
		t.Fatalf("expected at least the end event")
	}
	cards := 0
	for _, frame := range frames[:len(frames)-1] {
		if frame.Event != "card" {
			t.Fatalf("cards stream delivered %q", frame.Event)
		}
		cards++
	}
	last := frames[len(frames)-1]
	if last.Event != "end" {
		t.Fatalf("expected end as the last event, got %q (%s)", last.Event, last.Data)
	}
	var end struct {
		TotalCards int `json:"total_cards"`
	}
	if err := json.Unmarshal([]byte(last.Data), &end); err != nil {
		t.Fatalf("decode end payload: %v", err)
	}
	if end.TotalCards != cards {
		t.Fatalf("end reports %d cards, stream delivered %d", end.TotalCards, cards)
	}

	status, job := rt.do(t, http.MethodGet, "/v1/research/"+jobID, nil, nil)
	if status != http.StatusOK || job["status"] != "succeeded" {
		t.Fatalf("expected succeeded job, got %d %v", status, job)
	}

	lifecycle := rt.readStream(t, "/v1/research/"+jobID+"/stream", nil)
	if lifecycle[0].Event != "planning" {
		t.Fatalf("expected planning first, got %q", lifecycle[0].Event)
	}
	for i, frame := range lifecycle {
		if frame.ID != fmt.Sprint(i+1) {
			t.Fatalf("expected gapless ids, frame %d has id %s", i, frame.ID)
		}
	}

	resumed := rt.readStream(t, "/v1/research/"+jobID+"/stream", map[string]string{
		"Last-Event-ID": fmt.Sprint(len(lifecycle) - 1),
	})
	if len(resumed) != 1 || resumed[0].Event != "end" {
		t.Fatalf("expected only the end event after resuming, got %+v", resumed)
	}
}

func TestZeroSearchResultsEndsWithoutCards(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{})
	jobID := submit(t, rt, map[string]any{"query": "nothing to find here"})

	frames := rt.readStream(t, "/v1/research/"+jobID+"/stream", nil)
	got := make([]string, 0, len(frames))
	for _, frame := range frames {
		got = append(got, frame.Event)
	}
	if strings.Join(got, ",") != "planning,searching,end" {
		t.Fatalf("unexpected event sequence %v", got)
	}
	if !strings.Contains(frames[2].Data, `"total_cards":0`) {
		t.Fatalf("expected zero cards, got %s", frames[2].Data)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{})

	cases := []map[string]any{
		{"query": ""},
		{"query": "   "},
		{"query": strings.Repeat("x", 501)},
		{"query": "quantum", "top_k": 99},
		{"query": "quantum", "unknown": true},
	}
	for _, payload := range cases {
		status, body := rt.do(t, http.MethodPost, "/v1/research", payload, map[string]string{"X-Request-Id": "req-123"})
		if status != http.StatusBadRequest {
			t.Fatalf("payload %v: expected status %d, got %d", payload, http.StatusBadRequest, status)
		}
		errorBody, _ := body["error"].(map[string]any)
		if errorBody["code"] != "invalid_request" {
			t.Fatalf("payload %v: unexpected error body %v", payload, body)
		}
		if body["request_id"] != "req-123" {
			t.Fatalf("payload %v: expected request id echo, got %v", payload, body["request_id"])
		}
	}

	status, body := rt.do(t, http.MethodGet, "/v1/stats", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("expected stats status %d, got %d", http.StatusOK, status)
	}
	if recent, _ := body["recent_jobs"].([]any); len(recent) != 0 {
		t.Fatalf("rejected submissions must not create jobs, got %v", recent)
	}
}

func TestUnknownJobReturnsNotFound(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{})

	for _, request := range []struct{ method, path string }{
		{http.MethodGet, "/v1/research/missing"},
		{http.MethodPost, "/v1/research/missing/cancel"},
		{http.MethodGet, "/v1/research/missing/stream"},
	} {
		status, body := rt.do(t, request.method, request.path, nil, nil)
		if status != http.StatusNotFound {
			t.Fatalf("%s %s: expected status %d, got %d", request.method, request.path, http.StatusNotFound, status)
		}
		errorBody, _ := body["error"].(map[string]any)
		if errorBody["code"] != "not_found" {
			t.Fatalf("%s %s: unexpected body %v", request.method, request.path, body)
		}
	}
}

func TestIdempotentSubmission(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{})
	headers := map[string]string{"Idempotency-Key": "research-key-000001"}
	payload := map[string]any{"query": "quantum computing basics"}

	_, first := rt.do(t, http.MethodPost, "/v1/research", payload, headers)
	status, second := rt.do(t, http.MethodPost, "/v1/research", payload, headers)
	if status != http.StatusAccepted || first["job_id"] != second["job_id"] {
		t.Fatalf("expected the same job for a repeated key, got %v and %v", first["job_id"], second["job_id"])
	}

	status, conflict := rt.do(t, http.MethodPost, "/v1/research", map[string]any{"query": "other topic"}, headers)
	if status != http.StatusConflict {
		t.Fatalf("expected status %d, got %d (%v)", http.StatusConflict, status, conflict)
	}

	status, _ = rt.do(t, http.MethodPost, "/v1/research", payload, map[string]string{"Idempotency-Key": "short"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected short keys to be rejected, got %d", status)
	}
}

func TestAuthAndQuota(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{
		tokens:  map[string]string{"token-ana": "ana"},
		credits: 1,
	})
	payload := map[string]any{"query": "quantum computing basics"}

	status, _ := rt.do(t, http.MethodPost, "/v1/research", payload, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected status %d without token, got %d", http.StatusUnauthorized, status)
	}
	status, _ = rt.do(t, http.MethodGet, "/healthz", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("expected open health probe, got %d", status)
	}

	auth := map[string]string{"Authorization": "Bearer token-ana"}
	status, body := rt.do(t, http.MethodPost, "/v1/research", payload, auth)
	if status != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d (%v)", http.StatusAccepted, status, body)
	}
	jobID := body["job_id"].(string)
	rt.readStream(t, "/v1/research/"+jobID+"/cards/stream", auth)

	status, body = rt.do(t, http.MethodPost, "/v1/research", payload, auth)
	if status != http.StatusPaymentRequired {
		t.Fatalf("expected status %d once credits are spent, got %d (%v)", http.StatusPaymentRequired, status, body)
	}
}

func TestCancelQueuedOrFinishedJob(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{})
	jobID := submit(t, rt, map[string]any{"query": "quantum computing basics"})

	status, body := rt.do(t, http.MethodPost, "/v1/research/"+jobID+"/cancel", nil, nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d (%v)", http.StatusAccepted, status, body)
	}
	if body["cancel_requested"] != true {
		t.Fatalf("expected cancel flag, got %v", body)
	}

	frames := rt.readStream(t, "/v1/research/"+jobID+"/stream", nil)
	terminals := 0
	for _, frame := range frames {
		if frame.Event == "end" || frame.Event == "error" {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %+v", terminals, frames)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	rt := startIntegrationRuntime(t, runtimeOptions{})
	jobID := submit(t, rt, map[string]any{"query": "quantum computing basics", "deep": true})
	rt.readStream(t, "/v1/research/"+jobID+"/cards/stream", nil)

	status, body := rt.do(t, http.MethodGet, "/v1/stats", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, status)
	}
	byStatus, _ := body["jobs_by_status"].(map[string]any)
	if byStatus["succeeded"] != float64(1) {
		t.Fatalf("expected one succeeded job, got %v", body)
	}

	response, err := rt.client.Get(rt.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer response.Body.Close()
	raw, _ := io.ReadAll(response.Body)
	for _, name := range []string{
		`research_agent_jobs_submitted_total{lane="default"} 1`,
		`research_agent_jobs_finished_total{status="succeeded"} 1`,
		"research_agent_queue_depth",
		`path="POST /v1/research"`,
	} {
		if !strings.Contains(string(raw), name) {
			t.Fatalf("expected %q in metrics output", name)
		}
	}
}
