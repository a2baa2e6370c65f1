package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/embedding"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/events"
	"github.com/iago/research-agent/internal/fetch"
	httpserver "github.com/iago/research-agent/internal/http"
	"github.com/iago/research-agent/internal/http/handlers"
	"github.com/iago/research-agent/internal/http/middleware"
	"github.com/iago/research-agent/internal/queue"
	"github.com/iago/research-agent/internal/repository"
	"github.com/iago/research-agent/internal/search"
	"github.com/iago/research-agent/internal/service"
	"github.com/iago/research-agent/internal/synthesis"
	"github.com/iago/research-agent/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	source *httptest.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (e *benchmarkEnv) Close() {
	e.server.Close()
	e.cancel()
	e.wg.Wait()
	e.source.Close()
}

func main() {
	submitTotal := flag.Int("submit-total", 300, "total research submissions")
	submitConcurrency := flag.Int("submit-concurrency", 24, "concurrency for submissions")
	streamTotal := flag.Int("stream-total", 60, "research jobs followed to their end event")
	streamConcurrency := flag.Int("stream-concurrency", 12, "concurrency for streamed jobs")
	statusTotal := flag.Int("status-total", 300, "total job status reads")
	statusConcurrency := flag.Int("status-concurrency", 24, "concurrency for status reads")
	workers := flag.Int("workers", 8, "pipeline worker concurrency")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment(*workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start local benchmark environment: %v\n", err)
		os.Exit(1)
	}
	defer env.Close()

	client := &http.Client{Timeout: 30 * time.Second}

	var (
		idsMu sync.Mutex
		ids   []string
	)
	submitScenario := runScenario("research_submit", *submitTotal, *submitConcurrency, func(index int) error {
		payload := map[string]any{
			"query":     fmt.Sprintf("quantum computing basics %d", index%16),
			"warm_card": index%2 == 0,
		}
		var handle struct {
			JobID string `json:"job_id"`
		}
		if err := postJSON(client, env.server.URL+"/v1/research", payload, http.StatusAccepted, &handle); err != nil {
			return err
		}
		idsMu.Lock()
		ids = append(ids, handle.JobID)
		idsMu.Unlock()
		return nil
	})

	statusScenario := runScenario("research_status", *statusTotal, *statusConcurrency, func(index int) error {
		idsMu.Lock()
		if len(ids) == 0 {
			idsMu.Unlock()
			return errors.New("no submitted jobs to read")
		}
		jobID := ids[index%len(ids)]
		idsMu.Unlock()
		return getJSON(client, env.server.URL+"/v1/research/"+jobID, http.StatusOK)
	})

	var (
		firstCardMu sync.Mutex
		firstCard   []float64
	)
	streamScenario := runScenario("research_end_to_end", *streamTotal, *streamConcurrency, func(index int) error {
		payload := map[string]any{"query": fmt.Sprintf("quantum error correction %d", index)}
		var handle struct {
			CardsStreamURL string `json:"cards_stream_url"`
		}
		started := time.Now()
		if err := postJSON(client, env.server.URL+"/v1/research", payload, http.StatusAccepted, &handle); err != nil {
			return err
		}
		elapsed, err := followStream(client, env.server.URL+handle.CardsStreamURL, started)
		if err != nil {
			return err
		}
		if elapsed > 0 {
			firstCardMu.Lock()
			firstCard = append(firstCard, elapsed)
			firstCardMu.Unlock()
		}
		return nil
	})

	sort.Float64s(firstCard)
	firstCardP95 := percentile(firstCard, 0.95)

	slo := map[string]bool{
		"submit_endpoint_p95_le_200ms":     submitScenario.P95MS <= 200,
		"status_endpoint_p95_le_100ms":     statusScenario.P95MS <= 100,
		"first_card_p95_le_10000ms":        firstCardP95 <= 10000,
		"end_to_end_without_errors":        streamScenario.Errors == 0,
		"submissions_accepted_without_err": submitScenario.Errors == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        []scenarioResult{submitScenario, statusScenario, streamScenario},
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal benchmark report: %v\n", err)
		os.Exit(1)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output file: %v\n", err)
			os.Exit(1)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// startBenchmarkEnvironment wires the full pipeline in process against a
// local search and content server, so runs need no network or credentials.
func startBenchmarkEnvironment(workers int) (*benchmarkEnv, error) {
	source := httptest.NewServer(sourceHandler())

	provider, err := search.NewSearxNG(search.SearxNGConfig{BaseURL: source.URL})
	if err != nil {
		source.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := zap.NewNop().Sugar()

	repo := repository.NewMemoryJobsRepository()
	localQueue := queue.NewLocalQueue(queue.LocalConfig{BufferSize: 4096, Logger: log})
	bus := events.NewBus(events.NewMemoryLog(10*time.Minute), events.BusConfig{Logger: log})

	research := service.NewResearchService(service.Config{}, service.Dependencies{
		Repo:        repo,
		Producer:    localQueue,
		Inspector:   localQueue,
		Bus:         bus,
		Search:      provider,
		Fetcher:     fetch.New(fetch.Config{PerHostRPS: 10000, Logger: log}),
		Embedder:    embedding.NewHashEmbedder(256),
		Synthesizer: synthesis.New(synthesis.Config{Logger: log}),
		Logger:      log,
	})

	limiter := middleware.NewRateLimiter(20000, 20000)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:         handlers.NewAPI(research, handlers.Options{Logger: log}),
		Logger:      log,
		RateLimiter: limiter,
	})

	env := &benchmarkEnv{source: source, cancel: cancel}
	pool := worker.NewPool(localQueue, localQueue, research, bus, worker.Config{Concurrency: workers, Logger: log})
	env.wg.Add(2)
	go func() {
		defer env.wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer env.wg.Done()
		limiter.Run(ctx)
	}()

	env.server = httptest.NewServer(router)
	return env, nil
}

var sourceParagraphs = []string{
	"Quantum computing basics start with the qubit, which can hold a superposition of zero and one at the same time.",
	"Entanglement links qubits so that quantum algorithms can explore many states together during a computation.",
	"Practical quantum computers still fight decoherence, so quantum error correction is a central research topic.",
	"Surface codes spread one logical qubit across many physical qubits and detect errors through repeated parity checks.",
}

func sourceHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		results := make([]map[string]string, 0, 8)
		for i := 0; i < 8; i++ {
			results = append(results, map[string]string{
				"url":   fmt.Sprintf("%s/article/%d", base, i),
				"title": fmt.Sprintf("Article %d", i),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	mux.HandleFunc("GET /article/{n}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		var body strings.Builder
		body.WriteString("<html><head><title>Article " + r.PathValue("n") + "</title></head><body><article>")
		for _, paragraph := range sourceParagraphs {
			body.WriteString("<p>" + paragraph + "</p>")
		}
		body.WriteString("</article></body></html>")
		_, _ = io.WriteString(w, body.String())
	})
	return mux
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

// followStream reads a cards stream until its terminal event and returns the
// milliseconds from started to the first card, or zero when none arrived.
func followStream(client *http.Client, url string, started time.Time) (float64, error) {
	response, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return 0, errors.Newf("unexpected stream status %d", response.StatusCode)
	}

	firstCard := 0.0
	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		switch strings.TrimPrefix(scanner.Text(), "event: ") {
		case "card":
			if firstCard == 0 {
				firstCard = float64(time.Since(started).Microseconds()) / 1000.0
			}
		case "end":
			return firstCard, nil
		case "error":
			return firstCard, errors.New("job finished with an error event")
		}
	}
	if err := scanner.Err(); err != nil {
		return firstCard, err
	}
	return firstCard, errors.New("stream closed without a terminal event")
}

func postJSON(client *http.Client, url string, payload any, expectedStatus int, target any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return errors.Newf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return errors.Newf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
