package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/ai"
	"github.com/iago/research-agent/internal/authority"
	"github.com/iago/research-agent/internal/cache"
	"github.com/iago/research-agent/internal/chunk"
	"github.com/iago/research-agent/internal/config"
	"github.com/iago/research-agent/internal/embedding"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/events"
	"github.com/iago/research-agent/internal/fetch"
	httpserver "github.com/iago/research-agent/internal/http"
	"github.com/iago/research-agent/internal/http/handlers"
	"github.com/iago/research-agent/internal/http/middleware"
	"github.com/iago/research-agent/internal/logger"
	"github.com/iago/research-agent/internal/metrics"
	"github.com/iago/research-agent/internal/quality"
	"github.com/iago/research-agent/internal/queue"
	"github.com/iago/research-agent/internal/quota"
	"github.com/iago/research-agent/internal/repository"
	"github.com/iago/research-agent/internal/retry"
	"github.com/iago/research-agent/internal/search"
	"github.com/iago/research-agent/internal/service"
	"github.com/iago/research-agent/internal/synthesis"
	"github.com/iago/research-agent/internal/worker"
)

func main() {
	envFiles, err := config.LoadDotEnv(".env", ".env.local")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed loading .env files: %v\n", err)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	base, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = base.Sync() }()
	log := base.Sugar()
	if len(envFiles) > 0 {
		log.Infow("loaded env files", "files", envFiles)
	}

	if err := run(cfg, log); err != nil {
		log.Errorw("api stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(cfg.Redis.Addr, ","),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warnw("redis unreachable, falling back to in-process state", "addr", cfg.Redis.Addr, "error", err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	repo, repoCloser := setupRepository(ctx, cfg, redisClient, log)
	defer repoCloser()

	producer, consumer, inspector := setupQueue(ctx, cfg, redisClient, log)
	bus := setupBus(cfg, redisClient, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewQueueCollector(inspector, log),
	)
	pipelineMetrics := metrics.New()
	pipelineMetrics.MustRegister(registry)
	httpMetrics := metrics.NewHTTPMiddleware()
	registry.MustRegister(httpMetrics.Collectors()...)

	provider, err := setupSearch(cfg)
	if err != nil {
		return err
	}
	embedder, err := embedding.New(ctx, embedding.Config{
		Provider:      cfg.Embed.Provider,
		Model:         cfg.Embed.Model,
		OpenAIAPIKey:  cfg.LLM.OpenAIAPIKey,
		OpenAIBaseURL: cfg.LLM.OpenAIBaseURL,
		GenAIAPIKey:   cfg.LLM.GenAIAPIKey,
		BatchSize:     cfg.Embed.BatchSize,
		Dimensions:    cfg.Embed.Dimensions,
		Timeout:       cfg.Embed.Timeout,
		Logger:        log,
	})
	if err != nil {
		return errors.Wrap(err, "build embedder")
	}

	policy := retry.Policy{
		Attempts:  cfg.Research.RetryAttempts,
		BaseDelay: cfg.Research.RetryBaseDelay,
		MaxDelay:  cfg.Research.RetryMaxDelay,
		Jitter:    0.2,
	}
	synthesizer, err := setupSynthesizer(ctx, cfg, policy, log)
	if err != nil {
		return err
	}

	registry.MustRegister(metrics.NewCacheCollector(synthesizer))

	var ledger quota.Ledger = quota.Unlimited{}
	if cfg.Quota.CreditsPerUser > 0 {
		ledger = quota.NewMemoryLedger(cfg.Quota.CreditsPerUser)
	}

	research := service.NewResearchService(service.Config{
		DefaultTopK:       cfg.Research.DefaultTopK,
		MaxTopK:           cfg.Research.MaxTopK,
		MaxQueryLength:    cfg.Research.MaxQueryLength,
		MaxSearchResults:  cfg.Research.MaxSearchResults,
		MaxCardsPerDomain: cfg.Research.MaxCardsPerDomain,
		FastDeadline:      cfg.Research.FastDeadline,
		DeepDeadline:      cfg.Research.DeepDeadline,
		WarmCardEnabled:   cfg.Research.WarmCardEnabled,
		QuotaCost:         cfg.Quota.CostPerJob,
		PublicBaseURL:     cfg.PublicURL,
		Guards: quality.Thresholds{
			MinCitations:       cfg.Guards.MinCitations,
			MinAuthority:       cfg.Guards.MinAuthorityScore,
			MinConfidence:      cfg.Guards.MinConfidenceScore,
			MinContentLength:   cfg.Guards.MinContentLength,
			MaxContentLength:   cfg.Guards.MaxContentLength,
			DuplicateThreshold: cfg.Guards.DuplicateThreshold,
			RelevanceThreshold: cfg.Guards.RelevanceThreshold,
		},
		Retry: policy,
	}, service.Dependencies{
		Repo:      repo,
		Producer:  producer,
		Inspector: inspector,
		Bus:       bus,
		Search:    provider,
		Fetcher: fetch.New(fetch.Config{
			Concurrency:      cfg.Fetch.Concurrency,
			Timeout:          cfg.Fetch.Timeout,
			StageDeadline:    cfg.Fetch.StageDeadline,
			MinContentLength: cfg.Fetch.MinContentLength,
			MaxBodyBytes:     cfg.Fetch.MaxBodyBytes,
			PerHostRPS:       cfg.Fetch.PerHostRPS,
			UserAgent:        cfg.Fetch.UserAgent,
			Logger:           log,
		}),
		Chunker: chunk.New(
			chunk.WithMaxTokens(cfg.Research.MaxTokensPerChunk),
			chunk.WithOverlap(cfg.Research.ChunkOverlap),
		),
		Embedder:    embedder,
		Synthesizer: synthesizer,
		Quota:       ledger,
		Metrics:     pipelineMetrics,
		Logger:      log,
	})

	var background sync.WaitGroup
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	background.Add(1)
	go func() {
		defer background.Done()
		limiter.Run(ctx)
	}()

	if cfg.Worker.Enabled {
		pool := worker.NewPool(consumer, producer, research, worker.Sweepers{bus, synthesizer}, worker.Config{
			Concurrency:   cfg.Worker.Concurrency,
			SweepInterval: cfg.Research.SweepInterval,
			Logger:        log,
		})
		background.Add(1)
		go func() {
			defer background.Done()
			pool.Run(ctx)
		}()
	} else {
		log.Infow("worker disabled by configuration")
	}

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(research, handlers.Options{Logger: log}),
		Logger:         log,
		AuthTokens:     cfg.AuthTokens,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimiter:    limiter,
		HTTPMetrics:    httpMetrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})

	// No WriteTimeout: event streams stay open for the life of a job and
	// manage their own deadlines.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Infow("api listening", "port", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Infow("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = errors.Wrap(err, "serve http")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("graceful shutdown failed", "error", err)
	}
	background.Wait()
	return serveErr
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	client redis.UniversalClient,
	log *zap.SugaredLogger,
) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL != "" {
		pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
		if err == nil {
			err = pgRepo.Migrate(ctx)
			if err != nil {
				pgRepo.Close()
			}
		}
		if err == nil {
			log.Infow("postgres repository initialized")
			return pgRepo, pgRepo.Close
		}
		log.Warnw("failed to initialize postgres repository", "error", err)
	}

	if client != nil {
		log.Infow("redis repository initialized")
		return repository.NewRedisJobsRepository(client, repository.RedisJobsConfig{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.StateTTL,
		}), func() {}
	}

	log.Infow("no shared store configured, using in-memory repository")
	return repository.NewMemoryJobsRepository(), func() {}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	client redis.UniversalClient,
	log *zap.SugaredLogger,
) (queue.Producer, queue.Consumer, queue.Inspector) {
	if client != nil {
		streams, err := queue.NewStreamsQueue(ctx, client, queue.StreamsConfig{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			Group:       cfg.Redis.Group,
			Consumer:    cfg.Redis.Consumer,
			MaxAttempts: cfg.Worker.MaxAttempts,
			Logger:      log,
		})
		if err == nil {
			log.Infow("redis streams queue initialized")
			return streams, streams, streams
		}
		log.Warnw("failed to initialize redis streams queue, falling back to local", "error", err)
	}

	local := queue.NewLocalQueue(queue.LocalConfig{
		BufferSize:  cfg.Worker.BufferSize,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Logger:      log,
	})
	return local, local, local
}

func setupBus(cfg config.Config, client redis.UniversalClient, log *zap.SugaredLogger) *events.Bus {
	var eventLog events.Log
	if client != nil {
		eventLog = events.NewRedisLog(client, events.RedisLogConfig{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.StateTTL,
		})
	} else {
		eventLog = events.NewMemoryLog(cfg.Redis.StateTTL)
	}
	return events.NewBus(eventLog, events.BusConfig{Logger: log})
}

func setupSearch(cfg config.Config) (search.Provider, error) {
	switch strings.ToLower(cfg.Search.Provider) {
	case "searxng":
		provider, err := search.NewSearxNG(search.SearxNGConfig{
			BaseURL: cfg.Search.SearxngURL,
			Timeout: cfg.Search.Timeout,
		})
		if err != nil {
			return nil, errors.Wrap(err, "build searxng provider")
		}
		return provider, nil
	case "", "duckduckgo":
		return search.NewDuckDuckGo(search.DuckDuckGoConfig{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   cfg.Search.Timeout,
		}), nil
	default:
		return nil, errors.Newf("unknown search provider %q", cfg.Search.Provider)
	}
}

func setupSynthesizer(
	ctx context.Context,
	cfg config.Config,
	policy retry.Policy,
	log *zap.SugaredLogger,
) (*synthesis.Synthesizer, error) {
	var generator ai.TextGenerator
	switch strings.ToLower(cfg.LLM.Provider) {
	case "openai":
		generator = ai.NewOpenAIClient(ai.OpenAIClientConfig{
			APIKey:  cfg.LLM.OpenAIAPIKey,
			BaseURL: cfg.LLM.OpenAIBaseURL,
			Timeout: cfg.LLM.Timeout,
		})
	case "genai":
		if cfg.LLM.GenAIAPIKey != "" {
			client, err := ai.NewGenAIClient(ctx, ai.GenAIClientConfig{
				APIKey:  cfg.LLM.GenAIAPIKey,
				Timeout: cfg.LLM.Timeout,
			})
			if err != nil {
				return nil, errors.Wrap(err, "build genai client")
			}
			generator = client
		}
	case "openrouter":
		generator = ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
			APIKey:  cfg.LLM.OpenRouterKey,
			BaseURL: cfg.LLM.OpenRouterURL,
			Timeout: cfg.LLM.Timeout,
			SiteURL: cfg.LLM.OpenRouterSite,
			AppName: cfg.LLM.OpenRouterApp,
		})
	case "", "none":
	default:
		return nil, errors.Newf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if generator == nil || !generator.Available() {
		log.Infow("no model credentials configured, cards will be extractive")
		generator = nil
	}

	var scorer authority.Scorer = authority.Default()
	if cfg.Guards.AuthorityRulesPath != "" {
		rules, err := authority.Load(cfg.Guards.AuthorityRulesPath)
		if err != nil {
			return nil, errors.Wrap(err, "load authority rules")
		}
		scorer = rules
	}

	return synthesis.New(synthesis.Config{
		Generator: generator,
		Router: ai.NewModelRouter(ai.ModelRouterConfig{
			Provider:      cfg.LLM.Provider,
			PrimaryModel:  cfg.LLM.PrimaryModel,
			FallbackModel: cfg.LLM.FallbackModel,
		}),
		Scorer: scorer,
		Cache: cache.NewSemanticCache(cache.Config{
			TTL:        cfg.LLM.CacheTTL,
			MaxEntries: cfg.LLM.CacheMaxEntries,
		}),
		Retry:      policy,
		PromptsDir: cfg.LLM.PromptsDir,
		Logger:     log,
	}), nil
}
