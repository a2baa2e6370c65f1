package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	PublicURL string `envconfig:"PUBLIC_BASE_URL" default:""`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// AuthTokens maps bearer tokens to user ids: "token1:alice,token2:bob".
	AuthTokens map[string]string `envconfig:"API_AUTH_TOKENS" default:""`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitRPS       float64  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst     int      `envconfig:"RATE_LIMIT_BURST" default:"40"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	Redis    RedisConfig
	Research ResearchConfig
	Fetch    FetchConfig
	Search   SearchConfig
	LLM      LLMConfig
	Embed    EmbeddingConfig
	Guards   GuardConfig
	Worker   WorkerConfig
	Quota    QuotaConfig
}

type RedisConfig struct {
	Addr      string        `envconfig:"REDIS_ADDR" default:""`
	Password  string        `envconfig:"REDIS_PASSWORD" default:""`
	DB        int           `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string        `envconfig:"REDIS_KEY_PREFIX" default:"research"`
	Group     string        `envconfig:"REDIS_GROUP" default:"research_workers"`
	Consumer  string        `envconfig:"REDIS_CONSUMER" default:"api-1"`
	StateTTL  time.Duration `envconfig:"STATE_TTL" default:"1h"`
}

type ResearchConfig struct {
	DefaultTopK       int           `envconfig:"RESEARCH_DEFAULT_TOP_K" default:"6"`
	MaxTopK           int           `envconfig:"RESEARCH_MAX_TOP_K" default:"20"`
	MaxQueryLength    int           `envconfig:"RESEARCH_MAX_QUERY_LENGTH" default:"500"`
	MaxSearchResults  int           `envconfig:"RESEARCH_MAX_SEARCH_RESULTS" default:"10"`
	MaxCardsPerDomain int           `envconfig:"RESEARCH_MAX_CARDS_PER_DOMAIN" default:"2"`
	MaxTokensPerChunk int           `envconfig:"RESEARCH_MAX_TOKENS_PER_CHUNK" default:"800"`
	ChunkOverlap      int           `envconfig:"RESEARCH_CHUNK_OVERLAP_TOKENS" default:"120"`
	FastDeadline      time.Duration `envconfig:"RESEARCH_FAST_DEADLINE" default:"60s"`
	DeepDeadline      time.Duration `envconfig:"RESEARCH_DEEP_DEADLINE" default:"180s"`
	WarmCardEnabled   bool          `envconfig:"RESEARCH_WARM_CARD_ENABLED" default:"true"`
	RetryAttempts     int           `envconfig:"RESEARCH_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay    time.Duration `envconfig:"RESEARCH_RETRY_BASE_DELAY" default:"200ms"`
	RetryMaxDelay     time.Duration `envconfig:"RESEARCH_RETRY_MAX_DELAY" default:"2s"`
	SweepInterval     time.Duration `envconfig:"RESEARCH_SWEEP_INTERVAL" default:"5m"`
}

type FetchConfig struct {
	Concurrency      int           `envconfig:"FETCH_CONCURRENCY" default:"12"`
	Timeout          time.Duration `envconfig:"FETCH_TIMEOUT" default:"15s"`
	StageDeadline    time.Duration `envconfig:"FETCH_STAGE_DEADLINE" default:"25s"`
	MinContentLength int           `envconfig:"FETCH_MIN_CONTENT_LENGTH" default:"200"`
	MaxBodyBytes     int64         `envconfig:"FETCH_MAX_BODY_BYTES" default:"2097152"`
	PerHostRPS       float64       `envconfig:"FETCH_PER_HOST_RPS" default:"4"`
	UserAgent        string        `envconfig:"FETCH_USER_AGENT" default:"research-agent/1.0 (+https://github.com/iago/research-agent)"`
}

type SearchConfig struct {
	Provider   string        `envconfig:"SEARCH_PROVIDER" default:"duckduckgo"`
	SearxngURL string        `envconfig:"SEARXNG_URL" default:""`
	Timeout    time.Duration `envconfig:"SEARCH_TIMEOUT" default:"10s"`
}

type LLMConfig struct {
	Provider        string        `envconfig:"LLM_PROVIDER" default:"openrouter"`
	OpenAIAPIKey    string        `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL   string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenRouterKey   string        `envconfig:"OPENROUTER_API_KEY" default:""`
	OpenRouterURL   string        `envconfig:"OPENROUTER_BASE_URL" default:"https://openrouter.ai/api/v1"`
	OpenRouterSite  string        `envconfig:"OPENROUTER_SITE_URL" default:""`
	OpenRouterApp   string        `envconfig:"OPENROUTER_APP_NAME" default:"Research Agent"`
	GenAIAPIKey     string        `envconfig:"GEMINI_API_KEY" default:""`
	Timeout         time.Duration `envconfig:"LLM_TIMEOUT" default:"20s"`
	PrimaryModel    string        `envconfig:"LLM_MODEL_PRIMARY" default:""`
	FallbackModel   string        `envconfig:"LLM_MODEL_FALLBACK" default:""`
	PromptsDir      string        `envconfig:"PROMPTS_DIR" default:""`
	CacheTTL        time.Duration `envconfig:"SYNTHESIS_CACHE_TTL" default:"15m"`
	CacheMaxEntries int           `envconfig:"SYNTHESIS_CACHE_MAX_ENTRIES" default:"2000"`
}

type EmbeddingConfig struct {
	Provider   string        `envconfig:"EMBEDDING_PROVIDER" default:"hash"`
	Model      string        `envconfig:"EMBEDDING_MODEL" default:""`
	BatchSize  int           `envconfig:"EMBEDDING_BATCH_SIZE" default:"64"`
	Dimensions int           `envconfig:"EMBEDDING_DIMENSIONS" default:"256"`
	Timeout    time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"20s"`
}

type GuardConfig struct {
	MinCitations       int     `envconfig:"MIN_CITATIONS" default:"2"`
	MinAuthorityScore  float64 `envconfig:"MIN_AUTHORITY_SCORE" default:"0.6"`
	MinConfidenceScore float64 `envconfig:"MIN_CONFIDENCE_SCORE" default:"0.5"`
	MinContentLength   int     `envconfig:"MIN_CONTENT_LENGTH" default:"50"`
	MaxContentLength   int     `envconfig:"MAX_CONTENT_LENGTH" default:"2000"`
	DuplicateThreshold float64 `envconfig:"DUPLICATE_SIMILARITY_THRESHOLD" default:"0.8"`
	RelevanceThreshold float64 `envconfig:"RELEVANCE_THRESHOLD" default:"0.2"`
	AuthorityRulesPath string  `envconfig:"AUTHORITY_RULES_PATH" default:""`
}

type WorkerConfig struct {
	Enabled     bool `envconfig:"WORKER_ENABLED" default:"true"`
	Concurrency int  `envconfig:"WORKER_CONCURRENCY" default:"4"`
	MaxAttempts int  `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	BufferSize  int  `envconfig:"QUEUE_BUFFER_SIZE" default:"512"`
}

type QuotaConfig struct {
	// CreditsPerUser <= 0 disables quota enforcement.
	CreditsPerUser int `envconfig:"QUOTA_CREDITS_PER_USER" default:"0"`
	CostPerJob     int `envconfig:"QUOTA_COST_PER_JOB" default:"1"`
}

// Load reads the process environment. Call LoadDotEnv first to merge .env files.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
