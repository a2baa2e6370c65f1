package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/chunk"
	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/embedding"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/events"
	"github.com/iago/research-agent/internal/fetch"
	"github.com/iago/research-agent/internal/logger"
	"github.com/iago/research-agent/internal/metrics"
	"github.com/iago/research-agent/internal/quality"
	"github.com/iago/research-agent/internal/queue"
	"github.com/iago/research-agent/internal/quota"
	"github.com/iago/research-agent/internal/repository"
	"github.com/iago/research-agent/internal/retry"
	"github.com/iago/research-agent/internal/search"
	"github.com/iago/research-agent/internal/synthesis"
)

// Fetcher retrieves source documents for search results.
type Fetcher interface {
	Fetch(ctx context.Context, results []domain.SearchResult, progress fetch.ProgressFunc) []domain.SourceDocument
}

// Synthesizer turns one cluster into a candidate card.
type Synthesizer interface {
	Synthesize(ctx context.Context, request synthesis.Request) (synthesis.Result, error)
}

type Config struct {
	DefaultTopK        int
	MaxTopK            int
	MaxQueryLength     int
	MaxSearchResults   int
	MaxCardsPerDomain  int
	FastDeadline       time.Duration
	DeepDeadline       time.Duration
	WarmCardEnabled    bool
	// CancelPollInterval is how often a running job re-reads its
	// cancellation flag, which may be set by another process.
	CancelPollInterval time.Duration
	QuotaCost          int
	PublicBaseURL      string
	Guards             quality.Thresholds
	Retry              retry.Policy
}

func (c Config) normalized() Config {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 6
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = 20
	}
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = 500
	}
	if c.MaxSearchResults <= 0 {
		c.MaxSearchResults = 10
	}
	if c.MaxCardsPerDomain <= 0 {
		c.MaxCardsPerDomain = 2
	}
	if c.FastDeadline <= 0 {
		c.FastDeadline = 60 * time.Second
	}
	if c.DeepDeadline <= 0 {
		c.DeepDeadline = 180 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = time.Second
	}
	if c.QuotaCost <= 0 {
		c.QuotaCost = 1
	}
	c.PublicBaseURL = strings.TrimSuffix(strings.TrimSpace(c.PublicBaseURL), "/")
	return c
}

type Dependencies struct {
	Repo        repository.JobsRepository
	Producer    queue.Producer
	Inspector   queue.Inspector
	Bus         *events.Bus
	Search      search.Provider
	Fetcher     Fetcher
	Chunker     *chunk.Chunker
	Embedder    embedding.Embedder
	Synthesizer Synthesizer
	Quota       quota.Ledger
	Metrics     *metrics.Metrics
	Logger      *zap.SugaredLogger
}

// ResearchService accepts research submissions and drives each job through
// the pipeline when a worker runs it.
type ResearchService struct {
	cfg         Config
	repo        repository.JobsRepository
	producer    queue.Producer
	inspector   queue.Inspector
	bus         *events.Bus
	search      search.Provider
	fetcher     Fetcher
	chunker     *chunk.Chunker
	embedder    embedding.Embedder
	synthesizer Synthesizer
	quota       quota.Ledger
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
	now         func() time.Time

	runningMu sync.Mutex
	running   map[string]context.CancelCauseFunc
}

func NewResearchService(cfg Config, deps Dependencies) *ResearchService {
	if deps.Chunker == nil {
		deps.Chunker = chunk.New()
	}
	if deps.Quota == nil {
		deps.Quota = quota.Unlimited{}
	}
	return &ResearchService{
		cfg:         cfg.normalized(),
		repo:        deps.Repo,
		producer:    deps.Producer,
		inspector:   deps.Inspector,
		bus:         deps.Bus,
		search:      deps.Search,
		fetcher:     deps.Fetcher,
		chunker:     deps.Chunker,
		embedder:    deps.Embedder,
		synthesizer: deps.Synthesizer,
		quota:       deps.Quota,
		metrics:     deps.Metrics,
		logger:      logger.OrNop(deps.Logger).Named("research"),
		now:         time.Now,
		running:     make(map[string]context.CancelCauseFunc),
	}
}

type SubmitRequest struct {
	Query string
	TopK  int
	User  string
	Deep  bool
	// WarmCard overrides the configured default when set.
	WarmCard *bool
}

type JobHandle struct {
	JobID          string              `json:"job_id"`
	Status         string              `json:"status"`
	StreamURL      string              `json:"stream_url"`
	CardsStreamURL string              `json:"cards_stream_url"`
	WarmCard       *domain.InsightCard `json:"warm_card,omitempty"`
}

// Submit validates the request, stores a pending job and queues it. It never
// waits on the pipeline.
func (s *ResearchService) Submit(ctx context.Context, request SubmitRequest) (JobHandle, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return JobHandle{}, errors.Validationf("query must not be empty")
	}
	if utf8.RuneCountInString(query) > s.cfg.MaxQueryLength {
		return JobHandle{}, errors.Validationf("query must be at most %d characters", s.cfg.MaxQueryLength)
	}

	topK := request.TopK
	if topK == 0 {
		topK = s.cfg.DefaultTopK
	}
	if topK < 1 || topK > s.cfg.MaxTopK {
		return JobHandle{}, errors.Validationf("top_k must be between 1 and %d", s.cfg.MaxTopK)
	}

	if err := s.quota.Check(ctx, request.User, s.cfg.QuotaCost); err != nil {
		return JobHandle{}, err
	}

	lane := domain.LaneHigh
	if request.Deep {
		lane = domain.LaneDefault
	}
	now := s.now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Query:     query,
		TopK:      topK,
		Status:    domain.JobStatusPending,
		Lane:      lane,
		CreatedBy: request.User,
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return JobHandle{}, errors.Wrap(err, "create job")
	}

	task := domain.Task{
		ID:          uuid.NewString(),
		Kind:        domain.TaskResearchRun,
		JobID:       job.ID,
		Lane:        lane,
		RequestedAt: now,
	}
	if err := s.producer.Enqueue(ctx, task); err != nil {
		s.abandon(job.ID, StageQueued, "enqueue_failed", err)
		return JobHandle{}, errors.Wrap(err, "enqueue job")
	}
	s.metrics.JobSubmitted(string(lane))
	s.logger.Infow("job submitted", "job_id", job.ID, "lane", lane, "top_k", topK)

	handle := JobHandle{
		JobID:          job.ID,
		Status:         "queued",
		StreamURL:      s.cfg.PublicBaseURL + "/v1/research/" + job.ID + "/stream",
		CardsStreamURL: s.cfg.PublicBaseURL + "/v1/research/" + job.ID + "/cards/stream",
	}
	warm := s.cfg.WarmCardEnabled
	if request.WarmCard != nil {
		warm = *request.WarmCard
	}
	if warm {
		card := WarmCard(job.ID, query)
		handle.WarmCard = &card
	}
	return handle, nil
}

// Job returns the stored job.
func (s *ResearchService) Job(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.Get(ctx, jobID)
}

// Cancel flags the job for cancellation. A pending job is cancelled at once;
// a running job stops at its next checkpoint, or immediately when it runs in
// this process.
func (s *ResearchService) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.repo.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		return job, nil
	}
	if job.Status == domain.JobStatusPending {
		s.abandon(jobID, StageQueued, codeCancelled, errors.ErrCancelled)
	}
	// A worker may have claimed the job after the flag was set; its own
	// watcher finishes it, this only shortens the wait when it runs here.
	s.runningMu.Lock()
	cancel, ok := s.running[jobID]
	s.runningMu.Unlock()
	if ok {
		cancel(errors.ErrCancelled)
	}
	return s.repo.Get(ctx, jobID)
}

// Stream subscribes to the events of an existing job after cursor. A
// finished job whose event log already expired yields errors.ErrGone.
func (s *ResearchService) Stream(ctx context.Context, jobID string, cursor int64, view events.View) (<-chan domain.JobEvent, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		retained, err := s.eventsRetained(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !retained {
			return nil, errors.Mark(errors.Newf("events of job %s expired", jobID), errors.ErrGone)
		}
	}
	return s.bus.Subscribe(ctx, jobID, cursor, view), nil
}

// eventsRetained reports whether the log of a finished job still holds
// events. The terminal event is published right after the job is finished,
// so an empty log is re-read for a short while before it counts as expired.
func (s *ResearchService) eventsRetained(ctx context.Context, jobID string) (bool, error) {
	deadline := time.NewTimer(streamSettleTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(streamSettleTimeout / 10)
	defer ticker.Stop()

	for {
		list, err := s.bus.Events(ctx, jobID, 0)
		if err != nil {
			return false, errors.Wrap(err, "read job events")
		}
		if len(list) > 0 {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

const streamSettleTimeout = 250 * time.Millisecond

type JobSummary struct {
	ID         string           `json:"id"`
	Status     domain.JobStatus `json:"status"`
	Lane       domain.Lane      `json:"lane"`
	TotalCards int              `json:"total_cards"`
	ErrorCode  string           `json:"error_code,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

type Stats struct {
	Queue    queue.Stats              `json:"queue"`
	ByStatus map[domain.JobStatus]int `json:"jobs_by_status"`
	Recent   []JobSummary             `json:"recent_jobs"`
}

// Stats reports queue depth and the outcomes of the most recent jobs.
// Status counts cover the same window as Recent.
func (s *ResearchService) Stats(ctx context.Context, limit int) (Stats, error) {
	stats := Stats{ByStatus: make(map[domain.JobStatus]int)}
	if s.inspector != nil {
		queueStats, err := s.inspector.Stats(ctx)
		if err != nil {
			return Stats{}, errors.Wrap(err, "queue stats")
		}
		stats.Queue = queueStats
	}

	jobs, err := s.repo.Recent(ctx, limit)
	if err != nil {
		return Stats{}, errors.Wrap(err, "recent jobs")
	}
	stats.Recent = make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		stats.ByStatus[job.Status]++
		stats.Recent = append(stats.Recent, JobSummary{
			ID:         job.ID,
			Status:     job.Status,
			Lane:       job.Lane,
			TotalCards: job.TotalCards,
			ErrorCode:  job.ErrorCode,
			CreatedAt:  job.CreatedAt,
			FinishedAt: job.FinishedAt,
		})
	}
	return stats, nil
}

// abandon finishes a job that never ran and closes its stream. It only
// applies while the job is still pending, so a worker that claimed it in the
// meantime stays its single writer.
func (s *ResearchService) abandon(jobID, stage, code string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := domain.JobStatusFailed
	if code == codeCancelled {
		status = domain.JobStatusCancelled
	}
	now := s.now().UTC()
	err := s.repo.Finish(ctx, jobID, domain.JobOutcome{
		From:         domain.JobStatusPending,
		Status:       status,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		FinishedAt:   now,
	})
	if err != nil {
		if !errors.Is(err, errors.ErrConflict) {
			s.logger.Errorw("failed to finish abandoned job", "job_id", jobID, "error", err)
		}
		return
	}

	s.metrics.JobFinished(string(status), 0)
	s.publishTerminal(ctx, jobID, domain.EventError, domain.ErrorPayload{
		Error:     code,
		Stage:     stage,
		Message:   messageFor(code, cause),
		Timestamp: now,
	})
}
