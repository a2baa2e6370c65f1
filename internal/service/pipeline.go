package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iago/research-agent/internal/ai"
	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/quality"
	"github.com/iago/research-agent/internal/retrieval"
	"github.com/iago/research-agent/internal/retry"
	"github.com/iago/research-agent/internal/search"
	"github.com/iago/research-agent/internal/synthesis"
)

// Stage names reported in progress and error events.
const (
	StageQueued     = "queued"
	StagePlanning   = "planning"
	StageSearch     = "search"
	StageFetch      = "fetch"
	StageChunk      = "chunk"
	StageEmbed      = "embed"
	StageRetrieve   = "retrieve"
	StageCluster    = "cluster"
	StageSynthesis  = "synthesis"
	StageFinalizing = "finalizing"
)

// Terminal error codes carried in the error event.
const (
	codeTimeout   = "timeout"
	codeCancelled = "cancelled"
	codeProvider  = "provider_error"
	codeInternal  = "internal"
)

// Run executes the pipeline for jobID. A job that cannot be claimed is left
// alone. Pipeline failures are recorded on the job and its stream; Run only
// returns errors the queue should retry.
func (s *ResearchService) Run(ctx context.Context, jobID string) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			s.logger.Warnw("job not found, dropping task", "job_id", jobID)
			return nil
		}
		return errors.Wrap(err, "load job")
	}

	startedAt := s.now().UTC()
	claimed, err := s.repo.Claim(ctx, jobID, startedAt)
	if err != nil {
		return errors.Wrap(err, "claim job")
	}
	if !claimed {
		s.logger.Debugw("job already claimed", "job_id", jobID, "status", job.Status)
		return nil
	}
	job.Status = domain.JobStatusRunning
	job.StartedAt = &startedAt

	deadline := s.cfg.FastDeadline
	if job.Deep() {
		deadline = s.cfg.DeepDeadline
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx, stop := context.WithTimeoutCause(runCtx, deadline, errors.ErrTimeout)

	s.track(jobID, cancel)
	if job.CancelRequested {
		cancel(errors.ErrCancelled)
	}
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		s.watchCancel(runCtx, jobID, cancel)
	}()

	r := &run{svc: s, job: job, ctx: runCtx, started: startedAt, stage: StagePlanning}
	total, runErr := r.execute()
	if runErr == nil && runCtx.Err() != nil {
		runErr = context.Cause(runCtx)
	}
	interrupted := runCtx.Err() != nil
	cause := context.Cause(runCtx)

	stop()
	cancel(nil)
	watcher.Wait()
	s.untrack(jobID)

	s.complete(r, total, runErr, interrupted, cause)
	return nil
}

func (s *ResearchService) track(jobID string, cancel context.CancelCauseFunc) {
	s.runningMu.Lock()
	s.running[jobID] = cancel
	s.runningMu.Unlock()
}

func (s *ResearchService) untrack(jobID string) {
	s.runningMu.Lock()
	delete(s.running, jobID)
	s.runningMu.Unlock()
}

// watchCancel aborts the run when another process flags the job.
func (s *ResearchService) watchCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := s.repo.Get(ctx, jobID)
			if err != nil {
				continue
			}
			if job.CancelRequested {
				cancel(errors.ErrCancelled)
				return
			}
		}
	}
}

// complete records the outcome and publishes the single terminal event.
func (s *ResearchService) complete(r *run, total int, runErr error, interrupted bool, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := s.now().UTC()
	elapsed := now.Sub(r.started)
	outcome := domain.JobOutcome{Status: domain.JobStatusSucceeded, TotalCards: total, FinishedAt: now}
	var failure *domain.ErrorPayload

	if runErr != nil {
		code, status := codeInternal, domain.JobStatusFailed
		stage := errors.StageOf(runErr, r.stage)
		switch {
		case interrupted && errors.Is(cause, errors.ErrTimeout):
			code = codeTimeout
			stage = r.stage
		case interrupted:
			code, status = codeCancelled, domain.JobStatusCancelled
			stage = r.stage
		case errors.Is(runErr, errors.ErrProvider):
			code = codeProvider
		}
		outcome.Status = status
		outcome.ErrorCode = code
		outcome.ErrorMessage = runErr.Error()
		failure = &domain.ErrorPayload{
			Error:     code,
			Stage:     stage,
			Message:   messageFor(code, runErr),
			Timestamp: now,
		}
	}

	if err := s.repo.Finish(ctx, r.job.ID, outcome); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			s.logger.Warnw("job finished elsewhere", "job_id", r.job.ID)
			return
		}
		s.logger.Errorw("failed to record job outcome", "job_id", r.job.ID, "error", err)
	}
	s.metrics.JobFinished(string(outcome.Status), elapsed)

	if failure != nil {
		s.logger.Warnw("job failed",
			"job_id", r.job.ID,
			"stage", failure.Stage,
			"code", failure.Error,
			"error", runErr,
		)
		s.publishTerminal(ctx, r.job.ID, domain.EventError, *failure)
		return
	}

	s.publishTerminal(ctx, r.job.ID, domain.EventEnd, domain.EndPayload{
		TotalCards:       total,
		ProcessingTimeMS: elapsed.Milliseconds(),
	})
	if err := s.quota.Debit(ctx, r.job.CreatedBy, s.cfg.QuotaCost); err != nil {
		s.logger.Warnw("failed to debit quota", "job_id", r.job.ID, "user", r.job.CreatedBy, "error", err)
	}
	s.logger.Infow("job succeeded", "job_id", r.job.ID, "cards", total, "elapsed_ms", elapsed.Milliseconds())
}

func (s *ResearchService) publishTerminal(ctx context.Context, jobID string, eventType domain.EventType, payload any) {
	if _, err := s.bus.Publish(ctx, jobID, eventType, payload); err != nil {
		s.logger.Errorw("failed to publish terminal event", "job_id", jobID, "type", eventType, "error", err)
	}
}

func messageFor(code string, err error) string {
	switch code {
	case codeTimeout:
		return "job exceeded its deadline"
	case codeCancelled:
		return "job was cancelled"
	case codeProvider:
		return "an upstream provider failed"
	default:
		if err == nil {
			return "job failed"
		}
		return err.Error()
	}
}

// run holds the state of one pipeline execution.
type run struct {
	svc     *ResearchService
	job     *domain.Job
	ctx     context.Context
	started time.Time
	stage   string
}

func (r *run) enter(stage string) error {
	r.stage = stage
	return r.checkpoint()
}

// checkpoint stops the pipeline once the job is cancelled or out of time.
func (r *run) checkpoint() error {
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	return nil
}

func (r *run) publish(eventType domain.EventType, payload any) bool {
	if _, err := r.svc.bus.Publish(r.ctx, r.job.ID, eventType, payload); err != nil {
		if r.ctx.Err() == nil {
			r.svc.logger.Warnw("failed to publish event", "job_id", r.job.ID, "type", eventType, "error", err)
		}
		return false
	}
	return true
}

func (r *run) progress(stage, message string, percent, count int) {
	r.publish(domain.EventUpdate, domain.UpdatePayload{
		Stage:           stage,
		Message:         message,
		ProgressPercent: percent,
		Count:           count,
	})
}

func (r *run) timed(stage string, fn func() error) error {
	if err := r.enter(stage); err != nil {
		return err
	}
	begin := time.Now()
	err := fn()
	r.svc.metrics.StageCompleted(stage, time.Since(begin))
	if err != nil {
		return err
	}
	return r.checkpoint()
}

// execute runs every stage in order and returns the number of emitted cards.
func (r *run) execute() (int, error) {
	var (
		terms    []string
		results  []domain.SearchResult
		docs     []domain.SourceDocument
		chunks   []domain.Chunk
		vectors  [][]float32
		ranked   []domain.Chunk
		clusters []retrieval.Cluster
	)

	if err := r.timed(StagePlanning, func() error {
		terms = search.PlanTerms(r.job.Query, r.job.Deep())
		r.publish(domain.EventPlanning, domain.PlanningPayload{Query: r.job.Query, SearchTerms: terms})
		return nil
	}); err != nil {
		return 0, err
	}

	if err := r.timed(StageSearch, func() error {
		var err error
		results, err = r.search(terms)
		return err
	}); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}

	if err := r.timed(StageFetch, func() error {
		docs = r.fetch(results)
		return nil
	}); err != nil {
		return 0, err
	}

	if err := r.timed(StageChunk, func() error {
		chunks = r.svc.chunker.ChunkAll(docs)
		r.progress(StageChunk, fmt.Sprintf("split %d documents into %d chunks", usable(docs), len(chunks)), 55, len(chunks))
		return nil
	}); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	if err := r.timed(StageEmbed, func() error {
		var err error
		vectors, err = r.embed(chunks)
		if err != nil {
			return err
		}
		r.progress(StageEmbed, "embedded query and chunks", 65, len(chunks))
		return nil
	}); err != nil {
		return 0, err
	}

	if err := r.timed(StageRetrieve, func() error {
		ranked = retrieval.Retrieve(vectors[0], retrieval.AttachEmbeddings(chunks, vectors[1:]), r.job.TopK)
		r.progress(StageRetrieve, fmt.Sprintf("selected top %d chunks", len(ranked)), 70, len(ranked))
		return nil
	}); err != nil {
		return 0, err
	}

	if err := r.timed(StageCluster, func() error {
		clusters = retrieval.ClusterByDomain(ranked, r.svc.cfg.MaxCardsPerDomain)
		r.publish(domain.EventClustering, domain.ClusteringPayload{
			ClustersCreated: len(clusters),
			Domains:         retrieval.Domains(clusters),
		})
		return nil
	}); err != nil {
		return 0, err
	}

	var total int
	err := r.timed(StageSynthesis, func() error {
		var err error
		total, err = r.synthesize(clusters)
		return err
	})
	if err == nil {
		r.stage = StageFinalizing
	}
	return total, err
}

// search runs every planned term. Individual term failures are tolerated;
// the stage fails only when every term failed.
func (r *run) search(terms []string) ([]domain.SearchResult, error) {
	sets := make([][]domain.SearchResult, 0, len(terms))
	var lastErr error
	for i, term := range terms {
		var found []domain.SearchResult
		err := retry.Do(r.ctx, r.svc.cfg.Retry, func(ctx context.Context, _ int) error {
			var err error
			found, err = r.svc.search.Search(ctx, term, r.svc.cfg.MaxSearchResults)
			return err
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return nil, context.Cause(r.ctx)
			}
			lastErr = err
			r.svc.logger.Warnw("search term failed", "job_id", r.job.ID, "term", term, "error", err)
		} else {
			sets = append(sets, found)
		}

		merged := search.Merge(r.svc.cfg.MaxSearchResults, sets...)
		r.publish(domain.EventSearching, domain.SearchingPayload{
			SearchesCompleted: i + 1,
			URLsFound:         len(merged),
		})
	}
	if len(sets) == 0 && lastErr != nil {
		return nil, errors.NewStageError(StageSearch, errors.Mark(lastErr, errors.ErrProvider))
	}
	return search.Merge(r.svc.cfg.MaxSearchResults, sets...), nil
}

func (r *run) fetch(results []domain.SearchResult) []domain.SourceDocument {
	docs := r.svc.fetcher.Fetch(r.ctx, results, func(processed, total int) {
		r.publish(domain.EventFetching, domain.FetchingPayload{
			URLsProcessed:   processed,
			TotalURLs:       total,
			ProgressPercent: processed * 100 / total,
		})
	})
	for _, doc := range docs {
		r.svc.metrics.URLFetched(doc.OK())
	}
	return docs
}

// embed returns the query vector followed by one vector per chunk.
func (r *run) embed(chunks []domain.Chunk) ([][]float32, error) {
	texts := append([]string{r.job.Query}, retrieval.Texts(chunks)...)

	policy := r.svc.cfg.Retry
	if policy.Retryable == nil {
		policy.Retryable = ai.IsRetryable
	}
	var vectors [][]float32
	err := retry.Do(r.ctx, policy, func(ctx context.Context, _ int) error {
		var err error
		vectors, err = r.svc.embedder.Embed(ctx, texts)
		return err
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, context.Cause(r.ctx)
		}
		return nil, errors.NewStageError(StageEmbed, errors.Mark(err, errors.ErrProvider))
	}
	if len(vectors) != len(texts) {
		return nil, errors.NewStageError(StageEmbed, errors.Newf("embedder returned %d vectors for %d texts", len(vectors), len(texts)))
	}
	return vectors, nil
}

// synthesize turns clusters into cards in cluster order. Each candidate
// passes the guard chain before it is emitted.
func (r *run) synthesize(clusters []retrieval.Cluster) (int, error) {
	chain := quality.NewChain(r.svc.cfg.Guards, r.job.Query)

	var (
		accepted         int
		rejected         int
		providerFailures int
		lastProviderErr  error
	)
	for _, cluster := range clusters {
		if err := r.checkpoint(); err != nil {
			return accepted, err
		}

		result, err := r.svc.synthesizer.Synthesize(r.ctx, synthesis.Request{
			Query:   r.job.Query,
			Deep:    r.job.Deep(),
			Cluster: cluster,
		})
		switch {
		case err != nil && r.ctx.Err() != nil:
			return accepted, context.Cause(r.ctx)
		case err != nil:
			r.svc.metrics.Synthesis("skipped")
			if errors.Is(err, errors.ErrProvider) {
				providerFailures++
				lastProviderErr = err
			}
		default:
			r.svc.metrics.Synthesis(synthesisLabel(result))
			if guardErr := chain.Evaluate(result.Card); guardErr != nil {
				rejected++
				if rejection, ok := quality.AsRejection(guardErr); ok {
					r.svc.metrics.CardRejected(rejection.Guard)
					r.svc.logger.Debugw("card rejected",
						"job_id", r.job.ID,
						"domain", cluster.Domain,
						"guard", rejection.Guard,
						"reason", rejection.Reason,
					)
				}
			} else if r.publish(domain.EventCard, result.Card) {
				chain.Accept(result.Card)
				accepted++
				r.svc.metrics.CardAccepted()
			}
		}

		r.publish(domain.EventSynthesis, domain.SynthesisPayload{
			CardsGenerated: accepted,
			CardsRejected:  rejected,
		})
	}

	if accepted == 0 && len(clusters) > 0 && providerFailures == len(clusters) {
		return 0, errors.NewStageError(StageSynthesis, lastProviderErr)
	}
	return accepted, nil
}

func synthesisLabel(result synthesis.Result) string {
	switch {
	case result.CacheHit:
		return "cached"
	case result.ModelID == "extractive":
		return "extractive"
	default:
		return "generated"
	}
}

func usable(docs []domain.SourceDocument) int {
	n := 0
	for _, doc := range docs {
		if doc.OK() {
			n++
		}
	}
	return n
}
