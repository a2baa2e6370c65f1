package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

// JobsRepository persists research jobs. Claim and Finish are the only
// status writers and both are atomic compare-and-set operations, so a job
// has exactly one runner and one terminal state.
type JobsRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	// Claim moves a pending job to running. It reports false when the job is
	// no longer pending.
	Claim(ctx context.Context, jobID string, startedAt time.Time) (bool, error)
	// Finish records a terminal outcome. It returns errors.ErrConflict when
	// the current status cannot move to outcome.Status or differs from
	// outcome.From.
	Finish(ctx context.Context, jobID string, outcome domain.JobOutcome) error
	// RequestCancel sets the cancellation flag and returns the updated job.
	RequestCancel(ctx context.Context, jobID string) (*domain.Job, error)
	// Recent lists the newest jobs first.
	Recent(ctx context.Context, limit int) ([]domain.Job, error)
}

// priorStatuses lists the statuses from which outcome may be recorded.
func priorStatuses(outcome domain.JobOutcome) []domain.JobStatus {
	priors := make([]domain.JobStatus, 0, 2)
	for _, status := range []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning} {
		if outcome.From != "" && status != outcome.From {
			continue
		}
		if status.CanTransitionTo(outcome.Status) {
			priors = append(priors, status)
		}
	}
	return priors
}

func allowedFrom(outcome domain.JobOutcome, current domain.JobStatus) bool {
	for _, status := range priorStatuses(outcome) {
		if status == current {
			return true
		}
	}
	return false
}

func notFound(jobID string) error {
	return errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
}

func conflict(jobID string, from, to domain.JobStatus) error {
	return errors.Mark(errors.Newf("job %s cannot move from %s to %s", jobID, from, to), errors.ErrConflict)
}

// MemoryJobsRepository stores jobs in memory for local development.
type MemoryJobsRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
	}
}

func (r *MemoryJobsRepository) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return errors.Mark(errors.Newf("job %s already exists", job.ID), errors.ErrConflict)
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobsRepository) Get(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, notFound(jobID)
	}
	return cloneJob(job), nil
}

func (r *MemoryJobsRepository) Claim(_ context.Context, jobID string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return false, notFound(jobID)
	}
	if job.Status != domain.JobStatusPending {
		return false, nil
	}
	job.Status = domain.JobStatusRunning
	job.StartedAt = &startedAt
	return true, nil
}

func (r *MemoryJobsRepository) Finish(_ context.Context, jobID string, outcome domain.JobOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return notFound(jobID)
	}
	if !allowedFrom(outcome, job.Status) {
		return conflict(jobID, job.Status, outcome.Status)
	}
	finishedAt := outcome.FinishedAt
	job.Status = outcome.Status
	job.TotalCards = outcome.TotalCards
	job.ErrorCode = outcome.ErrorCode
	job.ErrorMessage = outcome.ErrorMessage
	job.FinishedAt = &finishedAt
	return nil
}

func (r *MemoryJobsRepository) RequestCancel(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, notFound(jobID)
	}
	job.CancelRequested = true
	return cloneJob(job), nil
}

func (r *MemoryJobsRepository) Recent(_ context.Context, limit int) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		items = append(items, *cloneJob(job))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.StartedAt != nil {
		startedAt := *job.StartedAt
		clone.StartedAt = &startedAt
	}
	if job.FinishedAt != nil {
		finishedAt := *job.FinishedAt
		clone.FinishedAt = &finishedAt
	}
	return &clone
}

func parseDateTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func formatDateTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
