package repository

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

const jobColumns = `id, query, top_k, status, lane, created_by, created_at, started_at, finished_at,
	total_cards, error_code, error_message, cancel_requested`

// PostgresJobsRepository keeps job records in the research_jobs table.
type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create pg pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping pg")
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

// Migrate creates the research_jobs table when missing.
func (r *PostgresJobsRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (r *PostgresJobsRepository) Create(ctx context.Context, job *domain.Job) error {
	var createdBy *string
	if job.CreatedBy != "" {
		createdBy = &job.CreatedBy
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO research_jobs (
			id,
			query,
			top_k,
			status,
			lane,
			created_by,
			created_at,
			cancel_requested
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		job.ID,
		job.Query,
		job.TopK,
		string(job.Status),
		string(job.Lane),
		createdBy,
		job.CreatedAt,
		job.CancelRequested,
	)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	return nil
}

func (r *PostgresJobsRepository) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(jobID)
		}
		return nil, errors.Wrap(err, "query job")
	}
	return job, nil
}

func (r *PostgresJobsRepository) Claim(ctx context.Context, jobID string, startedAt time.Time) (bool, error) {
	command, err := r.pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = 'running',
			started_at = $2
		WHERE id = $1 AND status = 'pending'
	`, jobID, startedAt)
	if err != nil {
		return false, errors.Wrap(err, "claim job")
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresJobsRepository) Finish(ctx context.Context, jobID string, outcome domain.JobOutcome) error {
	priors := priorStatuses(outcome)
	allowed := make([]string, 0, len(priors))
	for _, status := range priors {
		allowed = append(allowed, string(status))
	}

	command, err := r.pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = $2,
			total_cards = $3,
			error_code = $4,
			error_message = $5,
			finished_at = $6
		WHERE id = $1 AND status = ANY($7)
	`, jobID, string(outcome.Status), outcome.TotalCards, outcome.ErrorCode, outcome.ErrorMessage, outcome.FinishedAt, allowed)
	if err != nil {
		return errors.Wrap(err, "finish job")
	}
	if command.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return conflict(jobID, current.Status, outcome.Status)
}

func (r *PostgresJobsRepository) RequestCancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE research_jobs
		SET cancel_requested = TRUE
		WHERE id = $1
		RETURNING `+jobColumns, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(jobID)
		}
		return nil, errors.Wrap(err, "request cancel")
	}
	return job, nil
}

func (r *PostgresJobsRepository) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM research_jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent jobs")
	}
	defer rows.Close()

	items := make([]domain.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		items = append(items, *job)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate jobs")
	}
	return items, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		lane      string
		createdBy *string
	)
	err := row.Scan(
		&job.ID,
		&job.Query,
		&job.TopK,
		&status,
		&lane,
		&createdBy,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.TotalCards,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.CancelRequested,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Lane = domain.Lane(lane)
	if createdBy != nil {
		job.CreatedBy = *createdBy
	}
	return &job, nil
}
