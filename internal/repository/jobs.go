package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"renderbus/internal/model"
)

// JobRepo stores job records. Status moves only forward along the lifecycle
// graph; every transition is a conditional update so concurrent duplicate
// deliveries cannot apply the same step twice.
type JobRepo struct {
	dbPool *pgxpool.Pool
	log    *zap.Logger
}

func NewJobRepo(db *pgxpool.Pool, log *zap.Logger) *JobRepo {
	return &JobRepo{dbPool: db, log: log.Named("jobs")}
}

// Ensure inserts the job in SUBMITTED state on first sight, keeping the raw
// submission payload for later replay. Replays of the same job are no-ops.
func (r *JobRepo) Ensure(ctx context.Context, jobID, userID string, payload []byte, at time.Time) error {
	_, err := r.dbPool.Exec(ctx,
		`INSERT INTO jobs (job_id, user_id, status, payload, submitted_at, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (job_id) DO NOTHING`,
		jobID, userID, string(model.StatusSubmitted), payload, at,
	)
	if err != nil {
		return fmt.Errorf("ensure job %s: %w", jobID, err)
	}
	return nil
}

// Get returns the job record.
func (r *JobRepo) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var (
		job        model.Job
		provider   *string
		mdl        *string
		queue      *string
		rejection  *string
		dispatched *time.Time
	)
	err := r.dbPool.QueryRow(ctx,
		`SELECT job_id, user_id, status, provider, model, queue, rejection_reason,
		        dispatched_at, submitted_at, last_updated, payload
		 FROM jobs WHERE job_id = $1`,
		jobID,
	).Scan(&job.JobID, &job.UserID, &job.Status, &provider, &mdl, &queue, &rejection,
		&dispatched, &job.SubmittedAt, &job.LastUpdated, &job.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if provider != nil {
		job.Provider = *provider
	}
	if mdl != nil {
		job.Model = *mdl
	}
	if queue != nil {
		job.Queue = *queue
	}
	if rejection != nil {
		job.RejectionReason = *rejection
	}
	job.DispatchedAt = dispatched
	return &job, nil
}

// MarkRouted records the routing decision and the dispatch confirmation.
// Returns ErrAlreadyProcessed if the job already left SUBMITTED.
func (r *JobRepo) MarkRouted(ctx context.Context, jobID, provider, mdl, queue string, at time.Time) error {
	tag, err := r.dbPool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, provider = $3, model = $4, queue = $5,
		     dispatched_at = $6, last_updated = $6
		 WHERE job_id = $1 AND status = ANY($7)`,
		jobID, string(model.StatusRouted), provider, mdl, queue, at,
		statusList(model.TransitionSources(model.StatusRouted)),
	)
	if err != nil {
		return fmt.Errorf("mark routed %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// MarkRejected records a terminal rejection with its reason.
func (r *JobRepo) MarkRejected(ctx context.Context, jobID, reason string, at time.Time) error {
	tag, err := r.dbPool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, rejection_reason = $3, last_updated = $4
		 WHERE job_id = $1 AND status = ANY($5)`,
		jobID, string(model.StatusRejected), reason, at,
		statusList(model.TransitionSources(model.StatusRejected)),
	)
	if err != nil {
		return fmt.Errorf("mark rejected %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// MarkReconciled moves a debited or refunded job to its terminal state.
func (r *JobRepo) MarkReconciled(ctx context.Context, jobID string, at time.Time) error {
	tag, err := r.dbPool.Exec(ctx,
		`UPDATE jobs SET status = $2, last_updated = $3
		 WHERE job_id = $1 AND status = ANY($4)`,
		jobID, string(model.StatusReconciled), at,
		statusList(model.TransitionSources(model.StatusReconciled)),
	)
	if err != nil {
		return fmt.Errorf("mark reconciled %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// StuckSubmitted returns jobs still SUBMITTED after the threshold, oldest
// first, for the catch-up scanner to re-drive.
func (r *JobRepo) StuckSubmitted(ctx context.Context, olderThan time.Time, limit int) ([]model.Job, error) {
	rows, err := r.dbPool.Query(ctx,
		`SELECT job_id, user_id, status, submitted_at, last_updated, payload
		 FROM jobs
		 WHERE status = $1 AND last_updated < $2
		 ORDER BY last_updated
		 LIMIT $3`,
		string(model.StatusSubmitted), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var job model.Job
		if err := rows.Scan(&job.JobID, &job.UserID, &job.Status,
			&job.SubmittedAt, &job.LastUpdated, &job.Payload); err != nil {
			return nil, fmt.Errorf("scan stuck job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SettleCandidates returns debited or refunded jobs whose adjustment is old
// enough to be marked RECONCILED.
func (r *JobRepo) SettleCandidates(ctx context.Context, olderThan time.Time, limit int) ([]model.Job, error) {
	rows, err := r.dbPool.Query(ctx,
		`SELECT job_id, user_id, status, submitted_at, last_updated, payload
		 FROM jobs
		 WHERE status = ANY($1) AND last_updated < $2
		 ORDER BY last_updated
		 LIMIT $3`,
		statusList(model.TransitionSources(model.StatusReconciled)), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan settle candidates: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var job model.Job
		if err := rows.Scan(&job.JobID, &job.UserID, &job.Status,
			&job.SubmittedAt, &job.LastUpdated, &job.Payload); err != nil {
			return nil, fmt.Errorf("scan settle candidate row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func statusList(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
