package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
)

type JobStore struct {
	db DB
}

const (
	insertJobQuery = `INSERT INTO jobs (
		job_id,
		user_id,
		project_id,
		status,
		progress,
		requested_minutes,
		cost_credits_reserved,
		reservation_id,
		checkpoint_state,
		failed_step,
		failure_reason,
		retry_of_job_id,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	selectJobQuery = `SELECT job_id, user_id, project_id, status, progress, requested_minutes,
		cost_credits_reserved, reservation_id, checkpoint_state, failed_step, failure_reason,
		retry_of_job_id, created_at, updated_at
	 FROM jobs
	 WHERE job_id = $1`

	updateJobStatusQuery = `UPDATE jobs
	 SET status = $1, progress = $2, updated_at = $3
	 WHERE job_id = $4`

	markJobFailedQuery = `UPDATE jobs
	 SET status = $1, failed_step = $2, failure_reason = $3, updated_at = $4
	 WHERE job_id = $5`

	jobHasSuccessorQuery = `SELECT EXISTS (SELECT 1 FROM jobs WHERE retry_of_job_id = $1)`
)

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	checkpointJSON, err := encodeCheckpoint(job.Checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	now := normalizeTime(job.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		insertJobQuery,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.UserID),
		strings.TrimSpace(job.ProjectID),
		string(job.Status),
		job.Progress,
		job.RequestedMinutes,
		job.ReservedCredits,
		nullIfEmpty(job.ReservationID),
		checkpointJSON,
		nullIfEmpty(string(job.FailedStep)),
		nullIfEmpty(job.FailureReason),
		nullIfEmpty(job.RetryOfJobID),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(ctx, selectJobQuery, id)
	return scanJob(row)
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.UserID) != "" {
		args = append(args, strings.TrimSpace(filter.UserID))
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.ProjectID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectID))
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT job_id, user_id, project_id, status, progress, requested_minutes,
		cost_credits_reserved, reservation_id, checkpoint_state, failed_step, failure_reason,
		retry_of_job_id, created_at, updated_at
	 FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, progress int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if domain.NormalizeJobStatus(string(status)) == "" {
		return fmt.Errorf("unknown status %q", status)
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range", progress)
	}
	res, err := s.db.ExecContext(ctx, updateJobStatusQuery, string(status), progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireRowAffected(res)
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, failedStep domain.Step, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if domain.StepIndex(failedStep) < 0 {
		return fmt.Errorf("unknown step %q", failedStep)
	}
	res, err := s.db.ExecContext(
		ctx,
		markJobFailedQuery,
		string(domain.JobStatusFailed),
		string(failedStep),
		strings.TrimSpace(reason),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return requireRowAffected(res)
}

func (s *JobStore) HasSuccessor(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("job id is required")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, jobHasSuccessorQuery, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("job has successor: %w", err)
	}
	return exists, nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (domain.Job, error) {
	var job domain.Job
	var status string
	var reservationID sql.NullString
	var checkpointJSON []byte
	var failedStep sql.NullString
	var failureReason sql.NullString
	var retryOf sql.NullString
	if err := scanner.Scan(
		&job.ID,
		&job.UserID,
		&job.ProjectID,
		&status,
		&job.Progress,
		&job.RequestedMinutes,
		&job.ReservedCredits,
		&reservationID,
		&checkpointJSON,
		&failedStep,
		&failureReason,
		&retryOf,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	job.Status = domain.JobStatus(status)
	job.ReservationID = strings.TrimSpace(reservationID.String)
	job.FailedStep = domain.Step(strings.TrimSpace(failedStep.String))
	job.FailureReason = strings.TrimSpace(failureReason.String)
	job.RetryOfJobID = strings.TrimSpace(retryOf.String)
	checkpoint, err := decodeCheckpoint(checkpointJSON)
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	job.Checkpoint = checkpoint
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func requireRowAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}
