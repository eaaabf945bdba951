package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/repo"
)

// QueueStore is a Postgres-backed job queue with lease semantics: a leased
// job is invisible to other workers until its lease expires, which yields
// at-least-once delivery after a worker crash.
type QueueStore struct {
	db DB
}

const (
	enqueueQuery = `INSERT INTO job_queue (job_id, available_at, leased_until, enqueued_at)
	 VALUES ($1, now(), NULL, now())
	 ON CONFLICT (job_id) DO UPDATE
	 SET available_at = now(), leased_until = NULL`

	leaseNextQuery = `UPDATE job_queue
	 SET leased_until = now() + $1::interval
	 WHERE job_id = (
		SELECT job_id FROM job_queue
		WHERE available_at <= now()
		  AND (leased_until IS NULL OR leased_until <= now())
		ORDER BY enqueued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	 )
	 RETURNING job_id`

	ackQuery = `DELETE FROM job_queue WHERE job_id = $1`

	nackQuery = `UPDATE job_queue
	 SET leased_until = NULL, available_at = now() + $1::interval
	 WHERE job_id = $2`
)

func NewQueueStore(db DB) *QueueStore {
	if db == nil {
		return nil
	}
	return &QueueStore{db: db}
}

func (s *QueueStore) Enqueue(ctx context.Context, jobID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, err := s.db.ExecContext(ctx, enqueueQuery, jobID); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *QueueStore) LeaseNext(ctx context.Context, lease time.Duration) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("queue store not initialized")
	}
	if lease <= 0 {
		lease = time.Minute
	}
	var jobID string
	err := s.db.QueryRowContext(ctx, leaseNextQuery, intervalArg(lease)).Scan(&jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repo.ErrLeaseUnavailable
		}
		return "", fmt.Errorf("lease next: %w", err)
	}
	return jobID, nil
}

func (s *QueueStore) Ack(ctx context.Context, jobID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, err := s.db.ExecContext(ctx, ackQuery, jobID); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (s *QueueStore) Nack(ctx context.Context, jobID string, backoff time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if backoff < 0 {
		backoff = 0
	}
	if _, err := s.db.ExecContext(ctx, nackQuery, intervalArg(backoff), jobID); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
