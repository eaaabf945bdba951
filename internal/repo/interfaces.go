package repo

import (
	"context"
	"errors"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrLeaseUnavailable is returned by LeaseNext when no queued job is due.
	ErrLeaseUnavailable = errors.New("no job available for lease")
)

type JobFilter struct {
	UserID    string
	ProjectID string
	Status    domain.JobStatus
	Limit     int
}

// JobRepository manages job records. Status and progress mutate only through
// the dedicated update methods; identity fields are immutable.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, progress int) error
	MarkFailed(ctx context.Context, id string, failedStep domain.Step, reason string) error
	// HasSuccessor reports whether a retry job referencing id already exists.
	HasSuccessor(ctx context.Context, id string) (bool, error)
}

// CheckpointRepository persists (job id -> checkpoint) crash-consistently.
// Advance writes the full record in one transaction and enforces canonical
// step succession; Put installs a copied checkpoint on a new retry job.
type CheckpointRepository interface {
	Get(ctx context.Context, jobID string) (domain.Checkpoint, error)
	Advance(ctx context.Context, jobID string, completed domain.Step, artifacts []domain.ArtifactRef) (domain.Checkpoint, error)
	Put(ctx context.Context, jobID string, checkpoint domain.Checkpoint) error
}

// LedgerRepository is the append-only persistence behind the credits service.
// Entries are never updated or deleted.
type LedgerRepository interface {
	Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error)
	ListByUser(ctx context.Context, userID string) ([]domain.LedgerEntry, error)
	GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error)
	ListByReservation(ctx context.Context, reservationID string) ([]domain.LedgerEntry, error)
}

// QueueRepository is the durable job queue boundary: at-least-once delivery
// with a per-job lease so a job is processed by one worker at a time.
type QueueRepository interface {
	Enqueue(ctx context.Context, jobID string) error
	LeaseNext(ctx context.Context, lease time.Duration) (jobID string, err error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, backoff time.Duration) error
}
