// Package retry owns the job lifecycle around pipeline execution: admission
// with a credit reservation, the three retry shapes, cancellation and final
// settlement. The invariant it protects is reserve-then-enqueue: a job never
// reaches the queue without credits held for it, and every terminal job
// settles its reservation exactly once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/pricing"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
	"github.com/clipforge-labs/clipforge-go/internal/service/credits"
	"github.com/clipforge-labs/clipforge-go/internal/service/pipeline"
)

type Coordinator struct {
	jobs        repo.JobRepository
	checkpoints repo.CheckpointRepository
	queue       repo.QueueRepository
	credits     *credits.Service
	policy      pricing.Policy
	logger      *slog.Logger

	// retryMu serializes retries of the same predecessor so two concurrent
	// requests cannot both pass the successor check.
	mu      sync.Mutex
	retryMu map[string]*sync.Mutex
}

func NewCoordinator(jobs repo.JobRepository, checkpoints repo.CheckpointRepository, queue repo.QueueRepository, creditsSvc *credits.Service, policy pricing.Policy, logger *slog.Logger) *Coordinator {
	if jobs == nil || checkpoints == nil || queue == nil || creditsSvc == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		jobs:        jobs,
		checkpoints: checkpoints,
		queue:       queue,
		credits:     creditsSvc,
		policy:      policy,
		logger:      logger,
		retryMu:     map[string]*sync.Mutex{},
	}
}

type SubmitRequest struct {
	UserID           string
	ProjectID        string
	RequestedMinutes int
}

func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if r.RequestedMinutes < 1 {
		return errors.New("requested minutes must be >= 1")
	}
	return nil
}

// Submit reserves the full pipeline cost, persists the job and enqueues it.
// When the enqueue fails the reservation is compensated and the job is
// parked CANCELED, so no credits are ever stranded on an unreachable job.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	jobID := uuid.NewString()
	cost := c.policy.FullCost(req.RequestedMinutes)
	reservationID, err := c.credits.Reserve(ctx, req.UserID, cost, jobID, "pipeline run")
	if err != nil {
		return domain.Job{}, err
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:               jobID,
		UserID:           req.UserID,
		ProjectID:        req.ProjectID,
		Status:           domain.JobStatusQueued,
		RequestedMinutes: req.RequestedMinutes,
		ReservedCredits:  cost,
		ReservationID:    reservationID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		c.compensate(ctx, reservationID)
		return domain.Job{}, err
	}
	if err := c.queue.Enqueue(ctx, jobID); err != nil {
		c.compensate(ctx, reservationID)
		if markErr := c.jobs.UpdateStatus(ctx, jobID, domain.JobStatusCanceled, 0); markErr != nil {
			c.logger.Error("park unenqueued job", "job_id", jobID, "error", markErr)
		}
		return domain.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	c.logger.Info("job submitted",
		"job_id", jobID, "user_id", req.UserID,
		"minutes", req.RequestedMinutes, "reserved", cost)
	return job, nil
}

// Retry creates a successor job for a FAILED one. Exactly one successor may
// exist per job; a second retry of the same job fails with
// domain.ErrNoRetriableJob regardless of kind.
func (c *Coordinator) Retry(ctx context.Context, req domain.RetryRequest) (domain.Job, error) {
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	lock := c.retryLock(req.JobID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := c.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	if prev.Status != domain.JobStatusFailed {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", domain.ErrNoRetriableJob, prev.ID, prev.Status)
	}
	taken, err := c.jobs.HasSuccessor(ctx, prev.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if taken {
		return domain.Job{}, fmt.Errorf("%w: job %s already retried", domain.ErrNoRetriableJob, prev.ID)
	}

	cost, checkpoint, err := c.retryPlan(ctx, prev, req)
	if err != nil {
		return domain.Job{}, err
	}

	// The predecessor's reservation is settled first: its held remainder
	// returns to the balance and can fund the new reservation.
	if prev.ReservationID != "" {
		if err := c.credits.Release(ctx, prev.ReservationID); err != nil {
			return domain.Job{}, fmt.Errorf("release predecessor reservation: %w", err)
		}
	}

	jobID := uuid.NewString()
	reservationID, err := c.credits.Reserve(ctx, prev.UserID, cost, jobID, "retry "+string(req.Kind))
	if err != nil {
		return domain.Job{}, err
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:               jobID,
		UserID:           prev.UserID,
		ProjectID:        prev.ProjectID,
		Status:           domain.JobStatusQueued,
		RequestedMinutes: prev.RequestedMinutes,
		ReservedCredits:  cost,
		ReservationID:    reservationID,
		RetryOfJobID:     prev.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		c.compensate(ctx, reservationID)
		return domain.Job{}, err
	}
	if checkpoint != nil {
		if err := c.checkpoints.Put(ctx, jobID, *checkpoint); err != nil {
			c.compensate(ctx, reservationID)
			if markErr := c.jobs.UpdateStatus(ctx, jobID, domain.JobStatusCanceled, 0); markErr != nil {
				c.logger.Error("park retry job", "job_id", jobID, "error", markErr)
			}
			return domain.Job{}, fmt.Errorf("install checkpoint: %w", err)
		}
	}
	if err := c.queue.Enqueue(ctx, jobID); err != nil {
		c.compensate(ctx, reservationID)
		if markErr := c.jobs.UpdateStatus(ctx, jobID, domain.JobStatusCanceled, 0); markErr != nil {
			c.logger.Error("park retry job", "job_id", jobID, "error", markErr)
		}
		return domain.Job{}, fmt.Errorf("enqueue retry: %w", err)
	}

	c.logger.Info("retry submitted",
		"job_id", jobID, "retry_of", prev.ID,
		"kind", req.Kind, "reserved", cost)
	return job, nil
}

// retryPlan resolves the credit cost and the checkpoint the successor starts
// from, enforcing the eligibility rules of each retry kind.
func (c *Coordinator) retryPlan(ctx context.Context, prev domain.Job, req domain.RetryRequest) (int64, *domain.Checkpoint, error) {
	switch req.Kind {
	case domain.RetryKindFull:
		return c.policy.FullCost(prev.RequestedMinutes), nil, nil

	case domain.RetryKindCheckpoint:
		checkpoint, err := c.checkpoints.Get(ctx, prev.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil, fmt.Errorf("%w: job %s has no checkpoint", domain.ErrCheckpointNotEligible, prev.ID)
		}
		if err != nil {
			return 0, nil, err
		}
		if !domain.IsCheckpointEligible(checkpoint.LastCompletedStep) {
			return 0, nil, fmt.Errorf("%w: checkpoint at %s", domain.ErrCheckpointNotEligible, checkpoint.LastCompletedStep)
		}
		return c.policy.CheckpointRetryCost, &checkpoint, nil

	case domain.RetryKindSingleStep:
		if !domain.IsCheckpointEligible(req.TargetStep) {
			return 0, nil, fmt.Errorf("%w: %s", domain.ErrStepNotRetriable, req.TargetStep)
		}
		checkpoint, err := c.checkpoints.Get(ctx, prev.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil, fmt.Errorf("%w: job %s has no checkpoint", domain.ErrCheckpointNotEligible, prev.ID)
		}
		if err != nil {
			return 0, nil, err
		}
		trimmed, err := checkpoint.TrimmedTo(req.TargetStep)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", domain.ErrCheckpointNotEligible, err)
		}
		return c.policy.StepRetryCost, &trimmed, nil
	}
	return 0, nil, fmt.Errorf("unknown retry kind %q", req.Kind)
}

// Cancel flips a queued or running job to CANCELED. The pipeline controller
// observes the flip before its next step; settlement happens when the worker
// finalizes the canceled outcome. Canceling a canceled job is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case domain.JobStatusCanceled:
		return nil
	case domain.JobStatusReady, domain.JobStatusFailed:
		return fmt.Errorf("job %s is %s and cannot be canceled", job.ID, job.Status)
	}
	if err := c.jobs.UpdateStatus(ctx, jobID, domain.JobStatusCanceled, job.Progress); err != nil {
		return err
	}
	c.logger.Info("job canceled", "job_id", jobID)
	return nil
}

// Finalize settles the job's reservation for a terminal outcome:
//
//   - completed: the reserved amount is charged, any remainder released
//   - canceled:  the reservation is fully released
//   - failed:    the reservation is released, unless the checkpoint is
//     retry-eligible; then the credits stay held to fund a cheap retry
//
// Finalize tolerates redelivery: a second call finds nothing left to settle.
func (c *Coordinator) Finalize(ctx context.Context, job domain.Job, outcome pipeline.Outcome) error {
	if job.ReservationID == "" {
		return nil
	}
	logger := c.logger.With("job_id", job.ID, "outcome", string(outcome))

	switch outcome {
	case pipeline.OutcomeCompleted:
		err := c.credits.Charge(ctx, job.ReservationID, job.ReservedCredits)
		if errors.Is(err, domain.ErrOverCharge) {
			// Redelivered finalize of an already-settled job.
			logger.Warn("reservation already charged")
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.credits.Release(ctx, job.ReservationID); err != nil {
			return err
		}
		logger.Info("reservation charged", "amount", job.ReservedCredits)
		return nil

	case pipeline.OutcomeCanceled:
		if err := c.credits.Release(ctx, job.ReservationID); err != nil {
			return err
		}
		logger.Info("reservation released")
		return nil

	case pipeline.OutcomeFailed:
		checkpoint, err := c.checkpoints.Get(ctx, job.ID)
		if err == nil && domain.IsCheckpointEligible(checkpoint.LastCompletedStep) {
			logger.Info("reservation held for checkpoint retry",
				"checkpoint", checkpoint.LastCompletedStep)
			return nil
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := c.credits.Release(ctx, job.ReservationID); err != nil {
			return err
		}
		logger.Info("reservation released")
		return nil
	}
	return fmt.Errorf("unknown outcome %q", outcome)
}

func (c *Coordinator) compensate(ctx context.Context, reservationID string) {
	if err := c.credits.Release(ctx, reservationID); err != nil {
		c.logger.Error("compensating release failed", "reservation_id", reservationID, "error", err)
	}
}

func (c *Coordinator) retryLock(jobID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.retryMu[jobID]
	if !ok {
		lock = &sync.Mutex{}
		c.retryMu[jobID] = lock
	}
	return lock
}
