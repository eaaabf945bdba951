package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/pricing"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
)

// Outcome is the controller's verdict on one execution attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Controller drives a job from its checkpoint to the final step. It resumes
// wherever the checkpoint left off, so redelivered jobs and crashed workers
// never repeat completed work. Credits are out of scope here; the caller
// settles them from the returned outcome.
type Controller struct {
	jobs        repo.JobRepository
	checkpoints repo.CheckpointRepository
	registry    *Registry
	policy      pricing.Policy
	logger      *slog.Logger
}

func NewController(jobs repo.JobRepository, checkpoints repo.CheckpointRepository, registry *Registry, policy pricing.Policy, logger *slog.Logger) *Controller {
	if jobs == nil || checkpoints == nil || registry == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		jobs:        jobs,
		checkpoints: checkpoints,
		registry:    registry,
		policy:      policy,
		logger:      logger,
	}
}

// Run executes the job's remaining steps. A job already in a terminal status
// returns immediately with the matching outcome, which makes redelivery
// harmless. A failed step marks the job FAILED and stops; subsequent steps
// never run.
func (c *Controller) Run(ctx context.Context, jobID string) (Outcome, domain.Job, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", domain.Job{}, err
	}
	switch job.Status {
	case domain.JobStatusReady:
		return OutcomeCompleted, job, nil
	case domain.JobStatusFailed:
		return OutcomeFailed, job, nil
	case domain.JobStatusCanceled:
		return OutcomeCanceled, job, nil
	}

	checkpoint, err := c.loadCheckpoint(ctx, job.ID)
	if err != nil {
		return "", job, err
	}
	logger := c.logger.With("job_id", job.ID, "user_id", job.UserID)

	for {
		step, done := checkpoint.NextStep()
		if done {
			break
		}

		// Cancellation wins over the next step, never over a running one.
		current, err := c.jobs.GetJob(ctx, job.ID)
		if err != nil {
			return "", job, err
		}
		if current.Status == domain.JobStatusCanceled {
			logger.Info("job canceled, stopping before step", "step", step)
			job = current
			return OutcomeCanceled, job, nil
		}

		exec, ok := c.registry.For(step)
		if !ok {
			return "", job, fmt.Errorf("no executor for step %s", step)
		}

		if err := c.jobs.UpdateStatus(ctx, job.ID, domain.StatusForStep(step), domain.ProgressAfter(checkpoint.LastCompletedStep)); err != nil {
			return "", job, err
		}
		logger.Info("step started", "step", step)

		refs, err := invoke(ctx, c.policy, exec, job, checkpoint.Artifacts)
		if err != nil {
			logger.Error("step failed", "step", step, "error", err)
			if markErr := c.jobs.MarkFailed(ctx, job.ID, step, err.Error()); markErr != nil {
				return "", job, markErr
			}
			job.Status = domain.JobStatusFailed
			job.FailedStep = step
			job.FailureReason = err.Error()
			return OutcomeFailed, job, nil
		}

		advanced, err := c.checkpoints.Advance(ctx, job.ID, step, refs)
		if err != nil {
			if errors.Is(err, domain.ErrOutOfOrderCheckpoint) {
				// Another delivery already recorded this step; adopt its record.
				logger.Warn("checkpoint already ahead, reloading", "step", step)
				advanced, err = c.loadCheckpoint(ctx, job.ID)
				if err != nil {
					return "", job, err
				}
			} else {
				return "", job, err
			}
		}
		checkpoint = advanced
		logger.Info("step completed", "step", step, "progress", domain.ProgressAfter(checkpoint.LastCompletedStep))
	}

	if err := c.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusReady, 100); err != nil {
		return "", job, err
	}
	job.Status = domain.JobStatusReady
	job.Progress = 100
	logger.Info("pipeline completed")
	return OutcomeCompleted, job, nil
}

func (c *Controller) loadCheckpoint(ctx context.Context, jobID string) (domain.Checkpoint, error) {
	checkpoint, err := c.checkpoints.Get(ctx, jobID)
	switch {
	case err == nil:
		return checkpoint, nil
	case errors.Is(err, repo.ErrNotFound):
		return domain.Checkpoint{Artifacts: domain.ArtifactSet{}}, nil
	default:
		return domain.Checkpoint{}, err
	}
}
