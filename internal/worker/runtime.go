// Package worker polls the durable queue and drives leased jobs through the
// pipeline. Delivery is at least once, so every path through Process must be
// safe to repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/repo"
	"github.com/clipforge-labs/clipforge-go/internal/service/pipeline"
	"github.com/clipforge-labs/clipforge-go/internal/service/retry"
)

type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	NackBackoff   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:   2,
		PollInterval:  time.Second,
		LeaseDuration: 15 * time.Minute,
		NackBackoff:   30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be >= 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.LeaseDuration <= 0 {
		return errors.New("lease duration must be positive")
	}
	if c.NackBackoff < 0 {
		return errors.New("nack backoff must be >= 0")
	}
	return nil
}

// Runtime is the worker loop: lease, run, settle, ack. Infrastructure errors
// nack the job back onto the queue; pipeline failures are terminal outcomes
// and still ack, the retry coordinator owns what happens next.
type Runtime struct {
	queue       repo.QueueRepository
	controller  *pipeline.Controller
	coordinator *retry.Coordinator
	cfg         Config
	logger      *slog.Logger
}

func NewRuntime(queue repo.QueueRepository, controller *pipeline.Controller, coordinator *retry.Coordinator, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if queue == nil || controller == nil || coordinator == nil {
		return nil, errors.New("queue, controller and coordinator are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		queue:       queue,
		controller:  controller,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Run blocks until ctx is canceled, polling with cfg.Concurrency goroutines.
func (r *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.poll(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (r *Runtime) poll(ctx context.Context, slot int) {
	logger := r.logger.With("worker", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := r.queue.LeaseNext(ctx, r.cfg.LeaseDuration)
		switch {
		case errors.Is(err, repo.ErrLeaseUnavailable):
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		case err != nil:
			logger.Error("lease failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		if _, err := r.Process(ctx, jobID); err != nil {
			logger.Error("processing failed, requeueing", "job_id", jobID, "error", err)
			if nackErr := r.queue.Nack(ctx, jobID, r.cfg.NackBackoff); nackErr != nil {
				logger.Error("nack failed", "job_id", jobID, "error", nackErr)
			}
			continue
		}
		if err := r.queue.Ack(ctx, jobID); err != nil {
			// The lease will expire and the job will be redelivered; Process
			// on a terminal job is a no-op beyond re-settlement, which is
			// itself idempotent.
			logger.Error("ack failed", "job_id", jobID, "error", err)
		}
	}
}

// Process runs one leased job to a terminal outcome and settles its
// reservation. It returns an error only for infrastructure faults that
// warrant redelivery; pipeline failures settle and return the outcome.
func (r *Runtime) Process(ctx context.Context, jobID string) (pipeline.Outcome, error) {
	outcome, job, err := r.controller.Run(ctx, jobID)
	if err != nil {
		return "", err
	}
	if err := r.coordinator.Finalize(ctx, job, outcome); err != nil {
		return "", fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	r.logger.Info("job processed", "job_id", jobID, "outcome", string(outcome))
	return outcome, nil
}
