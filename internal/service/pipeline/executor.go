// Package pipeline runs a job through the canonical step sequence, advancing
// the durable checkpoint after every completed step. It never touches the
// credit ledger; settlement belongs to the retry coordinator.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/pricing"
	"github.com/clipforge-labs/clipforge-go/internal/provider"
)

// Executor performs one canonical step. It receives the artifacts of every
// step completed so far and returns the artifacts it produced. Executors must
// be safe to re-run: outputs are keyed per job and step, so a redelivered
// execution overwrites its own prior output.
type Executor interface {
	Step() domain.Step
	Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error)
}

// Registry holds one executor per canonical step.
type Registry struct {
	executors map[domain.Step]Executor
}

// NewRegistry requires exactly one executor for every canonical step; a
// partial registry would strand jobs mid-pipeline.
func NewRegistry(executors ...Executor) (*Registry, error) {
	byStep := make(map[domain.Step]Executor, len(executors))
	for _, exec := range executors {
		step := exec.Step()
		if domain.StepIndex(step) < 0 {
			return nil, fmt.Errorf("executor registered for unknown step %q", step)
		}
		if _, ok := byStep[step]; ok {
			return nil, fmt.Errorf("duplicate executor for step %s", step)
		}
		byStep[step] = exec
	}
	for _, step := range domain.CanonicalSteps {
		if _, ok := byStep[step]; !ok {
			return nil, fmt.Errorf("no executor for step %s", step)
		}
	}
	return &Registry{executors: byStep}, nil
}

func (r *Registry) For(step domain.Step) (Executor, bool) {
	exec, ok := r.executors[step]
	return exec, ok
}

// invoke runs one executor bounded by the policy's step timeout, retrying
// transient provider failures with a fixed backoff. Permanent failures and
// exhausted budgets return the last error unchanged.
func invoke(ctx context.Context, policy pricing.Policy, exec Executor, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	attempts := policy.TransientAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, policy.TimeoutFor(exec.Step()))
		refs, err := exec.Execute(stepCtx, job, artifacts)
		cancel()
		if err == nil {
			return refs, nil
		}
		lastErr = err
		if !provider.IsTransient(err) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.TransientBackoff):
		}
	}
	return nil, lastErr
}
