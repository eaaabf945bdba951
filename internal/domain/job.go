package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job identifies one pipeline run. The pipeline controller owns status and
// progress mutation; the retry coordinator owns reservation fields.
type Job struct {
	ID               string
	UserID           string
	ProjectID        string
	Status           JobStatus
	Progress         int
	RequestedMinutes int
	ReservedCredits  int64
	ReservationID    string
	Checkpoint       *Checkpoint
	FailedStep       Step
	FailureReason    string
	RetryOfJobID     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(j.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if NormalizeJobStatus(string(j.Status)) == "" {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("progress %d out of range", j.Progress)
	}
	if j.RequestedMinutes < 1 {
		return errors.New("requested minutes must be >= 1")
	}
	if j.ReservedCredits < 0 {
		return errors.New("reserved credits must be >= 0")
	}
	if j.Checkpoint != nil {
		if err := j.Checkpoint.Validate(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return nil
}

// RetryKind selects how much of a failed job is re-executed.
type RetryKind string

const (
	RetryKindFull       RetryKind = "full"
	RetryKindCheckpoint RetryKind = "checkpoint"
	RetryKindSingleStep RetryKind = "single_step"
)

// ParseRetryKind normalizes a free-form retry kind.
func ParseRetryKind(value string) (RetryKind, bool) {
	switch RetryKind(strings.ToLower(strings.TrimSpace(value))) {
	case RetryKindFull:
		return RetryKindFull, true
	case RetryKindCheckpoint:
		return RetryKindCheckpoint, true
	case RetryKindSingleStep:
		return RetryKindSingleStep, true
	}
	return "", false
}

// RetryRequest is an ephemeral value object consumed by the retry
// coordinator; it is never persisted.
type RetryRequest struct {
	JobID      string
	Kind       RetryKind
	TargetStep Step
}

func (r RetryRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job id is required")
	}
	if _, ok := ParseRetryKind(string(r.Kind)); !ok {
		return fmt.Errorf("unknown retry kind %q", r.Kind)
	}
	if r.Kind == RetryKindSingleStep {
		if StepIndex(r.TargetStep) < 0 {
			return fmt.Errorf("unknown target step %q", r.TargetStep)
		}
	} else if r.TargetStep != "" {
		return errors.New("target step is only valid for single_step retries")
	}
	return nil
}
