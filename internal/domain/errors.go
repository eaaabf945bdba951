package domain

import "errors"

var (
	// ErrInsufficientCredits rejects a reservation that exceeds the user's
	// available balance. No ledger entry is written.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrOverCharge rejects a charge exceeding the reservation's remainder.
	ErrOverCharge = errors.New("charge exceeds reserved amount")

	// ErrOutOfOrderCheckpoint guards against duplicate or out-of-order
	// checkpoint advancement under at-least-once delivery.
	ErrOutOfOrderCheckpoint = errors.New("checkpoint advance out of canonical order")

	// ErrStepNotRetriable rejects a single-step retry for a step before the
	// checkpoint policy threshold.
	ErrStepNotRetriable = errors.New("step is not individually retriable")

	// ErrCheckpointNotEligible rejects a checkpoint retry when no checkpoint
	// exists or it has not reached the policy threshold.
	ErrCheckpointNotEligible = errors.New("checkpoint not eligible for resumed retry")

	// ErrNoRetriableJob rejects a retry request when the job is not in FAILED
	// state or already has a successor.
	ErrNoRetriableJob = errors.New("no retriable job")
)
