package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
)

// CheckpointStore persists checkpoints as one row per job, written whole in a
// single transaction so readers never observe a step without its artifacts.
// It needs *sql.DB rather than the narrow DB interface because Advance holds
// a row lock across read-validate-write.
type CheckpointStore struct {
	db *sql.DB
}

const (
	selectCheckpointQuery = `SELECT last_completed_step, artifacts
	 FROM job_checkpoints
	 WHERE job_id = $1`

	selectCheckpointForUpdateQuery = selectCheckpointQuery + ` FOR UPDATE`

	upsertCheckpointQuery = `INSERT INTO job_checkpoints (job_id, last_completed_step, artifacts, updated_at)
	 VALUES ($1, $2, $3, now())
	 ON CONFLICT (job_id) DO UPDATE
	 SET last_completed_step = EXCLUDED.last_completed_step,
	     artifacts = EXCLUDED.artifacts,
	     updated_at = EXCLUDED.updated_at`

	mirrorCheckpointQuery = `UPDATE jobs SET checkpoint_state = $1, updated_at = now() WHERE job_id = $2`
)

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	if db == nil {
		return nil
	}
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Get(ctx context.Context, jobID string) (domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.Checkpoint{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(ctx, selectCheckpointQuery, jobID)
	return scanCheckpoint(row)
}

// Advance moves the checkpoint forward by one canonical step. Redelivered or
// reordered completions surface domain.ErrOutOfOrderCheckpoint and leave the
// stored record untouched.
func (s *CheckpointStore) Advance(ctx context.Context, jobID string, completed domain.Step, artifacts []domain.ArtifactRef) (domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.Checkpoint{}, fmt.Errorf("job id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("begin advance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current := domain.Checkpoint{Artifacts: domain.ArtifactSet{}}
	row := tx.QueryRowContext(ctx, selectCheckpointForUpdateQuery, jobID)
	stored, err := scanCheckpoint(row)
	switch {
	case err == nil:
		current = stored
	case errors.Is(err, repo.ErrNotFound):
		// First advance for this job.
	default:
		return domain.Checkpoint{}, err
	}

	next, err := current.Advanced(completed, artifacts)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := s.writeCheckpoint(ctx, tx, jobID, next); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("commit advance: %w", err)
	}
	return next, nil
}

// Put installs a full checkpoint on a job, used when a retry copies its
// predecessor's checkpoint forward.
func (s *CheckpointStore) Put(ctx context.Context, jobID string, checkpoint domain.Checkpoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.writeCheckpoint(ctx, tx, jobID, checkpoint); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

// writeCheckpoint stores the record and mirrors it into jobs.checkpoint_state
// in the same transaction; the UI reads the mirror, the pipeline reads here.
func (s *CheckpointStore) writeCheckpoint(ctx context.Context, tx *sql.Tx, jobID string, cp domain.Checkpoint) error {
	artifactsJSON, err := json.Marshal(cp.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertCheckpointQuery, jobID, string(cp.LastCompletedStep), artifactsJSON); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	stateJSON, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, mirrorCheckpointQuery, stateJSON, jobID); err != nil {
		return fmt.Errorf("mirror checkpoint: %w", err)
	}
	return nil
}

type checkpointScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(scanner checkpointScanner) (domain.Checkpoint, error) {
	var lastStep string
	var artifactsJSON []byte
	if err := scanner.Scan(&lastStep, &artifactsJSON); err != nil {
		return domain.Checkpoint{}, handleNotFound(err)
	}
	cp := domain.Checkpoint{
		LastCompletedStep: domain.Step(strings.TrimSpace(lastStep)),
		Artifacts:         domain.ArtifactSet{},
	}
	if len(artifactsJSON) > 0 {
		if err := json.Unmarshal(artifactsJSON, &cp.Artifacts); err != nil {
			return domain.Checkpoint{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return cp, nil
}
