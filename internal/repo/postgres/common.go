package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func encodeCheckpoint(cp *domain.Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, nil
	}
	return json.Marshal(cp)
}

func decodeCheckpoint(raw []byte) (*domain.Checkpoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	if cp.Artifacts == nil {
		cp.Artifacts = domain.ArtifactSet{}
	}
	return &cp, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
