package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
)

// LedgerStore is the durable append log behind the credits service. The only
// mutation path is Append; there are deliberately no update or delete methods.
type LedgerStore struct {
	db DB
}

const (
	insertLedgerEntryQuery = `INSERT INTO credit_ledger (
		entry_id,
		user_id,
		job_id,
		reservation_id,
		entry_type,
		amount,
		balance_after,
		note,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (entry_id) DO NOTHING
	RETURNING entry_id, user_id, job_id, reservation_id, entry_type, amount, balance_after, note, created_at`

	selectLedgerEntryQuery = `SELECT entry_id, user_id, job_id, reservation_id, entry_type, amount, balance_after, note, created_at
	 FROM credit_ledger
	 WHERE entry_id = $1`

	listLedgerByUserQuery = `SELECT entry_id, user_id, job_id, reservation_id, entry_type, amount, balance_after, note, created_at
	 FROM credit_ledger
	 WHERE user_id = $1
	 ORDER BY created_at ASC, entry_id ASC`

	listLedgerByReservationQuery = `SELECT entry_id, user_id, job_id, reservation_id, entry_type, amount, balance_after, note, created_at
	 FROM credit_ledger
	 WHERE reservation_id = $1 OR entry_id = $1
	 ORDER BY created_at ASC, entry_id ASC`
)

func NewLedgerStore(db DB) *LedgerStore {
	if db == nil {
		return nil
	}
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if s == nil || s.db == nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger store not initialized")
	}
	if err := entry.Validate(); err != nil {
		return domain.LedgerEntry{}, err
	}
	createdAt := normalizeTime(entry.CreatedAt)
	row := s.db.QueryRowContext(
		ctx,
		insertLedgerEntryQuery,
		strings.TrimSpace(entry.ID),
		strings.TrimSpace(entry.UserID),
		nullIfEmpty(entry.JobID),
		nullIfEmpty(entry.ReservationID),
		string(entry.Type),
		entry.Amount,
		entry.BalanceAfter,
		nullIfEmpty(entry.Note),
		createdAt,
	)
	inserted, err := scanLedgerEntry(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
		}
		// Redelivered append with the same entry id; return the stored entry.
		return s.GetEntry(ctx, entry.ID)
	}
	return inserted, nil
}

func (s *LedgerStore) GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	if s == nil || s.db == nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.LedgerEntry{}, fmt.Errorf("entry id is required")
	}
	row := s.db.QueryRowContext(ctx, selectLedgerEntryQuery, id)
	entry, err := scanLedgerEntry(row)
	if err != nil {
		return domain.LedgerEntry{}, handleNotFound(err)
	}
	return entry, nil
}

func (s *LedgerStore) ListByUser(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return s.list(ctx, listLedgerByUserQuery, userID)
}

func (s *LedgerStore) ListByReservation(ctx context.Context, reservationID string) ([]domain.LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return nil, fmt.Errorf("reservation id is required")
	}
	return s.list(ctx, listLedgerByReservationQuery, reservationID)
}

func (s *LedgerStore) list(ctx context.Context, query string, arg any) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

type ledgerScanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(scanner ledgerScanner) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var jobID, reservationID, note sql.NullString
	var entryType string
	if err := scanner.Scan(
		&entry.ID,
		&entry.UserID,
		&jobID,
		&reservationID,
		&entryType,
		&entry.Amount,
		&entry.BalanceAfter,
		&note,
		&entry.CreatedAt,
	); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry.Type = domain.LedgerEntryType(entryType)
	entry.JobID = strings.TrimSpace(jobID.String)
	entry.ReservationID = strings.TrimSpace(reservationID.String)
	entry.Note = strings.TrimSpace(note.String)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}
