// Package credits maintains per-user balances through an append-only ledger.
// Reservation, release and charge compose into the retry coordinator's
// policy; this package only guarantees the arithmetic stays consistent.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
)

// Service serializes ledger mutations per user: the balance check and the
// append happen under one per-user lock, so two concurrent reservations can
// never both observe sufficient balance and over-commit. Operations for
// different users proceed fully concurrently.
type Service struct {
	ledger repo.LedgerRepository
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(ledger repo.LedgerRepository, logger *slog.Logger) *Service {
	if ledger == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger: ledger,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// Purchase appends purchased credits to the user's trail.
func (s *Service) Purchase(ctx context.Context, userID string, amount int64, note string) (domain.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.LedgerEntry{}, fmt.Errorf("user id is required")
	}
	if amount < 1 {
		return domain.LedgerEntry{}, fmt.Errorf("purchase amount must be >= 1")
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := s.balanceLocked(ctx, userID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return s.ledger.Append(ctx, domain.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         domain.LedgerEntryPurchase,
		Amount:       amount,
		BalanceAfter: balance + amount,
		Note:         strings.TrimSpace(note),
		CreatedAt:    time.Now().UTC(),
	})
}

// Reserve earmarks credits for a job. It fails with
// domain.ErrInsufficientCredits before any entry is written.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64, jobID, reason string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if amount < 1 {
		return "", fmt.Errorf("reservation amount must be >= 1")
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := s.balanceLocked(ctx, userID)
	if err != nil {
		return "", err
	}
	if balance < amount {
		return "", fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientCredits, amount, balance)
	}
	entry, err := s.ledger.Append(ctx, domain.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		JobID:        strings.TrimSpace(jobID),
		Type:         domain.LedgerEntryReservation,
		Amount:       -amount,
		BalanceAfter: balance - amount,
		Note:         strings.TrimSpace(reason),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// settlementEntryID derives the release or charge entry id from the
// reservation. A reservation settles with at most one release and one charge,
// so a replayed settlement from another process produces the same id and the
// ledger store's conflict guard drops the duplicate row. The per-user mutex
// alone only serializes writers inside one process; the API and the worker
// each run their own.
func settlementEntryID(kind, reservationID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("clipforge:ledger:"+kind+":"+reservationID)).String()
}

// Release returns the unreleased, uncharged remainder of a reservation to
// the user's balance. Releasing a fully settled reservation is a no-op, so
// release instructions tolerate at-least-once delivery.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	reservation, err := s.reservation(ctx, reservationID)
	if err != nil {
		return err
	}

	lock := s.userLock(reservation.UserID)
	lock.Lock()
	defer lock.Unlock()

	remaining, err := s.remainingLocked(ctx, reservation)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return nil
	}
	balance, err := s.balanceLocked(ctx, reservation.UserID)
	if err != nil {
		return err
	}
	_, err = s.ledger.Append(ctx, domain.LedgerEntry{
		ID:            settlementEntryID("release", reservation.ID),
		UserID:        reservation.UserID,
		JobID:         reservation.JobID,
		ReservationID: reservation.ID,
		Type:          domain.LedgerEntryRelease,
		Amount:        remaining,
		BalanceAfter:  balance + remaining,
		CreatedAt:     time.Now().UTC(),
	})
	return err
}

// Charge settles a reservation as spent, at most once. The reservation
// already deducted the credits, so the balance is unchanged; charging past
// the remainder fails with domain.ErrOverCharge, and a redelivered charge of
// the same amount is a no-op.
func (s *Service) Charge(ctx context.Context, reservationID string, amount int64) error {
	if amount < 1 {
		return fmt.Errorf("charge amount must be >= 1")
	}
	reservation, err := s.reservation(ctx, reservationID)
	if err != nil {
		return err
	}

	lock := s.userLock(reservation.UserID)
	lock.Lock()
	defer lock.Unlock()

	remaining, err := s.remainingLocked(ctx, reservation)
	if err != nil {
		return err
	}
	if amount > remaining {
		return fmt.Errorf("%w: charge %d, remaining %d", domain.ErrOverCharge, amount, remaining)
	}
	balance, err := s.balanceLocked(ctx, reservation.UserID)
	if err != nil {
		return err
	}
	stored, err := s.ledger.Append(ctx, domain.LedgerEntry{
		ID:            settlementEntryID("charge", reservation.ID),
		UserID:        reservation.UserID,
		JobID:         reservation.JobID,
		ReservationID: reservation.ID,
		Type:          domain.LedgerEntryCharge,
		Amount:        -amount,
		BalanceAfter:  balance,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	// A replayed charge of the same amount lands on the stored row and is a
	// no-op; a different amount means the reservation was already settled
	// differently and must not be papered over.
	if stored.Amount != -amount {
		return fmt.Errorf("%w: reservation %s already charged %d", domain.ErrOverCharge, reservation.ID, -stored.Amount)
	}
	return nil
}

// Balance replays the user's trail; it must always equal the BalanceAfter of
// the last entry.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.balanceLocked(ctx, userID)
}

// Entries returns the user's ledger trail in insertion order.
func (s *Service) Entries(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return s.ledger.ListByUser(ctx, userID)
}

func (s *Service) reservation(ctx context.Context, reservationID string) (domain.LedgerEntry, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.LedgerEntry{}, fmt.Errorf("reservation id is required")
	}
	entry, err := s.ledger.GetEntry(ctx, reservationID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.Type != domain.LedgerEntryReservation {
		return domain.LedgerEntry{}, fmt.Errorf("entry %s is %s, not a reservation", entry.ID, entry.Type)
	}
	return entry, nil
}

func (s *Service) balanceLocked(ctx context.Context, userID string) (int64, error) {
	entries, err := s.ledger.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	balance := domain.ReplayBalance(entries)
	if n := len(entries); n > 0 && entries[n-1].BalanceAfter != balance {
		s.logger.Error("ledger replay mismatch",
			"user_id", userID,
			"replayed", balance,
			"stamped", entries[n-1].BalanceAfter)
	}
	return balance, nil
}

// remainingLocked computes how much of a reservation is still earmarked:
// the reserved amount minus everything already charged or released.
func (s *Service) remainingLocked(ctx context.Context, reservation domain.LedgerEntry) (int64, error) {
	related, err := s.ledger.ListByReservation(ctx, reservation.ID)
	if err != nil {
		return 0, err
	}
	remaining := int64(0)
	for _, entry := range related {
		switch {
		case entry.ID == reservation.ID:
			remaining += -entry.Amount
		case entry.Type == domain.LedgerEntryCharge:
			remaining -= -entry.Amount
		case entry.Type == domain.LedgerEntryRelease:
			remaining -= entry.Amount
		}
	}
	if remaining < 0 {
		return 0, fmt.Errorf("reservation %s over-settled by %d", reservation.ID, -remaining)
	}
	return remaining, nil
}
