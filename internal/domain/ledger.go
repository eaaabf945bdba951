package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LedgerEntryType classifies a credit-affecting event.
type LedgerEntryType string

const (
	LedgerEntryPurchase    LedgerEntryType = "purchase"
	LedgerEntryReservation LedgerEntryType = "reservation"
	LedgerEntryRelease     LedgerEntryType = "release"
	LedgerEntryCharge      LedgerEntryType = "charge"
)

// LedgerEntry is an immutable record in a user's credit trail. Corrections
// are new offsetting entries; nothing is ever updated or deleted.
//
// Amount is signed: purchases and releases are positive, reservations and
// charges negative. A reservation deducts from the available balance
// immediately; a charge converts part of that deduction into a permanent
// spend, so its balance effect is zero (see BalanceEffect).
type LedgerEntry struct {
	ID            string
	UserID        string
	JobID         string
	ReservationID string
	Type          LedgerEntryType
	Amount        int64
	BalanceAfter  int64
	Note          string
	CreatedAt     time.Time
}

func (e LedgerEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("ledger entry id is required")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return errors.New("user id is required")
	}
	switch e.Type {
	case LedgerEntryPurchase, LedgerEntryRelease:
		if e.Amount < 0 {
			return fmt.Errorf("%s amount must be >= 0", e.Type)
		}
	case LedgerEntryReservation, LedgerEntryCharge:
		if e.Amount > 0 {
			return fmt.Errorf("%s amount must be <= 0", e.Type)
		}
	default:
		return fmt.Errorf("unknown ledger entry type %q", e.Type)
	}
	if e.Type == LedgerEntryRelease || e.Type == LedgerEntryCharge {
		if strings.TrimSpace(e.ReservationID) == "" {
			return fmt.Errorf("%s entry requires a reservation reference", e.Type)
		}
	}
	return nil
}

// BalanceEffect is the entry's contribution to the available balance. Charges
// ride the deduction their reservation already made, so they contribute zero;
// every other type contributes its signed amount.
func (e LedgerEntry) BalanceEffect() int64 {
	if e.Type == LedgerEntryCharge {
		return 0
	}
	return e.Amount
}

// ReplayBalance recomputes a balance by folding entries in insertion order.
// It must agree with the BalanceAfter stamped on the final entry.
func ReplayBalance(entries []LedgerEntry) int64 {
	var balance int64
	for _, entry := range entries {
		balance += entry.BalanceEffect()
	}
	return balance
}
