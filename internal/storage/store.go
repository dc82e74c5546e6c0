package storage

import (
	"context"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// BookingStore persists booking state. Every status change goes through
// UpdateBookingCAS: the mutation is applied only while the booking still has
// the expected status, and a lost race surfaces as models.ErrConflict.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	// UpdateBookingCAS loads the booking, verifies its status equals expect,
	// applies mutate and commits in one conditional operation. Returns the
	// updated booking, models.ErrNotFound, or models.ErrConflict.
	UpdateBookingCAS(ctx context.Context, id string, expect models.BookingStatus, mutate func(*models.Booking)) (*models.Booking, error)
	// AnnotateBooking records an operator-visible note without touching status.
	AnnotateBooking(ctx context.Context, id, note string) error
	CountBookingsByStatus(ctx context.Context) (map[models.BookingStatus]int, error)
}

// WorkerStore persists worker records. Availability and the active-booking
// set only move through the conditional operations below; a worker holds at
// most one active booking at a time and ReserveWorker enforces it.
type WorkerStore interface {
	PutWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	// ReserveWorker appends the booking to the worker's active set only while
	// the worker is still available and holds no active booking.
	ReserveWorker(ctx context.Context, workerID, bookingID string) error
	// SetAvailability flips availability only when it currently equals expect.
	SetAvailability(ctx context.Context, workerID string, expect, next models.Availability) error
	// ReleaseWorker drops the booking from the active set and restores the
	// worker to available; completedJob additionally bumps the job counter.
	ReleaseWorker(ctx context.Context, workerID, bookingID string, completedJob bool) error
	UpdateLocation(ctx context.Context, workerID string, loc models.GeoPoint) error
	CountWorkersByAvailability(ctx context.Context) (map[models.Availability]int, error)
}

// TransactionQuery selects a page of a worker's transaction history.
type TransactionQuery struct {
	Page   int
	Limit  int
	Type   models.TransactionType   // empty means all
	Status models.TransactionStatus // empty means all
}

// LedgerStore holds wallets and their append-only transaction logs. Credit
// and Withdraw are the only balance mutations; each pairs the balance write
// with exactly one transaction append whose BalanceAfter reflects the result.
type LedgerStore interface {
	CreateWallet(ctx context.Context, w *models.Wallet) error
	GetWallet(ctx context.Context, workerID string) (*models.Wallet, error)
	// Credit adds amount to balance and lifetime earnings and appends tx with
	// BalanceAfter filled in, all atomically.
	Credit(ctx context.Context, workerID string, amount int64, tx models.Transaction) (*models.Transaction, error)
	// Withdraw validates the withdrawal rules under the same lock that applies
	// the debit. Rule failures return *models.LedgerRuleViolation and leave
	// the wallet untouched.
	Withdraw(ctx context.Context, workerID string, amount int64, now time.Time, tx models.Transaction) (*models.Transaction, error)
	// SetTransactionStatus flips a pending transaction to completed or failed.
	// Flipping to the status it already has is a no-op success.
	SetTransactionStatus(ctx context.Context, txID string, next models.TransactionStatus, failureReason string) error
	HasEarningForBooking(ctx context.Context, workerID, bookingID string) (bool, error)
	Transactions(ctx context.Context, workerID string, q TransactionQuery) ([]models.Transaction, int, error)
}
