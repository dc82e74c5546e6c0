// Package ledger exposes the only two operations allowed to mutate a worker
// wallet: earning settlement on booking completion and the withdrawal path.
// Both delegate the atomic balance+transaction pairing to the store.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

type Service struct {
	Store  storage.LedgerStore
	Logger *slog.Logger
	Now    func() time.Time // defaults to time.Now
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SettleEarning credits amount to the worker's wallet and appends the paired
// earning transaction. A non-positive amount is a no-op success.
//
// The primitive is not idempotent by amount alone: callers settling a
// completed booking must consult HasEarningForBooking first so a duplicate
// completion cannot pay twice.
func (s *Service) SettleEarning(ctx context.Context, workerID, bookingID string, amount int64) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, nil
	}
	txn := models.Transaction{
		ID:          uuid.NewString(),
		WorkerID:    workerID,
		BookingID:   bookingID,
		Type:        models.TxEarning,
		Amount:      amount,
		Status:      models.TxCompleted,
		Description: fmt.Sprintf("payment for booking %s", bookingID),
		CreatedAt:   s.now(),
	}
	out, err := s.Store.Credit(ctx, workerID, amount, txn)
	if err != nil {
		return nil, err
	}
	observability.SettlementsTotal.Inc()
	s.Logger.Info("earning_settled", "worker_id", workerID, "booking_id", bookingID, "amount", amount, "balance_after", out.BalanceAfter)
	return out, nil
}

func (s *Service) HasEarningForBooking(ctx context.Context, workerID, bookingID string) (bool, error) {
	return s.Store.HasEarningForBooking(ctx, workerID, bookingID)
}

// Withdraw debits the wallet and appends a pending withdrawal transaction.
// The external payout collaborator later confirms or fails it. Rule failures
// come back as *models.LedgerRuleViolation listing every broken rule.
func (s *Service) Withdraw(ctx context.Context, workerID string, amount int64, destination string) (*models.Transaction, error) {
	now := s.now()
	txn := models.Transaction{
		ID:          uuid.NewString(),
		WorkerID:    workerID,
		Type:        models.TxWithdrawal,
		Amount:      amount,
		Status:      models.TxPending,
		Description: fmt.Sprintf("withdrawal to account ending in %s", maskDestination(destination)),
		Destination: maskDestination(destination),
		CreatedAt:   now,
	}
	out, err := s.Store.Withdraw(ctx, workerID, amount, now, txn)
	if err != nil {
		return nil, err
	}
	observability.WithdrawalsTotal.Inc()
	s.Logger.Info("withdrawal_requested", "worker_id", workerID, "amount", amount, "transaction_id", out.ID)
	return out, nil
}

// ConfirmWithdrawal flips a pending withdrawal to completed once the external
// payout has gone through. Confirming twice is a no-op.
func (s *Service) ConfirmWithdrawal(ctx context.Context, transactionID string) error {
	return s.Store.SetTransactionStatus(ctx, transactionID, models.TxCompleted, "")
}

// FailWithdrawal marks a pending withdrawal failed with the processor's
// reason. Amount and BalanceAfter stay untouched.
func (s *Service) FailWithdrawal(ctx context.Context, transactionID, reason string) error {
	return s.Store.SetTransactionStatus(ctx, transactionID, models.TxFailed, reason)
}

func (s *Service) Balance(ctx context.Context, workerID string) (*models.Wallet, error) {
	return s.Store.GetWallet(ctx, workerID)
}

func (s *Service) Transactions(ctx context.Context, workerID string, q storage.TransactionQuery) ([]models.Transaction, int, error) {
	return s.Store.Transactions(ctx, workerID, q)
}

func maskDestination(dest string) string {
	if len(dest) <= 4 {
		return dest
	}
	return dest[len(dest)-4:]
}
