package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

func pendingBooking(id string) *models.Booking {
	now := time.Now()
	return &models.Booking{
		ID:          id,
		CustomerID:  "c1",
		Skill:       "plumbing",
		Description: "leaking tap",
		Status:      models.StatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestUpdateBookingCASConflictOnWrongStatus(t *testing.T) {
	s := NewMemoryBookingStore()
	ctx := context.Background()
	if err := s.CreateBooking(ctx, pendingBooking("b1")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateBookingCAS(ctx, "b1", models.StatusAssigned, func(b *models.Booking) {}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	updated, err := s.UpdateBookingCAS(ctx, "b1", models.StatusPending, func(b *models.Booking) {
		b.Status = models.StatusAssigned
		b.AssignedWorker = "w1"
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusAssigned || updated.AssignedWorker != "w1" {
		t.Fatalf("update not applied: %+v", updated)
	}

	// second CAS against pending now fails: the first claim won
	if _, err := s.UpdateBookingCAS(ctx, "b1", models.StatusPending, func(b *models.Booking) {}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict on second claim, got %v", err)
	}
}

func TestGetBookingReturnsCopy(t *testing.T) {
	s := NewMemoryBookingStore()
	ctx := context.Background()
	if err := s.CreateBooking(ctx, pendingBooking("b1")); err != nil {
		t.Fatal(err)
	}
	b, _ := s.GetBooking(ctx, "b1")
	b.Status = models.StatusCancelled

	again, _ := s.GetBooking(ctx, "b1")
	if again.Status != models.StatusPending {
		t.Fatalf("store leaked internal state: %s", again.Status)
	}
}

func TestReserveWorkerSingleActiveBooking(t *testing.T) {
	s := NewMemoryWorkerStore()
	ctx := context.Background()
	_ = s.PutWorker(ctx, &models.Worker{ID: "w1", Availability: models.Available})

	if err := s.ReserveWorker(ctx, "w1", "b1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReserveWorker(ctx, "w1", "b2"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict on second reservation, got %v", err)
	}

	if err := s.ReleaseWorker(ctx, "w1", "b1", true); err != nil {
		t.Fatal(err)
	}
	w, _ := s.GetWorker(ctx, "w1")
	if len(w.ActiveBookings) != 0 || w.Availability != models.Available || w.TotalJobs != 1 {
		t.Fatalf("release did not reset worker: %+v", w)
	}

	// free again, so a new reservation succeeds
	if err := s.ReserveWorker(ctx, "w1", "b3"); err != nil {
		t.Fatal(err)
	}
}

func TestReserveWorkerRequiresAvailable(t *testing.T) {
	s := NewMemoryWorkerStore()
	ctx := context.Background()
	_ = s.PutWorker(ctx, &models.Worker{ID: "w1", Availability: models.Busy})

	if err := s.ReserveWorker(ctx, "w1", "b1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict for busy worker, got %v", err)
	}
	if err := s.ReserveWorker(ctx, "missing", "b1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetAvailabilityCAS(t *testing.T) {
	s := NewMemoryWorkerStore()
	ctx := context.Background()
	_ = s.PutWorker(ctx, &models.Worker{ID: "w1", Availability: models.Available})

	if err := s.SetAvailability(ctx, "w1", models.Available, models.Busy); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAvailability(ctx, "w1", models.Available, models.Offline); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCountsByStatusAndAvailability(t *testing.T) {
	bs := NewMemoryBookingStore()
	ws := NewMemoryWorkerStore()
	ctx := context.Background()

	_ = bs.CreateBooking(ctx, pendingBooking("b1"))
	_ = bs.CreateBooking(ctx, pendingBooking("b2"))
	done := pendingBooking("b3")
	done.Status = models.StatusCompleted
	_ = bs.CreateBooking(ctx, done)

	_ = ws.PutWorker(ctx, &models.Worker{ID: "w1", Availability: models.Available})
	_ = ws.PutWorker(ctx, &models.Worker{ID: "w2", Availability: models.Busy})

	counts, err := bs.CountBookingsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusCompleted] != 1 {
		t.Fatalf("unexpected booking counts: %v", counts)
	}
	av, err := ws.CountWorkersByAvailability(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if av[models.Available] != 1 || av[models.Busy] != 1 {
		t.Fatalf("unexpected availability counts: %v", av)
	}
}

func TestLedgerCreditPairsTransaction(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	_ = s.CreateWallet(ctx, &models.Wallet{WorkerID: "w1", MinimumReserve: 500, Currency: "INR"})

	out, err := s.Credit(ctx, "w1", 1000, models.Transaction{ID: "t1", WorkerID: "w1", BookingID: "b1", Type: models.TxEarning, Amount: 1000, Status: models.TxCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if out.BalanceAfter != 1000 {
		t.Fatalf("expected balance_after 1000, got %d", out.BalanceAfter)
	}
	w, _ := s.GetWallet(ctx, "w1")
	if w.Balance != 1000 || w.TotalEarnings != 1000 {
		t.Fatalf("wallet not updated: %+v", w)
	}

	has, err := s.HasEarningForBooking(ctx, "w1", "b1")
	if err != nil || !has {
		t.Fatalf("expected earning recorded, has=%v err=%v", has, err)
	}
	has, _ = s.HasEarningForBooking(ctx, "w1", "b2")
	if has {
		t.Fatal("unexpected earning for unrelated booking")
	}
}

func TestLedgerWithdrawValidatesUnderLock(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	_ = s.CreateWallet(ctx, &models.Wallet{WorkerID: "w1", Balance: 2000, MinimumReserve: 500})

	now := time.Now()
	out, err := s.Withdraw(ctx, "w1", 1000, now, models.Transaction{ID: "t1", WorkerID: "w1", Type: models.TxWithdrawal, Amount: 1000, Status: models.TxPending})
	if err != nil {
		t.Fatal(err)
	}
	if out.BalanceAfter != 1000 {
		t.Fatalf("expected balance_after 1000, got %d", out.BalanceAfter)
	}

	// same day again: refused, balance untouched
	_, err = s.Withdraw(ctx, "w1", 100, now.Add(time.Hour), models.Transaction{ID: "t2", WorkerID: "w1", Type: models.TxWithdrawal, Amount: 100, Status: models.TxPending})
	var lrv *models.LedgerRuleViolation
	if !errors.As(err, &lrv) {
		t.Fatalf("expected LedgerRuleViolation, got %v", err)
	}
	w, _ := s.GetWallet(ctx, "w1")
	if w.Balance != 1000 {
		t.Fatalf("balance changed on refused withdrawal: %d", w.Balance)
	}
}

func TestSetTransactionStatusIdempotent(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	_ = s.CreateWallet(ctx, &models.Wallet{WorkerID: "w1", Balance: 2000, MinimumReserve: 0})
	_, err := s.Withdraw(ctx, "w1", 500, time.Now(), models.Transaction{ID: "t1", WorkerID: "w1", Type: models.TxWithdrawal, Amount: 500, Status: models.TxPending})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetTransactionStatus(ctx, "t1", models.TxCompleted, ""); err != nil {
		t.Fatal(err)
	}
	// confirming again is a no-op
	if err := s.SetTransactionStatus(ctx, "t1", models.TxCompleted, ""); err != nil {
		t.Fatal(err)
	}
	// flipping a completed transaction to failed is illegal
	if err := s.SetTransactionStatus(ctx, "t1", models.TxFailed, "late failure"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := s.SetTransactionStatus(ctx, "missing", models.TxCompleted, ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionsNewestFirstWithFilters(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	_ = s.CreateWallet(ctx, &models.Wallet{WorkerID: "w1", Balance: 0, MinimumReserve: 0})

	for i, id := range []string{"t1", "t2", "t3"} {
		if _, err := s.Credit(ctx, "w1", int64(100*(i+1)), models.Transaction{ID: id, WorkerID: "w1", Type: models.TxEarning, Status: models.TxCompleted}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.Withdraw(ctx, "w1", 50, time.Now(), models.Transaction{ID: "t4", WorkerID: "w1", Type: models.TxWithdrawal, Amount: 50, Status: models.TxPending})
	if err != nil {
		t.Fatal(err)
	}

	txs, total, err := s.Transactions(ctx, "w1", TransactionQuery{Page: 1, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(txs) != 4 {
		t.Fatalf("expected 4 transactions, got total=%d len=%d", total, len(txs))
	}
	if txs[0].ID != "t4" {
		t.Fatalf("expected newest first, got %s", txs[0].ID)
	}

	txs, total, err = s.Transactions(ctx, "w1", TransactionQuery{Page: 1, Limit: 10, Type: models.TxWithdrawal})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || txs[0].ID != "t4" {
		t.Fatalf("type filter failed: total=%d", total)
	}

	txs, total, err = s.Transactions(ctx, "w1", TransactionQuery{Page: 2, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(txs) != 1 {
		t.Fatalf("pagination failed: total=%d len=%d", total, len(txs))
	}
}
