package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// MemoryBookingStore is a mutex-guarded store with the same conditional-write
// semantics as the Postgres store. Used for local runs and tests.
type MemoryBookingStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

func NewMemoryBookingStore() *MemoryBookingStore {
	return &MemoryBookingStore{bookings: make(map[string]*models.Booking)}
}

func (m *MemoryBookingStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	cp := cloneBooking(b)
	m.bookings[b.ID] = cp
	return nil
}

func (m *MemoryBookingStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneBooking(b), nil
}

func (m *MemoryBookingStore) UpdateBookingCAS(_ context.Context, id string, expect models.BookingStatus, mutate func(*models.Booking)) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if b.Status != expect {
		return nil, models.ErrConflict
	}
	cp := cloneBooking(b)
	mutate(cp)
	cp.UpdatedAt = time.Now()
	m.bookings[id] = cp
	return cloneBooking(cp), nil
}

func (m *MemoryBookingStore) AnnotateBooking(_ context.Context, id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.ErrNotFound
	}
	b.Notes = note
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryBookingStore) CountBookingsByStatus(_ context.Context) (map[models.BookingStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.BookingStatus]int)
	for _, b := range m.bookings {
		out[b.Status]++
	}
	return out, nil
}

// MemoryWorkerStore mirrors the Postgres worker table semantics in memory.
type MemoryWorkerStore struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker
}

func NewMemoryWorkerStore() *MemoryWorkerStore {
	return &MemoryWorkerStore{workers: make(map[string]*models.Worker)}
}

func (m *MemoryWorkerStore) PutWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = cloneWorker(w)
	return nil
}

func (m *MemoryWorkerStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneWorker(w), nil
}

func (m *MemoryWorkerStore) ReserveWorker(_ context.Context, workerID, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return models.ErrNotFound
	}
	if w.Availability != models.Available || len(w.ActiveBookings) > 0 {
		return models.ErrConflict
	}
	w.ActiveBookings = append(w.ActiveBookings, bookingID)
	return nil
}

func (m *MemoryWorkerStore) SetAvailability(_ context.Context, workerID string, expect, next models.Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return models.ErrNotFound
	}
	if w.Availability != expect {
		return models.ErrConflict
	}
	w.Availability = next
	return nil
}

func (m *MemoryWorkerStore) ReleaseWorker(_ context.Context, workerID, bookingID string, completedJob bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return models.ErrNotFound
	}
	kept := w.ActiveBookings[:0]
	for _, id := range w.ActiveBookings {
		if id != bookingID {
			kept = append(kept, id)
		}
	}
	w.ActiveBookings = kept
	w.Availability = models.Available
	if completedJob {
		w.TotalJobs++
	}
	return nil
}

func (m *MemoryWorkerStore) UpdateLocation(_ context.Context, workerID string, loc models.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return models.ErrNotFound
	}
	w.Location = loc
	w.LastLocationUpdate = time.Now()
	return nil
}

func (m *MemoryWorkerStore) CountWorkersByAvailability(_ context.Context) (map[models.Availability]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.Availability]int)
	for _, w := range m.workers {
		out[w.Availability]++
	}
	return out, nil
}

// MemoryLedgerStore keeps wallets and their transaction logs under one lock
// so a balance write and its paired transaction append are indivisible.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	wallets map[string]*models.Wallet
	txs     []models.Transaction // newest appended last
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{wallets: make(map[string]*models.Wallet)}
}

func (m *MemoryLedgerStore) CreateWallet(_ context.Context, w *models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.WorkerID]; ok {
		return fmt.Errorf("wallet for worker %s already exists", w.WorkerID)
	}
	cp := *w
	m.wallets[w.WorkerID] = &cp
	return nil
}

func (m *MemoryLedgerStore) GetWallet(_ context.Context, workerID string) (*models.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[workerID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryLedgerStore) Credit(_ context.Context, workerID string, amount int64, tx models.Transaction) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[workerID]
	if !ok {
		return nil, models.ErrNotFound
	}
	w.Balance += amount
	w.TotalEarnings += amount
	w.UpdatedAt = time.Now()
	tx.BalanceAfter = w.Balance
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	m.txs = append(m.txs, tx)
	cp := tx
	return &cp, nil
}

func (m *MemoryLedgerStore) Withdraw(_ context.Context, workerID string, amount int64, now time.Time, tx models.Transaction) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[workerID]
	if !ok {
		return nil, models.ErrNotFound
	}
	// rules re-checked under the lock so concurrent requests cannot both pass
	if violations := w.ValidateWithdrawal(amount, now); len(violations) > 0 {
		return nil, &models.LedgerRuleViolation{Violations: violations}
	}
	w.Balance -= amount
	w.TotalWithdrawals += amount
	at := now
	w.LastWithdrawalAt = &at
	w.UpdatedAt = now
	tx.BalanceAfter = w.Balance
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	m.txs = append(m.txs, tx)
	cp := tx
	return &cp, nil
}

func (m *MemoryLedgerStore) SetTransactionStatus(_ context.Context, txID string, next models.TransactionStatus, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.txs {
		if m.txs[i].ID != txID {
			continue
		}
		if m.txs[i].Status == next {
			return nil // idempotent confirmation
		}
		if m.txs[i].Status != models.TxPending {
			return fmt.Errorf("%w: transaction %s is %s", models.ErrInvalidState, txID, m.txs[i].Status)
		}
		m.txs[i].Status = next
		if next == models.TxFailed {
			m.txs[i].FailureReason = failureReason
		}
		return nil
	}
	return models.ErrNotFound
}

func (m *MemoryLedgerStore) HasEarningForBooking(_ context.Context, workerID, bookingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.txs {
		t := &m.txs[i]
		if t.WorkerID == workerID && t.BookingID == bookingID && t.Type == models.TxEarning {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLedgerStore) Transactions(_ context.Context, workerID string, q TransactionQuery) ([]models.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]models.Transaction, 0)
	// newest first
	for i := len(m.txs) - 1; i >= 0; i-- {
		t := m.txs[i]
		if t.WorkerID != workerID {
			continue
		}
		if q.Type != "" && t.Type != q.Type {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		matched = append(matched, t)
	}
	total := len(matched)
	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= total {
		return []models.Transaction{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func cloneBooking(b *models.Booking) *models.Booking {
	cp := *b
	cp.RejectionHistory = append([]models.Rejection(nil), b.RejectionHistory...)
	cp.AssignmentHistory = append([]models.Assignment(nil), b.AssignmentHistory...)
	return &cp
}

func cloneWorker(w *models.Worker) *models.Worker {
	cp := *w
	cp.Skills = append([]string(nil), w.Skills...)
	cp.ActiveBookings = append([]string(nil), w.ActiveBookings...)
	return &cp
}
