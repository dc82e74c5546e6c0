package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/field-dispatch/internal/models"
)

// PostgresStore implements BookingStore, WorkerStore and LedgerStore on a
// single database. Conditional writes are plain UPDATE ... WHERE guards;
// multi-row mutations (booking CAS with history, wallet settlement) run in a
// transaction with FOR UPDATE row locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const bookingCols = `id, customer_id, skill, description, lon, lat, street, city, state, zip_code,
	scheduled_at, estimated_minutes, priority, status, assigned_worker,
	estimated_cost, final_cost, currency, rejection_history, assignment_history,
	notes, completed_at, cancelled_at, cancellation_reason, created_at, updated_at`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	rej, err := json.Marshal(b.RejectionHistory)
	if err != nil {
		return err
	}
	asg, err := json.Marshal(b.AssignmentHistory)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO bookings(`+bookingCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		b.ID, b.CustomerID, b.Skill, b.Description, b.Location.Lon, b.Location.Lat,
		b.Address.Street, b.Address.City, b.Address.State, b.Address.ZipCode,
		b.ScheduledAt, b.EstimatedMinutes, b.Priority, b.Status, nullStr(b.AssignedWorker),
		b.Pricing.EstimatedCost, b.Pricing.FinalCost, b.Pricing.Currency, rej, asg,
		b.Notes, b.CompletedAt, b.CancelledAt, b.CancellationReason, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id=$1`, id)
	return scanBooking(row)
}

func (p *PostgresStore) UpdateBookingCAS(ctx context.Context, id string, expect models.BookingStatus, mutate func(*models.Booking)) (*models.Booking, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id=$1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err != nil {
		return nil, err
	}
	if b.Status != expect {
		return nil, models.ErrConflict
	}
	mutate(b)
	b.UpdatedAt = time.Now()

	rej, err := json.Marshal(b.RejectionHistory)
	if err != nil {
		return nil, err
	}
	asg, err := json.Marshal(b.AssignmentHistory)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET status=$1, assigned_worker=$2,
		estimated_cost=$3, final_cost=$4, rejection_history=$5, assignment_history=$6,
		notes=$7, completed_at=$8, cancelled_at=$9, cancellation_reason=$10, updated_at=$11
		WHERE id=$12 AND status=$13`,
		b.Status, nullStr(b.AssignedWorker), b.Pricing.EstimatedCost, b.Pricing.FinalCost,
		rej, asg, b.Notes, b.CompletedAt, b.CancelledAt, b.CancellationReason, b.UpdatedAt,
		id, expect)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) AnnotateBooking(ctx context.Context, id, note string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET notes=$1, updated_at=now() WHERE id=$2`, note, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountBookingsByStatus(ctx context.Context) (map[models.BookingStatus]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, count(*) FROM bookings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.BookingStatus]int)
	for rows.Next() {
		var s models.BookingStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutWorker(ctx context.Context, w *models.Worker) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO workers(id, name, phone, lon, lat, availability, skills, rating, total_jobs, active_bookings, last_location_update)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone,
			lon=EXCLUDED.lon, lat=EXCLUDED.lat, availability=EXCLUDED.availability,
			skills=EXCLUDED.skills, rating=EXCLUDED.rating, last_location_update=EXCLUDED.last_location_update`,
		w.ID, w.Name, w.Phone, w.Location.Lon, w.Location.Lat, w.Availability,
		pq.Array(w.Skills), w.Rating, w.TotalJobs, pq.Array(w.ActiveBookings), w.LastLocationUpdate)
	return err
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w := &models.Worker{}
	var skills, active pq.StringArray
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone, lon, lat, availability, skills, rating, total_jobs, active_bookings, last_location_update
		FROM workers WHERE id=$1`, id).
		Scan(&w.ID, &w.Name, &w.Phone, &w.Location.Lon, &w.Location.Lat, &w.Availability,
			&skills, &w.Rating, &w.TotalJobs, &active, &w.LastLocationUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Skills = skills
	w.ActiveBookings = active
	return w, nil
}

func (p *PostgresStore) ReserveWorker(ctx context.Context, workerID, bookingID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET active_bookings = array_append(active_bookings, $2)
		WHERE id=$1 AND availability='available' AND cardinality(active_bookings)=0`, workerID, bookingID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.workerConflictOrMissing(ctx, workerID)
	}
	return nil
}

func (p *PostgresStore) SetAvailability(ctx context.Context, workerID string, expect, next models.Availability) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET availability=$3 WHERE id=$1 AND availability=$2`,
		workerID, expect, next)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.workerConflictOrMissing(ctx, workerID)
	}
	return nil
}

func (p *PostgresStore) ReleaseWorker(ctx context.Context, workerID, bookingID string, completedJob bool) error {
	bump := 0
	if completedJob {
		bump = 1
	}
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET active_bookings = array_remove(active_bookings, $2),
		availability='available', total_jobs = total_jobs + $3 WHERE id=$1`, workerID, bookingID, bump)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, workerID string, loc models.GeoPoint) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET lon=$2, lat=$3, last_location_update=now() WHERE id=$1`,
		workerID, loc.Lon, loc.Lat)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountWorkersByAvailability(ctx context.Context) (map[models.Availability]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT availability, count(*) FROM workers GROUP BY availability`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.Availability]int)
	for rows.Next() {
		var a models.Availability
		var n int
		if err := rows.Scan(&a, &n); err != nil {
			return nil, err
		}
		out[a] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) workerConflictOrMissing(ctx context.Context, workerID string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM workers WHERE id=$1`, workerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	return models.ErrConflict
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *models.Wallet) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO wallets(worker_id, balance, total_earnings, total_withdrawals, last_withdrawal_at, minimum_reserve, currency, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.WorkerID, w.Balance, w.TotalEarnings, w.TotalWithdrawals, w.LastWithdrawalAt,
		w.MinimumReserve, w.Currency, w.CreatedAt, w.UpdatedAt)
	return err
}

func (p *PostgresStore) GetWallet(ctx context.Context, workerID string) (*models.Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx, `SELECT worker_id, balance, total_earnings, total_withdrawals, last_withdrawal_at, minimum_reserve, currency, created_at, updated_at
		FROM wallets WHERE worker_id=$1`, workerID))
}

func (p *PostgresStore) Credit(ctx context.Context, workerID string, amount int64, txn models.Transaction) (*models.Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := scanWallet(tx.QueryRowContext(ctx, `SELECT worker_id, balance, total_earnings, total_withdrawals, last_withdrawal_at, minimum_reserve, currency, created_at, updated_at
		FROM wallets WHERE worker_id=$1 FOR UPDATE`, workerID))
	if err != nil {
		return nil, err
	}
	newBalance := w.Balance + amount
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance=$2, total_earnings=total_earnings+$3, updated_at=now() WHERE worker_id=$1`,
		workerID, newBalance, amount); err != nil {
		return nil, err
	}
	txn.BalanceAfter = newBalance
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	if err := insertTransaction(ctx, tx, &txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (p *PostgresStore) Withdraw(ctx context.Context, workerID string, amount int64, now time.Time, txn models.Transaction) (*models.Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := scanWallet(tx.QueryRowContext(ctx, `SELECT worker_id, balance, total_earnings, total_withdrawals, last_withdrawal_at, minimum_reserve, currency, created_at, updated_at
		FROM wallets WHERE worker_id=$1 FOR UPDATE`, workerID))
	if err != nil {
		return nil, err
	}
	if violations := w.ValidateWithdrawal(amount, now); len(violations) > 0 {
		return nil, &models.LedgerRuleViolation{Violations: violations}
	}
	newBalance := w.Balance - amount
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance=$2, total_withdrawals=total_withdrawals+$3, last_withdrawal_at=$4, updated_at=$4 WHERE worker_id=$1`,
		workerID, newBalance, amount, now); err != nil {
		return nil, err
	}
	txn.BalanceAfter = newBalance
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if err := insertTransaction(ctx, tx, &txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (p *PostgresStore) SetTransactionStatus(ctx context.Context, txID string, next models.TransactionStatus, failureReason string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET status=$2, failure_reason=$3 WHERE id=$1 AND status='pending'`,
		txID, next, failureReason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status models.TransactionStatus
	err = p.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id=$1`, txID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == next {
		return nil // already confirmed: idempotent
	}
	return fmt.Errorf("%w: transaction %s is %s", models.ErrInvalidState, txID, status)
}

func (p *PostgresStore) HasEarningForBooking(ctx context.Context, workerID, bookingID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE worker_id=$1 AND booking_id=$2 AND type='earning' LIMIT 1`,
		workerID, bookingID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) Transactions(ctx context.Context, workerID string, q TransactionQuery) ([]models.Transaction, int, error) {
	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	where := `worker_id=$1 AND ($2='' OR type=$2) AND ($3='' OR status=$3)`
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions WHERE `+where,
		workerID, string(q.Type), string(q.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, worker_id, booking_id, type, amount, status, description, balance_after, destination, failure_reason, created_at
		FROM transactions WHERE `+where+` ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		workerID, string(q.Type), string(q.Status), limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]models.Transaction, 0, limit)
	for rows.Next() {
		var t models.Transaction
		var bookingID sql.NullString
		if err := rows.Scan(&t.ID, &t.WorkerID, &bookingID, &t.Type, &t.Amount, &t.Status,
			&t.Description, &t.BalanceAfter, &t.Destination, &t.FailureReason, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		t.BookingID = bookingID.String
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id, worker_id, booking_id, type, amount, status, description, balance_after, destination, failure_reason, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.WorkerID, nullStr(t.BookingID), t.Type, t.Amount, t.Status, t.Description,
		t.BalanceAfter, t.Destination, t.FailureReason, t.CreatedAt)
	return err
}

func scanBooking(row *sql.Row) (*models.Booking, error) {
	b := &models.Booking{}
	var assigned sql.NullString
	var rej, asg []byte
	err := row.Scan(&b.ID, &b.CustomerID, &b.Skill, &b.Description, &b.Location.Lon, &b.Location.Lat,
		&b.Address.Street, &b.Address.City, &b.Address.State, &b.Address.ZipCode,
		&b.ScheduledAt, &b.EstimatedMinutes, &b.Priority, &b.Status, &assigned,
		&b.Pricing.EstimatedCost, &b.Pricing.FinalCost, &b.Pricing.Currency, &rej, &asg,
		&b.Notes, &b.CompletedAt, &b.CancelledAt, &b.CancellationReason, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.AssignedWorker = assigned.String
	if len(rej) > 0 {
		if err := json.Unmarshal(rej, &b.RejectionHistory); err != nil {
			return nil, err
		}
	}
	if len(asg) > 0 {
		if err := json.Unmarshal(asg, &b.AssignmentHistory); err != nil {
			return nil, err
		}
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := row.Scan(&w.WorkerID, &w.Balance, &w.TotalEarnings, &w.TotalWithdrawals,
		&w.LastWithdrawalAt, &w.MinimumReserve, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
