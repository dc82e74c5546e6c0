package models

import "time"

// GeoPoint is a WGS84 coordinate pair. Build values through NewGeoPoint so
// out-of-range coordinates never enter the system.
type GeoPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

func NewGeoPoint(lon, lat float64) (GeoPoint, error) {
	if lon < -180 || lon > 180 {
		return GeoPoint{}, &ValidationError{Field: "lon", Reason: "longitude must be within [-180, 180]"}
	}
	if lat < -90 || lat > 90 {
		return GeoPoint{}, &ValidationError{Field: "lat", Reason: "latitude must be within [-90, 90]"}
	}
	return GeoPoint{Lon: lon, Lat: lat}, nil
}

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusAssigned   BookingStatus = "assigned"
	StatusAccepted   BookingStatus = "accepted"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// Rejection is one entry in a booking's rejection history.
type Rejection struct {
	WorkerID string    `json:"worker_id"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason"`
}

// Assignment is one entry in a booking's assignment history.
type Assignment struct {
	WorkerID string        `json:"worker_id"`
	At       time.Time     `json:"at"`
	Status   BookingStatus `json:"status"`
}

type Pricing struct {
	EstimatedCost int64  `json:"estimated_cost"`
	FinalCost     int64  `json:"final_cost"`
	Currency      string `json:"currency"`
}

type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zip_code,omitempty"`
}

type Booking struct {
	ID                 string        `json:"id"`
	CustomerID         string        `json:"customer_id"`
	Skill              string        `json:"skill"`
	Description        string        `json:"description"`
	Location           GeoPoint      `json:"location"`
	Address            Address       `json:"address"`
	ScheduledAt        time.Time     `json:"scheduled_at"`
	EstimatedMinutes   int           `json:"estimated_minutes"`
	Priority           Priority      `json:"priority"`
	Status             BookingStatus `json:"status"`
	AssignedWorker     string        `json:"assigned_worker,omitempty"`
	Pricing            Pricing       `json:"pricing"`
	RejectionHistory   []Rejection   `json:"rejection_history,omitempty"`
	AssignmentHistory  []Assignment  `json:"assignment_history,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// HasRejected reports whether the worker already declined this booking.
func (b *Booking) HasRejected(workerID string) bool {
	for _, r := range b.RejectionHistory {
		if r.WorkerID == workerID {
			return true
		}
	}
	return false
}

// RejectedWorkerIDs returns the booking's exclusion set for dispatch.
func (b *Booking) RejectedWorkerIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(b.RejectionHistory))
	for _, r := range b.RejectionHistory {
		out[r.WorkerID] = struct{}{}
	}
	return out
}

func (b *Booking) AddRejection(workerID, reason string, at time.Time) {
	b.RejectionHistory = append(b.RejectionHistory, Rejection{WorkerID: workerID, At: at, Reason: reason})
}

func (b *Booking) AddAssignment(workerID string, status BookingStatus, at time.Time) {
	b.AssignmentHistory = append(b.AssignmentHistory, Assignment{WorkerID: workerID, At: at, Status: status})
}

// SettlementAmount is the amount credited on completion: the final cost when
// one was recorded, otherwise the estimate.
func (b *Booking) SettlementAmount() int64 {
	if b.Pricing.FinalCost > 0 {
		return b.Pricing.FinalCost
	}
	return b.Pricing.EstimatedCost
}

type Worker struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Phone              string       `json:"phone"`
	Location           GeoPoint     `json:"location"`
	Availability       Availability `json:"availability"`
	Skills             []string     `json:"skills"`
	Rating             float64      `json:"rating"` // 0..5
	TotalJobs          int          `json:"total_jobs"`
	ActiveBookings     []string     `json:"active_bookings,omitempty"`
	LastLocationUpdate time.Time    `json:"last_location_update"`
}

func (w *Worker) HasSkill(skill string) bool {
	for _, s := range w.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// LocationUpdate is the wire shape workers stream while on shift. It feeds
// the Kafka topic and, through the consumer, the geo index.
type LocationUpdate struct {
	WorkerID     string       `json:"worker_id"`
	Loc          GeoPoint     `json:"loc"`
	Availability Availability `json:"availability"`
	Skills       []string     `json:"skills,omitempty"`
	Rating       float64      `json:"rating,omitempty"`
}

// Wallet is a worker's balance plus withdrawal bookkeeping. Every balance
// mutation is paired with exactly one Transaction append; the stores enforce
// the pairing.
type Wallet struct {
	WorkerID         string     `json:"worker_id"`
	Balance          int64      `json:"balance"`
	TotalEarnings    int64      `json:"total_earnings"`
	TotalWithdrawals int64      `json:"total_withdrawals"`
	LastWithdrawalAt *time.Time `json:"last_withdrawal_at,omitempty"`
	MinimumReserve   int64      `json:"minimum_reserve"`
	Currency         string     `json:"currency"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (w *Wallet) AvailableForWithdrawal() int64 {
	if v := w.Balance - w.MinimumReserve; v > 0 {
		return v
	}
	return 0
}

// CanWithdrawToday reports whether no withdrawal happened on now's calendar day.
func (w *Wallet) CanWithdrawToday(now time.Time) bool {
	if w.LastWithdrawalAt == nil {
		return true
	}
	ly, lm, ld := w.LastWithdrawalAt.Local().Date()
	ny, nm, nd := now.Local().Date()
	return ly != ny || lm != nm || ld != nd
}

// ValidateWithdrawal returns every rule the requested withdrawal would break.
// An empty slice means the withdrawal is allowed.
func (w *Wallet) ValidateWithdrawal(amount int64, now time.Time) []string {
	var violations []string
	if amount <= 0 {
		violations = append(violations, "withdrawal amount must be greater than 0")
	}
	if amount > w.AvailableForWithdrawal() {
		violations = append(violations, "insufficient balance above the minimum reserve")
	}
	if !w.CanWithdrawToday(now) {
		violations = append(violations, "only one withdrawal per day is allowed")
	}
	return violations
}

type TransactionType string

const (
	TxEarning    TransactionType = "earning"
	TxWithdrawal TransactionType = "withdrawal"
	TxRefund     TransactionType = "refund"
	TxPenalty    TransactionType = "penalty"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is an immutable audit entry. Amount and BalanceAfter never
// change after the append; only Status may flip, for withdrawals the external
// payout collaborator later confirms or fails.
type Transaction struct {
	ID            string            `json:"id"`
	WorkerID      string            `json:"worker_id"`
	BookingID     string            `json:"booking_id,omitempty"`
	Type          TransactionType   `json:"type"`
	Amount        int64             `json:"amount"`
	Status        TransactionStatus `json:"status"`
	Description   string            `json:"description"`
	BalanceAfter  int64             `json:"balance_after"`
	Destination   string            `json:"destination,omitempty"` // masked bank reference
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
