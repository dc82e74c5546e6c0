// Package lifecycle enforces the booking state machine and its side effects:
// worker availability, rejection-driven re-dispatch and settlement on
// completion.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

// transitions is the full legal state machine. assigned→pending is the
// rejection path; everything else moves forward only.
var transitions = map[models.BookingStatus]map[models.BookingStatus]bool{
	models.StatusPending:    {models.StatusAssigned: true},
	models.StatusAssigned:   {models.StatusAccepted: true, models.StatusPending: true},
	models.StatusAccepted:   {models.StatusInProgress: true, models.StatusCancelled: true},
	models.StatusInProgress: {models.StatusCompleted: true, models.StatusCancelled: true},
}

// CanTransition reports whether from→to is a legal booking transition.
func CanTransition(from, to models.BookingStatus) bool {
	return transitions[from][to]
}

// Dispatcher is the slice of the dispatch service the controller needs for
// rejection-triggered re-search.
type Dispatcher interface {
	Assign(ctx context.Context, bookingID string) (dispatch.Result, error)
}

// Settler is the ledger surface used on completion.
type Settler interface {
	HasEarningForBooking(ctx context.Context, workerID, bookingID string) (bool, error)
	SettleEarning(ctx context.Context, workerID, bookingID string, amount int64) (*models.Transaction, error)
}

type Controller struct {
	Bookings   storage.BookingStore
	Workers    storage.WorkerStore
	Ledger     Settler
	Dispatcher Dispatcher
	Notifier   notify.Publisher
	Logger     *slog.Logger

	// AllowCustomerCancel permits the booking's requester, not just the
	// assigned worker, to cancel. Off by default.
	AllowCustomerCancel bool
}

type CreateBookingInput struct {
	CustomerID       string
	Skill            string
	Description      string
	Lon, Lat         float64
	Address          models.Address
	ScheduledAt      time.Time
	EstimatedMinutes int
	Priority         models.Priority
	EstimatedCost    int64
	Currency         string
}

// CreateBooking validates input and persists a new pending booking. Dispatch
// is the caller's concern (fired after creation, success not required for the
// booking itself to stand).
func (c *Controller) CreateBooking(ctx context.Context, in CreateBookingInput) (*models.Booking, error) {
	if in.CustomerID == "" {
		return nil, &models.ValidationError{Field: "customer_id", Reason: "required"}
	}
	if in.Skill == "" {
		return nil, &models.ValidationError{Field: "skill", Reason: "required"}
	}
	if in.Description == "" {
		return nil, &models.ValidationError{Field: "description", Reason: "required"}
	}
	if len(in.Description) > 500 {
		return nil, &models.ValidationError{Field: "description", Reason: "cannot exceed 500 characters"}
	}
	if in.ScheduledAt.IsZero() {
		return nil, &models.ValidationError{Field: "scheduled_at", Reason: "required"}
	}
	loc, err := models.NewGeoPoint(in.Lon, in.Lat)
	if err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	switch in.Priority {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityUrgent:
	default:
		return nil, &models.ValidationError{Field: "priority", Reason: "unknown priority " + string(in.Priority)}
	}
	if in.EstimatedMinutes <= 0 {
		in.EstimatedMinutes = 60
	}
	if in.Currency == "" {
		in.Currency = "INR"
	}

	now := time.Now()
	b := &models.Booking{
		ID:               uuid.NewString(),
		CustomerID:       in.CustomerID,
		Skill:            in.Skill,
		Description:      in.Description,
		Location:         loc,
		Address:          in.Address,
		ScheduledAt:      in.ScheduledAt,
		EstimatedMinutes: in.EstimatedMinutes,
		Priority:         in.Priority,
		Status:           models.StatusPending,
		Pricing:          models.Pricing{EstimatedCost: in.EstimatedCost, Currency: in.Currency},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.Bookings.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	observability.BookingsCreated.Inc()
	c.Logger.Info("booking_created", "booking_id", b.ID, "skill", b.Skill, "priority", string(b.Priority))
	return b, nil
}

// Accept moves an assigned booking to accepted. Only the assigned worker may
// call it; the worker goes busy as a side effect.
func (c *Controller) Accept(ctx context.Context, bookingID, workerID string) (*models.Booking, error) {
	b, err := c.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.AssignedWorker != workerID {
		return nil, fmt.Errorf("%w: booking %s is not assigned to worker %s", models.ErrNotAuthorized, bookingID, workerID)
	}
	if !CanTransition(b.Status, models.StatusAccepted) {
		return nil, &models.InvalidTransitionError{From: b.Status, To: models.StatusAccepted}
	}

	updated, err := c.Bookings.UpdateBookingCAS(ctx, bookingID, models.StatusAssigned, func(b *models.Booking) {
		b.Status = models.StatusAccepted
	})
	if err != nil {
		return nil, err
	}
	if err := c.Workers.SetAvailability(ctx, workerID, models.Available, models.Busy); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		// already busy, e.g. a manual toggle raced us; the accept stands
		c.Logger.Warn("worker already busy on accept", "worker_id", workerID, "booking_id", bookingID)
	}

	observability.TransitionsTotal.WithLabelValues(string(models.StatusAccepted)).Inc()
	c.publish(ctx, "booking.accepted", updated)
	return updated, nil
}

// Reject records the worker's refusal, returns the booking to pending and
// synchronously re-dispatches with the grown exclusion set, so the rejecting
// caller learns the reassignment outcome inline.
func (c *Controller) Reject(ctx context.Context, bookingID, workerID, reason string) (*models.Booking, dispatch.Result, error) {
	if len(reason) > 500 {
		return nil, dispatch.Result{}, &models.ValidationError{Field: "reason", Reason: "cannot exceed 500 characters"}
	}
	b, err := c.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, dispatch.Result{}, err
	}
	if b.AssignedWorker != workerID {
		return nil, dispatch.Result{}, fmt.Errorf("%w: booking %s is not assigned to worker %s", models.ErrNotAuthorized, bookingID, workerID)
	}
	if !CanTransition(b.Status, models.StatusPending) {
		return nil, dispatch.Result{}, &models.InvalidTransitionError{From: b.Status, To: models.StatusPending}
	}

	now := time.Now()
	updated, err := c.Bookings.UpdateBookingCAS(ctx, bookingID, models.StatusAssigned, func(b *models.Booking) {
		b.Status = models.StatusPending
		b.AssignedWorker = ""
		b.AddRejection(workerID, reason, now)
	})
	if err != nil {
		return nil, dispatch.Result{}, err
	}
	if err := c.Workers.ReleaseWorker(ctx, workerID, bookingID, false); err != nil {
		c.Logger.Error("worker release on rejection failed", "worker_id", workerID, "booking_id", bookingID, "error", err)
	}

	observability.RejectionsTotal.Inc()
	c.Logger.Info("booking_rejected", "booking_id", bookingID, "worker_id", workerID, "reason", reason)
	_ = c.Notifier.Publish(ctx, notify.Event{
		Type: "booking.rejected", BookingID: bookingID, WorkerID: workerID,
		Status: models.StatusPending, Detail: reason, At: now,
	})

	res, err := c.Dispatcher.Assign(ctx, bookingID)
	if err != nil {
		// the rejection itself stands; report the re-dispatch problem inline
		c.Logger.Warn("re-dispatch after rejection failed", "booking_id", bookingID, "error", err)
		res = dispatch.Result{Outcome: dispatch.OutcomeUnassigned, BookingID: bookingID, Message: "re-dispatch failed: " + err.Error()}
	}
	if res.Outcome == dispatch.OutcomeAssigned {
		updated, err = c.Bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, res, err
		}
	}
	return updated, res, nil
}

// UpdateStatus applies the caller-driven transitions: start work, complete,
// cancel. Completion settles the worker's earnings and frees the worker;
// cancellation frees the worker and records the reason.
func (c *Controller) UpdateStatus(ctx context.Context, bookingID, callerID string, target models.BookingStatus, notes string) (*models.Booking, error) {
	switch target {
	case models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
	default:
		b, err := c.Bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		return nil, &models.InvalidTransitionError{From: b.Status, To: target}
	}

	b, err := c.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if callerID != b.AssignedWorker {
		customerCancel := target == models.StatusCancelled && c.AllowCustomerCancel && callerID == b.CustomerID
		if !customerCancel {
			return nil, fmt.Errorf("%w: caller %s may not update booking %s", models.ErrNotAuthorized, callerID, bookingID)
		}
	}
	if !CanTransition(b.Status, target) {
		return nil, &models.InvalidTransitionError{From: b.Status, To: target}
	}

	now := time.Now()
	updated, err := c.Bookings.UpdateBookingCAS(ctx, bookingID, b.Status, func(b *models.Booking) {
		b.Status = target
		if notes != "" && target != models.StatusCancelled {
			b.Notes = notes
		}
		switch target {
		case models.StatusCompleted:
			at := now
			b.CompletedAt = &at
		case models.StatusCancelled:
			at := now
			b.CancelledAt = &at
			b.CancellationReason = notes
		}
	})
	if err != nil {
		return nil, err
	}

	switch target {
	case models.StatusCompleted:
		c.settle(ctx, updated)
		if err := c.Workers.ReleaseWorker(ctx, updated.AssignedWorker, bookingID, true); err != nil {
			c.Logger.Error("worker release on completion failed", "worker_id", updated.AssignedWorker, "booking_id", bookingID, "error", err)
		}
	case models.StatusCancelled:
		if updated.AssignedWorker != "" {
			if err := c.Workers.ReleaseWorker(ctx, updated.AssignedWorker, bookingID, false); err != nil {
				c.Logger.Error("worker release on cancellation failed", "worker_id", updated.AssignedWorker, "booking_id", bookingID, "error", err)
			}
		}
	}

	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	c.publish(ctx, "booking."+string(target), updated)
	return updated, nil
}

// settle credits the completion payment. A failure is recorded for operator
// visibility but never reverts the completed status: the ledger being down
// must not strand a finished booking.
func (c *Controller) settle(ctx context.Context, b *models.Booking) {
	amount := b.SettlementAmount()
	if amount <= 0 {
		return
	}
	settled, err := c.Ledger.HasEarningForBooking(ctx, b.AssignedWorker, b.ID)
	if err == nil && settled {
		c.Logger.Info("settlement skipped, booking already settled", "booking_id", b.ID)
		return
	}
	if err == nil {
		_, err = c.Ledger.SettleEarning(ctx, b.AssignedWorker, b.ID, amount)
	}
	if err != nil {
		observability.SettlementFailures.Inc()
		c.Logger.Error("settlement_failed", "booking_id", b.ID, "worker_id", b.AssignedWorker, "amount", amount, "error", err)
		if aerr := c.Bookings.AnnotateBooking(ctx, b.ID, "settlement failed: "+err.Error()); aerr != nil {
			c.Logger.Error("settlement failure annotation failed", "booking_id", b.ID, "error", aerr)
		}
		_ = c.Notifier.Publish(ctx, notify.Event{
			Type: "booking.settlement_failed", BookingID: b.ID, WorkerID: b.AssignedWorker,
			Status: b.Status, Detail: err.Error(), At: time.Now(),
		})
	}
}

// Stats is the aggregate read surface: bookings per status, workers per
// availability. No side effects.
type Stats struct {
	Bookings map[models.BookingStatus]int `json:"bookings_by_status"`
	Workers  map[models.Availability]int  `json:"workers_by_availability"`
}

func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	bs, err := c.Bookings.CountBookingsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	ws, err := c.Workers.CountWorkersByAvailability(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Bookings: bs, Workers: ws}, nil
}

func (c *Controller) publish(ctx context.Context, eventType string, b *models.Booking) {
	_ = c.Notifier.Publish(ctx, notify.Event{
		Type:      eventType,
		BookingID: b.ID,
		WorkerID:  b.AssignedWorker,
		Status:    b.Status,
		At:        time.Now(),
	})
}
