// Package dispatch finds the nearest eligible worker for a pending booking
// and claims it with a single conditional write, so two racing dispatches can
// never both assign.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

type Outcome string

const (
	// OutcomeAssigned means a worker was claimed for the booking.
	OutcomeAssigned Outcome = "assigned"
	// OutcomeUnassigned means no candidate qualified; the booking stays
	// pending, annotated for later re-dispatch. Not an error.
	OutcomeUnassigned Outcome = "unassigned"
	// OutcomeLost means another dispatch claimed the booking first.
	OutcomeLost Outcome = "lost"
)

type Result struct {
	Outcome   Outcome `json:"outcome"`
	BookingID string  `json:"booking_id"`
	WorkerID  string  `json:"worker_id,omitempty"`
	Message   string  `json:"message,omitempty"`
}

type Service struct {
	Index        geo.Index
	Bookings     storage.BookingStore
	Workers      storage.WorkerStore
	Notifier     notify.Publisher
	RadiusMeters float64
	Logger       *slog.Logger
}

// Assign runs the dispatch algorithm for one pending booking. Candidates are
// tried nearest-first; each gets a live availability re-check against the
// worker store right before commit, which guards against a stale index
// snapshot racing another dispatch.
func (s *Service) Assign(ctx context.Context, bookingID string) (Result, error) {
	b, err := s.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	if b.Status != models.StatusPending {
		return Result{}, fmt.Errorf("%w: booking %s is %s, want pending", models.ErrInvalidState, bookingID, b.Status)
	}

	radius := s.RadiusMeters
	if radius <= 0 {
		radius = 10000
	}
	excluded := b.RejectedWorkerIDs()
	candidates, err := s.Index.FindCandidates(ctx, b.Location, radius, b.Skill, excluded)
	if err != nil {
		return Result{}, fmt.Errorf("candidate query: %w", err)
	}
	if len(candidates) == 0 {
		return s.noCandidates(ctx, bookingID, radius)
	}

	for _, cand := range candidates {
		// re-check live state; the index snapshot may be stale
		w, err := s.Workers.GetWorker(ctx, cand.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return Result{}, err
		}
		if w.Availability != models.Available || len(w.ActiveBookings) > 0 {
			continue
		}

		now := time.Now()
		_, err = s.Bookings.UpdateBookingCAS(ctx, bookingID, models.StatusPending, func(b *models.Booking) {
			b.Status = models.StatusAssigned
			b.AssignedWorker = w.ID
			b.AddAssignment(w.ID, models.StatusAssigned, now)
		})
		if errors.Is(err, models.ErrConflict) {
			// someone else resolved the race; do not try other candidates
			observability.DispatchConflicts.Inc()
			return Result{Outcome: OutcomeLost, BookingID: bookingID, Message: "booking was claimed by another dispatch"}, nil
		}
		if err != nil {
			return Result{}, err
		}

		if err := s.Workers.ReserveWorker(ctx, w.ID, bookingID); err != nil {
			if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
				// worker got busy between re-check and reserve; put the
				// booking back and try the next candidate
				s.revertAssignment(ctx, bookingID)
				continue
			}
			return Result{}, err
		}

		observability.AssignmentsTotal.Inc()
		s.Logger.Info("booking_assigned", "booking_id", bookingID, "worker_id", w.ID)
		_ = s.Notifier.Publish(ctx, notify.Event{
			Type:      "booking.assigned",
			BookingID: bookingID,
			WorkerID:  w.ID,
			Status:    models.StatusAssigned,
			At:        now,
		})
		return Result{Outcome: OutcomeAssigned, BookingID: bookingID, WorkerID: w.ID}, nil
	}

	return s.noCandidates(ctx, bookingID, radius)
}

func (s *Service) noCandidates(ctx context.Context, bookingID string, radius float64) (Result, error) {
	note := fmt.Sprintf("no workers available within %.0fm at %s", radius, time.Now().UTC().Format(time.RFC3339))
	if err := s.Bookings.AnnotateBooking(ctx, bookingID, note); err != nil {
		s.Logger.Warn("annotate failed", "booking_id", bookingID, "error", err)
	}
	observability.UnassignedTotal.Inc()
	s.Logger.Info("dispatch_unassigned", "booking_id", bookingID, "radius_m", radius)
	return Result{Outcome: OutcomeUnassigned, BookingID: bookingID, Message: "no available workers found nearby"}, nil
}

func (s *Service) revertAssignment(ctx context.Context, bookingID string) {
	_, err := s.Bookings.UpdateBookingCAS(ctx, bookingID, models.StatusAssigned, func(b *models.Booking) {
		b.Status = models.StatusPending
		b.AssignedWorker = ""
	})
	if err != nil {
		s.Logger.Error("assignment revert failed", "booking_id", bookingID, "error", err)
	}
}
