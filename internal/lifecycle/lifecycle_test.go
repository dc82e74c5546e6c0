package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/ledger"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	controller *Controller
	bookings   *storage.MemoryBookingStore
	workers    *storage.MemoryWorkerStore
	wallets    *storage.MemoryLedgerStore
	index      *geo.MemoryIndex
	dispatcher *dispatch.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bookings := storage.NewMemoryBookingStore()
	workers := storage.NewMemoryWorkerStore()
	wallets := storage.NewMemoryLedgerStore()
	index := geo.NewMemoryIndex(5)
	logger := testLogger()
	pub := &notify.LogPublisher{Logger: logger}
	dispatcher := &dispatch.Service{
		Index: index, Bookings: bookings, Workers: workers,
		Notifier: pub, RadiusMeters: 10000, Logger: logger,
	}
	ledgerSvc := &ledger.Service{Store: wallets, Logger: logger}
	controller := &Controller{
		Bookings: bookings, Workers: workers, Ledger: ledgerSvc,
		Dispatcher: dispatcher, Notifier: pub, Logger: logger,
	}
	return &env{controller: controller, bookings: bookings, workers: workers, wallets: wallets, index: index, dispatcher: dispatcher}
}

func (e *env) addWorker(t *testing.T, id string, lon float64) {
	t.Helper()
	ctx := context.Background()
	w := models.Worker{
		ID: id, Location: models.GeoPoint{Lon: lon, Lat: 12.97},
		Availability: models.Available, Skills: []string{"plumbing"},
	}
	if err := e.workers.PutWorker(ctx, &w); err != nil {
		t.Fatal(err)
	}
	if err := e.index.Upsert(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := e.wallets.CreateWallet(ctx, &models.Wallet{WorkerID: id, MinimumReserve: 500, Currency: "INR"}); err != nil {
		t.Fatal(err)
	}
}

func (e *env) createAssigned(t *testing.T, workerID string) *models.Booking {
	t.Helper()
	ctx := context.Background()
	b, err := e.controller.CreateBooking(ctx, CreateBookingInput{
		CustomerID: "c1", Skill: "plumbing", Description: "leaking tap",
		Lon: 77.59, Lat: 12.97, ScheduledAt: time.Now().Add(time.Hour),
		EstimatedCost: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.dispatcher.Assign(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != dispatch.OutcomeAssigned || res.WorkerID != workerID {
		t.Fatalf("setup dispatch failed: %+v", res)
	}
	b, err = e.bookings.GetBooking(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCreateBookingValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		in    CreateBookingInput
		field string
	}{
		{"missing customer", CreateBookingInput{Skill: "plumbing", Description: "x", Lon: 77, Lat: 12, ScheduledAt: time.Now()}, "customer_id"},
		{"missing skill", CreateBookingInput{CustomerID: "c1", Description: "x", Lon: 77, Lat: 12, ScheduledAt: time.Now()}, "skill"},
		{"missing description", CreateBookingInput{CustomerID: "c1", Skill: "plumbing", Lon: 77, Lat: 12, ScheduledAt: time.Now()}, "description"},
		{"long description", CreateBookingInput{CustomerID: "c1", Skill: "plumbing", Description: strings.Repeat("x", 501), Lon: 77, Lat: 12, ScheduledAt: time.Now()}, "description"},
		{"missing schedule", CreateBookingInput{CustomerID: "c1", Skill: "plumbing", Description: "x", Lon: 77, Lat: 12}, "scheduled_at"},
		{"bad longitude", CreateBookingInput{CustomerID: "c1", Skill: "plumbing", Description: "x", Lon: 181, Lat: 12, ScheduledAt: time.Now()}, "lon"},
		{"bad priority", CreateBookingInput{CustomerID: "c1", Skill: "plumbing", Description: "x", Lon: 77, Lat: 12, ScheduledAt: time.Now(), Priority: "frantic"}, "priority"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.controller.CreateBooking(ctx, tc.in)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
			}
		})
	}
}

func TestCreateBookingDefaults(t *testing.T) {
	e := newEnv(t)
	b, err := e.controller.CreateBooking(context.Background(), CreateBookingInput{
		CustomerID: "c1", Skill: "plumbing", Description: "leaking tap",
		Lon: 77.59, Lat: 12.97, ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.StatusPending {
		t.Fatalf("new booking must be pending, got %s", b.Status)
	}
	if b.Priority != models.PriorityMedium || b.EstimatedMinutes != 60 || b.Pricing.Currency != "INR" {
		t.Fatalf("defaults not applied: %+v", b)
	}
}

func TestAcceptOnlyByAssignedWorker(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()

	if _, err := e.controller.Accept(ctx, b.ID, "intruder"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	updated, err := e.controller.Accept(ctx, b.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", updated.Status)
	}
	w, _ := e.workers.GetWorker(ctx, "w1")
	if w.Availability != models.Busy {
		t.Fatalf("worker should be busy after accept, got %s", w.Availability)
	}

	// accepting twice is an invalid transition
	if _, err := e.controller.Accept(ctx, b.ID, "w1"); err == nil {
		t.Fatal("expected error on double accept")
	}
}

func TestRejectReturnsToPoolAndReassigns(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60) // nearest, will reject
	e.addWorker(t, "w2", 77.61)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()

	updated, res, err := e.controller.Reject(ctx, b.ID, "w1", "too far")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != dispatch.OutcomeAssigned || res.WorkerID != "w2" {
		t.Fatalf("expected reassignment to w2, got %+v", res)
	}
	if updated.AssignedWorker != "w2" || updated.Status != models.StatusAssigned {
		t.Fatalf("booking not reassigned: %+v", updated)
	}
	if len(updated.RejectionHistory) != 1 || updated.RejectionHistory[0].WorkerID != "w1" {
		t.Fatalf("rejection not recorded: %+v", updated.RejectionHistory)
	}

	// the rejecting worker is free again
	w1, _ := e.workers.GetWorker(ctx, "w1")
	if len(w1.ActiveBookings) != 0 || w1.Availability != models.Available {
		t.Fatalf("rejecting worker not released: %+v", w1)
	}
	w2, _ := e.workers.GetWorker(ctx, "w2")
	if len(w2.ActiveBookings) != 1 {
		t.Fatalf("new worker not reserved: %+v", w2)
	}
}

func TestRejectWithNoReplacementLeavesPending(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()

	updated, res, err := e.controller.Reject(ctx, b.ID, "w1", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != dispatch.OutcomeUnassigned {
		t.Fatalf("expected unassigned, got %+v", res)
	}
	if updated.Status != models.StatusPending || updated.AssignedWorker != "" {
		t.Fatalf("booking should be pending and unassigned: %+v", updated)
	}

	// the rejector is excluded from any later dispatch of this booking
	res2, err := e.dispatcher.Assign(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Outcome != dispatch.OutcomeUnassigned {
		t.Fatalf("rejector must stay excluded, got %+v", res2)
	}
}

func TestRejectByWrongWorker(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")

	if _, _, err := e.controller.Reject(context.Background(), b.ID, "w9", "nope"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestRejectReasonTooLong(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")

	_, _, err := e.controller.Reject(context.Background(), b.ID, "w1", strings.Repeat("x", 501))
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCompletionSettlesExactlyOnce(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()

	if _, err := e.controller.Accept(ctx, b.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusInProgress, ""); err != nil {
		t.Fatal(err)
	}
	done, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusCompleted, "fixed")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("completion not recorded: %+v", done)
	}

	w, _ := e.wallets.GetWallet(ctx, "w1")
	if w.Balance != 1000 || w.TotalEarnings != 1000 {
		t.Fatalf("settlement wrong: %+v", w)
	}
	worker, _ := e.workers.GetWorker(ctx, "w1")
	if worker.TotalJobs != 1 || worker.Availability != models.Available || len(worker.ActiveBookings) != 0 {
		t.Fatalf("worker not reset after completion: %+v", worker)
	}

	// a second completion attempt must not pay again
	if _, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusCompleted, ""); err == nil {
		t.Fatal("expected error on double completion")
	}
	w, _ = e.wallets.GetWallet(ctx, "w1")
	if w.Balance != 1000 {
		t.Fatalf("double completion paid twice: balance=%d", w.Balance)
	}
}

func TestCompletionUsesFinalCostWhenSet(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()

	if _, err := e.controller.Accept(ctx, b.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusInProgress, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.bookings.UpdateBookingCAS(ctx, b.ID, models.StatusInProgress, func(b *models.Booking) {
		b.Pricing.FinalCost = 1500
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	w, _ := e.wallets.GetWallet(ctx, "w1")
	if w.Balance != 1500 {
		t.Fatalf("expected final cost 1500 settled, got %d", w.Balance)
	}
}

func TestInvalidTransitions(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()

	// assigned cannot jump straight to in_progress or completed
	for _, target := range []models.BookingStatus{models.StatusInProgress, models.StatusCompleted} {
		_, err := e.controller.UpdateStatus(ctx, b.ID, "w1", target, "")
		var terr *models.InvalidTransitionError
		if !errors.As(err, &terr) {
			t.Fatalf("expected InvalidTransitionError for %s, got %v", target, err)
		}
	}

	// unknown target status
	_, err := e.controller.UpdateStatus(ctx, b.ID, "w1", "archived", "")
	var terr *models.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCancellationReleasesWorkerWithoutPay(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()

	if _, err := e.controller.Accept(ctx, b.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	cancelled, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusCancelled, "customer not home")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.CancelledAt == nil || cancelled.CancellationReason != "customer not home" {
		t.Fatalf("cancellation not recorded: %+v", cancelled)
	}
	w, _ := e.wallets.GetWallet(ctx, "w1")
	if w.Balance != 0 {
		t.Fatalf("cancellation must not pay, balance=%d", w.Balance)
	}
	worker, _ := e.workers.GetWorker(ctx, "w1")
	if worker.TotalJobs != 0 || worker.Availability != models.Available {
		t.Fatalf("worker not released cleanly: %+v", worker)
	}
}

func TestCustomerCancelPolicy(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()
	if _, err := e.controller.Accept(ctx, b.ID, "w1"); err != nil {
		t.Fatal(err)
	}

	// off by default
	if _, err := e.controller.UpdateStatus(ctx, b.ID, "c1", models.StatusCancelled, "changed my mind"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	e.controller.AllowCustomerCancel = true
	cancelled, err := e.controller.UpdateStatus(ctx, b.ID, "c1", models.StatusCancelled, "changed my mind")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// even with the policy on, a customer may not complete a booking
	e2 := newEnv(t)
	e2.controller.AllowCustomerCancel = true
	e2.addWorker(t, "w1", 77.60)
	b2 := e2.createAssigned(t, "w1")
	if _, err := e2.controller.Accept(ctx, b2.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e2.controller.UpdateStatus(ctx, b2.ID, "c1", models.StatusCompleted, ""); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestSettlementFailureDoesNotRevertCompletion(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w2", 77.60)
	// no wallet for w1, so the settlement will fail with not found
	w := models.Worker{ID: "w1", Location: models.GeoPoint{Lon: 77.595, Lat: 12.97}, Availability: models.Available, Skills: []string{"plumbing"}}
	ctx := context.Background()
	if err := e.workers.PutWorker(ctx, &w); err != nil {
		t.Fatal(err)
	}
	if err := e.index.Upsert(ctx, w); err != nil {
		t.Fatal(err)
	}
	b := e.createAssigned(t, "w1")
	if _, err := e.controller.Accept(ctx, b.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusInProgress, ""); err != nil {
		t.Fatal(err)
	}

	done, err := e.controller.UpdateStatus(ctx, b.ID, "w1", models.StatusCompleted, "")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("completion must stand, got %s", done.Status)
	}
	after, _ := e.bookings.GetBooking(ctx, b.ID)
	if !strings.Contains(after.Notes, "settlement failed") {
		t.Fatalf("expected settlement failure annotation, got %q", after.Notes)
	}
}

func TestStatsAggregates(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", 77.60)
	b := e.createAssigned(t, "w1")
	ctx := context.Background()
	if _, err := e.controller.CreateBooking(ctx, CreateBookingInput{
		CustomerID: "c2", Skill: "electrical", Description: "short circuit",
		Lon: 77.60, Lat: 12.98, ScheduledAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	_ = b

	stats, err := e.controller.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Bookings[models.StatusAssigned] != 1 || stats.Bookings[models.StatusPending] != 1 {
		t.Fatalf("unexpected booking stats: %v", stats.Bookings)
	}
	if stats.Workers[models.Available] != 1 {
		t.Fatalf("unexpected worker stats: %v", stats.Workers)
	}
}

func TestCanTransitionTable(t *testing.T) {
	legal := []struct{ from, to models.BookingStatus }{
		{models.StatusPending, models.StatusAssigned},
		{models.StatusAssigned, models.StatusAccepted},
		{models.StatusAssigned, models.StatusPending},
		{models.StatusAccepted, models.StatusInProgress},
		{models.StatusAccepted, models.StatusCancelled},
		{models.StatusInProgress, models.StatusCompleted},
		{models.StatusInProgress, models.StatusCancelled},
	}
	for _, c := range legal {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be legal", c.from, c.to)
		}
	}
	illegal := []struct{ from, to models.BookingStatus }{
		{models.StatusPending, models.StatusCompleted},
		{models.StatusCompleted, models.StatusPending},
		{models.StatusCompleted, models.StatusCancelled},
		{models.StatusCancelled, models.StatusPending},
		{models.StatusAccepted, models.StatusPending},
	}
	for _, c := range illegal {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be illegal", c.from, c.to)
		}
	}
}
