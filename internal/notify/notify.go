package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// Event describes a booking lifecycle change. The engine publishes one after
// every applied transition; transports fan it out to whoever observes
// bookings (worker apps, notification service, chat suppression).
type Event struct {
	Type      string               `json:"type"` // e.g. booking.assigned
	BookingID string               `json:"booking_id"`
	WorkerID  string               `json:"worker_id,omitempty"`
	Status    models.BookingStatus `json:"status,omitempty"`
	Detail    string               `json:"detail,omitempty"`
	At        time.Time            `json:"at"`
}

// Publisher is the outbound notification port. Implementations own the
// transport; the engine only ever sees this interface.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans one event out to several publishers, best-effort per transport.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogPublisher records events to the structured log. Used as the fallback
// transport when neither AMQP nor a websocket session is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l *LogPublisher) Publish(_ context.Context, e Event) error {
	l.Logger.Info("booking_event",
		"type", e.Type,
		"booking_id", e.BookingID,
		"worker_id", e.WorkerID,
		"status", string(e.Status),
	)
	return nil
}
