package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingest/pkg/logger"
)

// quarantineIDPrefix namespaces quarantine rows away from the provider's
// event-id namespace so they are distinguishable from ledger rows.
const quarantineIDPrefix = "quarantine:"

// QuarantineSink durably isolates events that cannot be safely processed.
// Quarantine is terminal for the event: no handler runs and no tenant state
// changes; rows persist until manual reconciliation.
type QuarantineSink struct {
	log *slog.Logger
	now func() time.Time
}

// NewQuarantineSink returns a sink logging at error severity through log.
func NewQuarantineSink(log *slog.Logger) *QuarantineSink {
	return &QuarantineSink{log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Quarantine records the failure for the given event.
func (q *QuarantineSink) Quarantine(ctx context.Context, s Store, eventID, eventType, reason string) error {
	if err := s.InsertQuarantined(ctx, QuarantinedEvent{
		ID:              quarantineIDPrefix + eventID,
		OriginalEventID: eventID,
		EventType:       eventType,
		Reason:          reason,
		CreatedAt:       q.now(),
	}); err != nil {
		return err
	}

	q.log.ErrorContext(ctx, "webhook event quarantined",
		logger.EventID(eventID),
		logger.EventType(eventType),
		slog.String("reason", reason),
	)
	return nil
}
