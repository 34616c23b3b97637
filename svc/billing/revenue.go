package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RevenueRecorder appends rows to the revenue ledger. The ledger is
// append-only: corrections are new rows, never mutations.
type RevenueRecorder struct {
	now func() time.Time
}

// NewRevenueRecorder returns a recorder stamping rows with UTC wall time.
func NewRevenueRecorder() *RevenueRecorder {
	return &RevenueRecorder{now: func() time.Time { return time.Now().UTC() }}
}

// Record fills the row id and timestamps and appends the record.
func (r *RevenueRecorder) Record(ctx context.Context, s Store, record RevenueRecord) error {
	now := r.now()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.Currency == "" {
		record.Currency = "usd"
	}
	return s.InsertRevenueRecord(ctx, record)
}
