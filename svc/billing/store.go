package billing

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary for the ingestion pipeline. Ledger and
// attempt tables are keyed by the provider's global event-id namespace; every
// other table is tenant-scoped and every implementation must keep tenant_id
// in each predicate.
type Store interface {
	// InsertEvent appends the event to the ledger if absent. It reports
	// whether this call inserted the row; false means the event id was seen
	// before. The insert must be atomic so two racing deliveries resolve to
	// exactly one inserter.
	InsertEvent(ctx context.Context, event WebhookEvent) (bool, error)

	// LastAttemptStatus returns the status of the most recent attempt for the
	// event id, or found=false if the event was never tried.
	LastAttemptStatus(ctx context.Context, eventID string) (status AttemptStatus, found bool, err error)

	// NextAttemptNumber returns max(attempt_no)+1 for the event id, or 1.
	NextAttemptNumber(ctx context.Context, eventID string) (int, error)

	// RecordAttempt appends an attempt row. The table is append-only and an
	// attempt_no repeats across the rows of one delivery, so implementations
	// must not enforce uniqueness on (event_id, attempt_no).
	RecordAttempt(ctx context.Context, attempt WebhookAttempt) error

	// InsertQuarantined durably isolates an unprocessable event.
	InsertQuarantined(ctx context.Context, q QuarantinedEvent) error

	// UpsertCustomer creates or updates the customer mapped to a provider
	// customer id within a tenant.
	UpsertCustomer(ctx context.Context, customer Customer) error

	// FindCustomerByProviderID looks a customer up across tenants by the
	// provider customer id.
	FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, bool, error)

	// FindCustomerByEmail looks a customer up across tenants by exact email.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, bool, error)

	// SetDefaultPaymentMethod records the customer's default payment method.
	SetDefaultPaymentMethod(ctx context.Context, tenantID uuid.UUID, providerCustomerID, paymentMethodID string) error

	// FindSubscription fetches the tenant's subscription row.
	FindSubscription(ctx context.Context, tenantID uuid.UUID, providerSubscriptionID string) (*Subscription, bool, error)

	// FindSubscriptionByProviderID looks a subscription up across tenants by
	// the provider subscription id (used only to derive the owning tenant).
	FindSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, bool, error)

	// FindSubscriptionByCustomerID looks a subscription up across tenants by
	// the provider customer id.
	FindSubscriptionByCustomerID(ctx context.Context, providerCustomerID string) (*Subscription, bool, error)

	// UpsertSubscription creates or replaces the row keyed by
	// (tenant_id, provider_subscription_id).
	UpsertSubscription(ctx context.Context, sub Subscription) error

	// InsertLifecycleEvent appends a derived transition record.
	InsertLifecycleEvent(ctx context.Context, event LifecycleEvent) error

	// InsertRevenueRecord appends a row to the revenue ledger.
	InsertRevenueRecord(ctx context.Context, record RevenueRecord) error

	// WithinTx runs fn against a transaction-bound Store and commits iff fn
	// returns nil. Handlers rely on it so a crash mid-handler cannot leave
	// partial business state.
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
