package billing_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingest/svc/billing"
)

func newTestService(t *testing.T) (*billing.Service, *billing.MemStore) {
	t.Helper()
	store := billing.NewMemStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := billing.NewDispatcher(
		billing.NewLifecycleEngine(7*24*time.Hour),
		billing.NewRevenueRecorder(),
		billing.NewQuarantineSink(log),
		log,
	)
	return billing.NewService(store, dispatcher, log), store
}

func checkoutEvent(id string, tenantID uuid.UUID, amount int64) billing.Event {
	raw := fmt.Sprintf(`{
		"id": "cs_%s",
		"mode": "subscription",
		"amount_total": %d,
		"currency": "usd",
		"customer": "cus_1",
		"customer_email": "owner@acme.test",
		"metadata": {"tenant_id": %q}
	}`, id, amount, tenantID)
	return billing.Event{ID: id, Type: billing.EventCheckoutCompleted, Raw: []byte(raw)}
}

func attemptStatuses(store *billing.MemStore, eventID string) []billing.AttemptStatus {
	attempts := store.Attempts(eventID)
	out := make([]billing.AttemptStatus, len(attempts))
	for i, a := range attempts {
		out[i] = a.Status
	}
	return out
}

func TestProcessEventCheckoutCompleted(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()

	result, err := svc.ProcessEvent(context.Background(), checkoutEvent("evt_1", tenantID, 9900))
	require.NoError(t, err)
	assert.Equal(t, billing.EventCheckoutCompleted, result.EventType)
	assert.Equal(t, 1, result.AttemptNo)
	assert.False(t, result.Duplicate)
	assert.False(t, result.Quarantined)

	records := store.RevenueRecords()
	require.Len(t, records, 1)
	assert.Equal(t, tenantID, records[0].TenantID)
	assert.Equal(t, int64(9900), records[0].Amount)
	assert.Equal(t, "usd", records[0].Currency)
	assert.Equal(t, billing.RevenueSubscription, records[0].Type)
	assert.Equal(t, "succeeded", records[0].Status)

	// The customer mapping is kept current for later metadata-free events.
	c, found, err := store.FindCustomerByProviderID(context.Background(), "cus_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tenantID, c.TenantID)
	assert.Equal(t, "owner@acme.test", c.Email)

	assert.Equal(t, []billing.AttemptStatus{billing.AttemptProcessing, billing.AttemptProcessed},
		attemptStatuses(store, "evt_1"))
}

func TestProcessEventDuplicateDeliveries(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()
	ev := checkoutEvent("evt_1", tenantID, 9900)

	_, err := svc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)

	// Redeliveries of a processed event acknowledge without side effects, no
	// matter how many arrive.
	for i := 0; i < 3; i++ {
		result, err := svc.ProcessEvent(context.Background(), ev)
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
	}

	assert.Len(t, store.RevenueRecords(), 1)
	assert.Equal(t, []billing.AttemptStatus{
		billing.AttemptProcessing,
		billing.AttemptProcessed,
		billing.AttemptDuplicate,
		billing.AttemptDuplicate,
		billing.AttemptDuplicate,
	}, attemptStatuses(store, "evt_1"))

	attempts := store.Attempts("evt_1")
	assert.Equal(t, 4, attempts[len(attempts)-1].AttemptNo, "attempt counter advances on every delivery")
}

func TestProcessEventAttemptRowsShareDeliveryNumber(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()

	// One delivery appends a step row per stage, all under the same attempt
	// number; the schema must accept that, so a valid event succeeds and a
	// redelivery reads the later row as the current status.
	result, err := svc.ProcessEvent(context.Background(), checkoutEvent("evt_1", tenantID, 9900))
	require.NoError(t, err)
	assert.Equal(t, 1, result.AttemptNo)

	attempts := store.Attempts("evt_1")
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNo)
	assert.Equal(t, 1, attempts[1].AttemptNo)
	assert.Equal(t, billing.AttemptProcessing, attempts[0].Status)
	assert.Equal(t, billing.AttemptProcessed, attempts[1].Status)

	redelivery, err := svc.ProcessEvent(context.Background(), checkoutEvent("evt_1", tenantID, 9900))
	require.NoError(t, err)
	assert.True(t, redelivery.Duplicate)
}

func TestProcessEventMalformedPayload(t *testing.T) {
	svc, store := newTestService(t)

	ev := billing.Event{
		ID:   "evt_bad",
		Type: billing.EventCheckoutCompleted,
		Raw:  []byte(`{"id": 123}`),
	}
	_, err := svc.ProcessEvent(context.Background(), ev)
	require.ErrorIs(t, err, billing.ErrMalformedPayload)

	assert.Empty(t, store.RevenueRecords())
	statuses := attemptStatuses(store, "evt_bad")
	require.Len(t, statuses, 2)
	assert.Equal(t, billing.AttemptFailed, statuses[1])

	attempts := store.Attempts("evt_bad")
	assert.NotEmpty(t, attempts[1].ErrorMessage)
}

func TestProcessEventRetryAfterFailure(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()

	bad := billing.Event{ID: "evt_1", Type: billing.EventCheckoutCompleted, Raw: []byte(`{"id": 123}`)}
	_, err := svc.ProcessEvent(context.Background(), bad)
	require.ErrorIs(t, err, billing.ErrMalformedPayload)

	// Same event id redelivered with a decodable body: a failed attempt never
	// blocks reprocessing.
	result, err := svc.ProcessEvent(context.Background(), checkoutEvent("evt_1", tenantID, 4900))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 2, result.AttemptNo)

	assert.Len(t, store.RevenueRecords(), 1)
	assert.Equal(t, []billing.AttemptStatus{
		billing.AttemptProcessing,
		billing.AttemptFailed,
		billing.AttemptProcessing,
		billing.AttemptProcessed,
	}, attemptStatuses(store, "evt_1"))
}

func TestProcessEventQuarantinesUnresolvableTenant(t *testing.T) {
	svc, store := newTestService(t)

	ev := billing.Event{
		ID:   "evt_orphan",
		Type: billing.EventSubscriptionCreated,
		Raw:  []byte(`{"id": "sub_unknown", "customer": "cus_unknown", "status": "active"}`),
	}
	result, err := svc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err, "quarantine is a successful terminal outcome")
	assert.True(t, result.Quarantined)

	quarantined := store.Quarantined()
	require.Len(t, quarantined, 1)
	assert.Equal(t, "quarantine:evt_orphan", quarantined[0].ID)
	assert.Equal(t, "evt_orphan", quarantined[0].OriginalEventID)
	assert.Equal(t, billing.EventSubscriptionCreated, quarantined[0].EventType)
	assert.NotEmpty(t, quarantined[0].Reason)

	assert.Empty(t, store.RevenueRecords())
	assert.Empty(t, store.LifecycleEvents())
	assert.Empty(t, store.Subscriptions())
	assert.Equal(t, []billing.AttemptStatus{billing.AttemptProcessing, billing.AttemptProcessed},
		attemptStatuses(store, "evt_orphan"))
}

func TestProcessEventUnknownTypeAcknowledged(t *testing.T) {
	svc, store := newTestService(t)

	result, err := svc.ProcessEvent(context.Background(), billing.Event{
		ID:   "evt_1",
		Type: "charge.refunded",
		Raw:  []byte(`{"id": "ch_1"}`),
	})
	require.NoError(t, err)
	assert.False(t, result.Quarantined)

	assert.Empty(t, store.RevenueRecords())
	assert.Empty(t, store.Quarantined())
	assert.Equal(t, []billing.AttemptStatus{billing.AttemptProcessing, billing.AttemptProcessed},
		attemptStatuses(store, "evt_1"))
}

func TestProcessEventSubscriptionLifecycleFlow(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()
	ctx := context.Background()

	subRaw := func(status string) []byte {
		return []byte(fmt.Sprintf(`{
			"id": "sub_1",
			"customer": "cus_1",
			"status": %q,
			"metadata": {"tenant_id": %q},
			"items": {"data": [{"price": {"id": "price_basic", "unit_amount": 4900, "currency": "usd"}}]}
		}`, status, tenantID))
	}

	_, err := svc.ProcessEvent(ctx, billing.Event{ID: "evt_1", Type: billing.EventSubscriptionCreated, Raw: subRaw("active")})
	require.NoError(t, err)

	// Later events carry no metadata; resolution runs off the stored rows.
	_, err = svc.ProcessEvent(ctx, billing.Event{
		ID:   "evt_2",
		Type: billing.EventInvoicePaymentFailed,
		Raw:  []byte(`{"id": "in_1", "customer": "cus_1", "subscription": "sub_1", "amount_due": 4900, "currency": "usd"}`),
	})
	require.NoError(t, err)

	assert.Empty(t, store.RevenueRecords(), "failed invoices never enter the revenue ledger")
	sub, found, err := store.FindSubscription(ctx, tenantID, "sub_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, billing.StatusPastDue, sub.Status)
	require.NotNil(t, sub.GracePeriodEndsAt)

	_, err = svc.ProcessEvent(ctx, billing.Event{
		ID:   "evt_3",
		Type: billing.EventInvoicePaid,
		Raw:  []byte(`{"id": "in_2", "customer": "cus_1", "subscription": "sub_1", "amount_paid": 4900, "currency": "usd"}`),
	})
	require.NoError(t, err)

	records := store.RevenueRecords()
	require.Len(t, records, 1)
	assert.Equal(t, int64(4900), records[0].Amount)
	assert.Equal(t, billing.RevenueSubscription, records[0].Type)

	sub, _, err = store.FindSubscription(ctx, tenantID, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Nil(t, sub.GracePeriodEndsAt)

	var types []billing.LifecycleEventType
	for _, ev := range store.LifecycleEvents() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []billing.LifecycleEventType{
		billing.LifecycleGracePeriodStarted,
		billing.LifecycleGracePeriodRecovered,
	}, types)
}

func TestProcessEventZeroAmountInvoicePaid(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()
	ctx := context.Background()

	seedSubscription(t, store, tenantID, "sub_1", "cus_1", billing.StatusPastDue)

	// Trial conversions and fully discounted invoices pay nothing: no ledger
	// row, but the paid invoice still recovers the grace period.
	_, err := svc.ProcessEvent(ctx, billing.Event{
		ID:   "evt_1",
		Type: billing.EventInvoicePaid,
		Raw:  []byte(`{"id": "in_1", "customer": "cus_1", "subscription": "sub_1", "amount_paid": 0, "currency": "usd"}`),
	})
	require.NoError(t, err)

	assert.Empty(t, store.RevenueRecords())
	sub, found, err := store.FindSubscription(ctx, tenantID, "sub_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, billing.StatusActive, sub.Status)
}

func TestProcessEventUnchangedUpdateRedelivery(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()
	ctx := context.Background()

	raw := []byte(fmt.Sprintf(`{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"tenant_id": %q},
		"items": {"data": [{"price": {"id": "price_basic", "unit_amount": 4900, "currency": "usd"}}]}
	}`, tenantID))

	_, err := svc.ProcessEvent(ctx, billing.Event{ID: "evt_1", Type: billing.EventSubscriptionUpdated, Raw: raw})
	require.NoError(t, err)
	before := len(store.LifecycleEvents())

	// The provider re-reports identical state under a fresh event id: the
	// ledger and attempt trail grow, the derived analytics do not.
	_, err = svc.ProcessEvent(ctx, billing.Event{ID: "evt_2", Type: billing.EventSubscriptionUpdated, Raw: raw})
	require.NoError(t, err)

	assert.Len(t, store.LifecycleEvents(), before)
	assert.Equal(t, []billing.AttemptStatus{billing.AttemptProcessing, billing.AttemptProcessed},
		attemptStatuses(store, "evt_2"))
}

func TestProcessEventSubscriptionDeleted(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()
	ctx := context.Background()

	seedSubscription(t, store, tenantID, "sub_1", "cus_1", billing.StatusActive)

	_, err := svc.ProcessEvent(ctx, billing.Event{
		ID:   "evt_1",
		Type: billing.EventSubscriptionDeleted,
		Raw:  []byte(`{"id": "sub_1", "customer": "cus_1", "status": "canceled"}`),
	})
	require.NoError(t, err)

	sub, found, err := store.FindSubscription(ctx, tenantID, "sub_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
	assert.Equal(t, billing.StageChurned, sub.Stage)
}

func TestProcessEventCustomerAndPaymentMethod(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()
	ctx := context.Background()

	_, err := svc.ProcessEvent(ctx, billing.Event{
		ID:   "evt_1",
		Type: billing.EventCustomerCreated,
		Raw:  []byte(fmt.Sprintf(`{"id": "cus_1", "email": "owner@acme.test", "metadata": {"tenant_id": %q}}`, tenantID)),
	})
	require.NoError(t, err)

	_, err = svc.ProcessEvent(ctx, billing.Event{
		ID:   "evt_2",
		Type: billing.EventPaymentMethodAttached,
		Raw:  []byte(`{"id": "pm_1", "customer": "cus_1", "type": "card"}`),
	})
	require.NoError(t, err)

	c, found, err := store.FindCustomerByProviderID(ctx, "cus_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tenantID, c.TenantID)
	assert.Equal(t, "owner@acme.test", c.Email)
	assert.Equal(t, "pm_1", c.DefaultPaymentMethodID)
}

func TestProcessEventOneTimeCheckout(t *testing.T) {
	svc, store := newTestService(t)
	tenantID := uuid.New()

	raw := fmt.Sprintf(`{
		"id": "cs_1",
		"mode": "payment",
		"amount_total": 2500,
		"currency": "eur",
		"metadata": {"tenant_id": %q}
	}`, tenantID)
	_, err := svc.ProcessEvent(context.Background(), billing.Event{
		ID:   "evt_1",
		Type: billing.EventCheckoutCompleted,
		Raw:  []byte(raw),
	})
	require.NoError(t, err)

	records := store.RevenueRecords()
	require.Len(t, records, 1)
	assert.Equal(t, billing.RevenueOneTime, records[0].Type)
	assert.Equal(t, int64(2500), records[0].Amount)
	assert.Equal(t, "eur", records[0].Currency)
}
