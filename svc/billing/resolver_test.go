package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingest/svc/billing"
)

func seedCustomer(t *testing.T, store *billing.MemStore, tenantID uuid.UUID, providerID, email string) {
	t.Helper()
	require.NoError(t, store.UpsertCustomer(context.Background(), billing.Customer{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		ProviderCustomerID: providerID,
		Email:              email,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}))
}

func seedSubscription(t *testing.T, store *billing.MemStore, tenantID uuid.UUID, providerSubID, providerCustID string, status billing.Status) {
	t.Helper()
	require.NoError(t, store.UpsertSubscription(context.Background(), billing.Subscription{
		ID:                     uuid.New(),
		TenantID:               tenantID,
		ProviderSubscriptionID: providerSubID,
		ProviderCustomerID:     providerCustID,
		Status:                 status,
		CreatedAt:              time.Now().UTC(),
		UpdatedAt:              time.Now().UTC(),
	}))
}

func TestResolveTenantMetadataWins(t *testing.T) {
	store := billing.NewMemStore()
	metadataTenant := uuid.New()
	storedTenant := uuid.New()

	// Conflicting stored mappings must lose to explicit metadata.
	seedSubscription(t, store, storedTenant, "sub_1", "cus_1", billing.StatusActive)
	seedCustomer(t, store, storedTenant, "cus_1", "owner@acme.test")

	tenantID, found, err := billing.ResolveTenant(context.Background(), store, billing.TenantRef{
		Metadata:               map[string]string{"tenant_id": metadataTenant.String()},
		ProviderSubscriptionID: "sub_1",
		ProviderCustomerID:     "cus_1",
		CustomerEmail:          "owner@acme.test",
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, metadataTenant, tenantID)
}

func TestResolveTenantInvalidMetadataIsMalformed(t *testing.T) {
	store := billing.NewMemStore()

	_, _, err := billing.ResolveTenant(context.Background(), store, billing.TenantRef{
		Metadata: map[string]string{"tenant_id": "not-a-uuid"},
	})
	require.ErrorIs(t, err, billing.ErrMalformedPayload)
}

func TestResolveTenantBySubscriptionID(t *testing.T) {
	store := billing.NewMemStore()
	tenantID := uuid.New()
	seedSubscription(t, store, tenantID, "sub_1", "", billing.StatusActive)

	got, found, err := billing.ResolveTenant(context.Background(), store, billing.TenantRef{
		ProviderSubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tenantID, got)
}

func TestResolveTenantByCustomerID(t *testing.T) {
	t.Run("customer row", func(t *testing.T) {
		store := billing.NewMemStore()
		tenantID := uuid.New()
		seedCustomer(t, store, tenantID, "cus_1", "")

		got, found, err := billing.ResolveTenant(context.Background(), store, billing.TenantRef{
			ProviderCustomerID: "cus_1",
		})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, tenantID, got)
	})

	t.Run("subscription row when no customer row exists", func(t *testing.T) {
		store := billing.NewMemStore()
		tenantID := uuid.New()
		seedSubscription(t, store, tenantID, "sub_1", "cus_1", billing.StatusActive)

		got, found, err := billing.ResolveTenant(context.Background(), store, billing.TenantRef{
			ProviderCustomerID: "cus_1",
		})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, tenantID, got)
	})
}

func TestResolveTenantByEmailIsExactMatch(t *testing.T) {
	store := billing.NewMemStore()
	tenantID := uuid.New()
	seedCustomer(t, store, tenantID, "cus_1", "owner@acme.test")

	got, found, err := billing.ResolveTenant(context.Background(), store, billing.TenantRef{
		CustomerEmail: "owner@acme.test",
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tenantID, got)

	_, found, err = billing.ResolveTenant(context.Background(), store, billing.TenantRef{
		CustomerEmail: "Owner@Acme.test",
	})
	require.NoError(t, err)
	assert.False(t, found, "email matching is exact, not case-folded")
}

func TestResolveTenantNeverFallsBack(t *testing.T) {
	store := billing.NewMemStore()
	seedCustomer(t, store, uuid.New(), "cus_other", "other@acme.test")

	got, found, err := billing.ResolveTenant(context.Background(), store, billing.TenantRef{
		ProviderSubscriptionID: "sub_unknown",
		ProviderCustomerID:     "cus_unknown",
		CustomerEmail:          "unknown@acme.test",
	})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uuid.Nil, got)
}
