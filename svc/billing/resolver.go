package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TenantRef carries every identifier an event offers for tenant resolution.
type TenantRef struct {
	Metadata               map[string]string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	CustomerEmail          string
}

// metadataTenantKey is the key tenants attach at checkout-creation time.
const metadataTenantKey = "tenant_id"

// ResolveTenant maps a provider object to an internal tenant id using four
// strategies in strict priority order, first match wins:
//
//  1. metadata tenant_id attached at checkout-creation time
//  2. existing subscription row by provider subscription id
//  3. existing customer or subscription row by provider customer id
//  4. existing customer row by exact email match
//
// It never falls back to a default tenant: an unresolved tenant is reported
// as found=false and must be quarantined by the caller. Guessing here would
// leak one tenant's billing data into another's account.
func ResolveTenant(ctx context.Context, s Store, ref TenantRef) (uuid.UUID, bool, error) {
	if raw, ok := ref.Metadata[metadataTenantKey]; ok && raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("%w: invalid metadata tenant_id %q", ErrMalformedPayload, raw)
		}
		return tenantID, true, nil
	}

	if ref.ProviderSubscriptionID != "" {
		sub, found, err := s.FindSubscriptionByProviderID(ctx, ref.ProviderSubscriptionID)
		if err != nil {
			return uuid.Nil, false, err
		}
		if found {
			return sub.TenantID, true, nil
		}
	}

	if ref.ProviderCustomerID != "" {
		customer, found, err := s.FindCustomerByProviderID(ctx, ref.ProviderCustomerID)
		if err != nil {
			return uuid.Nil, false, err
		}
		if found {
			return customer.TenantID, true, nil
		}

		sub, found, err := s.FindSubscriptionByCustomerID(ctx, ref.ProviderCustomerID)
		if err != nil {
			return uuid.Nil, false, err
		}
		if found {
			return sub.TenantID, true, nil
		}
	}

	if ref.CustomerEmail != "" {
		customer, found, err := s.FindCustomerByEmail(ctx, ref.CustomerEmail)
		if err != nil {
			return uuid.Nil, false, err
		}
		if found {
			return customer.TenantID, true, nil
		}
	}

	return uuid.Nil, false, nil
}
