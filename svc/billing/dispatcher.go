package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingest/pkg/logger"
)

// handlerFunc processes one verified, deduplicated event. All writes happen
// through s, which is transaction-bound by the caller. Returning
// ErrTenantNotResolved routes the event to quarantine instead of failing it.
type handlerFunc func(ctx context.Context, s Store, ev Event) error

// Dispatcher routes verified events to per-type handlers. Handlers tolerate
// absent optional payload fields, except a missing tenant, which always
// blocks writes.
type Dispatcher struct {
	lifecycle  *LifecycleEngine
	revenue    *RevenueRecorder
	quarantine *QuarantineSink
	log        *slog.Logger
	now        func() time.Time

	handlers map[string]handlerFunc
}

// NewDispatcher wires the handler table for every consumed event type.
func NewDispatcher(lifecycle *LifecycleEngine, revenue *RevenueRecorder, quarantine *QuarantineSink, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		lifecycle:  lifecycle,
		revenue:    revenue,
		quarantine: quarantine,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	d.handlers = map[string]handlerFunc{
		EventCheckoutCompleted:     d.handleCheckoutCompleted,
		EventSubscriptionCreated:   d.handleSubscriptionChange,
		EventSubscriptionUpdated:   d.handleSubscriptionChange,
		EventSubscriptionDeleted:   d.handleSubscriptionDeleted,
		EventInvoicePaid:           d.handleInvoicePaid,
		EventInvoicePaymentFailed:  d.handleInvoicePaymentFailed,
		EventCustomerCreated:       d.handleCustomerCreated,
		EventPaymentMethodAttached: d.handlePaymentMethodAttached,
	}
	return d
}

// Dispatch runs the handler registered for the event type. It reports
// quarantined=true when no resolution strategy produced a tenant; the event
// is then terminal and must still be acknowledged with a success status so
// the provider does not endlessly retry something that cannot self-resolve.
func (d *Dispatcher) Dispatch(ctx context.Context, s Store, ev Event) (quarantined bool, err error) {
	handler, ok := d.handlers[ev.Type]
	if !ok {
		d.log.DebugContext(ctx, "no handler for event type, acknowledging",
			logger.EventID(ev.ID), logger.EventType(ev.Type))
		return false, nil
	}

	if err := handler(ctx, s, ev); err != nil {
		if errors.Is(err, ErrTenantNotResolved) {
			if qErr := d.quarantine.Quarantine(ctx, s, ev.ID, ev.Type, err.Error()); qErr != nil {
				return false, qErr
			}
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, s Store, ev Event) error {
	var cs checkoutSession
	if err := json.Unmarshal(ev.Raw, &cs); err != nil {
		return fmt.Errorf("%w: checkout session: %w", ErrMalformedPayload, err)
	}

	tenantID, err := d.resolveOrFail(ctx, s, TenantRef{
		Metadata:               cs.Metadata,
		ProviderSubscriptionID: cs.Subscription,
		ProviderCustomerID:     cs.Customer,
		CustomerEmail:          cs.email(),
	})
	if err != nil {
		return err
	}

	// Keep the customer mapping current so later events resolve without
	// metadata.
	if cs.Customer != "" {
		now := d.now()
		if err := s.UpsertCustomer(ctx, Customer{
			ID:                 uuid.New(),
			TenantID:           tenantID,
			ProviderCustomerID: cs.Customer,
			Email:              cs.email(),
			CreatedAt:          now,
			UpdatedAt:          now,
		}); err != nil {
			return err
		}
	}

	// Checkout completion is the primary revenue-recognition point: a record
	// is written unconditionally, classified by the session mode.
	revenueType := RevenueOneTime
	if cs.Mode == "subscription" {
		revenueType = RevenueSubscription
	}
	paidAt := d.now()
	return d.revenue.Record(ctx, s, RevenueRecord{
		TenantID:            tenantID,
		Amount:              cs.AmountTotal,
		Currency:            cs.Currency,
		Type:                revenueType,
		ProviderReferenceID: cs.ID,
		Status:              "succeeded",
		Metadata:            cs.Metadata,
		PaidAt:              &paidAt,
	})
}

func (d *Dispatcher) handleSubscriptionChange(ctx context.Context, s Store, ev Event) error {
	sub, tenantID, err := d.decodeSubscription(ctx, s, ev)
	if err != nil {
		return err
	}

	_, _, err = d.lifecycle.Apply(ctx, s, SubscriptionChange{
		TenantID:               tenantID,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.Customer,
		PlanID:                 sub.planID(),
		Amount:                 sub.amount(),
		Currency:               sub.currency(),
		Status:                 mapProviderStatus(sub.Status),
		TrialEndsAt:            sub.trialEndsAt(),
	})
	return err
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, s Store, ev Event) error {
	sub, tenantID, err := d.decodeSubscription(ctx, s, ev)
	if err != nil {
		return err
	}

	// Deletion is a cancellation, never a row removal.
	_, _, err = d.lifecycle.Apply(ctx, s, SubscriptionChange{
		TenantID:               tenantID,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.Customer,
		PlanID:                 sub.planID(),
		Amount:                 sub.amount(),
		Currency:               sub.currency(),
		Status:                 StatusCanceled,
	})
	return err
}

func (d *Dispatcher) decodeSubscription(ctx context.Context, s Store, ev Event) (providerSubscription, uuid.UUID, error) {
	var sub providerSubscription
	if err := json.Unmarshal(ev.Raw, &sub); err != nil {
		return sub, uuid.Nil, fmt.Errorf("%w: subscription: %w", ErrMalformedPayload, err)
	}
	if sub.ID == "" {
		return sub, uuid.Nil, fmt.Errorf("%w: subscription id is empty", ErrMalformedPayload)
	}

	tenantID, err := d.resolveOrFail(ctx, s, TenantRef{
		Metadata:               sub.Metadata,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.Customer,
	})
	return sub, tenantID, err
}

func (d *Dispatcher) handleInvoicePaid(ctx context.Context, s Store, ev Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(ev.Raw, &inv); err != nil {
		return fmt.Errorf("%w: invoice: %w", ErrMalformedPayload, err)
	}

	tenantID, err := d.resolveOrFail(ctx, s, TenantRef{
		Metadata:               inv.Metadata,
		ProviderSubscriptionID: inv.Subscription,
		ProviderCustomerID:     inv.Customer,
		CustomerEmail:          inv.CustomerEmail,
	})
	if err != nil {
		return err
	}

	// Zero-amount invoices (trial conversions, full-discount coupons) carry
	// no revenue; the ledger holds monetizable events only.
	if inv.AmountPaid > 0 {
		paidAt := d.now()
		if err := d.revenue.Record(ctx, s, RevenueRecord{
			TenantID:            tenantID,
			Amount:              inv.AmountPaid,
			Currency:            inv.Currency,
			Type:                RevenueSubscription,
			ProviderReferenceID: inv.ID,
			Status:              "succeeded",
			Metadata:            inv.Metadata,
			PaidAt:              &paidAt,
		}); err != nil {
			return err
		}
	}

	// Recovery check: a paid invoice for a subscription that was sitting in
	// the grace window returns it to active.
	if inv.Subscription == "" {
		return nil
	}
	prev, found, err := s.FindSubscription(ctx, tenantID, inv.Subscription)
	if err != nil {
		return err
	}
	if !found || !prev.Status.InGracePeriod() {
		return nil
	}

	_, _, err = d.lifecycle.Apply(ctx, s, SubscriptionChange{
		TenantID:               tenantID,
		ProviderSubscriptionID: inv.Subscription,
		ProviderCustomerID:     inv.Customer,
		Status:                 StatusActive,
	})
	return err
}

func (d *Dispatcher) handleInvoicePaymentFailed(ctx context.Context, s Store, ev Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(ev.Raw, &inv); err != nil {
		return fmt.Errorf("%w: invoice: %w", ErrMalformedPayload, err)
	}

	tenantID, err := d.resolveOrFail(ctx, s, TenantRef{
		Metadata:               inv.Metadata,
		ProviderSubscriptionID: inv.Subscription,
		ProviderCustomerID:     inv.Customer,
		CustomerEmail:          inv.CustomerEmail,
	})
	if err != nil {
		return err
	}

	// Failed payments never enter the revenue ledger; they start the grace
	// window on the subscription instead.
	if inv.Subscription == "" {
		return nil
	}
	_, _, err = d.lifecycle.Apply(ctx, s, SubscriptionChange{
		TenantID:               tenantID,
		ProviderSubscriptionID: inv.Subscription,
		ProviderCustomerID:     inv.Customer,
		Status:                 StatusPastDue,
	})
	return err
}

func (d *Dispatcher) handleCustomerCreated(ctx context.Context, s Store, ev Event) error {
	var c customerPayload
	if err := json.Unmarshal(ev.Raw, &c); err != nil {
		return fmt.Errorf("%w: customer: %w", ErrMalformedPayload, err)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: customer id is empty", ErrMalformedPayload)
	}

	tenantID, err := d.resolveOrFail(ctx, s, TenantRef{
		Metadata:           c.Metadata,
		ProviderCustomerID: c.ID,
		CustomerEmail:      c.Email,
	})
	if err != nil {
		return err
	}

	now := d.now()
	return s.UpsertCustomer(ctx, Customer{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		ProviderCustomerID: c.ID,
		Email:              c.Email,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

func (d *Dispatcher) handlePaymentMethodAttached(ctx context.Context, s Store, ev Event) error {
	var pm paymentMethodPayload
	if err := json.Unmarshal(ev.Raw, &pm); err != nil {
		return fmt.Errorf("%w: payment method: %w", ErrMalformedPayload, err)
	}

	tenantID, err := d.resolveOrFail(ctx, s, TenantRef{
		Metadata:           pm.Metadata,
		ProviderCustomerID: pm.Customer,
	})
	if err != nil {
		return err
	}

	if pm.Customer == "" || pm.ID == "" {
		// Nothing to attach the method to; tolerated as payload drift.
		return nil
	}

	// Make sure the mapping row exists before recording the method on it.
	now := d.now()
	if err := s.UpsertCustomer(ctx, Customer{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		ProviderCustomerID: pm.Customer,
		CreatedAt:          now,
		UpdatedAt:          now,
	}); err != nil {
		return err
	}
	return s.SetDefaultPaymentMethod(ctx, tenantID, pm.Customer, pm.ID)
}

// resolveOrFail wraps ResolveTenant, converting "not found" into
// ErrTenantNotResolved with a reason usable as the quarantine record.
func (d *Dispatcher) resolveOrFail(ctx context.Context, s Store, ref TenantRef) (uuid.UUID, error) {
	tenantID, found, err := ResolveTenant(ctx, s, ref)
	if err != nil {
		return uuid.Nil, err
	}
	if !found {
		return uuid.Nil, fmt.Errorf("%w: no metadata tenant_id, unknown subscription %q, customer %q, email %q",
			ErrTenantNotResolved, ref.ProviderSubscriptionID, ref.ProviderCustomerID, ref.CustomerEmail)
	}
	return tenantID, nil
}

// mapProviderStatus normalizes the provider-reported status string. Unknown
// statuses collapse to active, keeping the row rather than rejecting the
// event over vocabulary drift.
func mapProviderStatus(raw string) Status {
	switch raw {
	case "trialing":
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	case "unpaid":
		return StatusUnpaid
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusActive
	}
}
