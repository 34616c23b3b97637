package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionChange is the provider-reported target state for one
// subscription. Zero-valued optional fields mean "not reported" and the
// engine carries the previously stored values forward. Amount is a pointer
// because zero is a legal reported price (free plans), not an absence marker.
type SubscriptionChange struct {
	TenantID               uuid.UUID
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PlanID                 string
	Amount                 *int64
	Currency               string
	Status                 Status
	TrialEndsAt            *time.Time
}

// LifecycleEngine maintains the per-(tenant, subscription) state machine.
// It classifies transitions reported by the provider rather than inventing
// them: the subscription row is a last-write-wins upsert, while lifecycle
// events are derived by diffing previous vs. new state, so replays of an
// unchanged state are no-ops and genuine repeated transitions re-emit.
type LifecycleEngine struct {
	gracePeriod time.Duration
	now         func() time.Time
}

// NewLifecycleEngine returns an engine with the given grace window.
func NewLifecycleEngine(gracePeriod time.Duration) *LifecycleEngine {
	if gracePeriod <= 0 {
		gracePeriod = 7 * 24 * time.Hour
	}
	return &LifecycleEngine{
		gracePeriod: gracePeriod,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Apply upserts the subscription to the reported state and appends one
// lifecycle event per detected transition. All writes go through s, which the
// dispatcher binds to the event's transaction.
func (e *LifecycleEngine) Apply(ctx context.Context, s Store, change SubscriptionChange) (*Subscription, []LifecycleEvent, error) {
	if change.TenantID == uuid.Nil {
		return nil, nil, ErrTenantNotResolved
	}
	if change.ProviderSubscriptionID == "" {
		return nil, nil, fmt.Errorf("%w: subscription id is empty", ErrMalformedPayload)
	}

	prev, found, err := s.FindSubscription(ctx, change.TenantID, change.ProviderSubscriptionID)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		prev = nil
	}

	now := e.now()
	next := e.nextState(prev, change, now)
	events := e.diff(prev, next, change.Amount != nil, now)

	if err := s.UpsertSubscription(ctx, *next); err != nil {
		return nil, nil, err
	}
	for _, ev := range events {
		if err := s.InsertLifecycleEvent(ctx, ev); err != nil {
			return nil, nil, err
		}
	}

	return next, events, nil
}

// nextState merges the reported change onto the stored row. Unreported plan,
// amount, and customer fields carry forward so schema drift in one event
// cannot erase state learned from earlier ones.
func (e *LifecycleEngine) nextState(prev *Subscription, change SubscriptionChange, now time.Time) *Subscription {
	next := Subscription{
		ID:                     uuid.New(),
		TenantID:               change.TenantID,
		ProviderSubscriptionID: change.ProviderSubscriptionID,
		ProviderCustomerID:     change.ProviderCustomerID,
		PlanID:                 change.PlanID,
		Currency:               change.Currency,
		Status:                 change.Status,
		TrialEndsAt:            change.TrialEndsAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if change.Amount != nil {
		next.Amount = *change.Amount
	}

	if prev != nil {
		next.ID = prev.ID
		next.CreatedAt = prev.CreatedAt
		if next.ProviderCustomerID == "" {
			next.ProviderCustomerID = prev.ProviderCustomerID
		}
		if next.PlanID == "" {
			next.PlanID = prev.PlanID
		}
		if change.Amount == nil {
			next.Amount = prev.Amount
		}
		if next.Currency == "" {
			next.Currency = prev.Currency
		}
		if next.TrialEndsAt == nil {
			next.TrialEndsAt = prev.TrialEndsAt
		}
	}
	if next.Currency == "" {
		next.Currency = "usd"
	}

	switch {
	case next.Status.InGracePeriod():
		if prev != nil && prev.Status.InGracePeriod() && prev.GracePeriodEndsAt != nil {
			// Already in the grace window, keep the original deadline.
			next.GracePeriodEndsAt = prev.GracePeriodEndsAt
		} else {
			deadline := now.Add(e.gracePeriod)
			next.GracePeriodEndsAt = &deadline
		}
	case next.Status == StatusActive:
		// Recovery implicitly clears the window.
		next.GracePeriodEndsAt = nil
	default:
		if prev != nil {
			next.GracePeriodEndsAt = prev.GracePeriodEndsAt
		}
	}

	next.Stage = stageForStatus(next.Status)

	return &next
}

// diff classifies the transitions between stored and reported state.
// amountReported distinguishes a priced report (including zero for free
// plans) from an event that carried no price at all.
func (e *LifecycleEngine) diff(prev, next *Subscription, amountReported bool, now time.Time) []LifecycleEvent {
	var events []LifecycleEvent

	emit := func(t LifecycleEventType, details string) {
		ev := LifecycleEvent{
			ID:                     uuid.New(),
			TenantID:               next.TenantID,
			ProviderSubscriptionID: next.ProviderSubscriptionID,
			Type:                   t,
			ToPlanID:               next.PlanID,
			ToAmount:               next.Amount,
			Details:                details,
			CreatedAt:              now,
		}
		if prev != nil {
			ev.FromPlanID = prev.PlanID
			ev.FromAmount = prev.Amount
		}
		events = append(events, ev)
	}

	if next.Status == StatusTrialing && (prev == nil || prev.Status != StatusTrialing) {
		emit(LifecycleTrialStarted, "")
	}

	if next.Status.InGracePeriod() && (prev == nil || !prev.Status.InGracePeriod()) {
		emit(LifecycleGracePeriodStarted, string(next.Status))
	}

	if next.Status == StatusActive && prev != nil && prev.Status.InGracePeriod() {
		emit(LifecycleGracePeriodRecovered, "")
	}

	if prev != nil && prev.PlanID != "" && next.PlanID != "" && prev.PlanID != next.PlanID {
		switch {
		case amountReported && next.Amount > prev.Amount:
			emit(LifecycleUpgrade, "")
		case amountReported && next.Amount < prev.Amount:
			emit(LifecycleDowngrade, "")
		default:
			// Amount unreported or equal while the plan differs.
			emit(LifecyclePlanChange, "")
		}
	}

	return events
}
