package billing

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the provider-reported state of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
	StatusCanceled Status = "canceled"
)

// InGracePeriod reports whether the status keeps the subscription valid only
// pending payment recovery.
func (s Status) InGracePeriod() bool {
	return s == StatusPastDue || s == StatusUnpaid
}

// LifecycleStage is the coarse analytics stage derived from Status.
type LifecycleStage string

const (
	StageTrial       LifecycleStage = "trial"
	StageActive      LifecycleStage = "active"
	StageGracePeriod LifecycleStage = "grace_period"
	StageChurned     LifecycleStage = "churned"
)

func stageForStatus(s Status) LifecycleStage {
	switch s {
	case StatusTrialing:
		return StageTrial
	case StatusPastDue, StatusUnpaid:
		return StageGracePeriod
	case StatusCanceled:
		return StageChurned
	default:
		return StageActive
	}
}

// LifecycleEventType classifies a derived subscription transition.
type LifecycleEventType string

const (
	LifecycleTrialStarted         LifecycleEventType = "trial_started"
	LifecycleUpgrade              LifecycleEventType = "upgrade"
	LifecycleDowngrade            LifecycleEventType = "downgrade"
	LifecyclePlanChange           LifecycleEventType = "plan_change"
	LifecycleGracePeriodStarted   LifecycleEventType = "grace_period_started"
	LifecycleGracePeriodRecovered LifecycleEventType = "grace_period_recovered"
)

// RevenueType classifies a revenue record.
type RevenueType string

const (
	RevenueOneTime      RevenueType = "one_time"
	RevenueSubscription RevenueType = "subscription"
)

// AttemptStatus is the outcome of one processing attempt against an event.
type AttemptStatus string

const (
	AttemptProcessing AttemptStatus = "processing"
	AttemptProcessed  AttemptStatus = "processed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptDuplicate  AttemptStatus = "duplicate"
)

// WebhookEvent is a ledger row: at most one per provider event id, ever.
type WebhookEvent struct {
	EventID    string
	EventType  string
	Payload    []byte
	ReceivedAt time.Time
}

// WebhookAttempt records one step of a processing attempt. A single delivery
// appends several rows sharing an AttemptNo (processing, then processed or
// failed); the most recently inserted row per event id is authoritative for
// whether the event still needs reprocessing.
type WebhookAttempt struct {
	EventID      string
	EventType    string
	AttemptNo    int
	Status       AttemptStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// QuarantinedEvent durably isolates an event whose tenant cannot be resolved.
type QuarantinedEvent struct {
	ID              string // namespaced "quarantine:<event-id>"
	OriginalEventID string
	EventType       string
	Reason          string
	CreatedAt       time.Time
}

// Customer maps a provider customer to a tenant. Maintained from
// customer.created, checkout, and payment-method events; resolver strategies
// 3 and 4 depend on it.
type Customer struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	ProviderCustomerID     string
	Email                  string
	DefaultPaymentMethodID string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Subscription is the per-(tenant, provider subscription) state machine row.
// Cancellation is a status, never a deletion. Amounts are kept in the
// smallest currency unit.
type Subscription struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PlanID                 string
	Amount                 int64
	Currency               string
	Status                 Status
	Stage                  LifecycleStage
	TrialEndsAt            *time.Time
	GracePeriodEndsAt      *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// LifecycleEvent is an append-only record of a meaningful transition, derived
// by diffing previous vs. new subscription state.
type LifecycleEvent struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	ProviderSubscriptionID string
	Type                   LifecycleEventType
	FromPlanID             string
	ToPlanID               string
	FromAmount             int64
	ToAmount               int64
	Details                string
	CreatedAt              time.Time
}

// RevenueRecord is an append-only row in the revenue ledger. Corrections are
// new rows, never mutations.
type RevenueRecord struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	Amount              int64
	Currency            string
	Type                RevenueType
	ProviderReferenceID string
	Status              string
	Metadata            map[string]string
	CreatedAt           time.Time
	PaidAt              *time.Time
}
