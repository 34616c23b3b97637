package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingest/pkg/pg"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting one store
// type serve pooled and transaction-bound execution.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store on PostgreSQL via pgx.
type PGStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPGStore returns a Store backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, db: pool}
}

func (s *PGStore) InsertEvent(ctx context.Context, event WebhookEvent) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.Payload, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) LastAttemptStatus(ctx context.Context, eventID string) (AttemptStatus, bool, error) {
	// Rows of one delivery share an attempt_no, so insertion order decides
	// which status is current.
	var status AttemptStatus
	err := s.db.QueryRow(ctx, `
		SELECT status FROM webhook_attempts
		WHERE event_id = $1
		ORDER BY id DESC
		LIMIT 1`,
		eventID).Scan(&status)
	if pg.IsNotFoundError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("last attempt status: %w", err)
	}
	return status, true, nil
}

func (s *PGStore) NextAttemptNumber(ctx context.Context, eventID string) (int, error) {
	var next int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempt_no), 0) + 1 FROM webhook_attempts
		WHERE event_id = $1`,
		eventID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next attempt number: %w", err)
	}
	return next, nil
}

func (s *PGStore) RecordAttempt(ctx context.Context, attempt WebhookAttempt) error {
	var errMsg *string
	if attempt.ErrorMessage != "" {
		errMsg = &attempt.ErrorMessage
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_attempts (event_id, event_type, attempt_no, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.EventID, attempt.EventType, attempt.AttemptNo, attempt.Status, errMsg, attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *PGStore) InsertQuarantined(ctx context.Context, q QuarantinedEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO quarantined_events (id, original_event_id, event_type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		q.ID, q.OriginalEventID, q.EventType, q.Reason, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert quarantined event: %w", err)
	}
	return nil
}

func (s *PGStore) UpsertCustomer(ctx context.Context, c Customer) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO customers (id, tenant_id, provider_customer_id, email, default_payment_method_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (provider_customer_id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), customers.email),
			default_payment_method_id = COALESCE(NULLIF(EXCLUDED.default_payment_method_id, ''), customers.default_payment_method_id),
			updated_at = EXCLUDED.updated_at
		WHERE customers.tenant_id = EXCLUDED.tenant_id`,
		c.ID, c.TenantID, c.ProviderCustomerID, c.Email, c.DefaultPaymentMethodID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (s *PGStore) FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, bool, error) {
	if providerCustomerID == "" {
		return nil, false, nil
	}
	return s.scanCustomer(ctx, `
		SELECT id, tenant_id, provider_customer_id, COALESCE(email, ''), COALESCE(default_payment_method_id, ''), created_at, updated_at
		FROM customers
		WHERE provider_customer_id = $1`,
		providerCustomerID)
}

func (s *PGStore) FindCustomerByEmail(ctx context.Context, email string) (*Customer, bool, error) {
	if email == "" {
		return nil, false, nil
	}
	return s.scanCustomer(ctx, `
		SELECT id, tenant_id, provider_customer_id, COALESCE(email, ''), COALESCE(default_payment_method_id, ''), created_at, updated_at
		FROM customers
		WHERE email = $1
		ORDER BY created_at
		LIMIT 1`,
		email)
}

func (s *PGStore) scanCustomer(ctx context.Context, query string, args ...any) (*Customer, bool, error) {
	var c Customer
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&c.ID, &c.TenantID, &c.ProviderCustomerID, &c.Email, &c.DefaultPaymentMethodID, &c.CreatedAt, &c.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find customer: %w", err)
	}
	return &c, true, nil
}

func (s *PGStore) SetDefaultPaymentMethod(ctx context.Context, tenantID uuid.UUID, providerCustomerID, paymentMethodID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE customers
		SET default_payment_method_id = $3, updated_at = now()
		WHERE tenant_id = $1 AND provider_customer_id = $2`,
		tenantID, providerCustomerID, paymentMethodID)
	if err != nil {
		return fmt.Errorf("set default payment method: %w", err)
	}
	return nil
}

const subscriptionColumns = `
	id, tenant_id, provider_subscription_id, COALESCE(provider_customer_id, ''),
	COALESCE(plan_id, ''), amount, currency, status, lifecycle_stage,
	trial_ends_at, grace_period_ends_at, created_at, updated_at`

func (s *PGStore) FindSubscription(ctx context.Context, tenantID uuid.UUID, providerSubscriptionID string) (*Subscription, bool, error) {
	if providerSubscriptionID == "" {
		return nil, false, nil
	}
	return s.scanSubscription(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND provider_subscription_id = $2`,
		tenantID, providerSubscriptionID)
}

func (s *PGStore) FindSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, bool, error) {
	if providerSubscriptionID == "" {
		return nil, false, nil
	}
	return s.scanSubscription(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider_subscription_id = $1
		ORDER BY created_at
		LIMIT 1`,
		providerSubscriptionID)
}

func (s *PGStore) FindSubscriptionByCustomerID(ctx context.Context, providerCustomerID string) (*Subscription, bool, error) {
	if providerCustomerID == "" {
		return nil, false, nil
	}
	return s.scanSubscription(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider_customer_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`,
		providerCustomerID)
}

func (s *PGStore) scanSubscription(ctx context.Context, query string, args ...any) (*Subscription, bool, error) {
	var sub Subscription
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&sub.ID, &sub.TenantID, &sub.ProviderSubscriptionID, &sub.ProviderCustomerID,
		&sub.PlanID, &sub.Amount, &sub.Currency, &sub.Status, &sub.Stage,
		&sub.TrialEndsAt, &sub.GracePeriodEndsAt, &sub.CreatedAt, &sub.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find subscription: %w", err)
	}
	return &sub, true, nil
}

func (s *PGStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (
			id, tenant_id, provider_subscription_id, provider_customer_id, plan_id,
			amount, currency, status, lifecycle_stage, trial_ends_at, grace_period_ends_at,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, provider_subscription_id) DO UPDATE SET
			provider_customer_id = COALESCE(NULLIF(EXCLUDED.provider_customer_id, ''), subscriptions.provider_customer_id),
			plan_id = EXCLUDED.plan_id,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			lifecycle_stage = EXCLUDED.lifecycle_stage,
			trial_ends_at = EXCLUDED.trial_ends_at,
			grace_period_ends_at = EXCLUDED.grace_period_ends_at,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.TenantID, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.PlanID,
		sub.Amount, sub.Currency, sub.Status, sub.Stage, sub.TrialEndsAt, sub.GracePeriodEndsAt,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PGStore) InsertLifecycleEvent(ctx context.Context, event LifecycleEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO lifecycle_events (
			id, tenant_id, provider_subscription_id, event_type,
			from_plan_id, to_plan_id, from_amount, to_amount, details, created_at
		)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10)`,
		event.ID, event.TenantID, event.ProviderSubscriptionID, event.Type,
		event.FromPlanID, event.ToPlanID, event.FromAmount, event.ToAmount, event.Details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

func (s *PGStore) InsertRevenueRecord(ctx context.Context, record RevenueRecord) error {
	var metadata []byte
	if len(record.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("marshal revenue metadata: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO revenue_records (
			id, tenant_id, amount, currency, type, provider_reference_id,
			status, metadata, created_at, paid_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.TenantID, record.Amount, record.Currency, record.Type,
		record.ProviderReferenceID, record.Status, metadata, record.CreatedAt, record.PaidAt)
	if err != nil {
		return fmt.Errorf("insert revenue record: %w", err)
	}
	return nil
}

// WithinTx begins a transaction on the pool and rebinds the store to it.
// Calls on an already transaction-bound store run fn directly so handlers can
// compose without nesting transactions.
func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &PGStore{db: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
