package billing

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used in tests. WithinTx runs the callback
// against the same state without rollback, which is sufficient for exercising
// pipeline semantics; transactional atomicity belongs to PGStore.
type MemStore struct {
	mu sync.Mutex

	events        map[string]WebhookEvent
	attempts      map[string][]WebhookAttempt
	quarantined   map[string]QuarantinedEvent
	customers     map[string]Customer     // keyed by provider customer id
	subscriptions map[string]Subscription // keyed by tenant_id|provider_subscription_id
	lifecycle     []LifecycleEvent
	revenue       []RevenueRecord
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:        make(map[string]WebhookEvent),
		attempts:      make(map[string][]WebhookAttempt),
		quarantined:   make(map[string]QuarantinedEvent),
		customers:     make(map[string]Customer),
		subscriptions: make(map[string]Subscription),
	}
}

func subKey(tenantID uuid.UUID, providerSubscriptionID string) string {
	return tenantID.String() + "|" + providerSubscriptionID
}

func (m *MemStore) InsertEvent(_ context.Context, event WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[event.EventID]; exists {
		return false, nil
	}
	m.events[event.EventID] = event
	return true, nil
}

func (m *MemStore) LastAttemptStatus(_ context.Context, eventID string) (AttemptStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := m.attempts[eventID]
	if len(attempts) == 0 {
		return "", false, nil
	}
	return attempts[len(attempts)-1].Status, true, nil
}

func (m *MemStore) NextAttemptNumber(_ context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, a := range m.attempts[eventID] {
		if a.AttemptNo > max {
			max = a.AttemptNo
		}
	}
	return max + 1, nil
}

func (m *MemStore) RecordAttempt(_ context.Context, attempt WebhookAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.EventID] = append(m.attempts[attempt.EventID], attempt)
	return nil
}

func (m *MemStore) InsertQuarantined(_ context.Context, q QuarantinedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.quarantined[q.ID]; !exists {
		m.quarantined[q.ID] = q
	}
	return nil
}

func (m *MemStore) UpsertCustomer(_ context.Context, c Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.customers[c.ProviderCustomerID]; ok {
		if existing.TenantID != c.TenantID {
			return nil
		}
		if c.Email == "" {
			c.Email = existing.Email
		}
		if c.DefaultPaymentMethodID == "" {
			c.DefaultPaymentMethodID = existing.DefaultPaymentMethodID
		}
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	}
	m.customers[c.ProviderCustomerID] = c
	return nil
}

func (m *MemStore) FindCustomerByProviderID(_ context.Context, providerCustomerID string) (*Customer, bool, error) {
	if providerCustomerID == "" {
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.customers[providerCustomerID]; ok {
		return &c, true, nil
	}
	return nil, false, nil
}

func (m *MemStore) FindCustomerByEmail(_ context.Context, email string) (*Customer, bool, error) {
	if email == "" {
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []Customer
	for _, c := range m.customers {
		if c.Email == email {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, false, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return &matches[0], true, nil
}

func (m *MemStore) SetDefaultPaymentMethod(_ context.Context, tenantID uuid.UUID, providerCustomerID, paymentMethodID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[providerCustomerID]
	if !ok || c.TenantID != tenantID {
		return nil
	}
	c.DefaultPaymentMethodID = paymentMethodID
	m.customers[providerCustomerID] = c
	return nil
}

func (m *MemStore) FindSubscription(_ context.Context, tenantID uuid.UUID, providerSubscriptionID string) (*Subscription, bool, error) {
	if providerSubscriptionID == "" {
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[subKey(tenantID, providerSubscriptionID)]; ok {
		return &sub, true, nil
	}
	return nil, false, nil
}

func (m *MemStore) FindSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*Subscription, bool, error) {
	if providerSubscriptionID == "" {
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscriptions {
		if sub.ProviderSubscriptionID == providerSubscriptionID {
			return &sub, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemStore) FindSubscriptionByCustomerID(_ context.Context, providerCustomerID string) (*Subscription, bool, error) {
	if providerCustomerID == "" {
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscriptions {
		if sub.ProviderCustomerID == providerCustomerID {
			return &sub, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemStore) UpsertSubscription(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey(sub.TenantID, sub.ProviderSubscriptionID)
	if existing, ok := m.subscriptions[key]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		if sub.ProviderCustomerID == "" {
			sub.ProviderCustomerID = existing.ProviderCustomerID
		}
	}
	m.subscriptions[key] = sub
	return nil
}

func (m *MemStore) InsertLifecycleEvent(_ context.Context, event LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecycle = append(m.lifecycle, event)
	return nil
}

func (m *MemStore) InsertRevenueRecord(_ context.Context, record RevenueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revenue = append(m.revenue, record)
	return nil
}

func (m *MemStore) WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	return fn(ctx, m)
}

// Test inspection helpers.

// Attempts returns the recorded attempts for an event id in order.
func (m *MemStore) Attempts(eventID string) []WebhookAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WebhookAttempt, len(m.attempts[eventID]))
	copy(out, m.attempts[eventID])
	return out
}

// Quarantined returns all quarantined events.
func (m *MemStore) Quarantined() []QuarantinedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QuarantinedEvent, 0, len(m.quarantined))
	for _, q := range m.quarantined {
		out = append(out, q)
	}
	return out
}

// LifecycleEvents returns all derived lifecycle events in emission order.
func (m *MemStore) LifecycleEvents() []LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LifecycleEvent, len(m.lifecycle))
	copy(out, m.lifecycle)
	return out
}

// RevenueRecords returns all revenue ledger rows in insertion order.
func (m *MemStore) RevenueRecords() []RevenueRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RevenueRecord, len(m.revenue))
	copy(out, m.revenue)
	return out
}

// Subscriptions returns all subscription rows.
func (m *MemStore) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, sub)
	}
	return out
}
