package billing_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingest/svc/billing"
)

const testSecret = "whsec_test_secret"

// signBody produces a provider-style signature header over the exact bytes
// that will be sent: t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<payload>")>.
func signBody(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func envelope(eventID, eventType string, object string) []byte {
	return []byte(fmt.Sprintf(`{"id": %q, "object": "event", "type": %q, "data": {"object": %s}}`,
		eventID, eventType, object))
}

func newWebhookServer(t *testing.T, store billing.Store, cfg billing.Config) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := billing.NewDispatcher(
		billing.NewLifecycleEngine(7*24*time.Hour),
		billing.NewRevenueRecorder(),
		billing.NewQuarantineSink(log),
		log,
	)
	svc := billing.NewService(store, dispatcher, log)
	srv := httptest.NewServer(billing.Router(svc, cfg, log))
	t.Cleanup(srv.Close)
	return srv
}

func postWebhook(t *testing.T, url string, body []byte, sig string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestWebhookHandlerValidSignature(t *testing.T) {
	store := billing.NewMemStore()
	srv := newWebhookServer(t, store, billing.Config{WebhookSecret: testSecret})
	tenantID := uuid.New()

	payload := envelope("evt_1", "checkout.session.completed", fmt.Sprintf(
		`{"id": "cs_1", "mode": "subscription", "amount_total": 9900, "currency": "usd", "metadata": {"tenant_id": %q}}`,
		tenantID))
	resp := postWebhook(t, srv.URL+"/", payload, signBody(testSecret, time.Now(), payload))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "checkout.session.completed", body["type"])
	assert.NotContains(t, body, "duplicate")

	records := store.RevenueRecords()
	require.Len(t, records, 1)
	assert.Equal(t, int64(9900), records[0].Amount)
}

func TestWebhookHandlerDuplicateDelivery(t *testing.T) {
	store := billing.NewMemStore()
	srv := newWebhookServer(t, store, billing.Config{WebhookSecret: testSecret})
	tenantID := uuid.New()

	payload := envelope("evt_1", "checkout.session.completed", fmt.Sprintf(
		`{"id": "cs_1", "mode": "payment", "amount_total": 2500, "currency": "usd", "metadata": {"tenant_id": %q}}`,
		tenantID))

	resp := postWebhook(t, srv.URL+"/", payload, signBody(testSecret, time.Now(), payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postWebhook(t, srv.URL+"/", payload, signBody(testSecret, time.Now(), payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["duplicate"])

	assert.Len(t, store.RevenueRecords(), 1)
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	store := billing.NewMemStore()
	srv := newWebhookServer(t, store, billing.Config{WebhookSecret: testSecret})

	payload := envelope("evt_1", "customer.created", `{"id": "cus_1"}`)

	t.Run("wrong secret", func(t *testing.T) {
		resp := postWebhook(t, srv.URL+"/", payload, signBody("whsec_wrong", time.Now(), payload))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := signBody(testSecret, time.Now(), payload)
		tampered := bytes.Replace(payload, []byte("cus_1"), []byte("cus_2"), 1)
		resp := postWebhook(t, srv.URL+"/", tampered, sig)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing header", func(t *testing.T) {
		resp := postWebhook(t, srv.URL+"/", payload, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		resp := postWebhook(t, srv.URL+"/", payload, signBody(testSecret, time.Now().Add(-time.Hour), payload))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	// Nothing with a bad signature ever reaches the ledger.
	assert.Empty(t, store.Attempts("evt_1"))
	assert.Empty(t, store.RevenueRecords())
}

func TestWebhookHandlerMissingSecret(t *testing.T) {
	store := billing.NewMemStore()
	srv := newWebhookServer(t, store, billing.Config{WebhookSecret: ""})

	payload := envelope("evt_1", "customer.created", `{"id": "cus_1"}`)
	resp := postWebhook(t, srv.URL+"/", payload, signBody(testSecret, time.Now(), payload))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebhookHandlerMalformedObject(t *testing.T) {
	store := billing.NewMemStore()
	srv := newWebhookServer(t, store, billing.Config{WebhookSecret: testSecret})

	// Valid signature, undecodable object: the id field must be a string.
	payload := envelope("evt_1", "checkout.session.completed", `{"id": 123}`)
	resp := postWebhook(t, srv.URL+"/", payload, signBody(testSecret, time.Now(), payload))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	statuses := store.Attempts("evt_1")
	require.NotEmpty(t, statuses)
	assert.Equal(t, billing.AttemptFailed, statuses[len(statuses)-1].Status)
}

// failingStore simulates a storage outage during business writes.
type failingStore struct {
	*billing.MemStore
}

func (f failingStore) InsertRevenueRecord(context.Context, billing.RevenueRecord) error {
	return errors.New("connection reset by peer")
}

func (f failingStore) WithinTx(ctx context.Context, fn func(context.Context, billing.Store) error) error {
	return fn(ctx, f)
}

func TestWebhookHandlerStorageFailureIsRetryable(t *testing.T) {
	store := failingStore{MemStore: billing.NewMemStore()}
	srv := newWebhookServer(t, store, billing.Config{WebhookSecret: testSecret})
	tenantID := uuid.New()

	payload := envelope("evt_1", "checkout.session.completed", fmt.Sprintf(
		`{"id": "cs_1", "mode": "payment", "amount_total": 2500, "currency": "usd", "metadata": {"tenant_id": %q}}`,
		tenantID))
	resp := postWebhook(t, srv.URL+"/", payload, signBody(testSecret, time.Now(), payload))

	// 5xx so the provider redelivers; the attempt trail records the failure.
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	attempts := store.Attempts("evt_1")
	require.NotEmpty(t, attempts)
	assert.Equal(t, billing.AttemptFailed, attempts[len(attempts)-1].Status)
}
