package billing

import "errors"

var (
	// ErrMissingWebhookSecret means the service is not configured to
	// authenticate webhooks and must refuse to serve traffic.
	ErrMissingWebhookSecret = errors.New("webhook signing secret is not configured")

	// ErrInvalidSignature means the signature header is missing or does not
	// match the HMAC computed over the raw request body.
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrMalformedPayload means the event payload cannot be decoded; retrying
	// the same bytes cannot succeed.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrTenantNotResolved means no resolution strategy produced a tenant.
	// Handlers translate it into quarantine, never into a default tenant.
	ErrTenantNotResolved = errors.New("tenant could not be resolved")

	// ErrHandlerFailed wraps an error raised by type-specific processing; the
	// HTTP boundary surfaces it as a retryable status.
	ErrHandlerFailed = errors.New("webhook handler failed")
)
