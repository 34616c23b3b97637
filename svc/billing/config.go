package billing

// Config holds billing webhook processing settings.
//
// WebhookSecret intentionally has no default: an unconfigured service must
// refuse to operate rather than accept unauthenticated events.
type Config struct {
	WebhookSecret   string `env:"BILLING_WEBHOOK_SECRET,required"`
	GracePeriodDays int    `env:"BILLING_GRACE_PERIOD_DAYS" envDefault:"7"`
	MaxBodyBytes    int64  `env:"BILLING_WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
}
