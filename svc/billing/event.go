package billing

import (
	"encoding/json"
	"time"
)

// Consumed provider event types. Anything else is acknowledged and recorded
// in the ledger but dispatched to no handler.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventCustomerCreated       = "customer.created"
	EventPaymentMethodAttached = "payment_method.attached"
)

// Event is the verified envelope handed to the service by the HTTP boundary.
// Raw carries the provider object exactly as delivered; handlers decode it
// leniently since payload schemas drift.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// checkoutSession is the lenient shape of a checkout.session.completed
// object. Every field except the id may be absent.
type checkoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Customer        string            `json:"customer"`
	CustomerEmail   string            `json:"customer_email"`
	Subscription    string            `json:"subscription"`
	PaymentIntent   string            `json:"payment_intent"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// email returns the best-effort billing email from either location the
// provider may populate.
func (cs checkoutSession) email() string {
	if cs.CustomerEmail != "" {
		return cs.CustomerEmail
	}
	if cs.CustomerDetails != nil {
		return cs.CustomerDetails.Email
	}
	return ""
}

// providerSubscription is the lenient shape of a customer.subscription.*
// object.
type providerSubscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	TrialEnd int64             `json:"trial_end"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID         string `json:"id"`
				UnitAmount int64  `json:"unit_amount"`
				Currency   string `json:"currency"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (ps providerSubscription) planID() string {
	if len(ps.Items.Data) == 0 {
		return ""
	}
	return ps.Items.Data[0].Price.ID
}

// amount returns nil when the event carried no price item; a present
// zero-priced item is a real report.
func (ps providerSubscription) amount() *int64 {
	if len(ps.Items.Data) == 0 {
		return nil
	}
	return &ps.Items.Data[0].Price.UnitAmount
}

func (ps providerSubscription) currency() string {
	if len(ps.Items.Data) == 0 {
		return ""
	}
	return ps.Items.Data[0].Price.Currency
}

func (ps providerSubscription) trialEndsAt() *time.Time {
	if ps.TrialEnd <= 0 {
		return nil
	}
	t := time.Unix(ps.TrialEnd, 0).UTC()
	return &t
}

// invoicePayload is the lenient shape of an invoice.* object.
type invoicePayload struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  string            `json:"subscription"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
}

// customerPayload is the lenient shape of a customer.created object.
type customerPayload struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

// paymentMethodPayload is the lenient shape of a payment_method.attached
// object.
type paymentMethodPayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata"`
}
