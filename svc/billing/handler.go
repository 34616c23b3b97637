package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/billingest/pkg/logger"
)

const signatureHeader = "Stripe-Signature"

type webhookResponse struct {
	Received  bool   `json:"received"`
	Type      string `json:"type,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router mounts the inbound webhook endpoint.
//
// Signature verification over the exact raw request bytes is the
// authentication mechanism for this endpoint; there is no session or token
// layer in front of it.
func Router(svc *Service, cfg Config, log *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Post("/", webhookHandler(svc, cfg, log))
	return r
}

func webhookHandler(svc *Service, cfg Config, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Refusing to operate unauthenticated is mandatory: without a secret
		// every payload would have to be trusted blindly.
		if cfg.WebhookSecret == "" {
			log.ErrorContext(r.Context(), "webhook endpoint hit without configured signing secret",
				logger.Error(ErrMissingWebhookSecret))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrMissingWebhookSecret.Error()})
			return
		}

		maxBody := cfg.MaxBodyBytes
		if maxBody <= 0 {
			maxBody = 1 << 20
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
			return
		}

		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrInvalidSignature.Error()})
			return
		}

		// Verification must run against the unparsed body; verifying a
		// re-serialized form would not prove what the provider signed.
		event, err := webhook.ConstructEventWithOptions(payload, sig, cfg.WebhookSecret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			log.WarnContext(r.Context(), "webhook signature rejected", logger.Error(err))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrInvalidSignature.Error()})
			return
		}

		result, err := svc.ProcessEvent(r.Context(), Event{
			ID:   event.ID,
			Type: string(event.Type),
			Raw:  event.Data.Raw,
		})
		if err != nil {
			if errors.Is(err, ErrMalformedPayload) {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrMalformedPayload.Error()})
				return
			}
			// 5xx tells the provider to retry with its own backoff; a 200
			// here would silently lose the event forever.
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "webhook processing failed"})
			return
		}

		writeJSON(w, http.StatusOK, webhookResponse{
			Received:  true,
			Type:      result.EventType,
			Duplicate: result.Duplicate,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
