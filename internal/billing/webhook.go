package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/keygate-io/keygate/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming billing provider webhook events.
type WebhookHandler struct {
	secret     string
	reconciler *Reconciler
	handlers   map[stripelib.EventType]eventHandler
}

type eventHandler func(ctx context.Context, raw json.RawMessage) error

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates the billing webhook HTTP handler. The event
// dispatch table is closed: adding a provider event type means adding an
// entry here, not falling into a silent default.
func NewWebhookHandler(secret string, reconciler *Reconciler) *WebhookHandler {
	h := &WebhookHandler{
		secret:     secret,
		reconciler: reconciler,
	}
	h.handlers = map[stripelib.EventType]eventHandler{
		"checkout.session.completed":    decodeInto(reconciler.HandleCheckoutCompleted),
		"customer.subscription.updated": decodeInto(reconciler.HandleSubscriptionUpdated),
		"customer.subscription.deleted": decodeInto(reconciler.HandleSubscriptionDeleted),
		"invoice.payment_failed":        decodeInto(reconciler.HandlePaymentFailed),
		"invoice.payment_succeeded":     decodeInto(reconciler.HandlePaymentSucceeded),
	}
	return h
}

func decodeInto[T any](handle func(ctx context.Context, payload T) error) eventHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode event payload: %w", err)
		}
		return handle(ctx, payload)
	}
}

// ServeHTTP verifies the provider signature and dispatches the event.
// Once the signature checks out the response is always 200: the provider
// retries aggressively on anything else, and duplicate retries of a
// processing failure would only compound. Failures are logged and counted
// for out-of-band replay.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	}
	eventType = string(event.Type)

	handle, ok := h.handlers[event.Type]
	if !ok {
		log.Info().
			Str("type", eventType).
			Str("event_id", event.ID).
			Msg("Billing webhook ignored (unhandled type)")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}

	if err := handle(r.Context(), event.Data.Raw); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			RawJSON("payload", event.Data.Raw).
			Msg("Billing webhook processing failed; acknowledged for out-of-band replay")
		metrics.ReconcileFailuresTotal.WithLabelValues(eventType).Inc()
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
