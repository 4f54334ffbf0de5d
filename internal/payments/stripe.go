package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"
)

const metaJobID = "job_id"

// Intent is a gateway-side payment the customer completes out of band.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type WebhookKind int

const (
	WebhookIgnored WebhookKind = iota
	WebhookSucceeded
	WebhookFailed
)

// WebhookEvent is a verified gateway callback reduced to what the gate needs.
type WebhookEvent struct {
	Kind     WebhookKind
	JobID    string
	IntentID string
	Reason   string
}

// Gateway is the external payment processor.
type Gateway interface {
	CreateIntent(ctx context.Context, jobID, paymentID string, amount float64) (Intent, error)
	Refund(ctx context.Context, intentID string) (string, error)
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// StripeGateway implements Gateway with stripe-go PaymentIntents.
type StripeGateway struct {
	currency      string
	webhookSecret string
}

// NewStripeGateway sets the process-wide stripe key.
func NewStripeGateway(apiKey, webhookSecret, currency string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{currency: currency, webhookSecret: webhookSecret}
}

// toMinorUnits converts a decimal amount to cents.
func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CreateIntent opens an automatically captured PaymentIntent tagged with the
// job so the webhook can find its way back.
func (s *StripeGateway) CreateIntent(ctx context.Context, jobID, paymentID string, amount float64) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.AddMetadata(metaJobID, jobID)
	params.AddMetadata("payment_id", paymentID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, err
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Refund returns the full amount of a succeeded PaymentIntent.
func (s *StripeGateway) Refund(ctx context.Context, intentID string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the
// payment_intent events the gate reacts to. Endpoints pinned to another API
// version are accepted; only the fields read below matter.
func (s *StripeGateway) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, err
	}
	var kind WebhookKind
	switch ev.Type {
	case "payment_intent.succeeded":
		kind = WebhookSucceeded
	case "payment_intent.payment_failed":
		kind = WebhookFailed
	default:
		return WebhookEvent{Kind: WebhookIgnored}, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode payment intent: %w", err)
	}
	out := WebhookEvent{Kind: kind, JobID: pi.Metadata[metaJobID], IntentID: pi.ID}
	if pi.LastPaymentError != nil {
		out.Reason = pi.LastPaymentError.Msg
	}
	return out, nil
}
