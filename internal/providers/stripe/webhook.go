package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/payments"
)

// SignatureHeader is the header Stripe signs webhooks with.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds the age of a signed timestamp.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrUnhandledEvent is returned for event types that do not affect payments.
	ErrUnhandledEvent = errors.New("unhandled stripe event type")
	ErrMalformedEvent = errors.New("malformed stripe event")
)

// Adapter verifies webhook signatures and maps events to payment outcomes.
type Adapter struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewAdapter returns an Adapter verifying signatures with webhookSecret.
func NewAdapter(webhookSecret string) *Adapter {
	return &Adapter{secret: webhookSecret, tolerance: DefaultTolerance, now: time.Now}
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object eventObject `json:"object"`
	} `json:"data"`
}

type eventObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	PaymentIntent     string            `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       *int64            `json:"amount_total"`
	Amount            *int64            `json:"amount"`
	AmountReceived    *int64            `json:"amount_received"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	LastPaymentError  *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	CancellationReason string `json:"cancellation_reason"`
}

// Sign returns a Stripe-Signature header value for payload at ts. The server
// uses Verify; Sign exists for fixtures and local replays.
func Sign(secret string, payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeSignature(secret, unix, payload)
}

func computeSignature(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against payload.
func (a *Adapter) Verify(payload []byte, header string) error {
	if a.secret == "" {
		return fmt.Errorf("stripe webhook secret: %w", apperr.ErrProviderNotConfigured)
	}
	if header == "" {
		return fmt.Errorf("missing %s header: %w", SignatureHeader, apperr.ErrAuthentication)
	}

	var ts string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return fmt.Errorf("incomplete %s header: %w", SignatureHeader, apperr.ErrAuthentication)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("signature timestamp %q: %w", ts, apperr.ErrAuthentication)
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > a.tolerance || age < -a.tolerance {
		return fmt.Errorf("signature timestamp outside tolerance: %w", apperr.ErrAuthentication)
	}

	expected := []byte(computeSignature(a.secret, ts, payload))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch: %w", apperr.ErrAuthentication)
}

// ParseWebhook verifies and normalizes a webhook delivery.
func (a *Adapter) ParseWebhook(payload []byte, header string) (payments.Outcome, error) {
	if err := a.Verify(payload, header); err != nil {
		return payments.Outcome{}, err
	}

	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return payments.Outcome{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	obj := ev.Data.Object
	if ev.Type == "" || obj.ID == "" {
		return payments.Outcome{}, fmt.Errorf("%w: missing type or object id", ErrMalformedEvent)
	}

	out := payments.Outcome{
		Provider:       payments.ProviderStripe,
		CorrelationKey: obj.ID,
		OrderNumber:    obj.Metadata["orderNumber"],
		Currency:       strings.ToUpper(obj.Currency),
		EventID:        ev.ID,
		ReceivedAt:     a.now().UTC(),
	}
	if out.OrderNumber == "" {
		out.OrderNumber = obj.ClientReferenceID
	}

	switch ev.Type {
	case "checkout.session.completed":
		out.ProviderReference = obj.PaymentIntent
		out.Kind = payments.OutcomePending
		if obj.PaymentStatus == "paid" {
			out.Kind = payments.OutcomeSuccess
		}
		out.Amount = amountOf(obj.AmountTotal)
	case "checkout.session.expired":
		out.Kind = payments.OutcomeCancelled
		out.Description = "checkout session expired"
	case "payment_intent.succeeded":
		out.ProviderReference = obj.ID
		out.Kind = payments.OutcomeSuccess
		out.Amount = amountOf(obj.AmountReceived)
		if obj.AmountReceived == nil {
			out.Amount = amountOf(obj.Amount)
		}
	case "payment_intent.payment_failed":
		out.ProviderReference = obj.ID
		out.Kind = payments.OutcomeFailure
		out.Description = "payment failed"
		if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
			out.Description = obj.LastPaymentError.Message
		}
	case "payment_intent.canceled":
		out.ProviderReference = obj.ID
		out.Kind = payments.OutcomeCancelled
		out.Description = "payment intent canceled"
		if obj.CancellationReason != "" {
			out.Description += ": " + obj.CancellationReason
		}
	default:
		return payments.Outcome{}, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}
	return out, nil
}

func amountOf(minor *int64) decimal.Decimal {
	if minor == nil {
		return decimal.Zero
	}
	return FromMinorUnits(*minor)
}
