package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/orders"
)

// Provider names the external system a record or outcome came from.
type Provider string

const (
	ProviderMpesa  Provider = "mpesa"
	ProviderStripe Provider = "stripe"
	ProviderManual Provider = "manual"
)

// Method returns the order payment method a provider settles with.
func (p Provider) Method() orders.PaymentMethod {
	switch p {
	case ProviderMpesa:
		return orders.MethodMpesa
	case ProviderStripe:
		return orders.MethodStripe
	}
	return ""
}

// Status reuses the order payment status vocabulary.
type Status = orders.PaymentStatus

// CanTransition reports whether a payment record may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case orders.PaymentPending:
		return to == orders.PaymentPaid || to == orders.PaymentFailed
	case orders.PaymentFailed:
		return to == orders.PaymentPaid
	case orders.PaymentPaid:
		return to == orders.PaymentRefunded
	}
	return false
}

// Record annotates an order with one provider interaction. The order store
// owns the order; a record only references it. Settled is set once the order
// reflects the record, or once the order no longer awaits payment; settled
// records are never swept.
type Record struct {
	ID                string               `json:"id"`
	OrderID           string               `json:"orderId"`
	OrderNumber       string               `json:"orderNumber"`
	Provider          Provider             `json:"provider"`
	Method            orders.PaymentMethod `json:"method"`
	Status            Status               `json:"status"`
	CorrelationKey    string               `json:"correlationKey"`
	MerchantRequestID string               `json:"merchantRequestId,omitempty"`
	ProviderReference string               `json:"providerReference,omitempty"`
	Amount            decimal.Decimal      `json:"amount"`
	Currency          string               `json:"currency"`
	Flagged           bool                 `json:"flagged"`
	Settled           bool                 `json:"settled"`
	FailureReason     string               `json:"failureReason,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// NewRecord creates a pending record for a freshly initiated provider interaction.
func NewRecord(order *orders.Order, provider Provider, correlationKey string, amount decimal.Decimal, currency string, now time.Time) *Record {
	return &Record{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Provider:       provider,
		Method:         provider.Method(),
		Status:         orders.PaymentPending,
		CorrelationKey: correlationKey,
		Amount:         amount,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// OutcomeKind is the normalized result reported by a provider.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomePending is reported for events that do not settle the payment yet.
	OutcomePending OutcomeKind = "pending"
)

// Outcome is the provider-independent view of a callback or webhook.
type Outcome struct {
	Provider          Provider        `json:"provider"`
	Kind              OutcomeKind     `json:"kind"`
	CorrelationKey    string          `json:"correlationKey"`
	MerchantRequestID string          `json:"merchantRequestId,omitempty"`
	OrderNumber       string          `json:"orderNumber,omitempty"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Description       string          `json:"description,omitempty"`
	EventID           string          `json:"eventId,omitempty"`
	ReceivedAt        time.Time       `json:"receivedAt"`
}

// EventKey identifies an outcome for idempotency: same provider reference and
// same result means the same event, whichever delivery carried it.
func (o Outcome) EventKey() string {
	ref := o.ProviderReference
	if ref == "" {
		ref = o.CorrelationKey
	}
	return string(o.Provider) + ":" + ref + ":" + string(o.Kind)
}

// Event is a ledger entry for an outcome that has been reconciled.
type Event struct {
	Key        string    `json:"key"`
	OrderID    string    `json:"orderId"`
	RecordID   string    `json:"recordId"`
	Kind       string    `json:"kind"`
	Result     string    `json:"result"`
	AppliedAt  time.Time `json:"appliedAt"`
	RawOutcome Outcome   `json:"outcome"`
}

// AnomalyKind classifies conditions that need operator attention.
type AnomalyKind string

const (
	AnomalyRejectedPayload AnomalyKind = "rejected_payload"
	AnomalyOrderNotFound   AnomalyKind = "order_not_found"
	AnomalyAmountMismatch  AnomalyKind = "amount_mismatch"
	AnomalyInconsistent    AnomalyKind = "inconsistent_state"
	AnomalyConflicting     AnomalyKind = "conflicting_outcome"
	AnomalyUnapplied       AnomalyKind = "unapplied_outcome"
)

// Anomaly records a flagged, retryable condition surfaced to operators.
type Anomaly struct {
	ID        string      `json:"id"`
	Kind      AnomalyKind `json:"kind"`
	Provider  Provider    `json:"provider"`
	OrderID   string      `json:"orderId,omitempty"`
	EventKey  string      `json:"eventKey,omitempty"`
	Detail    string      `json:"detail"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewAnomaly creates an anomaly with a fresh id.
func NewAnomaly(kind AnomalyKind, provider Provider, orderID, eventKey, detail string, now time.Time) *Anomaly {
	return &Anomaly{
		ID:        uuid.New().String(),
		Kind:      kind,
		Provider:  provider,
		OrderID:   orderID,
		EventKey:  eventKey,
		Detail:    detail,
		CreatedAt: now,
	}
}
