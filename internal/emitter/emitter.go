// Package emitter publishes domain events produced by reconciliation to
// downstream consumers.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// PaidEvent announces that an order was confirmed after a verified payment.
type PaidEvent struct {
	OrderID           string          `json:"orderId"`
	OrderNumber       string          `json:"orderNumber"`
	PaymentID         string          `json:"paymentId"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"providerReference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaidAt            time.Time       `json:"paidAt"`
	TraceID           string          `json:"traceId,omitempty"`
	SpanID            string          `json:"spanId,omitempty"`
}

// Emitter is notified after reconciliation confirmed an order.
type Emitter interface {
	OrderPaid(ctx context.Context, ev PaidEvent) error
}

// Multi fans an event out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) OrderPaid(ctx context.Context, ev PaidEvent) error {
	var errs []error
	for _, e := range m {
		if err := e.OrderPaid(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) OrderPaid(context.Context, PaidEvent) error { return nil }

// Logging records every event at info level.
type Logging struct {
	Logger *slog.Logger
}

// OrderPaid logs ev and never fails.
func (l Logging) OrderPaid(ctx context.Context, ev PaidEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "order paid",
		"order_id", ev.OrderID, "order_number", ev.OrderNumber, "provider", ev.Provider,
		"provider_reference", ev.ProviderReference, "amount", ev.Amount.String())
	return nil
}
