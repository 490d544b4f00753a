// Package checkout initiates provider payments for existing orders and records
// the pending interaction so the later callback or webhook can be correlated.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
	"github.com/brandsonmedia/storefront/internal/payments"
	"github.com/brandsonmedia/storefront/internal/providers/mpesa"
	"github.com/brandsonmedia/storefront/internal/providers/stripe"
)

// OrderLookup is the read side of the order store checkout needs.
type OrderLookup interface {
	GetByID(ctx context.Context, id string) (*orders.Order, error)
	GetByOrderNumber(ctx context.Context, number string) (*orders.Order, error)
}

// MpesaGateway is implemented by *mpesa.Client.
type MpesaGateway interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// StripeGateway is implemented by *stripe.Client.
type StripeGateway interface {
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	FindOrCreateCustomer(ctx context.Context, email, name, phone string) (*stripe.Customer, error)
	CreatePaymentIntent(ctx context.Context, p stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Currency() string
}

// UseCase starts provider payments.
type UseCase struct {
	orders  OrderLookup
	tracker payments.Tracker
	mpesa   MpesaGateway
	stripe  StripeGateway
	logger  *slog.Logger
	now     func() time.Time

	providerCalls metric.Int64Counter
}

// NewUseCase wires the order store, payment tracker and provider gateways.
// A nil logger falls back to slog.Default.
func NewUseCase(orderLookup OrderLookup, tracker payments.Tracker, mpesaGateway MpesaGateway, stripeGateway StripeGateway, logger *slog.Logger) *UseCase {
	if logger == nil {
		logger = slog.Default()
	}
	providerCalls, _ := otel.Meter("storefront/checkout").Int64Counter("storefront.provider_calls",
		metric.WithDescription("Outbound payment provider calls by provider, operation and result"))
	return &UseCase{
		orders:        orderLookup,
		tracker:       tracker,
		mpesa:         mpesaGateway,
		stripe:        stripeGateway,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		providerCalls: providerCalls,
	}
}

func (uc *UseCase) countCall(ctx context.Context, provider payments.Provider, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	uc.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("operation", op),
		attribute.String("outcome", result),
	))
}

// MpesaRequest is the STK push initiation input. AccountReference carries the
// order number.
type MpesaRequest struct {
	PhoneNumber      string          `json:"phoneNumber"`
	Amount           decimal.Decimal `json:"amount"`
	AccountReference string          `json:"accountReference"`
	TransactionDesc  string          `json:"transactionDesc,omitempty"`
	CallbackURL      string          `json:"callbackUrl,omitempty"`
}

// MpesaResponse is returned to the storefront after the push was accepted.
type MpesaResponse struct {
	RecordID          string `json:"paymentId"`
	OrderID           string `json:"orderId"`
	OrderNumber       string `json:"orderNumber"`
	MerchantRequestID string `json:"merchantRequestId"`
	CheckoutRequestID string `json:"checkoutRequestId"`
	CustomerMessage   string `json:"customerMessage"`
}

// InitiateMpesa sends an STK push for an existing order and records the
// pending interaction under the returned CheckoutRequestID.
func (uc *UseCase) InitiateMpesa(ctx context.Context, req MpesaRequest) (*MpesaResponse, error) {
	pushReq := mpesa.STKPushRequest{
		PhoneNumber:      req.PhoneNumber,
		Amount:           req.Amount,
		AccountReference: strings.TrimSpace(req.AccountReference),
		TransactionDesc:  req.TransactionDesc,
		CallbackURL:      req.CallbackURL,
	}
	if err := pushReq.Validate(); err != nil {
		return nil, err
	}

	order, err := uc.orders.GetByOrderNumber(ctx, pushReq.AccountReference)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", pushReq.AccountReference, err)
	}
	if order.PaymentStatus == orders.PaymentPaid {
		return nil, fmt.Errorf("order %s is already paid: %w", order.OrderNumber, apperr.ErrConflict)
	}
	if order.Status == orders.StatusCancelled {
		return nil, fmt.Errorf("order %s is cancelled: %w", order.OrderNumber, apperr.ErrInvalidTransition)
	}
	if !pushReq.Amount.Equal(order.Total) {
		return nil, apperr.Invalid("amount", "must equal the order total %s", order.Total)
	}

	resp, err := uc.mpesa.STKPush(ctx, pushReq)
	uc.countCall(ctx, payments.ProviderMpesa, "stk_push", err)
	if err != nil {
		uc.logger.ErrorContext(ctx, "mpesa stk push failed", "order_number", order.OrderNumber, "error", err)
		return nil, err
	}

	record := payments.NewRecord(order, payments.ProviderMpesa, resp.CheckoutRequestID, pushReq.Amount, "KES", uc.now())
	record.MerchantRequestID = resp.MerchantRequestID
	if err := uc.tracker.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record mpesa payment: %w", err)
	}

	uc.logger.InfoContext(ctx, "mpesa payment initiated",
		"order_id", order.ID, "order_number", order.OrderNumber, "payment_id", record.ID,
		"checkout_request_id", resp.CheckoutRequestID)
	return &MpesaResponse{
		RecordID:          record.ID,
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// MpesaStatusResult is the provider-side state of a push together with the
// locally tracked record, when one exists.
type MpesaStatusResult struct {
	Provider *mpesa.QueryResponse `json:"provider"`
	Record   *payments.Record     `json:"payment,omitempty"`
}

// MpesaStatus asks Daraja for the state of a push. It only reports; the
// order changes through the callback or the sweep.
func (uc *UseCase) MpesaStatus(ctx context.Context, checkoutRequestID string) (*MpesaStatusResult, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return nil, apperr.Invalid("checkoutRequestId", "is required")
	}

	resp, err := uc.mpesa.QueryStatus(ctx, checkoutRequestID)
	uc.countCall(ctx, payments.ProviderMpesa, "stk_query", err)
	if err != nil {
		return nil, err
	}

	status := &MpesaStatusResult{Provider: resp}
	record, err := uc.tracker.FindByCorrelation(ctx, payments.ProviderMpesa, checkoutRequestID)
	switch {
	case err == nil:
		status.Record = record
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	return status, nil
}

// StripeMode selects between a hosted checkout session and a bare payment intent.
type StripeMode string

const (
	StripeModeCheckout StripeMode = "checkout"
	StripeModeIntent   StripeMode = "intent"
)

// StripeRequest is the card payment initiation input.
type StripeRequest struct {
	OrderID    string          `json:"orderId"`
	Mode       StripeMode      `json:"mode"`
	SuccessURL string          `json:"successUrl,omitempty"`
	CancelURL  string          `json:"cancelUrl,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Email      string          `json:"email,omitempty"`
}

// Validate reports every missing field for the selected mode.
func (r StripeRequest) Validate() error {
	v := &apperr.ValidationError{}
	if strings.TrimSpace(r.OrderID) == "" {
		v.Add("orderId", "is required")
	}
	switch r.Mode {
	case StripeModeCheckout, "":
		if strings.TrimSpace(r.SuccessURL) == "" {
			v.Add("successUrl", "is required for checkout")
		}
		if strings.TrimSpace(r.CancelURL) == "" {
			v.Add("cancelUrl", "is required for checkout")
		}
	case StripeModeIntent:
		if r.Amount.IsNegative() {
			v.Add("amount", "must not be negative")
		}
	default:
		v.Add("mode", "must be %q or %q", StripeModeCheckout, StripeModeIntent)
	}
	return v.OrNil()
}

// StripeResponse carries what the frontend needs to complete the card flow.
type StripeResponse struct {
	RecordID     string     `json:"paymentId"`
	OrderID      string     `json:"orderId"`
	OrderNumber  string     `json:"orderNumber"`
	Mode         StripeMode `json:"mode"`
	SessionID    string     `json:"sessionId,omitempty"`
	URL          string     `json:"url,omitempty"`
	IntentID     string     `json:"paymentIntentId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
}

// CreateStripePayment starts a card payment for an order.
func (uc *UseCase) CreateStripePayment(ctx context.Context, req StripeRequest) (*StripeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = StripeModeCheckout
	}

	order, err := uc.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", req.OrderID, err)
	}
	if order.PaymentStatus == orders.PaymentPaid {
		return nil, fmt.Errorf("order %s is already paid: %w", order.OrderNumber, apperr.ErrConflict)
	}
	if order.Status == orders.StatusCancelled {
		return nil, fmt.Errorf("order %s is cancelled: %w", order.OrderNumber, apperr.ErrInvalidTransition)
	}

	email := req.Email
	if email == "" {
		email = order.Customer.Email
	}
	currency := strings.ToUpper(uc.stripe.Currency())
	out := &StripeResponse{OrderID: order.ID, OrderNumber: order.OrderNumber, Mode: req.Mode}

	var record *payments.Record
	switch req.Mode {
	case StripeModeCheckout:
		session, err := uc.stripe.CreateCheckoutSession(ctx, stripe.CheckoutSessionParams{
			Order:         order,
			SuccessURL:    req.SuccessURL,
			CancelURL:     req.CancelURL,
			CustomerEmail: email,
		})
		uc.countCall(ctx, payments.ProviderStripe, "checkout_session", err)
		if err != nil {
			return nil, err
		}
		record = payments.NewRecord(order, payments.ProviderStripe, session.ID, order.Total, currency, uc.now())
		record.ProviderReference = session.PaymentIntent
		out.SessionID, out.URL = session.ID, session.URL

	case StripeModeIntent:
		if email == "" {
			return nil, apperr.Invalid("email", "is required to create a card customer")
		}
		amount := req.Amount
		if amount.IsZero() {
			amount = order.Total
		}
		if !amount.Equal(order.Total) {
			return nil, apperr.Invalid("amount", "must equal the order total %s", order.Total)
		}
		customer, err := uc.stripe.FindOrCreateCustomer(ctx, email, order.Customer.Name, order.Customer.Phone)
		uc.countCall(ctx, payments.ProviderStripe, "customer", err)
		if err != nil {
			return nil, err
		}
		intent, err := uc.stripe.CreatePaymentIntent(ctx, stripe.PaymentIntentParams{
			Order: order, Amount: amount, CustomerID: customer.ID,
		})
		uc.countCall(ctx, payments.ProviderStripe, "payment_intent", err)
		if err != nil {
			return nil, err
		}
		record = payments.NewRecord(order, payments.ProviderStripe, intent.ID, amount, currency, uc.now())
		record.ProviderReference = intent.ID
		out.IntentID, out.ClientSecret = intent.ID, intent.ClientSecret
	}

	if err := uc.tracker.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record stripe payment: %w", err)
	}
	out.RecordID = record.ID

	uc.logger.InfoContext(ctx, "stripe payment initiated",
		"order_id", order.ID, "order_number", order.OrderNumber, "payment_id", record.ID,
		"mode", req.Mode, "correlation_key", record.CorrelationKey)
	return out, nil
}
