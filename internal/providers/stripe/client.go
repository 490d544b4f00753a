// Package stripe creates Stripe checkout sessions and payment intents over the
// REST API and verifies and normalizes Stripe webhooks.
package stripe

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
)

const DefaultBaseURL = "https://api.stripe.com"

// Config holds Stripe credentials.
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

// Client is a minimal form-encoded Stripe REST client.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger
}

// NewClient returns a Stripe client. A nil logger falls back to slog.Default.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "kes"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).SetTimeout(cfg.Timeout),
		logger: logger,
	}
}

// Currency is the lowercase ISO code charges are created in.
func (c *Client) Currency() string {
	return strings.ToLower(c.cfg.Currency)
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CheckoutSession is the subset of the session object the storefront uses.
type CheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentIntent string `json:"payment_intent"`
	Status        string `json:"status"`
}

// PaymentIntent is the subset of the intent object the storefront uses.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Customer is a Stripe customer.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ToMinorUnits converts a decimal amount to the integer minor unit Stripe expects.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts a Stripe amount back to a decimal.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func (c *Client) request(ctx context.Context, idempotencyKey string) *resty.Request {
	r := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.cfg.SecretKey).
		SetError(&apiError{})
	if idempotencyKey != "" {
		r.SetHeader("Idempotency-Key", idempotencyKey)
	}
	return r
}

func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("stripe %s: %w: %v", op, apperr.ErrProviderUnavailable, err)
	}
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
		return fmt.Errorf("stripe %s: %w: status %d", op, apperr.ErrProviderUnavailable, resp.StatusCode())
	}
	if e, ok := resp.Error().(*apiError); ok && e.Error.Message != "" {
		return fmt.Errorf("stripe %s: %w: %s", op, apperr.ErrProviderRejected, e.Error.Message)
	}
	return fmt.Errorf("stripe %s: %w: status %d", op, apperr.ErrProviderRejected, resp.StatusCode())
}

func (c *Client) configured() error {
	if c.cfg.SecretKey == "" {
		return fmt.Errorf("stripe: %w", apperr.ErrProviderNotConfigured)
	}
	return nil
}

// CheckoutSessionParams describes a hosted checkout for one order.
type CheckoutSessionParams struct {
	Order         *orders.Order
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
}

// CreateCheckoutSession creates a hosted checkout page with one line per item
// plus a VAT line, so the charged total equals the order total.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	form := map[string]string{
		"mode":                "payment",
		"success_url":         p.SuccessURL,
		"cancel_url":          p.CancelURL,
		"client_reference_id": p.Order.OrderNumber,
	}
	if p.CustomerEmail != "" {
		form["customer_email"] = p.CustomerEmail
	}
	for k, v := range metadata(p.Order) {
		form["metadata["+k+"]"] = v
		form["payment_intent_data[metadata]["+k+"]"] = v
	}

	currency := c.Currency()
	line := 0
	addLine := func(name string, unit decimal.Decimal, qty int) {
		prefix := "line_items[" + strconv.Itoa(line) + "]"
		form[prefix+"[price_data][currency]"] = currency
		form[prefix+"[price_data][product_data][name]"] = name
		form[prefix+"[price_data][unit_amount]"] = strconv.FormatInt(ToMinorUnits(unit), 10)
		form[prefix+"[quantity]"] = strconv.Itoa(qty)
		line++
	}
	for _, item := range p.Order.Items {
		name := item.Name
		if name == "" {
			name = item.ProductID
		}
		addLine(name, item.UnitPrice, item.Quantity)
	}
	if p.Order.Tax.IsPositive() {
		addLine("VAT", p.Order.Tax, 1)
	}

	var session CheckoutSession
	resp, err := c.request(ctx, uuid.New().String()).
		SetFormData(form).
		SetResult(&session).
		Post("/v1/checkout/sessions")
	if err := c.check("checkout session", resp, err); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "stripe checkout session created",
		"session_id", session.ID, "order_number", p.Order.OrderNumber)
	return &session, nil
}

// FindOrCreateCustomer returns the first customer with the given email,
// creating one when none exists.
func (c *Client) FindOrCreateCustomer(ctx context.Context, email, name, phone string) (*Customer, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	var list struct {
		Data []Customer `json:"data"`
	}
	resp, err := c.request(ctx, "").
		SetQueryParams(map[string]string{"email": email, "limit": "1"}).
		SetResult(&list).
		Get("/v1/customers")
	if err := c.check("list customers", resp, err); err != nil {
		return nil, err
	}
	if len(list.Data) > 0 {
		return &list.Data[0], nil
	}

	form := map[string]string{"email": email}
	if name != "" {
		form["name"] = name
	}
	if phone != "" {
		form["phone"] = phone
	}
	var customer Customer
	resp, err = c.request(ctx, uuid.New().String()).
		SetFormData(form).
		SetResult(&customer).
		Post("/v1/customers")
	if err := c.check("create customer", resp, err); err != nil {
		return nil, err
	}
	return &customer, nil
}

// PaymentIntentParams describes a custom-amount charge for an order.
type PaymentIntentParams struct {
	Order      *orders.Order
	Amount     decimal.Decimal
	CustomerID string
}

// CreatePaymentIntent creates an intent for a known customer.
func (c *Client) CreatePaymentIntent(ctx context.Context, p PaymentIntentParams) (*PaymentIntent, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}
	if p.CustomerID == "" {
		return nil, apperr.Invalid("customer", "is required for a payment intent")
	}

	form := map[string]string{
		"amount":                             strconv.FormatInt(ToMinorUnits(p.Amount), 10),
		"currency":                           c.Currency(),
		"customer":                           p.CustomerID,
		"automatic_payment_methods[enabled]": "true",
		"description":                        "Order " + p.Order.OrderNumber,
	}
	for k, v := range metadata(p.Order) {
		form["metadata["+k+"]"] = v
	}

	var intent PaymentIntent
	resp, err := c.request(ctx, uuid.New().String()).
		SetFormData(form).
		SetResult(&intent).
		Post("/v1/payment_intents")
	if err := c.check("payment intent", resp, err); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "stripe payment intent created",
		"payment_intent_id", intent.ID, "order_number", p.Order.OrderNumber)
	return &intent, nil
}

func metadata(o *orders.Order) map[string]string {
	return map[string]string{"orderId": o.ID, "orderNumber": o.OrderNumber}
}
