// Package httpapi exposes the order, payment and invoice workflows over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/checkout"
	"github.com/brandsonmedia/storefront/internal/invoices"
	"github.com/brandsonmedia/storefront/internal/orders"
	"github.com/brandsonmedia/storefront/internal/payments"
	"github.com/brandsonmedia/storefront/internal/reconcile"
)

// OrderService is implemented by *orders.UseCase.
type OrderService interface {
	Create(ctx context.Context, in orders.CreateOrderInput) (*orders.Order, error)
	GetByID(ctx context.Context, id string) (*orders.Order, error)
	GetByOrderNumber(ctx context.Context, number string) (*orders.Order, error)
	List(ctx context.Context, filter orders.Filter) ([]orders.Order, error)
	UpdateStatus(ctx context.Context, id string, status orders.Status) (*orders.Order, error)
	UpdatePaymentStatus(ctx context.Context, id string, status orders.PaymentStatus, method orders.PaymentMethod) (*orders.Order, error)
}

// PaymentLedger is the read side of payments.Tracker.
type PaymentLedger interface {
	ListByOrder(ctx context.Context, orderID string) ([]payments.Record, error)
	ListAnomalies(ctx context.Context, limit int) ([]payments.Anomaly, error)
}

// CheckoutService is implemented by *checkout.UseCase.
type CheckoutService interface {
	InitiateMpesa(ctx context.Context, req checkout.MpesaRequest) (*checkout.MpesaResponse, error)
	MpesaStatus(ctx context.Context, checkoutRequestID string) (*checkout.MpesaStatusResult, error)
	CreateStripePayment(ctx context.Context, req checkout.StripeRequest) (*checkout.StripeResponse, error)
}

// Reconciler is implemented by *reconcile.Coordinator.
type Reconciler interface {
	Reconcile(ctx context.Context, out payments.Outcome) (reconcile.Result, error)
	ReportRejected(ctx context.Context, provider payments.Provider, cause error)
	Sweep(ctx context.Context, minAge time.Duration) (reconcile.SweepReport, error)
}

// InvoiceService is implemented by *invoices.UseCase.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, orderID string) (*invoices.Document, error)
	IssueReceipt(ctx context.Context, orderID, paymentReference string) (*invoices.Document, error)
	Get(ctx context.Context, id string) (*invoices.Document, error)
}

// MpesaCallbackParser is implemented by *mpesa.Adapter.
type MpesaCallbackParser interface {
	ParseCallback(body []byte, token string) (payments.Outcome, error)
}

// StripeWebhookParser is implemented by *stripe.Adapter.
type StripeWebhookParser interface {
	ParseWebhook(payload []byte, header string) (payments.Outcome, error)
}

// Handler holds every HTTP handler of the service.
type Handler struct {
	orders      OrderService
	ledger      PaymentLedger
	checkout    CheckoutService
	reconciler  Reconciler
	invoices    InvoiceService
	mpesa       MpesaCallbackParser
	stripe      StripeWebhookParser
	sweepMinAge time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Deps lists the collaborators of Handler.
type Deps struct {
	Orders      OrderService
	Ledger      PaymentLedger
	Checkout    CheckoutService
	Reconciler  Reconciler
	Invoices    InvoiceService
	Mpesa       MpesaCallbackParser
	Stripe      StripeWebhookParser
	SweepMinAge time.Duration
	Logger      *slog.Logger
}

// NewHandler returns a Handler. A nil Logger falls back to slog.Default.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orders:      d.Orders,
		ledger:      d.Ledger,
		checkout:    d.Checkout,
		reconciler:  d.Reconciler,
		invoices:    d.Invoices,
		mpesa:       d.Mpesa,
		stripe:      d.Stripe,
		sweepMinAge: d.SweepMinAge,
		tracer:      otel.Tracer("storefront/httpapi"),
		logger:      logger,
	}
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bindingError turns gin binding failures into the service's validation error.
func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Invalid("body", "%s", err.Error())
	}
	v := &apperr.ValidationError{}
	for _, fe := range verrs {
		v.Add(jsonName(fe.Field()), "failed on the %q rule", fe.Tag())
	}
	return v
}

func jsonName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

// fail records err on the span and renders it with the mapped status code.
func (h *Handler) fail(c *gin.Context, span trace.Span, err error) {
	status := apperr.HTTPStatus(err)
	span.RecordError(err)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, err.Error())
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}

	body := gin.H{"error": err.Error()}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	c.JSON(status, body)
}

func queryInt(c *gin.Context, name string, def, max int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, apperr.Invalid(name, "must be an integer between 1 and %d", max)
	}
	return n, nil
}
