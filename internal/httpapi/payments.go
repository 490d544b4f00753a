package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/checkout"
	"github.com/brandsonmedia/storefront/internal/payments"
	"github.com/brandsonmedia/storefront/internal/providers/mpesa"
	"github.com/brandsonmedia/storefront/internal/providers/stripe"
)

// CallbackTokenParam is the query parameter carrying the shared M-Pesa callback token.
const CallbackTokenParam = "token"

// InitiateMpesa handles POST /payments/mpesa.
func (h *Handler) InitiateMpesa(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.mpesa.initiate")
	defer span.End()

	var req checkout.MpesaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, span, bindingError(err))
		return
	}
	span.SetAttributes(
		attribute.String("order_number", req.AccountReference),
		attribute.String("amount", req.Amount.String()),
	)

	resp, err := h.checkout.InitiateMpesa(ctx, req)
	if err != nil {
		h.fail(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("checkout_request_id", resp.CheckoutRequestID))
	c.JSON(http.StatusOK, resp)
}

// MpesaStatus handles GET /payments/mpesa/status?checkoutRequestID=.
func (h *Handler) MpesaStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.mpesa.status")
	defer span.End()

	id := c.Query("checkoutRequestID")
	if id == "" {
		id = c.Query("checkoutRequestId")
	}
	span.SetAttributes(attribute.String("checkout_request_id", id))

	status, err := h.checkout.MpesaStatus(ctx, id)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// MpesaCallback always acknowledges; rejected and unapplied callbacks are
// recorded as anomalies or logged.
func (h *Handler) MpesaCallback(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.mpesa.callback")
	defer span.End()
	defer c.JSON(http.StatusOK, mpesa.Accepted)

	body, err := c.GetRawData()
	if err != nil {
		span.RecordError(err)
		h.reconciler.ReportRejected(ctx, payments.ProviderMpesa, err)
		return
	}

	out, err := h.mpesa.ParseCallback(body, c.Query(CallbackTokenParam))
	if err != nil {
		span.RecordError(err)
		h.reconciler.ReportRejected(ctx, payments.ProviderMpesa, err)
		return
	}
	span.SetAttributes(
		attribute.String("checkout_request_id", out.CorrelationKey),
		attribute.String("payment.outcome", string(out.Kind)),
	)

	result, err := h.reconciler.Reconcile(ctx, out)
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "mpesa callback not applied",
			"checkout_request_id", out.CorrelationKey, "result", result.Status, "error", err)
	}
}

// CreateStripePayment handles POST /payments/stripe.
func (h *Handler) CreateStripePayment(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.stripe.create")
	defer span.End()

	var req checkout.StripeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, span, bindingError(err))
		return
	}
	span.SetAttributes(attribute.String("order_id", req.OrderID), attribute.String("mode", string(req.Mode)))

	resp, err := h.checkout.CreateStripePayment(ctx, req)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// StripeWebhook verifies and reconciles a Stripe event. Settled outcomes
// answer 200; transient failures answer 500 and are redelivered.
func (h *Handler) StripeWebhook(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.stripe.webhook")
	defer span.End()

	body, err := c.GetRawData()
	if err != nil {
		h.fail(c, span, apperr.Invalid("body", "could not be read"))
		return
	}

	out, err := h.stripe.ParseWebhook(body, c.GetHeader(stripe.SignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, stripe.ErrUnhandledEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	case errors.Is(err, apperr.ErrProviderNotConfigured):
		h.fail(c, span, err)
		return
	default:
		h.reconciler.ReportRejected(ctx, payments.ProviderStripe, err)
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("stripe.object_id", out.CorrelationKey),
		attribute.String("payment.outcome", string(out.Kind)),
	)

	result, err := h.reconciler.Reconcile(ctx, out)
	if err != nil && !settled(err) {
		h.fail(c, span, err)
		return
	}
	if err != nil {
		h.logger.WarnContext(ctx, "stripe event not applied",
			"object_id", out.CorrelationKey, "result", result.Status, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}

// settled reports reconciliation errors that redelivery cannot change.
func settled(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrAmountMismatch) ||
		apperr.IsValidation(err)
}
