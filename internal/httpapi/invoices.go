package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/emitter"
)

type createInvoiceRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// CreateInvoice handles POST /invoices.
func (h *Handler) CreateInvoice(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "invoices.create")
	defer span.End()

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, span, bindingError(err))
		return
	}
	span.SetAttributes(attribute.String("order_id", req.OrderID))

	doc, err := h.invoices.CreateInvoice(ctx, req.OrderID)
	if errors.Is(err, apperr.ErrConflict) && doc != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "invoice": doc})
		return
	}
	if err != nil {
		h.fail(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("invoice_number", doc.Number))
	c.JSON(http.StatusOK, doc)
}

// GetInvoice handles GET /invoices/:id.
func (h *Handler) GetInvoice(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "invoices.get")
	defer span.End()

	doc, err := h.invoices.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// startSpanFromPayload continues the trace carried in a dtm action body;
// dtm does not forward W3C headers.
func (h *Handler) startSpanFromPayload(ctx context.Context, name string, ev emitter.PaidEvent) (context.Context, trace.Span) {
	if ev.TraceID != "" && ev.SpanID != "" {
		traceID, errT := trace.TraceIDFromHex(ev.TraceID)
		spanID, errS := trace.SpanIDFromHex(ev.SpanID)
		if errT == nil && errS == nil {
			ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanID,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			}))
		}
	}
	return h.tracer.Start(ctx, name)
}

// OrderPaidAction is the dtm message branch target: it issues the receipt for
// a confirmed order. Repeated deliveries return the same receipt.
func (h *Handler) OrderPaidAction(c *gin.Context) {
	var ev emitter.PaidEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := h.startSpanFromPayload(c.Request.Context(), "invoices.order_paid", ev)
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", ev.OrderID),
		attribute.String("payment_id", ev.PaymentID),
		attribute.String("trace_id", ev.TraceID),
	)

	if ev.OrderID == "" {
		h.fail(c, span, apperr.Invalid("orderId", "is required"))
		return
	}

	doc, err := h.invoices.IssueReceipt(ctx, ev.OrderID, ev.ProviderReference)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "success", "receipt": doc})
}

// ListAnomalies handles GET /admin/anomalies.
func (h *Handler) ListAnomalies(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "admin.anomalies")
	defer span.End()

	limit, err := queryInt(c, "limit", 50, 500)
	if err != nil {
		h.fail(c, span, err)
		return
	}

	list, err := h.ledger.ListAnomalies(ctx, limit)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": list, "count": len(list)})
}

// Sweep handles POST /admin/reconciliations/sweep.
func (h *Handler) Sweep(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "admin.sweep")
	defer span.End()

	minAge := h.sweepMinAge
	if raw := c.Query("minAge"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			h.fail(c, span, apperr.Invalid("minAge", "must be a non-negative duration such as 5m"))
			return
		}
		minAge = d
	}

	report, err := h.reconciler.Sweep(ctx, minAge)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
