package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
)

type updateStatusRequest struct {
	Status orders.Status `json:"status" binding:"required"`
}

type updatePaymentRequest struct {
	PaymentStatus orders.PaymentStatus `json:"paymentStatus" binding:"required"`
	PaymentMethod orders.PaymentMethod `json:"paymentMethod"`
}

// CreateOrder handles POST /orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.create")
	defer span.End()

	var in orders.CreateOrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, span, bindingError(err))
		return
	}

	order, err := h.orders.Create(ctx, in)
	if err != nil {
		h.fail(c, span, err)
		return
	}

	span.SetAttributes(
		attribute.String("order_id", order.ID),
		attribute.String("order_number", order.OrderNumber),
		attribute.String("total", order.Total.String()),
	)
	c.JSON(http.StatusOK, order)
}

// ListOrders handles GET /orders. Query parameters bind to orders.Filter.
func (h *Handler) ListOrders(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.list")
	defer span.End()

	var filter orders.Filter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.fail(c, span, bindingError(err))
		return
	}
	if !filter.CreatedFrom.IsZero() && !filter.CreatedTo.IsZero() && filter.CreatedTo.Before(filter.CreatedFrom) {
		h.fail(c, span, apperr.Invalid("createdTo", "must not be before createdFrom"))
		return
	}

	list, err := h.orders.List(ctx, filter)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// GetOrder handles GET /orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.get")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("order_id", id))

	order, err := h.orders.GetByID(ctx, id)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetOrderByNumber handles GET /orders/number/:number.
func (h *Handler) GetOrderByNumber(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.get_by_number")
	defer span.End()

	number := c.Param("number")
	span.SetAttributes(attribute.String("order_number", number))

	order, err := h.orders.GetByOrderNumber(ctx, number)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// UpdateOrderStatus handles PUT /orders/:id/status.
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.update_status")
	defer span.End()

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, span, bindingError(err))
		return
	}

	id := c.Param("id")
	span.SetAttributes(attribute.String("order_id", id), attribute.String("status", string(req.Status)))

	order, err := h.orders.UpdateStatus(ctx, id, req.Status)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// UpdateOrderPayment handles PUT /orders/:id/payment, the manual payment override.
func (h *Handler) UpdateOrderPayment(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.update_payment")
	defer span.End()

	var req updatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, span, bindingError(err))
		return
	}

	id := c.Param("id")
	span.SetAttributes(attribute.String("order_id", id), attribute.String("payment_status", string(req.PaymentStatus)))

	order, err := h.orders.UpdatePaymentStatus(ctx, id, req.PaymentStatus, req.PaymentMethod)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListOrderPayments handles GET /orders/:id/payments.
func (h *Handler) ListOrderPayments(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.list_payments")
	defer span.End()

	order, err := h.orders.GetByID(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, span, err)
		return
	}

	records, err := h.ledger.ListByOrder(ctx, order.ID)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": order.ID, "payments": records})
}
