package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
)

// OrderLookup is the read side of the order store.
type OrderLookup interface {
	GetByID(ctx context.Context, id string) (*orders.Order, error)
}

// UseCase issues invoices and receipts for orders.
type UseCase struct {
	repository Repository
	orders     OrderLookup
	logger     *slog.Logger
	now        func() time.Time
}

// NewUseCase returns a UseCase. A nil logger falls back to slog.Default.
func NewUseCase(repository Repository, orderLookup OrderLookup, logger *slog.Logger) *UseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &UseCase{
		repository: repository,
		orders:     orderLookup,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (uc *UseCase) paidOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	if orderID == "" {
		return nil, apperr.Invalid("orderId", "is required")
	}
	order, err := uc.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	if order.PaymentStatus != orders.PaymentPaid {
		return nil, apperr.Invalid("orderId", "order %s is not paid (payment status %s)", order.OrderNumber, order.PaymentStatus)
	}
	return order, nil
}

// CreateInvoice issues the invoice for a paid order. A second call for the
// same order returns the existing invoice together with ErrConflict.
func (uc *UseCase) CreateInvoice(ctx context.Context, orderID string) (*Document, error) {
	order, err := uc.paidOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	existing, err := uc.repository.GetByOrder(ctx, order.ID, KindInvoice)
	if err == nil {
		return existing, fmt.Errorf("invoice %s already issued for order %s: %w", existing.Number, order.OrderNumber, apperr.ErrConflict)
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	doc := NewDocument(KindInvoice, order, "", uc.now())
	if err := uc.repository.Create(ctx, doc); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			if existing, getErr := uc.repository.GetByOrder(ctx, order.ID, KindInvoice); getErr == nil {
				return existing, err
			}
		}
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	uc.logger.InfoContext(ctx, "invoice issued",
		"invoice_id", doc.ID, "invoice_number", doc.Number, "order_number", order.OrderNumber, "total", doc.Total.String())
	return doc, nil
}

// IssueReceipt issues the receipt for a paid order. It is idempotent: an
// existing receipt is returned without error.
func (uc *UseCase) IssueReceipt(ctx context.Context, orderID, paymentReference string) (*Document, error) {
	order, err := uc.paidOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if existing, err := uc.repository.GetByOrder(ctx, order.ID, KindReceipt); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	doc := NewDocument(KindReceipt, order, paymentReference, uc.now())
	if err := uc.repository.Create(ctx, doc); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return uc.repository.GetByOrder(ctx, order.ID, KindReceipt)
		}
		return nil, fmt.Errorf("failed to create receipt: %w", err)
	}

	uc.logger.InfoContext(ctx, "receipt issued",
		"receipt_id", doc.ID, "receipt_number", doc.Number, "order_number", order.OrderNumber,
		"payment_reference", paymentReference)
	return doc, nil
}

// Get returns the document with the given id.
func (uc *UseCase) Get(ctx context.Context, id string) (*Document, error) {
	return uc.repository.Get(ctx, id)
}

// GetByOrder returns the order's document of the given kind.
func (uc *UseCase) GetByOrder(ctx context.Context, orderID string, kind Kind) (*Document, error) {
	return uc.repository.GetByOrder(ctx, orderID, kind)
}
