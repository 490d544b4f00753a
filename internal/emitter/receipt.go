package emitter

import (
	"context"
	"fmt"

	"github.com/brandsonmedia/storefront/internal/invoices"
)

// ReceiptService is implemented by *invoices.UseCase.
type ReceiptService interface {
	IssueReceipt(ctx context.Context, orderID, paymentReference string) (*invoices.Document, error)
}

// ReceiptIssuer issues the receipt for a paid order in-process.
type ReceiptIssuer struct {
	Receipts ReceiptService
}

// OrderPaid issues the receipt for ev's order.
func (r ReceiptIssuer) OrderPaid(ctx context.Context, ev PaidEvent) error {
	if _, err := r.Receipts.IssueReceipt(ctx, ev.OrderID, ev.ProviderReference); err != nil {
		return fmt.Errorf("issue receipt for order %s: %w", ev.OrderNumber, err)
	}
	return nil
}
