// Package invoices issues invoices and receipts for paid orders.
package invoices

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/orders"
)

// Kind distinguishes invoices from receipts; an order has at most one of each.
type Kind string

const (
	KindInvoice Kind = "invoice"
	KindReceipt Kind = "receipt"
)

func (k Kind) prefix() string {
	if k == KindReceipt {
		return "RCT"
	}
	return "INV"
}

// Document is an issued invoice or receipt. It snapshots the order at issue time.
type Document struct {
	ID               string               `json:"id"`
	Kind             Kind                 `json:"kind"`
	Number           string               `json:"number"`
	OrderID          string               `json:"orderId"`
	OrderNumber      string               `json:"orderNumber"`
	Customer         orders.Customer      `json:"customer"`
	Items            []orders.Item        `json:"items"`
	Subtotal         decimal.Decimal      `json:"subtotal"`
	TaxRate          decimal.Decimal      `json:"taxRate"`
	Tax              decimal.Decimal      `json:"tax"`
	Total            decimal.Decimal      `json:"total"`
	PaymentMethod    orders.PaymentMethod `json:"paymentMethod,omitempty"`
	PaymentReference string               `json:"paymentReference,omitempty"`
	IssuedAt         time.Time            `json:"issuedAt"`
}

// NewDocument snapshots order into a document of the given kind.
func NewDocument(kind Kind, order *orders.Order, paymentReference string, now time.Time) *Document {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return &Document{
		ID:               uuid.New().String(),
		Kind:             kind,
		Number:           fmt.Sprintf("%s-%s-%s", kind.prefix(), now.UTC().Format("20060102"), suffix),
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		Customer:         order.Customer,
		Items:            append([]orders.Item(nil), order.Items...),
		Subtotal:         order.Subtotal,
		TaxRate:          order.TaxRate,
		Tax:              order.Tax,
		Total:            order.Total,
		PaymentMethod:    order.PaymentMethod,
		PaymentReference: paymentReference,
		IssuedAt:         now,
	}
}
