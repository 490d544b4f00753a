package orders

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/apperr"
)

// DefaultTaxRate is the VAT applied to every order subtotal.
var DefaultTaxRate = decimal.RequireFromString("0.16")

// CurrencyScale is the number of decimal places an amount may carry. Orders
// are priced and charged in whole Kenyan shillings; M-Pesa accepts nothing
// finer.
const CurrencyScale int32 = 0

// RoundMoney rounds an amount half away from zero to CurrencyScale.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyScale)
}

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// PaymentStatus mirrors the provider outcome on the order itself.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	MethodMpesa        PaymentMethod = "mpesa"
	MethodStripe       PaymentMethod = "stripe"
	MethodBankTransfer PaymentMethod = "bank-transfer"
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
)

// fulfilment is the forward order of non-cancelled statuses.
var fulfilment = []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered}

func rank(s Status) int {
	for i, st := range fulfilment {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCancelled || rank(s) >= 0
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransition reports whether an order in status from may move to status to.
// Moves are monotonic along the fulfilment chain; cancelled is reachable from
// pending, confirmed and processing only. Same-status moves are allowed and
// treated as no-ops by callers.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return from == StatusPending || from == StatusConfirmed || from == StatusProcessing
	}
	return rank(to) > rank(from)
}

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodStripe, MethodBankTransfer, MethodCash, MethodCard:
		return true
	}
	return false
}

// Customer identifies who placed the order.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Item is one ordered line.
type Item struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// LineTotal is quantity times unit price.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is the aggregate owned by the order store.
type Order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"orderNumber"`
	Customer        Customer        `json:"customer"`
	Items           []Item          `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxRate         decimal.Decimal `json:"taxRate"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	Status          Status          `json:"status"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod,omitempty"`
	ShippingAddress string          `json:"shippingAddress,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// CreateOrderInput is what checkout submits.
type CreateOrderInput struct {
	Customer        Customer      `json:"customer"`
	Items           []Item        `json:"items"`
	PaymentMethod   PaymentMethod `json:"paymentMethod,omitempty"`
	ShippingAddress string        `json:"shippingAddress,omitempty"`
	Notes           string        `json:"notes,omitempty"`
}

// Validate returns a ValidationError listing every violated field.
func (in CreateOrderInput) Validate() error {
	v := &apperr.ValidationError{}

	if strings.TrimSpace(in.Customer.Name) == "" {
		v.Add("customer.name", "is required")
	}
	email := strings.TrimSpace(in.Customer.Email)
	phone := strings.TrimSpace(in.Customer.Phone)
	if email == "" && phone == "" {
		v.Add("customer.contact", "email or phone is required")
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			v.Add("customer.email", "is not a valid email address")
		}
	}
	if in.PaymentMethod != "" && !in.PaymentMethod.Valid() {
		v.Add("paymentMethod", "unsupported payment method %q", in.PaymentMethod)
	}

	if len(in.Items) == 0 {
		v.Add("items", "must contain at least one item")
	}
	for i, item := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.ProductID) == "" {
			v.Add(field+".productId", "is required")
		}
		if item.Quantity <= 0 {
			v.Add(field+".quantity", "must be greater than 0")
		}
		if item.UnitPrice.IsNegative() {
			v.Add(field+".unitPrice", "must not be negative")
		} else if !item.UnitPrice.Equal(RoundMoney(item.UnitPrice)) {
			v.Add(field+".unitPrice", "must be a whole number of shillings")
		}
	}

	return v.OrNil()
}

// NewOrder builds a pending order from validated input.
func NewOrder(in CreateOrderInput, orderNumber string, taxRate decimal.Decimal, now time.Time) *Order {
	o := &Order{
		ID:              uuid.New().String(),
		OrderNumber:     orderNumber,
		Customer:        in.Customer,
		TaxRate:         taxRate,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		PaymentMethod:   in.PaymentMethod,
		ShippingAddress: in.ShippingAddress,
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.SetItems(in.Items)
	return o
}

// SetItems replaces the items and recomputes totals.
func (o *Order) SetItems(items []Item) {
	o.Items = append([]Item(nil), items...)
	o.Recalculate()
}

// Recalculate keeps total == subtotal + tax, with tax rounded to CurrencyScale.
func (o *Order) Recalculate() {
	subtotal := decimal.Zero
	for _, item := range o.Items {
		subtotal = subtotal.Add(item.LineTotal())
	}
	o.Subtotal = subtotal
	o.Tax = RoundMoney(subtotal.Mul(o.TaxRate))
	o.Total = o.Subtotal.Add(o.Tax)
}

// TransitionTo moves the order to status to. Setting the current status again
// returns changed=false and no error.
func (o *Order) TransitionTo(to Status, now time.Time) (changed bool, err error) {
	if !to.Valid() {
		return false, apperr.Invalid("status", "unknown status %q", to)
	}
	if o.Status == to {
		return false, nil
	}
	if !CanTransition(o.Status, to) {
		return false, fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return true, nil
}

// SetPayment updates the payment sub-fields only; order status is untouched.
func (o *Order) SetPayment(status PaymentStatus, method PaymentMethod, now time.Time) error {
	v := &apperr.ValidationError{}
	if !status.Valid() {
		v.Add("paymentStatus", "unknown payment status %q", status)
	}
	if method != "" && !method.Valid() {
		v.Add("paymentMethod", "unsupported payment method %q", method)
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	o.PaymentStatus = status
	if method != "" {
		o.PaymentMethod = method
	}
	o.UpdatedAt = now
	return nil
}

// GenerateOrderNumber returns a human-readable number such as BM-20261017-3F9A1C.
func GenerateOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("BM-%s-%s", now.UTC().Format("20060102"), suffix)
}
