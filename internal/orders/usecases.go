package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/apperr"
)

const maxOrderNumberAttempts = 5

// UseCase holds the order store business rules.
type UseCase struct {
	repository Repository
	taxRate    decimal.Decimal
	logger     *slog.Logger
	now        func() time.Time
}

// NewUseCase returns the order use case. taxRate applies to orders created
// from now on; a nil logger falls back to slog.Default.
func NewUseCase(repository Repository, taxRate decimal.Decimal, logger *slog.Logger) *UseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &UseCase{
		repository: repository,
		taxRate:    taxRate,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the input, assigns id and order number and stores a pending order.
func (uc *UseCase) Create(ctx context.Context, in CreateOrderInput) (*Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		now := uc.now()
		order := NewOrder(in, GenerateOrderNumber(now), uc.taxRate, now)

		err := uc.repository.Create(ctx, order)
		if err == nil {
			uc.logger.InfoContext(ctx, "order created",
				"order_id", order.ID, "order_number", order.OrderNumber, "total", order.Total.String())
			return order, nil
		}
		if !errors.Is(err, apperr.ErrConflict) || attempt >= maxOrderNumberAttempts {
			return nil, fmt.Errorf("failed to create order: %w", err)
		}
		uc.logger.WarnContext(ctx, "order number collision, regenerating", "order_number", order.OrderNumber)
	}
}

// GetByID returns the order or apperr.ErrNotFound.
func (uc *UseCase) GetByID(ctx context.Context, id string) (*Order, error) {
	o, err := uc.repository.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return o, nil
}

// GetByOrderNumber looks an order up by its human-readable number.
func (uc *UseCase) GetByOrderNumber(ctx context.Context, number string) (*Order, error) {
	o, err := uc.repository.GetByOrderNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", number, err)
	}
	return o, nil
}

// List returns orders matching filter, newest first.
func (uc *UseCase) List(ctx context.Context, filter Filter) ([]Order, error) {
	return uc.repository.List(ctx, filter)
}

// UpdateStatus moves the order along the state machine. Repeating the current
// status is a successful no-op.
func (uc *UseCase) UpdateStatus(ctx context.Context, id string, status Status) (*Order, error) {
	if !status.Valid() {
		return nil, apperr.Invalid("status", "unknown status %q", status)
	}

	var (
		from    Status
		changed bool
	)
	o, err := uc.repository.Update(ctx, id, func(o *Order) error {
		from = o.Status
		var err error
		changed, err = o.TransitionTo(status, uc.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}

	if changed {
		uc.logger.InfoContext(ctx, "order status updated",
			"order_id", o.ID, "order_number", o.OrderNumber, "from", from, "to", o.Status)
	}
	return o, nil
}

// UpdatePaymentStatus changes the payment sub-fields only. Confirming the
// order is left to the reconciliation coordinator.
func (uc *UseCase) UpdatePaymentStatus(ctx context.Context, id string, status PaymentStatus, method PaymentMethod) (*Order, error) {
	o, err := uc.repository.Update(ctx, id, func(o *Order) error {
		return o.SetPayment(status, method, uc.now())
	})
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}

	uc.logger.InfoContext(ctx, "order payment status updated",
		"order_id", o.ID, "order_number", o.OrderNumber, "payment_status", o.PaymentStatus, "payment_method", o.PaymentMethod)
	return o, nil
}

// Cancel is the administrative cancellation; it follows the same transition rules.
func (uc *UseCase) Cancel(ctx context.Context, id string) (*Order, error) {
	return uc.UpdateStatus(ctx, id, StatusCancelled)
}
