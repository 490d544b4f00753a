package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brandsonmedia/storefront/internal/orders"
	"github.com/brandsonmedia/storefront/internal/payments"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Settled  int `json:"settled"`
	Failed   int `json:"failed"`
}

// awaitingPayment reports whether the order still waits for a payment to be
// applied. Anything else (confirmed, cancelled, refunded by an operator) is
// left alone.
func awaitingPayment(o *orders.Order) bool {
	return o.Status == orders.StatusPending &&
		(o.PaymentStatus == orders.PaymentPending || o.PaymentStatus == orders.PaymentFailed)
}

// Sweep finishes reconciliations that stopped part way. It scans unsettled
// records older than minAge: paid records whose order update was lost, and
// pending records of providers registered with CheckPendingWith, whose state
// is asked from the provider and reconciled. Records whose order no longer
// awaits payment are settled without touching the order. It is meant for an
// external scheduler.
func (c *Coordinator) Sweep(ctx context.Context, minAge time.Duration) (SweepReport, error) {
	ctx, span := c.tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	pending := make([]payments.Provider, 0, len(c.checkers))
	for p := range c.checkers {
		pending = append(pending, p)
	}

	var report SweepReport
	records, err := c.tracker.ListUnsettled(ctx, c.now().Add(-minAge), pending)
	if err != nil {
		return report, fmt.Errorf("list unsettled payments: %w", err)
	}

	for i := range records {
		report.Scanned++
		record := &records[i]

		var action sweepAction
		var err error
		if record.Status == orders.PaymentPending {
			action, err = c.resolvePending(ctx, record)
		} else {
			action, err = c.finishPaid(ctx, record)
		}
		if err != nil {
			report.Failed++
			c.logger.ErrorContext(ctx, "sweep could not repair payment",
				"order_id", record.OrderID, "payment_id", record.ID, "status", record.Status, "error", err)
			continue
		}
		switch action {
		case sweepRepaired:
			report.Repaired++
		case sweepSettled:
			report.Settled++
		}
	}

	c.logger.InfoContext(ctx, "reconciliation sweep finished",
		"scanned", report.Scanned, "repaired", report.Repaired, "settled", report.Settled, "failed", report.Failed)
	return report, nil
}

type sweepAction int

const (
	sweepNone sweepAction = iota
	sweepRepaired
	sweepSettled
)

// settleIfClosed settles record when its order no longer awaits payment.
// Callers hold the order lock.
func (c *Coordinator) settleIfClosed(ctx context.Context, record *payments.Record) (*orders.Order, bool, error) {
	order, err := c.orders.GetByID(ctx, record.OrderID)
	if err != nil {
		return nil, false, err
	}
	if awaitingPayment(order) {
		return order, false, nil
	}
	record.Settled = true
	if err := c.tracker.Update(ctx, record); err != nil {
		return nil, false, err
	}
	c.logger.InfoContext(ctx, "payment settled without order change",
		"order_id", order.ID, "payment_id", record.ID, "order_status", order.Status, "payment_status", order.PaymentStatus)
	return order, true, nil
}

// finishPaid applies a paid record to an order that is still waiting for it.
func (c *Coordinator) finishPaid(ctx context.Context, record *payments.Record) (sweepAction, error) {
	unlock := c.locks.Lock(record.OrderID)
	defer unlock()

	order, closed, err := c.settleIfClosed(ctx, record)
	if err != nil {
		return sweepNone, err
	}
	if closed {
		return sweepSettled, nil
	}

	now := c.now()
	updated, err := c.orders.Update(ctx, order.ID, func(o *orders.Order) error {
		if !awaitingPayment(o) {
			return errOrderMoved
		}
		if err := o.SetPayment(orders.PaymentPaid, record.Method, now); err != nil {
			return err
		}
		_, err := o.TransitionTo(orders.StatusConfirmed, now)
		return err
	})
	if errors.Is(err, errOrderMoved) {
		return sweepNone, nil
	}
	if err != nil {
		return sweepNone, err
	}
	c.settle(ctx, record)

	c.count(ctx, statusRepaired)
	c.logger.InfoContext(ctx, "stuck reconciliation repaired",
		"order_id", updated.ID, "order_number", updated.OrderNumber, "payment_id", record.ID, "order_status", updated.Status)
	c.emitPaid(ctx, updated, record)
	return sweepRepaired, nil
}

var errOrderMoved = errors.New("order no longer awaits payment")

// resolvePending asks the provider about a pending record and reconciles the
// answer like a callback.
func (c *Coordinator) resolvePending(ctx context.Context, record *payments.Record) (sweepAction, error) {
	checker, ok := c.checkers[record.Provider]
	if !ok {
		return sweepNone, nil
	}

	unlock := c.locks.Lock(record.OrderID)
	_, closed, err := c.settleIfClosed(ctx, record)
	unlock()
	if err != nil {
		return sweepNone, err
	}
	if closed {
		return sweepSettled, nil
	}

	out, err := checker.CheckPending(ctx, record)
	if err != nil {
		return sweepNone, fmt.Errorf("check pending %s payment: %w", record.Provider, err)
	}
	if out.Kind == payments.OutcomePending {
		return sweepNone, nil
	}

	result, err := c.Reconcile(ctx, out)
	if err != nil {
		return sweepNone, err
	}
	if result.Status == StatusApplied {
		return sweepRepaired, nil
	}
	return sweepNone, nil
}
