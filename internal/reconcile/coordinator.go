// Package reconcile applies normalized provider outcomes to orders and payment
// records. It is the only writer of order status driven by payments.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/emitter"
	"github.com/brandsonmedia/storefront/internal/orders"
	"github.com/brandsonmedia/storefront/internal/payments"
	"github.com/brandsonmedia/storefront/internal/pkg/keylock"
)

// Status is the result of reconciling one outcome.
type Status string

const (
	StatusApplied        Status = "applied"
	StatusDuplicate      Status = "duplicate"
	StatusIgnored        Status = "ignored"
	StatusOrderNotFound  Status = "order_not_found"
	StatusAmountMismatch Status = "amount_mismatch"
	StatusConflict       Status = "conflict"
	StatusInconsistent   Status = "inconsistent"
	// StatusError marks an outcome that could not be processed; the payment
	// stays unsettled and is picked up again by redelivery or Sweep.
	StatusError          Status = "error"
	statusRejected       Status = "rejected"
	statusRepaired       Status = "repaired"
)

// Result describes what reconciliation did.
type Result struct {
	Status        Status               `json:"status"`
	EventKey      string               `json:"eventKey"`
	OrderID       string               `json:"orderId,omitempty"`
	OrderNumber   string               `json:"orderNumber,omitempty"`
	RecordID      string               `json:"paymentId,omitempty"`
	OrderStatus   orders.Status        `json:"orderStatus,omitempty"`
	PaymentStatus orders.PaymentStatus `json:"paymentStatus,omitempty"`
	Detail        string               `json:"detail,omitempty"`
}

// PendingChecker asks a provider what became of a payment that is still
// pending locally. It reports OutcomePending while the provider has no result.
type PendingChecker interface {
	CheckPending(ctx context.Context, record *payments.Record) (payments.Outcome, error)
}

// Coordinator reconciles provider outcomes. All writes for one order happen
// under that order's lock.
type Coordinator struct {
	orders   orders.Repository
	tracker  payments.Tracker
	emitter  emitter.Emitter
	checkers map[payments.Provider]PendingChecker
	locks    *keylock.Locker
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	reconciliations metric.Int64Counter
	anomalies       metric.Int64Counter
}

// NewCoordinator creates a coordinator writing through orderRepo and tracker
// and notifying em of confirmed payments.
func NewCoordinator(orderRepo orders.Repository, tracker payments.Tracker, em emitter.Emitter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if em == nil {
		em = emitter.Nop{}
	}
	meter := otel.Meter("storefront/reconcile")
	reconciliations, _ := meter.Int64Counter("storefront.reconciliations",
		metric.WithDescription("Provider outcomes processed, by result"))
	anomalies, _ := meter.Int64Counter("storefront.payment_anomalies",
		metric.WithDescription("Payment anomalies recorded for operator review, by kind"))

	return &Coordinator{
		orders:          orderRepo,
		tracker:         tracker,
		emitter:         em,
		checkers:        make(map[payments.Provider]PendingChecker),
		locks:           keylock.New(),
		logger:          logger,
		tracer:          otel.Tracer("storefront/reconcile"),
		now:             func() time.Time { return time.Now().UTC() },
		reconciliations: reconciliations,
		anomalies:       anomalies,
	}
}

// CheckPendingWith lets Sweep resolve stale pending records of provider by
// asking checker.
func (c *Coordinator) CheckPendingWith(provider payments.Provider, checker PendingChecker) {
	c.checkers[provider] = checker
}

func (c *Coordinator) count(ctx context.Context, status Status) {
	c.reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(status))))
}

func (c *Coordinator) anomaly(ctx context.Context, kind payments.AnomalyKind, provider payments.Provider, orderID, eventKey, detail string) {
	c.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	c.logger.ErrorContext(ctx, "payment anomaly",
		"kind", kind, "provider", provider, "order_id", orderID, "event_key", eventKey, "detail", detail)

	a := payments.NewAnomaly(kind, provider, orderID, eventKey, detail, c.now())
	if err := c.tracker.RecordAnomaly(ctx, a); err != nil {
		c.logger.ErrorContext(ctx, "failed to record payment anomaly", "kind", kind, "error", err)
	}
}

// ReportRejected records a callback or webhook that failed authentication or
// parsing. The provider still receives its acknowledgment.
func (c *Coordinator) ReportRejected(ctx context.Context, provider payments.Provider, cause error) {
	c.count(ctx, statusRejected)
	c.anomaly(ctx, payments.AnomalyRejectedPayload, provider, "", "", cause.Error())
}

// Reconcile applies one normalized outcome. Reported conditions (unknown
// order, amount mismatch, failed order update) come back as errors wrapping
// the matching apperr sentinel; duplicates and conflicts are not errors. Any
// other failure returns StatusError and is recorded as an anomaly.
func (c *Coordinator) Reconcile(ctx context.Context, out payments.Outcome) (Result, error) {
	key := out.EventKey()
	ctx, span := c.tracer.Start(ctx, "reconcile."+string(out.Provider))
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", string(out.Provider)),
		attribute.String("payment.outcome", string(out.Kind)),
		attribute.String("payment.event_key", key),
	)

	result, err := c.reconcile(ctx, out, key)
	if err != nil && result.Status == "" {
		result.Status = StatusError
		result.Detail = err.Error()
		c.anomaly(ctx, payments.AnomalyUnapplied, out.Provider, result.OrderID, key, result.Detail)
	}
	span.SetAttributes(attribute.String("reconcile.result", string(result.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.Status))
	}
	c.count(ctx, result.Status)
	return result, err
}

func (c *Coordinator) reconcile(ctx context.Context, out payments.Outcome, key string) (Result, error) {
	result := Result{EventKey: key}

	switch out.Kind {
	case payments.OutcomeSuccess, payments.OutcomeFailure, payments.OutcomeCancelled, payments.OutcomePending:
	default:
		result.Status = StatusIgnored
		return result, apperr.Invalid("kind", "unknown outcome kind %q", out.Kind)
	}

	orderID, err := c.locateOrder(ctx, out)
	if errors.Is(err, apperr.ErrNotFound) {
		result.Status = StatusOrderNotFound
		result.Detail = fmt.Sprintf("no order for correlation key %q (order number %q)", out.CorrelationKey, out.OrderNumber)
		c.anomaly(ctx, payments.AnomalyOrderNotFound, out.Provider, "", key, result.Detail)
		return result, fmt.Errorf("reconcile %s: order %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return result, fmt.Errorf("reconcile %s: locate order: %w", key, err)
	}

	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.orders.GetByID(ctx, orderID)
	if err != nil {
		return result, fmt.Errorf("reconcile %s: load order: %w", key, err)
	}
	result.OrderID, result.OrderNumber = order.ID, order.OrderNumber
	result.OrderStatus, result.PaymentStatus = order.Status, order.PaymentStatus

	applied, err := c.tracker.HasEvent(ctx, key)
	if err != nil {
		return result, fmt.Errorf("reconcile %s: check ledger: %w", key, err)
	}
	if applied {
		result.Status = StatusDuplicate
		c.logger.InfoContext(ctx, "duplicate provider event ignored", "event_key", key, "order_number", order.OrderNumber)
		return result, nil
	}

	if out.Kind == payments.OutcomePending {
		result.Status = StatusIgnored
		c.logger.InfoContext(ctx, "non-final provider event ignored", "event_key", key, "order_number", order.OrderNumber)
		return result, nil
	}

	record, err := c.recordFor(ctx, order, out)
	if err != nil {
		return result, fmt.Errorf("reconcile %s: payment record: %w", key, err)
	}
	result.RecordID = record.ID

	if out.Kind == payments.OutcomeSuccess {
		return c.applySuccess(ctx, order, record, out, result)
	}
	return c.applyFailure(ctx, order, record, out, result)
}

// locateOrder maps an outcome to an order id through the payment record
// persisted at initiation, falling back to the order number the provider
// echoed back.
func (c *Coordinator) locateOrder(ctx context.Context, out payments.Outcome) (string, error) {
	if out.CorrelationKey != "" {
		record, err := c.tracker.FindByCorrelation(ctx, out.Provider, out.CorrelationKey)
		if err == nil {
			return record.OrderID, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", err
		}
	}
	if out.OrderNumber == "" {
		return "", apperr.ErrNotFound
	}
	order, err := c.orders.GetByOrderNumber(ctx, out.OrderNumber)
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

// recordFor returns the payment record the outcome belongs to, creating one
// when the provider reports on an interaction this service did not initiate
// (a payment intent spawned by a checkout session, for instance).
func (c *Coordinator) recordFor(ctx context.Context, order *orders.Order, out payments.Outcome) (*payments.Record, error) {
	record, err := c.tracker.FindByCorrelation(ctx, out.Provider, out.CorrelationKey)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	records, err := c.tracker.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	var open *payments.Record
	for i := range records {
		r := &records[i]
		if r.Provider != out.Provider {
			continue
		}
		if out.ProviderReference != "" && (r.ProviderReference == out.ProviderReference || r.CorrelationKey == out.ProviderReference) {
			return r, nil
		}
		if r.Status != orders.PaymentPaid {
			open = r
		}
	}
	if open != nil {
		return open, nil
	}

	amount := out.Amount
	if amount.IsZero() {
		amount = order.Total
	}
	record = payments.NewRecord(order, out.Provider, out.CorrelationKey, amount, out.Currency, c.now())
	record.MerchantRequestID = out.MerchantRequestID
	if err := c.tracker.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// samePayment reports whether a success outcome describes the payment the
// record already holds.
func samePayment(record *payments.Record, out payments.Outcome) bool {
	if out.ProviderReference != "" && record.ProviderReference == out.ProviderReference {
		return true
	}
	return out.CorrelationKey != "" && record.CorrelationKey == out.CorrelationKey &&
		(record.ProviderReference == "" || out.ProviderReference == "")
}

// settle marks record as reflected on its order. A failed write only means
// Sweep settles it later.
func (c *Coordinator) settle(ctx context.Context, record *payments.Record) {
	record.Settled = true
	if err := c.tracker.Update(ctx, record); err != nil {
		c.logger.WarnContext(ctx, "failed to mark payment settled", "payment_id", record.ID, "error", err)
	}
}

func amountProblem(order *orders.Order, record *payments.Record, out payments.Outcome) string {
	if !out.Amount.Equal(order.Total) {
		return fmt.Sprintf("paid amount %s does not match order total %s", out.Amount, order.Total)
	}
	if out.Currency != "" && record.Currency != "" && !strings.EqualFold(out.Currency, record.Currency) {
		return fmt.Sprintf("paid currency %s does not match expected %s", out.Currency, record.Currency)
	}
	return ""
}

func (c *Coordinator) applySuccess(ctx context.Context, order *orders.Order, record *payments.Record, out payments.Outcome, result Result) (Result, error) {
	key := result.EventKey
	now := c.now()

	// Same payment already applied: the ledger entry was lost, or the success
	// was first learned from a status query without the receipt.
	if record.Status == orders.PaymentPaid && order.PaymentStatus == orders.PaymentPaid && samePayment(record, out) {
		result.Status = StatusDuplicate
		if record.ProviderReference == "" && out.ProviderReference != "" {
			record.ProviderReference = out.ProviderReference
			record.UpdatedAt = now
			if err := c.tracker.Update(ctx, record); err != nil {
				c.logger.WarnContext(ctx, "failed to store provider reference", "payment_id", record.ID, "error", err)
			}
		}
		c.recordEvent(ctx, key, record, out, result.Status)
		return result, nil
	}

	if out.ProviderReference != "" {
		record.ProviderReference = out.ProviderReference
	}
	if out.MerchantRequestID != "" {
		record.MerchantRequestID = out.MerchantRequestID
	}

	if order.PaymentStatus == orders.PaymentPaid || !payments.CanTransition(record.Status, orders.PaymentPaid) {
		record.Flagged = true
		record.FailureReason = "second successful payment for an already paid order"
		if order.PaymentStatus != orders.PaymentPaid {
			record.FailureReason = fmt.Sprintf("successful payment reported for a %s payment", record.Status)
		}
		record.UpdatedAt = now
		if record.Status != orders.PaymentRefunded {
			record.Status = orders.PaymentPaid
		}
		if err := c.tracker.Update(ctx, record); err != nil {
			return result, fmt.Errorf("reconcile %s: update payment record: %w", key, err)
		}
		result.Status = StatusConflict
		result.Detail = record.FailureReason
		c.anomaly(ctx, payments.AnomalyConflicting, out.Provider, order.ID, key, result.Detail)
		c.recordEvent(ctx, key, record, out, result.Status)
		return result, nil
	}

	if problem := amountProblem(order, record, out); problem != "" {
		record.Status = orders.PaymentPaid
		record.Flagged = true
		record.FailureReason = problem
		record.UpdatedAt = now
		if err := c.tracker.Update(ctx, record); err != nil {
			return result, fmt.Errorf("reconcile %s: update payment record: %w", key, err)
		}
		result.Status = StatusAmountMismatch
		result.Detail = problem
		c.anomaly(ctx, payments.AnomalyAmountMismatch, out.Provider, order.ID, key, problem)
		c.recordEvent(ctx, key, record, out, result.Status)
		return result, fmt.Errorf("reconcile %s: %w: %s", key, apperr.ErrAmountMismatch, problem)
	}

	// Payment first: it records what the provider said happened.
	record.Status = orders.PaymentPaid
	record.FailureReason = ""
	record.UpdatedAt = now
	if err := c.tracker.Update(ctx, record); err != nil {
		return result, fmt.Errorf("reconcile %s: update payment record: %w", key, err)
	}

	updated, err := c.orders.Update(ctx, order.ID, func(o *orders.Order) error {
		if err := o.SetPayment(orders.PaymentPaid, record.Method, now); err != nil {
			return err
		}
		if o.Status == orders.StatusPending {
			_, err := o.TransitionTo(orders.StatusConfirmed, now)
			return err
		}
		return nil
	})
	if err != nil {
		result.Status = StatusInconsistent
		result.Detail = fmt.Sprintf("payment %s marked paid but order update failed: %v", record.ID, err)
		c.anomaly(ctx, payments.AnomalyInconsistent, out.Provider, order.ID, key, result.Detail)
		return result, fmt.Errorf("reconcile %s: update order after payment: %w", key, err)
	}
	result.OrderStatus, result.PaymentStatus = updated.Status, updated.PaymentStatus
	c.settle(ctx, record)

	if updated.Status == orders.StatusCancelled {
		result.Status = StatusConflict
		result.Detail = "payment received for a cancelled order"
		c.anomaly(ctx, payments.AnomalyConflicting, out.Provider, order.ID, key, result.Detail)
		c.recordEvent(ctx, key, record, out, result.Status)
		return result, nil
	}

	result.Status = StatusApplied
	c.recordEvent(ctx, key, record, out, result.Status)
	c.logger.InfoContext(ctx, "payment reconciled",
		"order_id", updated.ID, "order_number", updated.OrderNumber, "payment_id", record.ID,
		"provider", out.Provider, "provider_reference", record.ProviderReference, "order_status", updated.Status)

	c.emitPaid(ctx, updated, record)
	return result, nil
}

func (c *Coordinator) applyFailure(ctx context.Context, order *orders.Order, record *payments.Record, out payments.Outcome, result Result) (Result, error) {
	key := result.EventKey
	now := c.now()

	if record.Status == orders.PaymentPaid || order.PaymentStatus == orders.PaymentPaid {
		result.Status = StatusConflict
		result.Detail = fmt.Sprintf("%s outcome after the payment was recorded as paid", out.Kind)
		c.anomaly(ctx, payments.AnomalyConflicting, out.Provider, order.ID, key, result.Detail)
		c.recordEvent(ctx, key, record, out, result.Status)
		return result, nil
	}

	record.Status = orders.PaymentFailed
	record.FailureReason = out.Description
	if record.FailureReason == "" {
		record.FailureReason = string(out.Kind)
	}
	record.UpdatedAt = now
	if err := c.tracker.Update(ctx, record); err != nil {
		return result, fmt.Errorf("reconcile %s: update payment record: %w", key, err)
	}

	updated, err := c.orders.Update(ctx, order.ID, func(o *orders.Order) error {
		return o.SetPayment(orders.PaymentFailed, record.Method, now)
	})
	if err != nil {
		result.Status = StatusInconsistent
		result.Detail = fmt.Sprintf("payment %s marked failed but order update failed: %v", record.ID, err)
		c.anomaly(ctx, payments.AnomalyInconsistent, out.Provider, order.ID, key, result.Detail)
		return result, fmt.Errorf("reconcile %s: update order after payment: %w", key, err)
	}
	result.OrderStatus, result.PaymentStatus = updated.Status, updated.PaymentStatus

	result.Status = StatusApplied
	c.recordEvent(ctx, key, record, out, result.Status)
	c.logger.InfoContext(ctx, "payment failure reconciled",
		"order_id", updated.ID, "order_number", updated.OrderNumber, "payment_id", record.ID,
		"provider", out.Provider, "outcome", out.Kind, "reason", record.FailureReason)
	return result, nil
}

func (c *Coordinator) recordEvent(ctx context.Context, key string, record *payments.Record, out payments.Outcome, status Status) {
	err := c.tracker.RecordEvent(ctx, &payments.Event{
		Key:        key,
		OrderID:    record.OrderID,
		RecordID:   record.ID,
		Kind:       string(out.Kind),
		Result:     string(status),
		AppliedAt:  c.now(),
		RawOutcome: out,
	})
	switch {
	case errors.Is(err, apperr.ErrDuplicateEvent):
		c.logger.InfoContext(ctx, "provider event already in ledger", "event_key", key)
	case err != nil:
		c.logger.ErrorContext(ctx, "failed to record provider event", "event_key", key, "error", err)
	}
}

func (c *Coordinator) emitPaid(ctx context.Context, order *orders.Order, record *payments.Record) {
	err := c.emitter.OrderPaid(ctx, emitter.PaidEvent{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		PaymentID:         record.ID,
		Provider:          string(record.Provider),
		ProviderReference: record.ProviderReference,
		Amount:            record.Amount,
		Currency:          record.Currency,
		PaidAt:            record.UpdatedAt,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "order paid notification failed", "order_number", order.OrderNumber, "error", err)
	}
}
