package payments

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
)

func TestOutcome_EventKey(t *testing.T) {
	withRef := Outcome{Provider: ProviderMpesa, Kind: OutcomeSuccess, CorrelationKey: "ws_CO_1", ProviderReference: "ABC123"}
	withoutRef := Outcome{Provider: ProviderMpesa, Kind: OutcomeFailure, CorrelationKey: "ws_CO_1"}

	assert.Equal(t, "mpesa:ABC123:success", withRef.EventKey())
	assert.Equal(t, "mpesa:ws_CO_1:failure", withoutRef.EventKey())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(orders.PaymentPending, orders.PaymentPaid))
	assert.True(t, CanTransition(orders.PaymentPending, orders.PaymentFailed))
	assert.True(t, CanTransition(orders.PaymentFailed, orders.PaymentPaid))
	assert.True(t, CanTransition(orders.PaymentPaid, orders.PaymentRefunded))
	assert.True(t, CanTransition(orders.PaymentPaid, orders.PaymentPaid))
	assert.False(t, CanTransition(orders.PaymentPaid, orders.PaymentFailed))
	assert.False(t, CanTransition(orders.PaymentRefunded, orders.PaymentPaid))
}

func TestMemoryTracker_RecordsAndEvents(t *testing.T) {
	// Arrange
	ctx := context.Background()
	tracker := NewMemoryTracker()
	order := &orders.Order{ID: "order-1", OrderNumber: "BM-1"}
	now := time.Now()
	rec := NewRecord(order, ProviderMpesa, "ws_CO_1", decimal.NewFromInt(2900), "KES", now)

	// Act
	require.NoError(t, tracker.Create(ctx, rec))
	dup := NewRecord(order, ProviderMpesa, "ws_CO_1", decimal.NewFromInt(2900), "KES", now)
	errDup := tracker.Create(ctx, dup)

	// Assert
	assert.ErrorIs(t, errDup, apperr.ErrConflict)
	assert.Equal(t, orders.MethodMpesa, rec.Method)

	found, err := tracker.FindByCorrelation(ctx, ProviderMpesa, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)

	_, err = tracker.FindByCorrelation(ctx, ProviderStripe, "ws_CO_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	event := &Event{Key: "mpesa:ABC:success", OrderID: order.ID}
	require.NoError(t, tracker.RecordEvent(ctx, event))
	assert.ErrorIs(t, tracker.RecordEvent(ctx, event), apperr.ErrDuplicateEvent)
	has, err := tracker.HasEvent(ctx, event.Key)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMemoryTracker_ListUnsettled(t *testing.T) {
	// Arrange
	ctx := context.Background()
	tracker := NewMemoryTracker()
	order := &orders.Order{ID: "order-1", OrderNumber: "BM-1"}
	old := time.Now().Add(-time.Hour)

	paid := NewRecord(order, ProviderMpesa, "a", decimal.NewFromInt(1), "KES", old)
	paid.Status = orders.PaymentPaid
	flagged := NewRecord(order, ProviderMpesa, "b", decimal.NewFromInt(1), "KES", old)
	flagged.Status = orders.PaymentPaid
	flagged.Flagged = true
	fresh := NewRecord(order, ProviderMpesa, "c", decimal.NewFromInt(1), "KES", time.Now())
	fresh.Status = orders.PaymentPaid
	settled := NewRecord(order, ProviderMpesa, "d", decimal.NewFromInt(1), "KES", old)
	settled.Status = orders.PaymentPaid
	settled.Settled = true
	pendingMpesa := NewRecord(order, ProviderMpesa, "e", decimal.NewFromInt(1), "KES", old.Add(time.Second))
	pendingStripe := NewRecord(order, ProviderStripe, "f", decimal.NewFromInt(1), "KES", old)
	failed := NewRecord(order, ProviderMpesa, "g", decimal.NewFromInt(1), "KES", old)
	failed.Status = orders.PaymentFailed
	for _, r := range []*Record{paid, flagged, fresh, settled, pendingMpesa, pendingStripe, failed} {
		require.NoError(t, tracker.Create(ctx, r))
	}

	// Act
	unsettled, err := tracker.ListUnsettled(ctx, time.Now().Add(-time.Minute), []Provider{ProviderMpesa})

	// Assert
	require.NoError(t, err)
	require.Len(t, unsettled, 2)
	assert.Equal(t, paid.ID, unsettled[0].ID)
	assert.Equal(t, pendingMpesa.ID, unsettled[1].ID)
}

func TestMemoryTracker_AnomaliesNewestFirst(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker()
	for _, d := range []string{"first", "second", "third"} {
		require.NoError(t, tracker.RecordAnomaly(ctx, NewAnomaly(AnomalyRejectedPayload, ProviderStripe, "", "", d, time.Now())))
	}

	list, err := tracker.ListAnomalies(ctx, 2)

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "third", list[0].Detail)
	assert.Equal(t, "second", list[1].Detail)
}
