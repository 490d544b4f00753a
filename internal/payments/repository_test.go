package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
)

// MockDB stands in for the pgx pool.
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	mockArgs := m.Called(ctx, sql, args)
	return mockArgs.Get(0).(pgconn.CommandTag), mockArgs.Error(1)
}

func (m *MockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	mockArgs := m.Called(ctx, sql, args)
	rows, _ := mockArgs.Get(0).(pgx.Rows)
	return rows, mockArgs.Error(1)
}

func (m *MockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	mockArgs := m.Called(ctx, sql, args)
	return mockArgs.Get(0).(pgx.Row)
}

// MockRow simulates a single result row.
type MockRow struct {
	scanFunc func(dest ...any) error
}

func (m *MockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

func testRecord() *Record {
	order := &orders.Order{ID: "order-1", OrderNumber: "BM-1"}
	return NewRecord(order, ProviderMpesa, "ws_CO_1", decimal.NewFromInt(2900), "KES", time.Now())
}

func TestPostgresTracker_CreateMapsUniqueViolation(t *testing.T) {
	// Arrange
	db := new(MockDB)
	tracker := NewPostgresTracker(db)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	// Act
	err := tracker.Create(context.Background(), testRecord())

	// Assert
	assert.ErrorIs(t, err, apperr.ErrConflict)
	db.AssertExpectations(t)
}

func TestPostgresTracker_RecordEventMapsUniqueViolation(t *testing.T) {
	// Arrange
	db := new(MockDB)
	tracker := NewPostgresTracker(db)
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO payment_events")
	}), mock.Anything).Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	// Act
	err := tracker.RecordEvent(context.Background(), &Event{Key: "mpesa:ABC:success"})

	// Assert
	assert.ErrorIs(t, err, apperr.ErrDuplicateEvent)
}

func TestPostgresTracker_RecordEventOtherConstraint(t *testing.T) {
	// Arrange
	db := new(MockDB)
	tracker := NewPostgresTracker(db)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23502"})

	// Act
	err := tracker.RecordEvent(context.Background(), &Event{Key: "mpesa:ABC:success"})

	// Assert
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrDuplicateEvent)
}

func TestPostgresTracker_UpdateWritesSettledAndReportsMissing(t *testing.T) {
	// Arrange
	db := new(MockDB)
	tracker := NewPostgresTracker(db)
	rec := testRecord()
	rec.Settled = true
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "settled = $8")
	}), mock.MatchedBy(func(args []any) bool {
		return args[0] == rec.ID && args[7] == true
	})).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	// Act
	err := tracker.Update(context.Background(), rec)

	// Assert
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	db.AssertExpectations(t)
}

func TestPostgresTracker_FindByCorrelationNotFound(t *testing.T) {
	// Arrange
	db := new(MockDB)
	tracker := NewPostgresTracker(db)
	db.On("QueryRow", mock.Anything, mock.Anything, []any{ProviderStripe, "cs_missing"}).
		Return(&MockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }})

	// Act
	_, err := tracker.FindByCorrelation(context.Background(), ProviderStripe, "cs_missing")

	// Assert
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresTracker_ListUnsettledQuery(t *testing.T) {
	// Arrange
	db := new(MockDB)
	tracker := NewPostgresTracker(db)
	cutoff := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotSQL string
	var gotArgs []any
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			gotSQL = args.String(1)
			gotArgs = args.Get(2).([]any)
		}).
		Return(nil, errors.New("stop"))

	// Act
	_, err := tracker.ListUnsettled(context.Background(), cutoff, []Provider{ProviderMpesa})

	// Assert
	require.Error(t, err)
	assert.Contains(t, gotSQL, "NOT settled AND NOT flagged AND updated_at < $1")
	assert.Contains(t, gotSQL, "provider = ANY($4)")
	assert.Equal(t, []any{cutoff, "paid", "pending", []string{"mpesa"}}, gotArgs)
}

func TestPostgresTracker_HasEvent(t *testing.T) {
	// Arrange
	db := new(MockDB)
	tracker := NewPostgresTracker(db)
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"mpesa:ABC:success"}).
		Return(&MockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}})

	// Act
	has, err := tracker.HasEvent(context.Background(), "mpesa:ABC:success")

	// Assert
	require.NoError(t, err)
	assert.True(t, has)
}
