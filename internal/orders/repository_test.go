package orders

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

func (m *MockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	mockArgs := m.Called(ctx)
	tx, _ := mockArgs.Get(0).(pgx.Tx)
	return tx, mockArgs.Error(1)
}

// MockTx implements the transaction methods the repository calls; the
// embedded interface covers the rest.
type MockTx struct {
	pgx.Tx
	mock.Mock
}

func (m *MockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	mockArgs := m.Called(ctx, sql, args)
	return mockArgs.Get(0).(pgx.Row)
}

func (m *MockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	mockArgs := m.Called(ctx, sql, args)
	return mockArgs.Get(0).(pgconn.CommandTag), mockArgs.Error(1)
}

func (m *MockTx) Commit(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockTx) Rollback(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockRow simulates a single result row.
type MockRow struct {
	scanFunc func(dest ...any) error
}

func (m *MockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

func pendingOrderRow(id string) *MockRow {
	return &MockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = "BM-20250101-000001"
		*dest[4].(*decimal.Decimal) = decimal.NewFromInt(2500)
		*dest[5].(*decimal.Decimal) = DefaultTaxRate
		*dest[6].(*decimal.Decimal) = decimal.NewFromInt(400)
		*dest[7].(*decimal.Decimal) = decimal.NewFromInt(2900)
		*dest[8].(*Status) = StatusPending
		*dest[9].(*PaymentStatus) = PaymentPending
		return nil
	}}
}

func TestPostgresRepository_CreateMapsUniqueViolation(t *testing.T) {
	// Arrange
	db := new(MockDB)
	repo := NewPostgresRepository(db)
	order := NewOrder(validInput(), "BM-1", DefaultTaxRate, time.Now())
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	// Act
	err := repo.Create(context.Background(), order)

	// Assert
	assert.ErrorIs(t, err, apperr.ErrConflict)
	db.AssertExpectations(t)
}

func TestPostgresRepository_CreatePassesOtherErrors(t *testing.T) {
	// Arrange
	db := new(MockDB)
	repo := NewPostgresRepository(db)
	order := NewOrder(validInput(), "BM-1", DefaultTaxRate, time.Now())
	boom := errors.New("connection refused")
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, boom)

	// Act
	err := repo.Create(context.Background(), order)

	// Assert
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, apperr.ErrConflict)
}

func TestPostgresRepository_GetByIDNotFound(t *testing.T) {
	// Arrange
	db := new(MockDB)
	repo := NewPostgresRepository(db)
	row := &MockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"missing"}).Return(row)

	// Act
	_, err := repo.GetByID(context.Background(), "missing")

	// Assert
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresRepository_ListNumbersPlaceholders(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    Filter
		wantWhere []string
		wantArgs  []any
		wantTail  string
	}{
		{
			name:     "no filter",
			filter:   Filter{},
			wantArgs: []any{defaultListLimit, 0},
			wantTail: "LIMIT $1 OFFSET $2",
		},
		{
			name:      "status and payment status",
			filter:    Filter{Status: StatusPending, PaymentStatus: PaymentFailed, Limit: 10, Offset: 20},
			wantWhere: []string{"status = $1", "payment_status = $2"},
			wantArgs:  []any{StatusPending, PaymentFailed, 10, 20},
			wantTail:  "LIMIT $3 OFFSET $4",
		},
		{
			name:      "every criterion",
			filter:    Filter{Status: StatusShipped, PaymentStatus: PaymentPaid, CustomerEmail: "a@b.co", CreatedFrom: from, CreatedTo: to},
			wantWhere: []string{"status = $1", "payment_status = $2", "lower(customer->>'email') = lower($3)", "created_at >= $4", "created_at < $5"},
			wantArgs:  []any{StatusShipped, PaymentPaid, "a@b.co", from, to.AddDate(0, 0, 1), defaultListLimit, 0},
			wantTail:  "LIMIT $6 OFFSET $7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			db := new(MockDB)
			repo := NewPostgresRepository(db)
			var gotSQL string
			var gotArgs []any
			db.On("Query", mock.Anything, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					gotSQL = args.String(1)
					gotArgs = args.Get(2).([]any)
				}).
				Return(nil, errors.New("stop"))

			// Act
			_, err := repo.List(context.Background(), tt.filter)

			// Assert
			require.Error(t, err)
			for _, clause := range tt.wantWhere {
				assert.Contains(t, gotSQL, clause)
			}
			if len(tt.wantWhere) == 0 {
				assert.NotContains(t, gotSQL, "WHERE")
			}
			assert.True(t, strings.HasSuffix(strings.TrimSpace(gotSQL), tt.wantTail), gotSQL)
			assert.Equal(t, tt.wantArgs, gotArgs)
		})
	}
}

func TestPostgresRepository_UpdateLocksRowAndCommits(t *testing.T) {
	// Arrange
	ctx := context.Background()
	db := new(MockDB)
	tx := new(MockTx)
	repo := NewPostgresRepository(db)
	db.On("Begin", ctx).Return(tx, nil)
	tx.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "FOR UPDATE")
	}), []any{"order-1"}).Return(pendingOrderRow("order-1"))
	tx.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "UPDATE orders")
	}), mock.MatchedBy(func(args []any) bool {
		return args[0] == "order-1" && args[7] == StatusConfirmed && args[8] == PaymentPaid
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	tx.On("Commit", ctx).Return(nil)
	tx.On("Rollback", ctx).Return(pgx.ErrTxClosed)

	// Act
	updated, err := repo.Update(ctx, "order-1", func(o *Order) error {
		if err := o.SetPayment(PaymentPaid, MethodMpesa, time.Now()); err != nil {
			return err
		}
		_, err := o.TransitionTo(StatusConfirmed, time.Now())
		return err
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
	assert.Equal(t, PaymentPaid, updated.PaymentStatus)
	db.AssertExpectations(t)
	tx.AssertExpectations(t)
}

func TestPostgresRepository_UpdateRollsBackWhenMutateFails(t *testing.T) {
	// Arrange
	ctx := context.Background()
	db := new(MockDB)
	tx := new(MockTx)
	repo := NewPostgresRepository(db)
	db.On("Begin", ctx).Return(tx, nil)
	tx.On("QueryRow", ctx, mock.Anything, []any{"order-1"}).Return(pendingOrderRow("order-1"))
	tx.On("Rollback", ctx).Return(nil)

	// Act
	_, err := repo.Update(ctx, "order-1", func(o *Order) error {
		o.Status = StatusDelivered
		_, err := o.TransitionTo(StatusPending, time.Now())
		return err
	})

	// Assert
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "Commit", mock.Anything)
	tx.AssertCalled(t, "Rollback", ctx)
}

func TestPostgresRepository_UpdateMissingOrder(t *testing.T) {
	// Arrange
	ctx := context.Background()
	db := new(MockDB)
	tx := new(MockTx)
	repo := NewPostgresRepository(db)
	db.On("Begin", ctx).Return(tx, nil)
	tx.On("QueryRow", ctx, mock.Anything, []any{"missing"}).
		Return(&MockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }})
	tx.On("Rollback", ctx).Return(nil)

	// Act
	_, err := repo.Update(ctx, "missing", func(*Order) error { return nil })

	// Assert
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
