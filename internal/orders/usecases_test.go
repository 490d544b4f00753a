package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brandsonmedia/storefront/internal/apperr"
)

// MockRepository stands in for the store where no real database is needed.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, o *Order) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	args := m.Called(ctx, id)
	o, _ := args.Get(0).(*Order)
	return o, args.Error(1)
}

func (m *MockRepository) GetByOrderNumber(ctx context.Context, number string) (*Order, error) {
	args := m.Called(ctx, number)
	o, _ := args.Get(0).(*Order)
	return o, args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, f Filter) ([]Order, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]Order), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, id string, mutate func(o *Order) error) (*Order, error) {
	args := m.Called(ctx, id, mutate)
	o, _ := args.Get(0).(*Order)
	return o, args.Error(1)
}

func newUseCase() (*UseCase, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewUseCase(repo, DefaultTaxRate, nil), repo
}

func TestUseCase_CreateScenario(t *testing.T) {
	// Arrange
	uc, repo := newUseCase()
	ctx := context.Background()

	// Act
	order, err := uc.Create(ctx, validInput())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "2500", order.Subtotal.String())
	assert.Equal(t, "400", order.Tax.String())
	assert.Equal(t, "2900", order.Total.String())

	stored, err := repo.GetByOrderNumber(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)
}

func TestUseCase_CreateRejectsInvalidInput(t *testing.T) {
	mockRepo := new(MockRepository)
	uc := NewUseCase(mockRepo, DefaultTaxRate, nil)

	_, err := uc.Create(context.Background(), CreateOrderInput{})

	assert.True(t, apperr.IsValidation(err))
	mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestUseCase_CreateRetriesOnOrderNumberCollision(t *testing.T) {
	// Arrange
	mockRepo := new(MockRepository)
	ctx := context.Background()
	mockRepo.On("Create", ctx, mock.AnythingOfType("*orders.Order")).Return(apperr.ErrConflict).Once()
	mockRepo.On("Create", ctx, mock.AnythingOfType("*orders.Order")).Return(nil).Once()
	uc := NewUseCase(mockRepo, DefaultTaxRate, nil)

	// Act
	order, err := uc.Create(ctx, validInput())

	// Assert
	require.NoError(t, err)
	assert.NotNil(t, order)
	mockRepo.AssertNumberOfCalls(t, "Create", 2)
}

func TestUseCase_CreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("Create", mock.Anything, mock.Anything).Return(apperr.ErrConflict)
	uc := NewUseCase(mockRepo, DefaultTaxRate, nil)

	_, err := uc.Create(context.Background(), validInput())

	assert.ErrorIs(t, err, apperr.ErrConflict)
	mockRepo.AssertNumberOfCalls(t, "Create", maxOrderNumberAttempts)
}

func TestUseCase_LookupsReturnNotFound(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()

	_, err := uc.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = uc.GetByOrderNumber(ctx, "BM-00000000-000000")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUseCase_UpdateStatusFollowsStateMachine(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()
	order, err := uc.Create(ctx, validInput())
	require.NoError(t, err)

	for _, s := range []Status{StatusConfirmed, StatusProcessing, StatusShipped} {
		updated, err := uc.UpdateStatus(ctx, order.ID, s)
		require.NoError(t, err)
		assert.Equal(t, s, updated.Status)
	}

	_, err = uc.UpdateStatus(ctx, order.ID, StatusCancelled)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	updated, err := uc.UpdateStatus(ctx, order.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, updated.Status)

	_, err = uc.UpdateStatus(ctx, order.ID, StatusPending)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestUseCase_UpdateStatusIdempotentAndCancel(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()
	order, err := uc.Create(ctx, validInput())
	require.NoError(t, err)

	same, err := uc.UpdateStatus(ctx, order.ID, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, order.UpdatedAt, same.UpdatedAt)

	cancelled, err := uc.Cancel(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = uc.UpdateStatus(ctx, order.ID, StatusConfirmed)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = uc.UpdateStatus(ctx, order.ID, Status("unknown"))
	assert.True(t, apperr.IsValidation(err))

	_, err = uc.UpdateStatus(ctx, "missing", StatusConfirmed)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUseCase_UpdatePaymentStatusDoesNotConfirm(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()
	order, err := uc.Create(ctx, validInput())
	require.NoError(t, err)

	updated, err := uc.UpdatePaymentStatus(ctx, order.ID, PaymentPaid, MethodStripe)

	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, updated.PaymentStatus)
	assert.Equal(t, MethodStripe, updated.PaymentMethod)
	assert.Equal(t, StatusPending, updated.Status)
}

func TestUseCase_ConcurrentStatusWritesStayConsistent(t *testing.T) {
	uc, _ := newUseCase()
	ctx := context.Background()
	order, err := uc.Create(ctx, validInput())
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []Status
	)
	for _, s := range []Status{StatusConfirmed, StatusCancelled, StatusProcessing, StatusShipped} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(s Status) {
				defer wg.Done()
				if _, err := uc.UpdateStatus(ctx, order.ID, s); err == nil {
					mu.Lock()
					succeeded = append(succeeded, s)
					mu.Unlock()
				} else if !errors.Is(err, apperr.ErrInvalidTransition) {
					t.Errorf("unexpected error: %v", err)
				}
			}(s)
		}
	}
	wg.Wait()

	final, err := uc.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, succeeded)
	assert.Contains(t, succeeded, final.Status)
}

func TestMemoryRepository_ListFilters(t *testing.T) {
	uc, repo := newUseCase()
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		day := base.AddDate(0, 0, i)
		uc.now = func() time.Time { return day }
		in := validInput()
		if i == 2 {
			in.Customer.Email = "other@example.com"
		}
		_, err := uc.Create(ctx, in)
		require.NoError(t, err)
	}

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))

	byEmail, err := repo.List(ctx, Filter{CustomerEmail: "OTHER@example.com"})
	require.NoError(t, err)
	assert.Len(t, byEmail, 1)

	byDate, err := repo.List(ctx, Filter{CreatedFrom: base.AddDate(0, 0, 1), CreatedTo: base.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Len(t, byDate, 1)

	paged, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	none, err := repo.List(ctx, Filter{Status: StatusDelivered})
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.True(t, all[0].Total.Equal(decimal.NewFromInt(2900)))
}
