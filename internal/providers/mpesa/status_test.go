package mpesa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
	"github.com/brandsonmedia/storefront/internal/payments"
)

func pendingRecord() *payments.Record {
	order := &orders.Order{ID: "order-1", OrderNumber: "BM-1"}
	r := payments.NewRecord(order, payments.ProviderMpesa, "ws_CO_1", decimal.NewFromInt(2900), "KES", order.CreatedAt)
	r.MerchantRequestID = "29115-1"
	return r
}

func TestQueryOutcome(t *testing.T) {
	tests := []struct {
		name       string
		resultCode string
		want       payments.OutcomeKind
	}{
		{name: "no result yet", resultCode: "", want: payments.OutcomePending},
		{name: "paid", resultCode: "0", want: payments.OutcomeSuccess},
		{name: "cancelled", resultCode: "1032", want: payments.OutcomeCancelled},
		{name: "insufficient funds", resultCode: "1", want: payments.OutcomeFailure},
		{name: "unreachable phone", resultCode: "1037", want: payments.OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			out := QueryOutcome(&QueryResponse{ResultCode: tt.resultCode, ResultDesc: "desc"}, pendingRecord())

			// Assert
			assert.Equal(t, tt.want, out.Kind)
			assert.Equal(t, payments.ProviderMpesa, out.Provider)
			assert.Equal(t, "ws_CO_1", out.CorrelationKey)
			assert.Equal(t, "29115-1", out.MerchantRequestID)
			if tt.want == payments.OutcomeSuccess {
				assert.True(t, out.Amount.Equal(decimal.NewFromInt(2900)))
			} else {
				assert.True(t, out.Amount.IsZero())
			}
		})
	}
}

func TestClient_CheckPendingCancelled(t *testing.T) {
	// Arrange
	fake := &fakeDaraja{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	// Act
	out, err := client.CheckPending(context.Background(), pendingRecord())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCancelled, out.Kind)
	assert.Equal(t, "Request cancelled by user", out.Description)
}

func TestClient_CheckPendingStillProcessing(t *testing.T) {
	// Arrange
	fake := &fakeDaraja{
		queryStatus: http.StatusInternalServerError,
		queryBody:   `{"requestId":"r-2","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	// Act
	out, err := client.CheckPending(context.Background(), pendingRecord())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomePending, out.Kind)
}

func TestClient_CheckPendingProviderDown(t *testing.T) {
	// Arrange
	fake := &fakeDaraja{
		queryStatus: http.StatusServiceUnavailable,
		queryBody:   `{"requestId":"r-3","errorCode":"503.001.01","errorMessage":"Service unavailable"}`,
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	// Act
	_, err := client.CheckPending(context.Background(), pendingRecord())

	// Assert
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}
