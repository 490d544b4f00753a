package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/cache"
)

type fakeDaraja struct {
	tokenCalls  int32
	lastPush    map[string]any
	pushStatus  int
	queryStatus int
	queryBody   string
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastPush))
		w.Header().Set("Content-Type", "application/json")
		if f.pushStatus != 0 {
			w.WriteHeader(f.pushStatus)
			_, _ = w.Write([]byte(`{"requestId":"r-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`))
			return
		}
		_, _ = w.Write([]byte(`{"MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0",
			"ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`))
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if f.queryBody != "" {
			if f.queryStatus != 0 {
				w.WriteHeader(f.queryStatus)
			}
			_, _ = w.Write([]byte(f.queryBody))
			return
		}
		_, _ = w.Write([]byte(`{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully",
			"MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`))
	})
	return mux
}

func newTestClient(t *testing.T, url string) *Client {
	c := NewClient(Config{
		BaseURL:        url,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://shop.example.com/payments/mpesa/callback",
		Timeout:        2 * time.Second,
	}, cache.NewMemoryCache("test"), nil)
	c.now = func() time.Time { return time.Date(2026, 10, 17, 7, 30, 0, 0, time.UTC) }
	return c
}

func TestClient_STKPush(t *testing.T) {
	// Arrange
	fake := &fakeDaraja{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	// Act
	resp, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber:      "0712 345 678",
		Amount:           decimal.NewFromInt(2900),
		AccountReference: "BM-20261017-ABCDEF",
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)
	assert.Equal(t, "29115-1", resp.MerchantRequestID)
	assert.Equal(t, "254712345678", fake.lastPush["PhoneNumber"])
	assert.Equal(t, "254712345678", fake.lastPush["PartyA"])
	assert.Equal(t, float64(2900), fake.lastPush["Amount"])
	assert.Equal(t, "20261017103000", fake.lastPush["Timestamp"])
	expectedPassword := base64.StdEncoding.EncodeToString([]byte("174379passkey20261017103000"))
	assert.Equal(t, expectedPassword, fake.lastPush["Password"])
	assert.Equal(t, "https://shop.example.com/payments/mpesa/callback", fake.lastPush["CallBackURL"])
}

func TestClient_TokenIsCached(t *testing.T) {
	fake := &fakeDaraja{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := client.QueryStatus(ctx, "ws_CO_1")
	require.NoError(t, err)
	status, err := client.QueryStatus(ctx, "ws_CO_1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokenCalls))
	assert.Equal(t, "1032", status.ResultCode)
}

func TestClient_RejectedRequest(t *testing.T) {
	fake := &fakeDaraja{pushStatus: http.StatusBadRequest}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	_, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber: "254712345678", Amount: decimal.NewFromInt(10), AccountReference: "BM-1",
	})

	assert.ErrorIs(t, err, apperr.ErrProviderRejected)
	assert.Contains(t, err.Error(), "Invalid Amount")
}

func TestClient_UnreachableProviderIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := newTestClient(t, url)

	_, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber: "254712345678", Amount: decimal.NewFromInt(10), AccountReference: "BM-1",
	})

	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}

func TestClient_NotConfigured(t *testing.T) {
	client := NewClient(Config{}, cache.NewMemoryCache("test"), nil)

	_, err := client.STKPush(context.Background(), STKPushRequest{})
	assert.ErrorIs(t, err, apperr.ErrProviderNotConfigured)

	_, err = client.QueryStatus(context.Background(), "ws_CO_1")
	assert.ErrorIs(t, err, apperr.ErrProviderNotConfigured)
}

func TestSTKPushRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		ok     bool
	}{
		{"lower bound", "1", true},
		{"upper bound", "150000", true},
		{"zero", "0", false},
		{"above max", "150001", false},
		{"fractional", "10.5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := STKPushRequest{
				PhoneNumber: "0712345678", Amount: decimal.RequireFromString(tt.amount), AccountReference: "BM-1",
			}.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperr.IsValidation(err))
			}
		})
	}

	err := STKPushRequest{}.Validate()
	var v *apperr.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Len(t, v.Fields, 3)
}

func TestNormalizePhone(t *testing.T) {
	valid := map[string]string{
		"0712345678":     "254712345678",
		"+254712345678":  "254712345678",
		"254 712 345678": "254712345678",
		"712345678":      "254712345678",
		"0110345678":     "254110345678",
	}
	for in, want := range valid {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"12345", "0812345678", "07123abc78", "255712345678"} {
		_, err := NormalizePhone(in)
		assert.Error(t, err, in)
	}
}
