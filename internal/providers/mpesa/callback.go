package mpesa

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/payments"
)

// ErrMalformedCallback is returned for callbacks that cannot be interpreted.
var ErrMalformedCallback = errors.New("malformed mpesa callback")

// Result codes with a specific meaning; every other non-zero code is a failure.
const (
	ResultSuccess         = 0
	ResultCancelledByUser = 1032
)

// Ack is the body Daraja expects back, whatever happened internally.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var Accepted = Ack{ResultCode: 0, ResultDesc: "Success"}

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        json.Number `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []struct {
			Name  string `json:"Name"`
			Value any    `json:"Value"`
		} `json:"Item"`
	} `json:"CallbackMetadata"`
}

func (cb *stkCallback) metadata(name string) (string, bool) {
	if cb.CallbackMetadata == nil {
		return "", false
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == name && item.Value != nil {
			return fmt.Sprint(item.Value), true
		}
	}
	return "", false
}

// Adapter turns STK callbacks into normalized payment outcomes. Daraja does not
// sign callbacks; when a callback token is configured the callback URL must
// carry it.
type Adapter struct {
	callbackToken string
	now           func() time.Time
}

// NewAdapter returns an Adapter. An empty callbackToken disables the token check.
func NewAdapter(callbackToken string) *Adapter {
	return &Adapter{callbackToken: callbackToken, now: time.Now}
}

// ParseCallback authenticates and parses a raw callback body.
func (a *Adapter) ParseCallback(body []byte, token string) (payments.Outcome, error) {
	if a.callbackToken != "" && subtle.ConstantTimeCompare([]byte(a.callbackToken), []byte(token)) != 1 {
		return payments.Outcome{}, fmt.Errorf("mpesa callback token: %w", apperr.ErrAuthentication)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var env callbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return payments.Outcome{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return payments.Outcome{}, fmt.Errorf("%w: missing stkCallback.CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := cb.ResultCode.Int64()
	if err != nil {
		return payments.Outcome{}, fmt.Errorf("%w: result code %q", ErrMalformedCallback, cb.ResultCode)
	}

	out := payments.Outcome{
		Provider:          payments.ProviderMpesa,
		CorrelationKey:    cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		Currency:          "KES",
		Description:       cb.ResultDesc,
		ReceivedAt:        a.now().UTC(),
	}

	switch code {
	case ResultSuccess:
		out.Kind = payments.OutcomeSuccess
		receipt, ok := cb.metadata("MpesaReceiptNumber")
		if !ok || receipt == "" {
			return payments.Outcome{}, fmt.Errorf("%w: success without MpesaReceiptNumber", ErrMalformedCallback)
		}
		out.ProviderReference = receipt
		raw, ok := cb.metadata("Amount")
		if !ok {
			return payments.Outcome{}, fmt.Errorf("%w: success without Amount", ErrMalformedCallback)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return payments.Outcome{}, fmt.Errorf("%w: amount %q", ErrMalformedCallback, raw)
		}
		out.Amount = amount
	case ResultCancelledByUser:
		out.Kind = payments.OutcomeCancelled
	default:
		out.Kind = payments.OutcomeFailure
	}
	return out, nil
}
