package mpesa

import (
	"context"
	"strconv"

	"github.com/brandsonmedia/storefront/internal/payments"
)

// QueryOutcome turns an STK query answer for record into a normalized outcome.
// The query carries no receipt or amount, so a success reports the amount the
// push was initiated with.
func QueryOutcome(resp *QueryResponse, record *payments.Record) payments.Outcome {
	out := payments.Outcome{
		Provider:          payments.ProviderMpesa,
		CorrelationKey:    record.CorrelationKey,
		MerchantRequestID: resp.MerchantRequestID,
		OrderNumber:       record.OrderNumber,
		Currency:          "KES",
		Description:       resp.ResultDesc,
	}
	if out.MerchantRequestID == "" {
		out.MerchantRequestID = record.MerchantRequestID
	}

	code, err := strconv.Atoi(resp.ResultCode)
	switch {
	case resp.ResultCode == "" || err != nil:
		out.Kind = payments.OutcomePending
	case code == ResultSuccess:
		out.Kind = payments.OutcomeSuccess
		out.Amount = record.Amount
	case code == ResultCancelledByUser:
		out.Kind = payments.OutcomeCancelled
	default:
		out.Kind = payments.OutcomeFailure
	}
	return out
}

// CheckPending asks Daraja what became of the STK push behind record.
func (c *Client) CheckPending(ctx context.Context, record *payments.Record) (payments.Outcome, error) {
	resp, err := c.QueryStatus(ctx, record.CorrelationKey)
	if err != nil {
		return payments.Outcome{}, err
	}
	out := QueryOutcome(resp, record)
	out.ReceivedAt = c.now().UTC()
	c.logger.InfoContext(ctx, "mpesa stk status checked",
		"checkout_request_id", record.CorrelationKey, "result_code", resp.ResultCode, "outcome", out.Kind)
	return out, nil
}
