// Package mpesa talks to the Safaricom Daraja API: STK push initiation,
// transaction status queries and parsing of the asynchronous STK callback.
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/cache"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	transactionType = "CustomerPayBillOnline"

	// errCodeStillProcessing is what the STK query answers before the
	// customer has acted on the prompt.
	errCodeStillProcessing = "500.001.1001"
	timestampLayout = "20060102150405"
)

var (
	MinAmount = decimal.NewFromInt(1)
	MaxAmount = decimal.NewFromInt(150000)

	eat = time.FixedZone("EAT", 3*60*60)
)

// Config holds Daraja credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Configured reports whether the credentials needed for STK push are present.
func (c Config) Configured() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.ShortCode != "" && c.Passkey != ""
}

// Client is a Daraja API client. STK push is never retried: a retried push
// would prompt the customer a second time.
type Client struct {
	cfg    Config
	http   *resty.Client
	tokens cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a Daraja client caching OAuth tokens in tokens.
func NewClient(cfg Config, tokens cache.Cache, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).SetTimeout(cfg.Timeout),
		tokens: tokens,
		logger: logger,
		now:    time.Now,
	}
}

// STKPushRequest initiates a payment prompt on the customer's phone.
type STKPushRequest struct {
	PhoneNumber      string          `json:"phoneNumber"`
	Amount           decimal.Decimal `json:"amount"`
	AccountReference string          `json:"accountReference"`
	TransactionDesc  string          `json:"transactionDesc,omitempty"`
	CallbackURL      string          `json:"callbackUrl,omitempty"`
}

// Validate checks the request against Daraja's limits and reports every problem.
func (r STKPushRequest) Validate() error {
	v := &apperr.ValidationError{}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		v.Add("phoneNumber", "is required")
	} else if _, err := NormalizePhone(r.PhoneNumber); err != nil {
		v.Add("phoneNumber", "%s", err.Error())
	}
	if r.Amount.LessThan(MinAmount) || r.Amount.GreaterThan(MaxAmount) {
		v.Add("amount", "must be between %s and %s", MinAmount, MaxAmount)
	} else if !r.Amount.IsInteger() {
		v.Add("amount", "must be a whole number")
	}
	if strings.TrimSpace(r.AccountReference) == "" {
		v.Add("accountReference", "is required")
	} else if len(r.AccountReference) > 20 {
		v.Add("accountReference", "must be at most 20 characters")
	}
	return v.OrNil()
}

// STKPushResponse is Daraja's synchronous acknowledgement of an STK push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryResponse is the provider-side status of an STK push. ResultCode is
// empty while the push is still being processed.
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// NormalizePhone converts local formats (07.., 01.., +254..) to 2547XXXXXXXX.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(phone))
	for _, ch := range p {
		if ch < '0' || ch > '9' {
			return "", errors.New("must contain digits only")
		}
	}

	switch {
	case len(p) == 12 && strings.HasPrefix(p, "254"):
	case len(p) == 10 && strings.HasPrefix(p, "0"):
		p = "254" + p[1:]
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		p = "254" + p
	default:
		return "", errors.New("must be a Kenyan mobile number")
	}

	if p[3] != '7' && p[3] != '1' {
		return "", errors.New("must be a Kenyan mobile number")
	}
	return p, nil
}

func (c *Client) timestamp() string {
	return c.now().In(eat).Format(timestampLayout)
}

func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))
}

func transportError(op string, err error) error {
	return fmt.Errorf("mpesa %s: %w: %v", op, apperr.ErrProviderUnavailable, err)
}

func responseError(op string, resp *resty.Response) error {
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("mpesa %s: %w: status %d", op, apperr.ErrProviderUnavailable, resp.StatusCode())
	}
	if e, ok := resp.Error().(*apiError); ok && e.ErrorMessage != "" {
		return fmt.Errorf("mpesa %s: %w: %s (%s)", op, apperr.ErrProviderRejected, e.ErrorMessage, e.ErrorCode)
	}
	return fmt.Errorf("mpesa %s: %w: status %d", op, apperr.ErrProviderRejected, resp.StatusCode())
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	key := c.tokens.GenerateKey("mpesa", "access_token:"+c.cfg.ConsumerKey)
	if token, err := c.tokens.Get(ctx, key); err == nil && token != "" {
		return token, nil
	} else if err != nil {
		c.logger.WarnContext(ctx, "mpesa token cache unavailable", "error", err)
	}

	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		SetResult(&tok).
		SetError(&apiError{}).
		Get("/oauth/v1/generate")
	if err != nil {
		return "", transportError("oauth", err)
	}
	if resp.IsError() {
		return "", responseError("oauth", resp)
	}

	ttl := 3599 * time.Second
	if secs, err := tok.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	// Refresh a minute early so an in-flight request never carries an expired token.
	if ttl > time.Minute {
		ttl -= time.Minute
	}
	if err := c.tokens.Set(ctx, key, tok.AccessToken, ttl); err != nil {
		c.logger.WarnContext(ctx, "failed to cache mpesa token", "error", err)
	}
	return tok.AccessToken, nil
}

// STKPush sends the payment prompt. The returned CheckoutRequestID is the
// correlation key carried by the later callback.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	if !c.cfg.Configured() {
		return nil, fmt.Errorf("mpesa: %w", apperr.ErrProviderNotConfigured)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	phone, _ := NormalizePhone(req.PhoneNumber)
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = c.cfg.CallbackURL
	}
	if callbackURL == "" {
		return nil, fmt.Errorf("mpesa callback url: %w", apperr.ErrProviderNotConfigured)
	}
	desc := req.TransactionDesc
	if desc == "" {
		desc = "Payment for " + req.AccountReference
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.timestamp()
	body := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"TransactionType":   transactionType,
		"Amount":            req.Amount.IntPart(),
		"PartyA":            phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       callbackURL,
		"AccountReference":  req.AccountReference,
		"TransactionDesc":   desc,
	}

	var out STKPushResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/mpesa/stkpush/v1/processrequest")
	if err != nil {
		return nil, transportError("stk push", err)
	}
	if resp.IsError() {
		return nil, responseError("stk push", resp)
	}
	if out.ResponseCode != "0" {
		return nil, fmt.Errorf("mpesa stk push: %w: %s", apperr.ErrProviderRejected, out.ResponseDescription)
	}

	c.logger.InfoContext(ctx, "mpesa stk push accepted",
		"checkout_request_id", out.CheckoutRequestID, "merchant_request_id", out.MerchantRequestID,
		"account_reference", req.AccountReference)
	return &out, nil
}

// QueryStatus asks Daraja for the current state of an STK push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	if !c.cfg.Configured() {
		return nil, fmt.Errorf("mpesa: %w", apperr.ErrProviderNotConfigured)
	}
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, apperr.Invalid("checkoutRequestID", "is required")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.timestamp()
	var out QueryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{
			"BusinessShortCode": c.cfg.ShortCode,
			"Password":          c.password(ts),
			"Timestamp":         ts,
			"CheckoutRequestID": checkoutRequestID,
		}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/mpesa/stkpushquery/v1/query")
	if err != nil {
		return nil, transportError("stk query", err)
	}
	if e, ok := resp.Error().(*apiError); ok && resp.IsError() && e.ErrorCode == errCodeStillProcessing {
		return &QueryResponse{CheckoutRequestID: checkoutRequestID, ResponseDescription: e.ErrorMessage}, nil
	}
	if resp.IsError() {
		return nil, responseError("stk query", resp)
	}
	return &out, nil
}
