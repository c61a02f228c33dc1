package apple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/retry.v1"

	"github.com/code-payments/flipchat-iap/iap"
)

const (
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// Receipt statuses returned by the verifyReceipt endpoint.
const (
	StatusValid                  = 0
	StatusServerNotAvailable     = 21005
	StatusSandboxReceiptOnProd   = 21007
	StatusProductionReceiptOnBox = 21008
)

// StatusError is returned when the validation service rejects a receipt.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("receipt validation failed with status %d", e.Status)
}

// Retryable reports whether Apple asks for the request to be tried again.
func (e *StatusError) Retryable() bool {
	return e.Status == StatusServerNotAvailable || (e.Status >= 21100 && e.Status <= 21199)
}

var noRetry = retry.LimitCount(1, retry.Exponential{
	Initial: time.Millisecond,
	Factor:  1,
})

type Option func(v *Validator)

// WithURLs overrides the production and sandbox endpoints.
func WithURLs(production, sandbox string) Option {
	return func(v *Validator) {
		v.productionURL = production
		v.sandboxURL = sandbox
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(v *Validator) {
		v.httpClient = client
	}
}

// WithRetryStrategy retries transport failures, 5xx responses and
// retryable statuses according to the strategy. By default nothing is
// retried.
func WithRetryStrategy(strategy retry.Strategy) Option {
	return func(v *Validator) {
		v.retryStrategy = strategy
	}
}

func WithExcludeOldTransactions(exclude bool) Option {
	return func(v *Validator) {
		v.excludeOldTransactions = exclude
	}
}

// Validator validates receipts against Apple's verifyReceipt endpoint,
// authenticating with the app's shared secret.
type Validator struct {
	log                    *zap.Logger
	environment            iap.Environment
	sharedSecret           string
	productionURL          string
	sandboxURL             string
	httpClient             *http.Client
	retryStrategy          retry.Strategy
	excludeOldTransactions bool
}

func NewValidator(log *zap.Logger, environment iap.Environment, sharedSecret string, opts ...Option) *Validator {
	v := &Validator{
		log:           log,
		environment:   environment,
		sharedSecret:  sharedSecret,
		productionURL: ProductionURL,
		sandboxURL:    SandboxURL,
		httpClient:    http.DefaultClient,
		retryStrategy: noRetry,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate validates the receipt. A sandbox receipt sent to production is
// validated again against the sandbox.
func (v *Validator) Validate(ctx context.Context, receiptData string) (*iap.ReceiptInfo, error) {
	endpoint := v.productionURL
	if v.environment == iap.EnvironmentSandbox {
		endpoint = v.sandboxURL
	}

	resp, err := v.validateWithRetry(ctx, endpoint, receiptData)
	if err != nil {
		return nil, err
	}

	if resp.Status == StatusSandboxReceiptOnProd && endpoint == v.productionURL {
		v.log.Debug("Sandbox receipt sent to production, retrying against sandbox")
		resp, err = v.validateWithRetry(ctx, v.sandboxURL, receiptData)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status != StatusValid {
		return nil, &StatusError{Status: resp.Status}
	}

	return resp.toReceiptInfo()
}

func (v *Validator) validateWithRetry(ctx context.Context, endpoint, receiptData string) (resp *verifyResponse, err error) {
	log := v.log.With(zap.String("url", endpoint))

	var attempts int
	attempt := retry.StartWithCancel(v.retryStrategy, nil, ctx.Done())
	for attempt.Next() {
		attempts++
		if attempts > 1 {
			log.Debug("Retrying receipt validation", zap.Int("attempt", attempts))
		}

		resp, err = v.validate(ctx, endpoint, receiptData)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isRetryable(err) {
				log.Debug("Receipt validation failed", zap.Error(err))
				continue
			}
			return nil, err
		}

		if (&StatusError{Status: resp.Status}).Retryable() {
			log.Debug("Receipt validation unavailable", zap.Int("status", resp.Status))
			continue
		}
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("non-200 status code: %d, response: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= 500
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (v *Validator) validate(ctx context.Context, endpoint, receiptData string) (*verifyResponse, error) {
	body, err := json.Marshal(&verifyRequest{
		ReceiptData:            receiptData,
		Password:               v.sharedSecret,
		ExcludeOldTransactions: v.excludeOldTransactions,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequest("POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{code: httpResp.StatusCode, body: string(respBody)}
	}

	var resp verifyResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &resp, nil
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions,omitempty"`
}

type verifyResponse struct {
	Status            int           `json:"status"`
	Environment       string        `json:"environment"`
	Receipt           *receipt      `json:"receipt"`
	LatestReceiptInfo []receiptItem `json:"latest_receipt_info"`
	LatestReceipt     string        `json:"latest_receipt"`
}

type receipt struct {
	BundleID      string        `json:"bundle_id"`
	RequestDateMs string        `json:"request_date_ms"`
	InApp         []receiptItem `json:"in_app"`
}

type receiptItem struct {
	ProductID              string `json:"product_id"`
	Quantity               string `json:"quantity"`
	TransactionID          string `json:"transaction_id"`
	OriginalTransactionID  string `json:"original_transaction_id"`
	PurchaseDateMs         string `json:"purchase_date_ms"`
	OriginalPurchaseDateMs string `json:"original_purchase_date_ms"`
	ExpiresDateMs          string `json:"expires_date_ms"`
	CancellationDateMs     string `json:"cancellation_date_ms"`
	WebOrderLineItemID     string `json:"web_order_line_item_id"`
	IsTrialPeriod          string `json:"is_trial_period"`
	IsInIntroOfferPeriod   string `json:"is_in_intro_offer_period"`
}

func (r *verifyResponse) toReceiptInfo() (*iap.ReceiptInfo, error) {
	info := &iap.ReceiptInfo{
		Environment:   iap.Environment(r.Environment),
		LatestReceipt: r.LatestReceipt,
	}

	if r.Receipt != nil {
		info.BundleID = r.Receipt.BundleID

		requestDate, err := parseMillis(r.Receipt.RequestDateMs)
		if err != nil {
			return nil, err
		}
		info.RequestDate = requestDate

		for _, item := range r.Receipt.InApp {
			converted, err := item.toReceiptItem()
			if err != nil {
				return nil, err
			}
			info.InApp = append(info.InApp, converted)
		}
	}

	for _, item := range r.LatestReceiptInfo {
		converted, err := item.toReceiptItem()
		if err != nil {
			return nil, err
		}
		info.LatestReceiptInfo = append(info.LatestReceiptInfo, converted)
	}

	return info, nil
}

func (i *receiptItem) toReceiptItem() (iap.ReceiptItem, error) {
	item := iap.ReceiptItem{
		ProductID:             i.ProductID,
		Quantity:              1,
		TransactionID:         i.TransactionID,
		OriginalTransactionID: i.OriginalTransactionID,
		WebOrderLineItemID:    i.WebOrderLineItemID,
		IsTrialPeriod:         i.IsTrialPeriod == "true",
		IsInIntroOfferPeriod:  i.IsInIntroOfferPeriod == "true",
	}

	if i.Quantity != "" {
		quantity, err := strconv.Atoi(i.Quantity)
		if err != nil {
			return iap.ReceiptItem{}, errors.Wrapf(err, "invalid quantity for transaction %s", i.TransactionID)
		}
		item.Quantity = quantity
	}

	purchaseDate, err := parseMillis(i.PurchaseDateMs)
	if err != nil {
		return iap.ReceiptItem{}, err
	}
	if purchaseDate != nil {
		item.PurchaseDate = *purchaseDate
	}

	originalPurchaseDate, err := parseMillis(i.OriginalPurchaseDateMs)
	if err != nil {
		return iap.ReceiptItem{}, err
	}
	if originalPurchaseDate != nil {
		item.OriginalPurchaseDate = *originalPurchaseDate
	}

	if item.SubscriptionExpirationDate, err = parseMillis(i.ExpiresDateMs); err != nil {
		return iap.ReceiptItem{}, err
	}
	if item.CancellationDate, err = parseMillis(i.CancellationDateMs); err != nil {
		return iap.ReceiptItem{}, err
	}

	return item, nil
}

func parseMillis(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timestamp %q", value)
	}

	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
