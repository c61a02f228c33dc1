package memory

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
)

var ErrNoReceipt = errors.New("no receipt available")

type transaction struct {
	id    string
	state iap.TransactionState
}

func (t *transaction) TransactionID() string {
	return t.id
}

func (t *transaction) State() iap.TransactionState {
	return t.state
}

// ProductRecord is a product offered by the in-memory storefront.
type ProductRecord struct {
	ID    string
	Title string

	// Price is nil when the product has no price in the current locale.
	Price          *decimal.Decimal
	CurrencySymbol string
}

func (r ProductRecord) toProduct() iap.Product {
	product := iap.Product{
		ProductID:      r.ID,
		LocalizedTitle: r.Title,
	}
	if r.Price != nil {
		localized := r.CurrencySymbol + r.Price.StringFixed(2)
		product.LocalizedPrice = &localized
	}
	return product
}

// Storefront is an in-memory iap.Storefront. Completions are invoked from a
// separate goroutine, the way a real store queue calls back.
type Storefront struct {
	log *zap.Logger

	mu              sync.Mutex
	canMakePayments bool
	currencySymbol  string
	products        map[string]ProductRecord
	receipt         []byte
	receiptErr      error
	purchaseErrs    map[string]error
	deferred        map[string]bool
	restorable      []iap.Purchase
	restoreFailures []iap.RestoreFailure
	finished        map[string]int
	finishOrder     []string
	singleVerifies  int
	batchVerifies   int
	receiptFetches  int
}

func NewStorefront(log *zap.Logger) *Storefront {
	s := &Storefront{log: log}
	s.reset()
	return s
}

func (s *Storefront) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.canMakePayments = true
	s.currencySymbol = "$"
	s.products = map[string]ProductRecord{}
	s.receipt = nil
	s.receiptErr = nil
	s.purchaseErrs = map[string]error{}
	s.deferred = map[string]bool{}
	s.restorable = nil
	s.restoreFailures = nil
	s.finished = map[string]int{}
	s.finishOrder = nil
	s.singleVerifies = 0
	s.batchVerifies = 0
	s.receiptFetches = 0
}

// Reset clears all configured state and recorded calls.
func (s *Storefront) Reset() {
	s.reset()
}

func (s *Storefront) SetCanMakePayments(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canMakePayments = v
}

// AddProduct offers a product. A nil price leaves the product without a
// localized price.
func (s *Storefront) AddProduct(id, title string, price *decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[id] = ProductRecord{
		ID:             id,
		Title:          title,
		Price:          price,
		CurrencySymbol: s.currencySymbol,
	}
}

func (s *Storefront) SetCurrencySymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currencySymbol = symbol
}

// SetReceipt sets the raw receipt returned by FetchReceipt.
func (s *Storefront) SetReceipt(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipt = raw
	s.receiptErr = nil
}

func (s *Storefront) FailReceipt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiptErr = err
}

func (s *Storefront) FailPurchase(productID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchaseErrs[productID] = err
}

// DeferPurchase makes purchases of the product wait for approval.
func (s *Storefront) DeferPurchase(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred[productID] = true
}

// AddRestorable adds a previous purchase that RestorePurchases will return.
func (s *Storefront) AddRestorable(productID string, needsFinishTransaction bool) iap.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()

	purchase := iap.Purchase{
		ProductID:              productID,
		Quantity:               1,
		Transaction:            newTransaction(iap.TransactionStateRestored),
		NeedsFinishTransaction: needsFinishTransaction,
	}
	s.restorable = append(s.restorable, purchase)
	return purchase
}

func (s *Storefront) AddRestoreFailure(productID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreFailures = append(s.restoreFailures, iap.RestoreFailure{ProductID: productID, Err: err})
}

// NewPurchase creates a purchase with a fresh transaction, without going
// through PurchaseProduct.
func (s *Storefront) NewPurchase(productID string, needsFinishTransaction bool) iap.Purchase {
	return iap.Purchase{
		ProductID:              productID,
		Quantity:               1,
		Transaction:            newTransaction(iap.TransactionStatePurchased),
		NeedsFinishTransaction: needsFinishTransaction,
	}
}

// FinishCount returns how often the transaction was finished.
func (s *Storefront) FinishCount(transactionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[transactionID]
}

// Finished returns the IDs of finished transactions, in finish order.
func (s *Storefront) Finished() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finishOrder...)
}

// VerifyCalls returns how often VerifySubscription and VerifySubscriptions
// were called.
func (s *Storefront) VerifyCalls() (single, batch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singleVerifies, s.batchVerifies
}

// ReceiptFetches returns how often the receipt was loaded, either directly
// or for verification.
func (s *Storefront) ReceiptFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptFetches
}

func (s *Storefront) PurchaseProduct(ctx context.Context, productID string, opts iap.PurchaseOptions, completion func(iap.PurchaseResult)) {
	s.mu.Lock()
	purchaseErr, failed := s.purchaseErrs[productID]
	_, known := s.products[productID]
	deferred := s.deferred[productID]
	canMakePayments := s.canMakePayments
	s.mu.Unlock()

	var result iap.PurchaseResult
	switch {
	case !canMakePayments:
		result = iap.PurchaseResult{Kind: iap.PurchaseFailed, Err: errors.New("payments are not allowed")}
	case failed:
		result = iap.PurchaseResult{Kind: iap.PurchaseFailed, Err: purchaseErr}
	case !known:
		result = iap.PurchaseResult{Kind: iap.PurchaseFailed, Err: errors.New("unknown product")}
	default:
		state := iap.TransactionStatePurchased
		kind := iap.PurchaseSucceeded
		if deferred {
			state = iap.TransactionStateDeferred
			kind = iap.PurchaseDeferred
		}

		quantity := opts.Quantity
		if quantity <= 0 {
			quantity = 1
		}

		tx := newTransaction(state)
		if opts.Atomically && !deferred {
			s.FinishTransaction(tx)
		}

		result = iap.PurchaseResult{
			Kind: kind,
			Purchase: &iap.Purchase{
				ProductID:              productID,
				Quantity:               quantity,
				Transaction:            tx,
				NeedsFinishTransaction: !opts.Atomically,
			},
		}
	}

	go completion(result)
}

func (s *Storefront) FetchReceipt(ctx context.Context, forceRefresh bool, completion func(iap.FetchReceiptResult)) {
	data, err := s.fetchReceipt(forceRefresh)
	go completion(iap.FetchReceiptResult{Data: data, Err: err})
}

func (s *Storefront) VerifyReceipt(ctx context.Context, validator iap.ReceiptValidator, forceRefresh bool, completion func(iap.VerifyReceiptResult)) {
	data, err := s.fetchReceipt(forceRefresh)
	if err != nil {
		go completion(iap.VerifyReceiptResult{Err: err})
		return
	}

	go func() {
		receipt, err := validator.Validate(ctx, base64.StdEncoding.EncodeToString(data))
		completion(iap.VerifyReceiptResult{Receipt: receipt, Err: err})
	}()
}

func (s *Storefront) fetchReceipt(forceRefresh bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receiptFetches++
	if s.receiptErr != nil {
		return nil, s.receiptErr
	}
	if s.receipt == nil {
		return nil, ErrNoReceipt
	}
	return append([]byte(nil), s.receipt...), nil
}

func (s *Storefront) RestorePurchases(ctx context.Context, opts iap.RestoreOptions, completion func(iap.RestoreResults)) {
	s.mu.Lock()
	results := iap.RestoreResults{
		Restored: append([]iap.Purchase(nil), s.restorable...),
		Failed:   append([]iap.RestoreFailure(nil), s.restoreFailures...),
	}
	s.mu.Unlock()

	if opts.Atomically {
		for i := range results.Restored {
			s.FinishTransaction(results.Restored[i].Transaction)
			results.Restored[i].NeedsFinishTransaction = false
		}
	}

	go completion(results)
}

func (s *Storefront) RetrieveProductsInfo(ctx context.Context, productIDs []string, completion func(iap.RetrieveResults)) {
	s.mu.Lock()
	var results iap.RetrieveResults
	for _, id := range productIDs {
		record, ok := s.products[id]
		if !ok {
			results.InvalidProductIDs = append(results.InvalidProductIDs, id)
			continue
		}
		results.Retrieved = append(results.Retrieved, record.toProduct())
	}
	s.mu.Unlock()

	go completion(results)
}

func (s *Storefront) VerifySubscription(subscriptionType iap.SubscriptionType, productID string, receipt *iap.ReceiptInfo, validUntil time.Time) iap.VerifyOutcome {
	s.mu.Lock()
	s.singleVerifies++
	s.mu.Unlock()

	return iap.VerifySubscription(subscriptionType, productID, receipt, validUntil)
}

func (s *Storefront) VerifySubscriptions(subscriptionType iap.SubscriptionType, productIDs []string, receipt *iap.ReceiptInfo, validUntil time.Time) iap.VerifyOutcome {
	s.mu.Lock()
	s.batchVerifies++
	s.mu.Unlock()

	return iap.VerifySubscriptions(subscriptionType, productIDs, receipt, validUntil)
}

func (s *Storefront) FinishTransaction(tx iap.Transaction) {
	if tx == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.finished[tx.TransactionID()]++
	s.finishOrder = append(s.finishOrder, tx.TransactionID())

	s.log.Debug("Finished transaction", zap.String("transaction_id", tx.TransactionID()), zap.Stringer("state", tx.State()))
}

func (s *Storefront) CanMakePayments() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canMakePayments
}

func newTransaction(state iap.TransactionState) *transaction {
	return &transaction{
		id:    uuid.NewString(),
		state: state,
	}
}
