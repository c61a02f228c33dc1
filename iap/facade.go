package iap

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FinishPolicy decides whether a transaction is finished given the verified
// status of its product.
type FinishPolicy uint8

const (
	// FinishIfValid only finishes transactions for active subscriptions.
	FinishIfValid FinishPolicy = iota

	// FinishIfValidOrExpired also drains transactions for expired
	// subscriptions.
	FinishIfValidOrExpired
)

func (p FinishPolicy) shouldFinish(summary VerifySummary, productID string) bool {
	if summary.IsValid(productID) {
		return true
	}
	return p == FinishIfValidOrExpired && summary.IsExpired(productID)
}

// Facade wraps a Storefront with purchase, restore and verification flows
// that decide when transactions get finished.
type Facade struct {
	log              *zap.Logger
	store            Storefront
	async            *Async
	validator        ReceiptValidator
	subscriptionType SubscriptionType
	now              func() time.Time
}

func NewFacade(
	log *zap.Logger,
	store Storefront,
	validator ReceiptValidator,
	subscriptionType SubscriptionType,
) *Facade {
	return &Facade{
		log:              log,
		store:            store,
		async:            NewAsync(log, store),
		validator:        validator,
		subscriptionType: subscriptionType,
		now:              time.Now,
	}
}

// Buy purchases a product and finishes the transaction once the receipt
// shows the subscription as active. An expired or unverified purchase is
// left unfinished so the store redelivers it.
func (f *Facade) Buy(ctx context.Context, productID string) error {
	purchase, err := f.async.PurchaseProduct(ctx, productID, DefaultPurchaseOptions())
	if err != nil {
		return err
	}

	summary, err := f.fetchVerifyInfo(ctx, []string{productID})
	if err != nil {
		return err
	}

	if purchase.NeedsFinishTransaction && FinishIfValid.shouldFinish(summary, purchase.ProductID) {
		f.store.FinishTransaction(purchase.Transaction)
	}
	return nil
}

// Restore restores previous purchases and completes the ones still waiting
// to be finished.
func (f *Facade) Restore(ctx context.Context) error {
	restored := f.async.RestorePurchases(ctx, RestoreOptions{})

	var pending []Purchase
	for _, purchase := range restored {
		if purchase.NeedsFinishTransaction {
			pending = append(pending, purchase)
		}
	}

	return f.CompleteTransactions(ctx, pending)
}

// CompleteTransactions verifies the receipt once for all purchases and
// finishes every transaction whose product is active or expired.
func (f *Facade) CompleteTransactions(ctx context.Context, purchases []Purchase) error {
	if len(purchases) == 0 {
		return nil
	}

	var productIDs []string
	seen := map[string]struct{}{}
	for _, purchase := range purchases {
		if _, ok := seen[purchase.ProductID]; ok {
			continue
		}
		seen[purchase.ProductID] = struct{}{}
		productIDs = append(productIDs, purchase.ProductID)
	}

	summary, err := f.fetchVerifyInfo(ctx, productIDs)
	if err != nil {
		return err
	}

	finished := map[string]struct{}{}
	for _, purchase := range purchases {
		if !FinishIfValidOrExpired.shouldFinish(summary, purchase.ProductID) {
			continue
		}

		if purchase.Transaction != nil {
			id := purchase.Transaction.TransactionID()
			if _, ok := finished[id]; ok {
				continue
			}
			finished[id] = struct{}{}
		}

		f.store.FinishTransaction(purchase.Transaction)
	}
	return nil
}

// Info returns the products known to the storefront. Products without a
// localized price are given NoPrice.
func (f *Facade) Info(ctx context.Context, productIDs []string) ProductInfoSet {
	products := f.async.RetrieveProductsInfo(ctx, productIDs)

	res := ProductInfoSet{}
	for _, product := range products {
		res.Add(toProductInfo(product))
	}
	return res
}

// FetchExpiryDate returns the expiry date of the subscription, whether it
// is still active or has already expired.
func (f *Facade) FetchExpiryDate(ctx context.Context, productIDs []string) (time.Time, error) {
	if !f.store.CanMakePayments() {
		return time.Time{}, ErrPaymentsUnavailable
	}

	outcome, err := f.verify(ctx, productIDs)
	if err != nil {
		return time.Time{}, err
	}

	switch outcome.Kind {
	case OutcomePurchased:
		f.log.Debug("Product is valid", zap.Time("expiry", outcome.ExpiryDate))
		return outcome.ExpiryDate, nil
	case OutcomeExpired:
		f.log.Debug("Product is expired", zap.Time("expiry", outcome.ExpiryDate))
		return outcome.ExpiryDate, nil
	default:
		return time.Time{}, ErrNeverPurchased
	}
}

// verify always validates a freshly fetched receipt.
func (f *Facade) verify(ctx context.Context, productIDs []string) (VerifyOutcome, error) {
	receipt, err := f.async.VerifyReceipt(ctx, f.validator, true)
	if err != nil {
		return VerifyOutcome{}, err
	}

	validUntil := f.now()
	if receipt.RequestDate != nil {
		validUntil = *receipt.RequestDate
	}

	if len(productIDs) == 1 {
		return f.store.VerifySubscription(f.subscriptionType, productIDs[0], receipt, validUntil), nil
	}
	return f.store.VerifySubscriptions(f.subscriptionType, productIDs, receipt, validUntil), nil
}

func (f *Facade) fetchVerifyInfo(ctx context.Context, productIDs []string) (VerifySummary, error) {
	outcome, err := f.verify(ctx, productIDs)
	if err != nil {
		return VerifySummary{}, err
	}

	summary := Summarize(outcome)

	log := f.log.With(zap.Strings("product_ids", productIDs))
	switch outcome.Kind {
	case OutcomePurchased:
		log.Debug("Products are valid", zap.Time("expiry", outcome.ExpiryDate), zap.Strings("valid", sortedKeys(summary.Valid)))
	case OutcomeExpired:
		log.Debug("Products are expired", zap.Time("expiry", outcome.ExpiryDate), zap.Strings("expired", sortedKeys(summary.Expired)))
	default:
		log.Debug("Products have never been purchased")
	}

	return summary, nil
}
