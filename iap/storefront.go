package iap

import (
	"context"
	"time"
)

type PurchaseOptions struct {
	Quantity                   int
	Atomically                 bool
	ApplicationUsername        string
	SimulatesAskToBuyInSandbox bool
}

// DefaultPurchaseOptions buys a single unit and leaves finishing the
// transaction to the caller.
func DefaultPurchaseOptions() PurchaseOptions {
	return PurchaseOptions{Quantity: 1}
}

type RestoreOptions struct {
	Atomically          bool
	ApplicationUsername string
}

type PurchaseResultKind uint8

const (
	PurchaseSucceeded PurchaseResultKind = iota
	PurchaseDeferred
	PurchaseFailed
)

type PurchaseResult struct {
	Kind PurchaseResultKind

	// Set for PurchaseSucceeded and PurchaseDeferred.
	Purchase *Purchase

	// Set for PurchaseFailed.
	Err error
}

type FetchReceiptResult struct {
	Data []byte
	Err  error
}

type VerifyReceiptResult struct {
	Receipt *ReceiptInfo
	Err     error
}

type RestoreFailure struct {
	ProductID string
	Err       error
}

type RestoreResults struct {
	Restored []Purchase
	Failed   []RestoreFailure
}

type RetrieveResults struct {
	Retrieved         []Product
	InvalidProductIDs []string
	Err               error
}

// Storefront is the store integration the Facade is built on. Its
// asynchronous operations report back through a completion callback, which
// implementations must invoke exactly once, from any goroutine.
type Storefront interface {
	PurchaseProduct(ctx context.Context, productID string, opts PurchaseOptions, completion func(PurchaseResult))

	// FetchReceipt loads the raw receipt, refreshing it from the store when
	// forceRefresh is set or no local receipt exists.
	FetchReceipt(ctx context.Context, forceRefresh bool, completion func(FetchReceiptResult))

	// VerifyReceipt fetches the receipt and validates it using the provided
	// validator.
	VerifyReceipt(ctx context.Context, validator ReceiptValidator, forceRefresh bool, completion func(VerifyReceiptResult))

	RestorePurchases(ctx context.Context, opts RestoreOptions, completion func(RestoreResults))

	RetrieveProductsInfo(ctx context.Context, productIDs []string, completion func(RetrieveResults))

	VerifySubscription(subscriptionType SubscriptionType, productID string, receipt *ReceiptInfo, validUntil time.Time) VerifyOutcome

	VerifySubscriptions(subscriptionType SubscriptionType, productIDs []string, receipt *ReceiptInfo, validUntil time.Time) VerifyOutcome

	// FinishTransaction acknowledges a transaction so the store stops
	// redelivering it.
	FinishTransaction(transaction Transaction)

	CanMakePayments() bool
}
