package iap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// oneShot carries the single result of a completion callback to a waiting
// caller. Only the first resolve is delivered.
type oneShot[T any] struct {
	once sync.Once
	ch   chan T
}

func newOneShot[T any]() *oneShot[T] {
	return &oneShot[T]{ch: make(chan T, 1)}
}

func (o *oneShot[T]) resolve(v T) (delivered bool) {
	o.once.Do(func() {
		o.ch <- v
		delivered = true
	})
	return delivered
}

// wait blocks until the result arrives or ctx is done. The underlying
// storefront operation is not cancelled; a late result is discarded.
func (o *oneShot[T]) wait(ctx context.Context) (T, error) {
	select {
	case v := <-o.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Async turns the callback based Storefront operations into blocking calls.
type Async struct {
	log   *zap.Logger
	store Storefront
}

func NewAsync(log *zap.Logger, store Storefront) *Async {
	return &Async{
		log:   log,
		store: store,
	}
}

func completion[T any](log *zap.Logger, op string, result *oneShot[T]) func(T) {
	return func(v T) {
		if !result.resolve(v) {
			log.Warn("Dropping repeated completion", zap.String("op", op))
		}
	}
}

// PurchaseProduct purchases a product. Deferred purchases, such as those
// waiting on Ask to Buy approval, are returned the same as completed ones.
func (a *Async) PurchaseProduct(ctx context.Context, productID string, opts PurchaseOptions) (*Purchase, error) {
	result := newOneShot[PurchaseResult]()
	a.store.PurchaseProduct(ctx, productID, opts, completion(a.log, "purchase_product", result))

	res, err := result.wait(ctx)
	if err != nil {
		return nil, err
	}

	switch res.Kind {
	case PurchaseSucceeded, PurchaseDeferred:
		if res.Purchase == nil {
			return nil, errors.New("storefront returned no purchase")
		}
		return res.Purchase, nil
	case PurchaseFailed:
		if res.Err == nil {
			return nil, errors.New("purchase failed")
		}
		return nil, res.Err
	default:
		return nil, fmt.Errorf("unknown purchase result kind: %d", res.Kind)
	}
}

// FetchReceipt returns the base64-encoded receipt.
func (a *Async) FetchReceipt(ctx context.Context, forceRefresh bool) (string, error) {
	result := newOneShot[FetchReceiptResult]()
	a.store.FetchReceipt(ctx, forceRefresh, completion(a.log, "fetch_receipt", result))

	res, err := result.wait(ctx)
	if err != nil {
		return "", err
	}
	if res.Err != nil {
		return "", res.Err
	}
	return base64.StdEncoding.EncodeToString(res.Data), nil
}

func (a *Async) VerifyReceipt(ctx context.Context, validator ReceiptValidator, forceRefresh bool) (*ReceiptInfo, error) {
	result := newOneShot[VerifyReceiptResult]()
	a.store.VerifyReceipt(ctx, validator, forceRefresh, completion(a.log, "verify_receipt", result))

	res, err := result.wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Receipt == nil {
		return nil, errors.New("storefront returned no receipt")
	}
	return res.Receipt, nil
}

// RestorePurchases returns the restored purchases. Failures are not
// surfaced, and an abandoned wait yields no purchases.
func (a *Async) RestorePurchases(ctx context.Context, opts RestoreOptions) []Purchase {
	result := newOneShot[RestoreResults]()
	a.store.RestorePurchases(ctx, opts, completion(a.log, "restore_purchases", result))

	res, err := result.wait(ctx)
	if err != nil {
		a.log.Debug("Stopped waiting for restore", zap.Error(err))
		return nil
	}

	for _, failure := range res.Failed {
		a.log.Debug("Ignoring failed restore", zap.String("product_id", failure.ProductID), zap.Error(failure.Err))
	}
	return res.Restored
}

// RetrieveProductsInfo returns the products the storefront knows about.
// Unknown IDs and lookup errors are dropped.
func (a *Async) RetrieveProductsInfo(ctx context.Context, productIDs []string) []Product {
	result := newOneShot[RetrieveResults]()
	a.store.RetrieveProductsInfo(ctx, productIDs, completion(a.log, "retrieve_products_info", result))

	res, err := result.wait(ctx)
	if err != nil {
		a.log.Debug("Stopped waiting for products", zap.Error(err))
		return nil
	}

	if res.Err != nil {
		a.log.Debug("Ignoring product lookup error", zap.Error(res.Err))
	}
	if len(res.InvalidProductIDs) > 0 {
		a.log.Debug("Ignoring invalid product ids", zap.Strings("product_ids", res.InvalidProductIDs))
	}
	return res.Retrieved
}
