package tests

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
)

func RunAsyncTests(t *testing.T, store Storefront, teardown func()) {
	for _, tf := range []func(t *testing.T, async *iap.Async, store Storefront){
		testPurchaseProduct,
		testPurchaseProduct_Atomically,
		testFetchReceipt,
		testRestorePurchases,
		testRetrieveProductsInfo,
	} {
		tf(t, iap.NewAsync(zap.NewNop(), store), store)
		teardown()
	}
}

func testPurchaseProduct(t *testing.T, async *iap.Async, store Storefront) {
	store.AddProduct(monthly, "Monthly", nil)
	store.AddProduct(yearly, "Yearly", nil)
	store.DeferPurchase(yearly)

	t.Run("Purchased", func(t *testing.T) {
		purchase, err := async.PurchaseProduct(context.Background(), monthly, iap.DefaultPurchaseOptions())
		require.NoError(t, err)
		require.Equal(t, monthly, purchase.ProductID)
		require.Equal(t, 1, purchase.Quantity)
		require.True(t, purchase.NeedsFinishTransaction)
		require.Equal(t, iap.TransactionStatePurchased, purchase.Transaction.State())
		require.NotEmpty(t, purchase.Transaction.TransactionID())
	})

	t.Run("Deferred", func(t *testing.T) {
		purchase, err := async.PurchaseProduct(context.Background(), yearly, iap.DefaultPurchaseOptions())
		require.NoError(t, err)
		require.Equal(t, yearly, purchase.ProductID)
		require.Equal(t, iap.TransactionStateDeferred, purchase.Transaction.State())
	})

	t.Run("Failed", func(t *testing.T) {
		purchaseErr := errors.New("payment cancelled")
		store.FailPurchase(monthly, purchaseErr)

		purchase, err := async.PurchaseProduct(context.Background(), monthly, iap.DefaultPurchaseOptions())
		require.ErrorIs(t, err, purchaseErr)
		require.Nil(t, purchase)
	})

	require.Empty(t, store.Finished())
}

func testPurchaseProduct_Atomically(t *testing.T, async *iap.Async, store Storefront) {
	store.AddProduct(monthly, "Monthly", nil)

	opts := iap.DefaultPurchaseOptions()
	opts.Atomically = true

	purchase, err := async.PurchaseProduct(context.Background(), monthly, opts)
	require.NoError(t, err)
	require.False(t, purchase.NeedsFinishTransaction)
	require.Equal(t, 1, store.FinishCount(purchase.Transaction.TransactionID()))
}

func testFetchReceipt(t *testing.T, async *iap.Async, store Storefront) {
	receiptErr := errors.New("no network")
	store.FailReceipt(receiptErr)

	_, err := async.FetchReceipt(context.Background(), true)
	require.ErrorIs(t, err, receiptErr)

	raw := []byte{0x30, 0x82, 0x01, 0xff}
	store.SetReceipt(raw)

	encoded, err := async.FetchReceipt(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString(raw), encoded)
}

func testRestorePurchases(t *testing.T, async *iap.Async, store Storefront) {
	require.Empty(t, async.RestorePurchases(context.Background(), iap.RestoreOptions{}))

	first := store.AddRestorable(monthly, true)
	second := store.AddRestorable(yearly, false)
	store.AddRestoreFailure(weekly, errors.New("restore failed"))

	restored := async.RestorePurchases(context.Background(), iap.RestoreOptions{})
	require.Len(t, restored, 2)
	require.Equal(t, first.Transaction.TransactionID(), restored[0].Transaction.TransactionID())
	require.Equal(t, second.Transaction.TransactionID(), restored[1].Transaction.TransactionID())
	require.True(t, restored[0].NeedsFinishTransaction)
	require.False(t, restored[1].NeedsFinishTransaction)
}

func testRetrieveProductsInfo(t *testing.T, async *iap.Async, store Storefront) {
	price := decimal.NewFromFloat(0.99)
	store.AddProduct(monthly, "Monthly", &price)

	require.Empty(t, async.RetrieveProductsInfo(context.Background(), nil))

	products := async.RetrieveProductsInfo(context.Background(), []string{monthly, weekly})
	require.Len(t, products, 1)
	require.Equal(t, monthly, products[0].ProductID)
	require.Equal(t, "Monthly", products[0].LocalizedTitle)
	require.NotNil(t, products[0].LocalizedPrice)
	require.Equal(t, "$0.99", *products[0].LocalizedPrice)
}
