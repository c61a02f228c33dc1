package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
)

// Storefront is an iap.Storefront whose behaviour can be driven by tests.
type Storefront interface {
	iap.Storefront

	SetCanMakePayments(v bool)
	AddProduct(id, title string, price *decimal.Decimal)
	SetReceipt(raw []byte)
	FailReceipt(err error)
	FailPurchase(productID string, err error)
	DeferPurchase(productID string)
	AddRestorable(productID string, needsFinishTransaction bool) iap.Purchase
	AddRestoreFailure(productID string, err error)
	NewPurchase(productID string, needsFinishTransaction bool) iap.Purchase

	FinishCount(transactionID string) int
	Finished() []string
	VerifyCalls() (single, batch int)
	ReceiptFetches() int
}

// ReceiptSigner produces a raw receipt the validator accepts.
type ReceiptSigner func(receipt *iap.ReceiptInfo) []byte

const (
	monthly = "com.flipchat.sub.monthly"
	yearly  = "com.flipchat.sub.yearly"
	weekly  = "com.flipchat.sub.weekly"
)

type facadeTestFunc func(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner)

func RunFacadeTests(t *testing.T, store Storefront, validator iap.ReceiptValidator, sign ReceiptSigner, teardown func()) {
	log := zap.Must(zap.NewDevelopment())

	for _, tf := range []facadeTestFunc{
		testBuy_FinishesValidPurchase,
		testBuy_LeavesExpiredPurchase,
		testBuy_LeavesNeverPurchased,
		testBuy_JudgedAtRequestDate,
		testBuy_DeferredPurchase,
		testBuy_PurchaseError,
		testBuy_VerificationError,
		testCompleteTransactions,
		testCompleteTransactions_FinishesExpired,
		testCompleteTransactions_Empty,
		testCompleteTransactions_VerificationError,
		testRestore,
		testRestore_NothingToRestore,
		testInfo,
		testFetchExpiryDate,
		testFetchExpiryDate_PaymentsUnavailable,
		testFetchExpiryDate_VerificationError,
	} {
		facade := iap.NewFacade(log, store, validator, iap.AutoRenewable)
		tf(t, facade, store, sign)
		teardown()
	}
}

func subscriptionItem(productID string, expiry time.Time) iap.ReceiptItem {
	purchased := expiry.Add(-30 * 24 * time.Hour)
	return iap.ReceiptItem{
		ProductID:                  productID,
		Quantity:                   1,
		TransactionID:              productID + "-" + expiry.Format("20060102150405"),
		OriginalTransactionID:      productID,
		PurchaseDate:               purchased,
		OriginalPurchaseDate:       purchased,
		SubscriptionExpirationDate: &expiry,
	}
}

func setReceipt(store Storefront, sign ReceiptSigner, items ...iap.ReceiptItem) {
	store.SetReceipt(sign(&iap.ReceiptInfo{
		BundleID:          "com.flipchat.app",
		Environment:       iap.EnvironmentSandbox,
		InApp:             items,
		LatestReceiptInfo: items,
	}))
}

func testBuy_FinishesValidPurchase(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.AddProduct(monthly, "Monthly", nil)
	setReceipt(store, sign, subscriptionItem(monthly, time.Now().Add(24*time.Hour)))

	require.NoError(t, facade.Buy(context.Background(), monthly))

	finished := store.Finished()
	require.Len(t, finished, 1)
	require.Equal(t, 1, store.FinishCount(finished[0]))

	single, batch := store.VerifyCalls()
	require.Equal(t, 1, single)
	require.Equal(t, 0, batch)
	require.Equal(t, 1, store.ReceiptFetches())
}

func testBuy_LeavesExpiredPurchase(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.AddProduct(monthly, "Monthly", nil)
	setReceipt(store, sign, subscriptionItem(monthly, time.Now().Add(-24*time.Hour)))

	require.NoError(t, facade.Buy(context.Background(), monthly))
	require.Empty(t, store.Finished())
}

func testBuy_JudgedAtRequestDate(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.AddProduct(monthly, "Monthly", nil)

	requestDate := time.Now().Add(-48 * time.Hour)
	item := subscriptionItem(monthly, time.Now().Add(-24*time.Hour))
	store.SetReceipt(sign(&iap.ReceiptInfo{
		BundleID:          "com.flipchat.app",
		Environment:       iap.EnvironmentSandbox,
		InApp:             []iap.ReceiptItem{item},
		LatestReceiptInfo: []iap.ReceiptItem{item},
		RequestDate:       &requestDate,
	}))

	require.NoError(t, facade.Buy(context.Background(), monthly))
	require.Len(t, store.Finished(), 1)

	actual, err := facade.FetchExpiryDate(context.Background(), []string{monthly})
	require.NoError(t, err)
	require.True(t, item.SubscriptionExpirationDate.Equal(actual))
}

func testBuy_LeavesNeverPurchased(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.AddProduct(monthly, "Monthly", nil)
	setReceipt(store, sign, subscriptionItem(yearly, time.Now().Add(24*time.Hour)))

	require.NoError(t, facade.Buy(context.Background(), monthly))
	require.Empty(t, store.Finished())
}

func testBuy_DeferredPurchase(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.AddProduct(monthly, "Monthly", nil)
	store.DeferPurchase(monthly)
	setReceipt(store, sign, subscriptionItem(monthly, time.Now().Add(24*time.Hour)))

	require.NoError(t, facade.Buy(context.Background(), monthly))
	require.Len(t, store.Finished(), 1)
}

func testBuy_PurchaseError(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	purchaseErr := errors.New("payment cancelled")

	store.AddProduct(monthly, "Monthly", nil)
	store.FailPurchase(monthly, purchaseErr)
	setReceipt(store, sign, subscriptionItem(monthly, time.Now().Add(24*time.Hour)))

	err := facade.Buy(context.Background(), monthly)
	require.ErrorIs(t, err, purchaseErr)
	require.Empty(t, store.Finished())

	single, batch := store.VerifyCalls()
	require.Zero(t, single+batch)
	require.Zero(t, store.ReceiptFetches())
}

func testBuy_VerificationError(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	receiptErr := errors.New("receipt refresh failed")

	store.AddProduct(monthly, "Monthly", nil)
	store.FailReceipt(receiptErr)

	err := facade.Buy(context.Background(), monthly)
	require.ErrorIs(t, err, receiptErr)
	require.Empty(t, store.Finished())

	t.Run("Invalid receipt", func(t *testing.T) {
		store.SetReceipt([]byte("invalid"))

		err := facade.Buy(context.Background(), monthly)
		require.ErrorIs(t, err, iap.ErrInvalidReceipt)
		require.Empty(t, store.Finished())
	})
}

func testCompleteTransactions(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	now := time.Now()
	setReceipt(store, sign,
		subscriptionItem(monthly, now.Add(24*time.Hour)),
		subscriptionItem(yearly, now.Add(-24*time.Hour)),
	)

	first := store.NewPurchase(monthly, true)
	second := store.NewPurchase(monthly, true)
	renewal := store.NewPurchase(yearly, true)
	unknown := store.NewPurchase(weekly, true)

	err := facade.CompleteTransactions(context.Background(), []iap.Purchase{first, second, renewal, unknown, first})
	require.NoError(t, err)

	// Verified as a group, the latest expiry makes every item valid.
	require.Equal(t, 1, store.FinishCount(first.Transaction.TransactionID()))
	require.Equal(t, 1, store.FinishCount(second.Transaction.TransactionID()))
	require.Equal(t, 1, store.FinishCount(renewal.Transaction.TransactionID()))
	require.Zero(t, store.FinishCount(unknown.Transaction.TransactionID()))
	require.Len(t, store.Finished(), 3)

	single, batch := store.VerifyCalls()
	require.Equal(t, 0, single)
	require.Equal(t, 1, batch)
	require.Equal(t, 1, store.ReceiptFetches())
}

func testCompleteTransactions_FinishesExpired(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.AddProduct(monthly, "Monthly", nil)
	setReceipt(store, sign, subscriptionItem(monthly, time.Now().Add(-24*time.Hour)))

	purchase := store.NewPurchase(monthly, true)
	require.NoError(t, facade.CompleteTransactions(context.Background(), []iap.Purchase{purchase}))
	require.Equal(t, 1, store.FinishCount(purchase.Transaction.TransactionID()))

	single, batch := store.VerifyCalls()
	require.Equal(t, 1, single)
	require.Equal(t, 0, batch)

	t.Run("Buy leaves the same state unfinished", func(t *testing.T) {
		require.NoError(t, facade.Buy(context.Background(), monthly))
		require.Len(t, store.Finished(), 1)
	})
}

func testCompleteTransactions_Empty(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	require.NoError(t, facade.CompleteTransactions(context.Background(), nil))

	single, batch := store.VerifyCalls()
	require.Zero(t, single+batch)
	require.Zero(t, store.ReceiptFetches())
}

func testCompleteTransactions_VerificationError(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	receiptErr := errors.New("network unreachable")
	store.FailReceipt(receiptErr)

	purchase := store.NewPurchase(monthly, true)
	err := facade.CompleteTransactions(context.Background(), []iap.Purchase{purchase})
	require.ErrorIs(t, err, receiptErr)
	require.Empty(t, store.Finished())
}

func testRestore(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	setReceipt(store, sign, subscriptionItem(monthly, time.Now().Add(-time.Hour)))

	pending := store.AddRestorable(monthly, true)
	alreadyFinished := store.AddRestorable(monthly, false)
	unverified := store.AddRestorable(weekly, true)
	store.AddRestoreFailure(yearly, errors.New("restore failed"))

	require.NoError(t, facade.Restore(context.Background()))

	require.Equal(t, 1, store.FinishCount(pending.Transaction.TransactionID()))
	require.Zero(t, store.FinishCount(alreadyFinished.Transaction.TransactionID()))
	require.Zero(t, store.FinishCount(unverified.Transaction.TransactionID()))

	_, batch := store.VerifyCalls()
	require.Equal(t, 1, batch)
}

func testRestore_NothingToRestore(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.AddRestorable(monthly, false)
	store.FailReceipt(errors.New("should not be fetched"))

	require.NoError(t, facade.Restore(context.Background()))
	require.Empty(t, store.Finished())
	require.Zero(t, store.ReceiptFetches())
}

func testInfo(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	price := decimal.RequireFromString("4.99")
	store.AddProduct(monthly, "Monthly", &price)
	store.AddProduct(yearly, "Yearly", nil)

	t.Run("No products", func(t *testing.T) {
		require.Empty(t, facade.Info(context.Background(), nil))
	})

	t.Run("Missing price", func(t *testing.T) {
		products := facade.Info(context.Background(), []string{yearly})
		require.Len(t, products, 1)
		require.True(t, products.Contains(iap.ProductInfo{ID: yearly, Name: "Yearly", Price: iap.NoPrice}))
	})

	t.Run("Mixed", func(t *testing.T) {
		products := facade.Info(context.Background(), []string{monthly, yearly, weekly, monthly})
		require.Equal(t, []iap.ProductInfo{
			{ID: monthly, Name: "Monthly", Price: "$4.99"},
			{ID: yearly, Name: "Yearly", Price: iap.NoPrice},
		}, products.Slice())
	})
}

func testFetchExpiryDate(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("Purchased", func(t *testing.T) {
		expiry := now.Add(24 * time.Hour)
		setReceipt(store, sign, subscriptionItem(monthly, expiry))

		actual, err := facade.FetchExpiryDate(context.Background(), []string{monthly})
		require.NoError(t, err)
		require.True(t, expiry.Equal(actual))
	})

	t.Run("Expired", func(t *testing.T) {
		expiry := now.Add(-24 * time.Hour)
		setReceipt(store, sign, subscriptionItem(monthly, expiry))

		actual, err := facade.FetchExpiryDate(context.Background(), []string{monthly})
		require.NoError(t, err)
		require.True(t, expiry.Equal(actual))
	})

	t.Run("Latest of several", func(t *testing.T) {
		expiry := now.Add(48 * time.Hour)
		setReceipt(store, sign,
			subscriptionItem(monthly, now.Add(24*time.Hour)),
			subscriptionItem(yearly, expiry),
		)

		_, batchBefore := store.VerifyCalls()

		actual, err := facade.FetchExpiryDate(context.Background(), []string{monthly, yearly})
		require.NoError(t, err)
		require.True(t, expiry.Equal(actual))

		_, batchAfter := store.VerifyCalls()
		require.Equal(t, batchBefore+1, batchAfter)
	})

	t.Run("Never purchased", func(t *testing.T) {
		setReceipt(store, sign, subscriptionItem(yearly, now.Add(24*time.Hour)))

		_, err := facade.FetchExpiryDate(context.Background(), []string{monthly})
		require.ErrorIs(t, err, iap.ErrNeverPurchased)
	})

	t.Run("Cancelled", func(t *testing.T) {
		item := subscriptionItem(monthly, now.Add(24*time.Hour))
		cancelled := now.Add(-time.Hour)
		item.CancellationDate = &cancelled
		setReceipt(store, sign, item)

		_, err := facade.FetchExpiryDate(context.Background(), []string{monthly})
		require.ErrorIs(t, err, iap.ErrNeverPurchased)
	})
}

func testFetchExpiryDate_PaymentsUnavailable(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	store.SetCanMakePayments(false)
	setReceipt(store, sign, subscriptionItem(monthly, time.Now().Add(24*time.Hour)))

	_, err := facade.FetchExpiryDate(context.Background(), []string{monthly})
	require.ErrorIs(t, err, iap.ErrPaymentsUnavailable)

	single, batch := store.VerifyCalls()
	require.Zero(t, single+batch)
	require.Zero(t, store.ReceiptFetches())
}

func testFetchExpiryDate_VerificationError(t *testing.T, facade *iap.Facade, store Storefront, sign ReceiptSigner) {
	receiptErr := errors.New("receipt refresh failed")
	store.FailReceipt(receiptErr)

	_, err := facade.FetchExpiryDate(context.Background(), []string{monthly})
	require.ErrorIs(t, err, receiptErr)
}
