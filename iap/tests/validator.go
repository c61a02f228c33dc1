package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/iap"
)

// ValidReceiptFunc returns a base64-encoded receipt the validator accepts,
// carrying the given contents.
type ValidReceiptFunc func(receipt *iap.ReceiptInfo) string

func RunValidatorTests(t *testing.T, v iap.ReceiptValidator, validReceiptFunc ValidReceiptFunc, teardown func()) {
	for _, tf := range []func(t *testing.T, v iap.ReceiptValidator, validReceiptFunc ValidReceiptFunc){
		testValidReceipt,
		testInvalidReceipt,
	} {
		tf(t, v, validReceiptFunc)
		teardown()
	}
}

func testValidReceipt(t *testing.T, v iap.ReceiptValidator, validReceiptFunc ValidReceiptFunc) {
	expiry := time.Now().UTC().Truncate(time.Millisecond).Add(24 * time.Hour)
	item := subscriptionItem(monthly, expiry)
	item.PurchaseDate = item.PurchaseDate.Truncate(time.Millisecond)
	item.OriginalPurchaseDate = item.PurchaseDate

	requestDate := time.Now().UTC().Truncate(time.Millisecond)

	expected := &iap.ReceiptInfo{
		BundleID:          "com.flipchat.app",
		Environment:       iap.EnvironmentSandbox,
		InApp:             []iap.ReceiptItem{item},
		LatestReceiptInfo: []iap.ReceiptItem{item},
		RequestDate:       &requestDate,
	}

	actual, err := v.Validate(context.Background(), validReceiptFunc(expected))
	require.NoError(t, err)
	require.NotNil(t, actual)

	require.Equal(t, expected.BundleID, actual.BundleID)
	require.Equal(t, expected.Environment, actual.Environment)
	require.NotNil(t, actual.RequestDate)
	require.True(t, requestDate.Equal(*actual.RequestDate))
	require.Len(t, actual.InApp, 1)
	require.Len(t, actual.LatestReceiptInfo, 1)

	actualItem := actual.LatestReceiptInfo[0]
	require.Equal(t, item.ProductID, actualItem.ProductID)
	require.Equal(t, item.TransactionID, actualItem.TransactionID)
	require.Equal(t, item.Quantity, actualItem.Quantity)
	require.True(t, item.PurchaseDate.Equal(actualItem.PurchaseDate))
	require.NotNil(t, actualItem.SubscriptionExpirationDate)
	require.True(t, expiry.Equal(*actualItem.SubscriptionExpirationDate))
	require.Nil(t, actualItem.CancellationDate)

	outcome := iap.VerifySubscription(iap.AutoRenewable, monthly, actual, time.Now())
	require.Equal(t, iap.OutcomePurchased, outcome.Kind)
}

func testInvalidReceipt(t *testing.T, v iap.ReceiptValidator, _ ValidReceiptFunc) {
	// Just use the word "invalid" as an invalid receipt.
	receipt, err := v.Validate(context.Background(), "invalid")
	require.Error(t, err)
	require.Nil(t, receipt)
}
