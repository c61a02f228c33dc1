package iap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func item(productID, transactionID string, purchased time.Time, expiry *time.Time) ReceiptItem {
	return ReceiptItem{
		ProductID:                  productID,
		Quantity:                   1,
		TransactionID:              transactionID,
		PurchaseDate:               purchased,
		SubscriptionExpirationDate: expiry,
	}
}

func at(t time.Time) *time.Time {
	return &t
}

func TestVerifySubscriptions_AutoRenewable(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("No receipt", func(t *testing.T) {
		require.Equal(t, NotPurchased(), VerifySubscription(AutoRenewable, "a", nil, now))
	})

	t.Run("No matching items", func(t *testing.T) {
		receipt := &ReceiptInfo{
			InApp: []ReceiptItem{item("b", "1", now, at(now.Add(time.Hour)))},
		}
		require.Equal(t, OutcomeNotPurchased, VerifySubscription(AutoRenewable, "a", receipt, now).Kind)
	})

	t.Run("Items without expiry are ignored", func(t *testing.T) {
		receipt := &ReceiptInfo{
			InApp: []ReceiptItem{item("a", "1", now, nil)},
		}
		require.Equal(t, OutcomeNotPurchased, VerifySubscription(AutoRenewable, "a", receipt, now).Kind)
	})

	t.Run("Purchased", func(t *testing.T) {
		receipt := &ReceiptInfo{
			InApp: []ReceiptItem{
				item("a", "1", now.Add(-60*24*time.Hour), at(now.Add(-30*24*time.Hour))),
				item("a", "2", now.Add(-30*24*time.Hour), at(now.Add(time.Hour))),
			},
		}

		outcome := VerifySubscription(AutoRenewable, "a", receipt, now)
		require.Equal(t, OutcomePurchased, outcome.Kind)
		require.Equal(t, now.Add(time.Hour), outcome.ExpiryDate)
		require.Len(t, outcome.Items, 2)
		require.Equal(t, "2", outcome.Items[0].TransactionID)
		require.Equal(t, "1", outcome.Items[1].TransactionID)
	})

	t.Run("Expired", func(t *testing.T) {
		receipt := &ReceiptInfo{
			InApp: []ReceiptItem{item("a", "1", now.Add(-30*24*time.Hour), at(now.Add(-time.Hour)))},
		}

		outcome := VerifySubscription(AutoRenewable, "a", receipt, now)
		require.Equal(t, OutcomeExpired, outcome.Kind)
		require.Equal(t, now.Add(-time.Hour), outcome.ExpiryDate)
	})

	t.Run("Expiring exactly now is expired", func(t *testing.T) {
		receipt := &ReceiptInfo{
			InApp: []ReceiptItem{item("a", "1", now.Add(-time.Hour), at(now))},
		}
		require.Equal(t, OutcomeExpired, VerifySubscription(AutoRenewable, "a", receipt, now).Kind)
	})

	t.Run("Cancelled items are ignored", func(t *testing.T) {
		cancelled := item("a", "2", now.Add(-time.Hour), at(now.Add(time.Hour)))
		cancelled.CancellationDate = at(now.Add(-time.Minute))

		receipt := &ReceiptInfo{
			InApp: []ReceiptItem{
				item("a", "1", now.Add(-30*24*time.Hour), at(now.Add(-24*time.Hour))),
				cancelled,
			},
		}

		outcome := VerifySubscription(AutoRenewable, "a", receipt, now)
		require.Equal(t, OutcomeExpired, outcome.Kind)
		require.Len(t, outcome.Items, 1)
		require.Equal(t, "1", outcome.Items[0].TransactionID)
	})

	t.Run("Latest receipt info takes precedence", func(t *testing.T) {
		receipt := &ReceiptInfo{
			InApp:             []ReceiptItem{item("a", "1", now.Add(-30*24*time.Hour), at(now.Add(-time.Hour)))},
			LatestReceiptInfo: []ReceiptItem{item("a", "2", now.Add(-time.Hour), at(now.Add(30*24*time.Hour)))},
		}

		outcome := VerifySubscription(AutoRenewable, "a", receipt, now)
		require.Equal(t, OutcomePurchased, outcome.Kind)
		require.Equal(t, "2", outcome.Items[0].TransactionID)
	})

	t.Run("Group", func(t *testing.T) {
		receipt := &ReceiptInfo{
			InApp: []ReceiptItem{
				item("a", "1", now.Add(-30*24*time.Hour), at(now.Add(-time.Hour))),
				item("b", "2", now.Add(-time.Hour), at(now.Add(time.Hour))),
				item("c", "3", now.Add(-time.Hour), at(now.Add(2*time.Hour))),
			},
		}

		outcome := VerifySubscriptions(AutoRenewable, []string{"a", "b"}, receipt, now)
		require.Equal(t, OutcomePurchased, outcome.Kind)
		require.Equal(t, now.Add(time.Hour), outcome.ExpiryDate)
		require.Len(t, outcome.Items, 2)

		summary := Summarize(outcome)
		require.True(t, summary.IsValid("a"))
		require.True(t, summary.IsValid("b"))
		require.False(t, summary.IsValid("c"))
		require.Empty(t, summary.Expired)
	})
}

func TestVerifySubscriptions_NonRenewing(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	month := 30 * 24 * time.Hour

	receipt := &ReceiptInfo{
		InApp: []ReceiptItem{item("a", "1", now.Add(-10*24*time.Hour), nil)},
	}

	outcome := VerifySubscription(NonRenewing(month), "a", receipt, now)
	require.Equal(t, OutcomePurchased, outcome.Kind)
	require.Equal(t, now.Add(20*24*time.Hour), outcome.ExpiryDate)

	outcome = VerifySubscription(NonRenewing(month), "a", receipt, now.Add(month))
	require.Equal(t, OutcomeExpired, outcome.Kind)

	// Non-renewing purchases are read from the in-app items only.
	receipt.LatestReceiptInfo = []ReceiptItem{item("a", "2", now, nil)}
	outcome = VerifySubscription(NonRenewing(month), "a", receipt, now)
	require.Equal(t, "1", outcome.Items[0].TransactionID)
}

func TestSummarize(t *testing.T) {
	items := []ReceiptItem{{ProductID: "a"}, {ProductID: "b"}, {ProductID: "a"}}

	summary := Summarize(NotPurchased())
	require.Empty(t, summary.Valid)
	require.Empty(t, summary.Expired)

	summary = Summarize(Purchased(time.Now(), items))
	require.Len(t, summary.Valid, 2)
	require.Empty(t, summary.Expired)

	summary = Summarize(Expired(time.Now(), items))
	require.Empty(t, summary.Valid)
	require.Len(t, summary.Expired, 2)
	require.True(t, summary.IsExpired("b"))
}

func TestFinishPolicy(t *testing.T) {
	summary := VerifySummary{
		Valid:   map[string]struct{}{"valid": {}},
		Expired: map[string]struct{}{"expired": {}},
	}

	require.True(t, FinishIfValid.shouldFinish(summary, "valid"))
	require.False(t, FinishIfValid.shouldFinish(summary, "expired"))
	require.False(t, FinishIfValid.shouldFinish(summary, "unknown"))

	require.True(t, FinishIfValidOrExpired.shouldFinish(summary, "valid"))
	require.True(t, FinishIfValidOrExpired.shouldFinish(summary, "expired"))
	require.False(t, FinishIfValidOrExpired.shouldFinish(summary, "unknown"))
}

func TestProductInfo(t *testing.T) {
	price := "$0.99"

	require.Equal(t, ProductInfo{ID: "a", Name: "A", Price: "$0.99"}, toProductInfo(Product{ProductID: "a", LocalizedTitle: "A", LocalizedPrice: &price}))
	require.Equal(t, ProductInfo{ID: "a", Name: "A", Price: NoPrice}, toProductInfo(Product{ProductID: "a", LocalizedTitle: "A"}))

	set := ProductInfoSet{}
	set.Add(ProductInfo{ID: "b", Name: "B", Price: NoPrice})
	set.Add(ProductInfo{ID: "a", Name: "A", Price: price})
	set.Add(ProductInfo{ID: "a", Name: "A", Price: price})
	require.Len(t, set, 2)
	require.Equal(t, "a", set.Slice()[0].ID)
}
