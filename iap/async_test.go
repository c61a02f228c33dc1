package iap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type callbackStore struct {
	Storefront

	purchase func(completion func(PurchaseResult))
	restore  func(completion func(RestoreResults))
	retrieve func(completion func(RetrieveResults))
	verify   func(completion func(VerifyReceiptResult))
}

func (s *callbackStore) PurchaseProduct(_ context.Context, _ string, _ PurchaseOptions, completion func(PurchaseResult)) {
	s.purchase(completion)
}

func (s *callbackStore) RestorePurchases(_ context.Context, _ RestoreOptions, completion func(RestoreResults)) {
	s.restore(completion)
}

func (s *callbackStore) RetrieveProductsInfo(_ context.Context, _ []string, completion func(RetrieveResults)) {
	s.retrieve(completion)
}

func (s *callbackStore) VerifyReceipt(_ context.Context, _ ReceiptValidator, _ bool, completion func(VerifyReceiptResult)) {
	s.verify(completion)
}

func TestAsync_FirstCompletionWins(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	first := &Purchase{ProductID: "first"}
	store := &callbackStore{
		purchase: func(completion func(PurchaseResult)) {
			completion(PurchaseResult{Kind: PurchaseSucceeded, Purchase: first})
			completion(PurchaseResult{Kind: PurchaseFailed, Err: errors.New("second")})
		},
	}

	purchase, err := NewAsync(zap.New(core), store).PurchaseProduct(context.Background(), "first", DefaultPurchaseOptions())
	require.NoError(t, err)
	require.Same(t, first, purchase)
	require.Equal(t, 1, logs.FilterMessage("Dropping repeated completion").Len())
}

func TestAsync_PurchaseResults(t *testing.T) {
	for _, tc := range []struct {
		name   string
		result PurchaseResult
		ok     bool
	}{
		{"Succeeded", PurchaseResult{Kind: PurchaseSucceeded, Purchase: &Purchase{ProductID: "a"}}, true},
		{"Deferred", PurchaseResult{Kind: PurchaseDeferred, Purchase: &Purchase{ProductID: "a"}}, true},
		{"Failed", PurchaseResult{Kind: PurchaseFailed, Err: errors.New("failed")}, false},
		{"FailedWithoutError", PurchaseResult{Kind: PurchaseFailed}, false},
		{"MissingPurchase", PurchaseResult{Kind: PurchaseSucceeded}, false},
		{"UnknownKind", PurchaseResult{Kind: 42}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := &callbackStore{
				purchase: func(completion func(PurchaseResult)) {
					go completion(tc.result)
				},
			}

			purchase, err := NewAsync(zap.NewNop(), store).PurchaseProduct(context.Background(), "a", DefaultPurchaseOptions())
			if tc.ok {
				require.NoError(t, err)
				require.Equal(t, "a", purchase.ProductID)
			} else {
				require.Error(t, err)
				require.Nil(t, purchase)
			}
			if tc.result.Err != nil {
				require.ErrorIs(t, err, tc.result.Err)
			}
		})
	}
}

func TestAsync_ContextDone(t *testing.T) {
	late := make(chan func(), 4)
	store := &callbackStore{
		purchase: func(completion func(PurchaseResult)) {
			late <- func() { completion(PurchaseResult{Kind: PurchaseSucceeded, Purchase: &Purchase{}}) }
		},
		restore: func(completion func(RestoreResults)) {
			late <- func() { completion(RestoreResults{Restored: []Purchase{{ProductID: "a"}}}) }
		},
		retrieve: func(completion func(RetrieveResults)) {
			late <- func() { completion(RetrieveResults{Retrieved: []Product{{ProductID: "a"}}}) }
		},
		verify: func(completion func(VerifyReceiptResult)) {
			late <- func() { completion(VerifyReceiptResult{Receipt: &ReceiptInfo{}}) }
		},
	}
	async := NewAsync(zap.NewNop(), store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := async.PurchaseProduct(ctx, "a", DefaultPurchaseOptions())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = async.VerifyReceipt(ctx, nil, true)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Empty(t, async.RestorePurchases(ctx, RestoreOptions{}))
	require.Empty(t, async.RetrieveProductsInfo(ctx, []string{"a"}))

	// Late completions must not block the storefront.
	close(late)
	for complete := range late {
		complete()
	}
}

func TestAsync_DropsRestoreAndLookupErrors(t *testing.T) {
	store := &callbackStore{
		restore: func(completion func(RestoreResults)) {
			completion(RestoreResults{
				Restored: []Purchase{{ProductID: "a"}},
				Failed:   []RestoreFailure{{ProductID: "b", Err: errors.New("failed")}},
			})
		},
		retrieve: func(completion func(RetrieveResults)) {
			completion(RetrieveResults{
				Retrieved:         []Product{{ProductID: "a"}},
				InvalidProductIDs: []string{"b"},
				Err:               errors.New("partial failure"),
			})
		},
	}
	async := NewAsync(zap.NewNop(), store)

	restored := async.RestorePurchases(context.Background(), RestoreOptions{})
	require.Equal(t, []Purchase{{ProductID: "a"}}, restored)

	products := async.RetrieveProductsInfo(context.Background(), []string{"a", "b"})
	require.Equal(t, []Product{{ProductID: "a"}}, products)
}

func TestAsync_VerifyReceipt(t *testing.T) {
	verifyErr := errors.New("status 21002")

	for _, tc := range []struct {
		name   string
		result VerifyReceiptResult
		ok     bool
	}{
		{"Valid", VerifyReceiptResult{Receipt: &ReceiptInfo{BundleID: "com.flipchat.app"}}, true},
		{"Invalid", VerifyReceiptResult{Err: verifyErr}, false},
		{"Empty", VerifyReceiptResult{}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := &callbackStore{
				verify: func(completion func(VerifyReceiptResult)) {
					go completion(tc.result)
				},
			}

			receipt, err := NewAsync(zap.NewNop(), store).VerifyReceipt(context.Background(), nil, true)
			if tc.ok {
				require.NoError(t, err)
				require.Equal(t, "com.flipchat.app", receipt.BundleID)
			} else {
				require.Error(t, err)
				require.Nil(t, receipt)
			}
		})
	}
}
