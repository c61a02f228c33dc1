package iap

import (
	"sort"
	"time"
)

type TransactionState uint8

const (
	TransactionStateUnknown TransactionState = iota
	TransactionStatePurchasing
	TransactionStatePurchased
	TransactionStateFailed
	TransactionStateRestored
	TransactionStateDeferred
)

func (s TransactionState) String() string {
	switch s {
	case TransactionStatePurchasing:
		return "purchasing"
	case TransactionStatePurchased:
		return "purchased"
	case TransactionStateFailed:
		return "failed"
	case TransactionStateRestored:
		return "restored"
	case TransactionStateDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Transaction is an opaque reference to a store transaction. It is owned by
// the Storefront and only ever handed back to it via FinishTransaction.
type Transaction interface {
	TransactionID() string
	State() TransactionState
}

// Purchase is the result of a purchase or restore.
type Purchase struct {
	ProductID   string
	Quantity    int
	Transaction Transaction

	// NeedsFinishTransaction is set when the purchase was not made atomically
	// and the caller is responsible for finishing the transaction.
	NeedsFinishTransaction bool
}

// Product is a raw product record as retrieved from the Storefront.
type Product struct {
	ProductID      string
	LocalizedTitle string

	// LocalizedPrice is nil when the storefront could not localize the price.
	LocalizedPrice *string
}

// NoPrice is used in place of a missing localized price.
const NoPrice = "-"

// ProductInfo is a read-only snapshot of a product.
type ProductInfo struct {
	ID    string
	Name  string
	Price string
}

type ProductInfoSet map[ProductInfo]struct{}

func (s ProductInfoSet) Add(p ProductInfo) {
	s[p] = struct{}{}
}

func (s ProductInfoSet) Contains(p ProductInfo) bool {
	_, ok := s[p]
	return ok
}

// Slice returns the products ordered by ID, then name, then price.
func (s ProductInfoSet) Slice() []ProductInfo {
	res := make([]ProductInfo, 0, len(s))
	for p := range s {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].ID != res[j].ID {
			return res[i].ID < res[j].ID
		}
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].Price < res[j].Price
	})
	return res
}

func toProductInfo(p Product) ProductInfo {
	price := NoPrice
	if p.LocalizedPrice != nil {
		price = *p.LocalizedPrice
	}
	return ProductInfo{
		ID:    p.ProductID,
		Name:  p.LocalizedTitle,
		Price: price,
	}
}

type Environment string

const (
	EnvironmentProduction Environment = "Production"
	EnvironmentSandbox    Environment = "Sandbox"
)

// ReceiptItem is a single purchase entry in a receipt.
type ReceiptItem struct {
	ProductID             string
	Quantity              int
	TransactionID         string
	OriginalTransactionID string
	PurchaseDate          time.Time
	OriginalPurchaseDate  time.Time
	WebOrderLineItemID    string

	// Only set for auto-renewable subscriptions.
	SubscriptionExpirationDate *time.Time

	// Set when the transaction was refunded or revoked.
	CancellationDate *time.Time

	IsTrialPeriod        bool
	IsInIntroOfferPeriod bool
}

// ReceiptInfo is a receipt after it has been validated.
type ReceiptInfo struct {
	BundleID    string
	Environment Environment
	InApp       []ReceiptItem

	// LatestReceiptInfo holds every renewal of auto-renewable subscriptions.
	// Empty for receipts that contain none.
	LatestReceiptInfo []ReceiptItem

	// LatestReceipt is the base64 encoded latest receipt, if returned by the
	// validation service.
	LatestReceipt string

	// RequestDate is when the validation service produced this receipt.
	// Subscriptions are judged against it when present.
	RequestDate *time.Time
}

func (r *ReceiptInfo) Clone() *ReceiptInfo {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.InApp = append([]ReceiptItem(nil), r.InApp...)
	cloned.LatestReceiptInfo = append([]ReceiptItem(nil), r.LatestReceiptInfo...)
	return &cloned
}
