package iap

import (
	"sort"
	"time"
)

type OutcomeKind uint8

const (
	OutcomeNotPurchased OutcomeKind = iota
	OutcomePurchased
	OutcomeExpired
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePurchased:
		return "purchased"
	case OutcomeExpired:
		return "expired"
	default:
		return "not_purchased"
	}
}

// VerifyOutcome is the status of one or more subscriptions in a receipt.
//
// ExpiryDate and Items are only set when Kind is OutcomePurchased or
// OutcomeExpired. Items are sorted by expiry, latest first.
type VerifyOutcome struct {
	Kind       OutcomeKind
	ExpiryDate time.Time
	Items      []ReceiptItem
}

func Purchased(expiryDate time.Time, items []ReceiptItem) VerifyOutcome {
	return VerifyOutcome{Kind: OutcomePurchased, ExpiryDate: expiryDate, Items: items}
}

func Expired(expiryDate time.Time, items []ReceiptItem) VerifyOutcome {
	return VerifyOutcome{Kind: OutcomeExpired, ExpiryDate: expiryDate, Items: items}
}

func NotPurchased() VerifyOutcome {
	return VerifyOutcome{Kind: OutcomeNotPurchased}
}

// VerifySummary partitions the product IDs of a VerifyOutcome's items.
type VerifySummary struct {
	Valid   map[string]struct{}
	Expired map[string]struct{}
}

func (s VerifySummary) IsValid(productID string) bool {
	_, ok := s.Valid[productID]
	return ok
}

func (s VerifySummary) IsExpired(productID string) bool {
	_, ok := s.Expired[productID]
	return ok
}

// Summarize reduces an outcome to its valid and expired product IDs. A not
// purchased outcome yields two empty sets.
func Summarize(outcome VerifyOutcome) VerifySummary {
	summary := VerifySummary{
		Valid:   map[string]struct{}{},
		Expired: map[string]struct{}{},
	}

	var target map[string]struct{}
	switch outcome.Kind {
	case OutcomePurchased:
		target = summary.Valid
	case OutcomeExpired:
		target = summary.Expired
	default:
		return summary
	}

	for _, item := range outcome.Items {
		target[item.ProductID] = struct{}{}
	}
	return summary
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
