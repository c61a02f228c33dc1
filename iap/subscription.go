package iap

import (
	"fmt"
	"sort"
	"time"
)

type SubscriptionKind uint8

const (
	SubscriptionAutoRenewable SubscriptionKind = iota
	SubscriptionNonRenewing
)

// SubscriptionType selects how expiry is derived from receipt items.
type SubscriptionType struct {
	Kind SubscriptionKind

	// ValidDuration is how long a non-renewing purchase lasts after its
	// purchase date. Ignored for auto-renewable subscriptions.
	ValidDuration time.Duration
}

var AutoRenewable = SubscriptionType{Kind: SubscriptionAutoRenewable}

func NonRenewing(validDuration time.Duration) SubscriptionType {
	return SubscriptionType{Kind: SubscriptionNonRenewing, ValidDuration: validDuration}
}

func (t SubscriptionType) String() string {
	switch t.Kind {
	case SubscriptionAutoRenewable:
		return "auto_renewable"
	case SubscriptionNonRenewing:
		return fmt.Sprintf("non_renewing(%s)", t.ValidDuration)
	default:
		return "unknown"
	}
}

// VerifySubscription checks the status of a single subscription product.
func VerifySubscription(subscriptionType SubscriptionType, productID string, receipt *ReceiptInfo, validUntil time.Time) VerifyOutcome {
	return VerifySubscriptions(subscriptionType, []string{productID}, receipt, validUntil)
}

// VerifySubscriptions checks the status of a group of subscription products,
// treating them as one: the outcome is driven by whichever item expires last.
//
// Cancelled items are ignored. Auto-renewable subscriptions are read from the
// receipt's latest info when present, since that carries every renewal.
func VerifySubscriptions(subscriptionType SubscriptionType, productIDs []string, receipt *ReceiptInfo, validUntil time.Time) VerifyOutcome {
	if receipt == nil {
		return NotPurchased()
	}

	wanted := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}

	source := receipt.InApp
	if subscriptionType.Kind == SubscriptionAutoRenewable && len(receipt.LatestReceiptInfo) > 0 {
		source = receipt.LatestReceiptInfo
	}

	type dated struct {
		expiry time.Time
		item   ReceiptItem
	}

	var candidates []dated
	for _, item := range source {
		if _, ok := wanted[item.ProductID]; !ok {
			continue
		}
		if item.CancellationDate != nil {
			continue
		}

		switch subscriptionType.Kind {
		case SubscriptionAutoRenewable:
			if item.SubscriptionExpirationDate == nil {
				continue
			}
			candidates = append(candidates, dated{*item.SubscriptionExpirationDate, item})
		case SubscriptionNonRenewing:
			candidates = append(candidates, dated{item.PurchaseDate.Add(subscriptionType.ValidDuration), item})
		}
	}

	if len(candidates) == 0 {
		return NotPurchased()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].expiry.After(candidates[j].expiry)
	})

	items := make([]ReceiptItem, len(candidates))
	for i, c := range candidates {
		items[i] = c.item
	}

	latest := candidates[0].expiry
	if latest.After(validUntil) {
		return Purchased(latest, items)
	}
	return Expired(latest, items)
}
