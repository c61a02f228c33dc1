package iap

import "context"

type ReceiptValidator interface {

	// Validate takes a base64-encoded receipt, validates it with the
	// receipt validation service and returns its parsed contents.
	Validate(ctx context.Context, receiptData string) (*ReceiptInfo, error)
}
