package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/code-payments/flipchat-iap/iap"
)

// Validator is an in-memory receipt validator that checks an ed25519
// signature on the receipt. A receipt is the JSON encoded receipt contents,
// signed by the owner of the private key.
type Validator struct {
	publicKey ed25519.PublicKey
}

// NewValidator creates a new Validator from a given public key.
func NewValidator(pubKey ed25519.PublicKey) iap.ReceiptValidator {
	return &Validator{publicKey: pubKey}
}

func (v *Validator) Validate(ctx context.Context, receiptData string) (*iap.ReceiptInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(receiptData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", iap.ErrInvalidReceipt, err)
	}

	signature, message, err := parseReceipt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", iap.ErrInvalidReceipt, err)
	}

	if !ed25519.Verify(v.publicKey, message, signature) {
		return nil, fmt.Errorf("%w: bad signature", iap.ErrInvalidReceipt)
	}

	var receipt iap.ReceiptInfo
	if err := json.Unmarshal(message, &receipt); err != nil {
		return nil, fmt.Errorf("%w: %v", iap.ErrInvalidReceipt, err)
	}
	return &receipt, nil
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SignReceipt produces the raw receipt bytes a Storefront hands out for the
// given receipt contents.
func SignReceipt(owner ed25519.PrivateKey, receipt *iap.ReceiptInfo) ([]byte, error) {
	message, err := json.Marshal(receipt)
	if err != nil {
		return nil, err
	}

	signature := ed25519.Sign(owner, message)
	return []byte(base64.StdEncoding.EncodeToString(signature) + "|" + string(message)), nil
}

func parseReceipt(receipt string) (signature []byte, message []byte, err error) {
	parts := strings.SplitN(receipt, "|", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid receipt format: %s", receipt)
	}

	signature, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("error decoding signature: %w", err)
	}

	message = []byte(parts[1])
	return signature, message, nil
}
