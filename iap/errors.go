package iap

import (
	"errors"
	"fmt"
)

// Error is a domain error raised by the Facade itself.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

var (
	ErrNeverPurchased      = &Error{Code: -1, Message: "this product has never been purchased"}
	ErrPaymentsUnavailable = &Error{Code: -2, Message: "currently unable to purchase"}
)

// ErrInvalidReceipt is returned by validators when a receipt cannot be
// decoded or fails its signature check.
var ErrInvalidReceipt = errors.New("invalid receipt")
