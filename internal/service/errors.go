package service

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a checkout did not produce a paid order
type ErrorCode string

// Checkout error codes
const (
	CodeEmptyCart             ErrorCode = "EMPTY_CART"
	CodeInvalidCart           ErrorCode = "INVALID_CART"
	CodeUnknownProduct        ErrorCode = "UNKNOWN_PRODUCT"
	CodeInsufficientStock     ErrorCode = "INSUFFICIENT_STOCK"
	CodeOrderPersistenceError ErrorCode = "ORDER_PERSISTENCE_ERROR"
	CodePaymentDeclined       ErrorCode = "PAYMENT_DECLINED"
	CodePaymentUnavailable    ErrorCode = "PAYMENT_UNAVAILABLE"
	CodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	CodeCheckoutInProgress    ErrorCode = "CHECKOUT_IN_PROGRESS"
	CodeCancelled             ErrorCode = "CANCELLED"
	CodeServiceUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	CodeCompensationFailed    ErrorCode = "COMPENSATION_FAILED"
)

// CheckoutError is returned by every failed checkout
type CheckoutError struct {
	Code      ErrorCode
	ProductID string
	OrderID   string

	// CompensationFailed is set when a compensating action ran out of
	// retries and the attempt was left for reconciliation.
	CompensationFailed bool

	Err error
}

func (e *CheckoutError) Error() string {
	msg := string(e.Code)
	if e.ProductID != "" {
		msg += fmt.Sprintf(" (product %s)", e.ProductID)
	}
	if e.OrderID != "" {
		msg += fmt.Sprintf(" (order %s)", e.OrderID)
	}
	if e.CompensationFailed {
		msg += " [compensation failed]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func newCheckoutError(code ErrorCode, err error) *CheckoutError {
	return &CheckoutError{Code: code, Err: err}
}

// AsCheckoutError extracts a *CheckoutError from err
func AsCheckoutError(err error) (*CheckoutError, bool) {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// PaymentError is a charge call that ended without a definitive outcome
type PaymentError struct {
	Retryable bool
	Err       error
}

func (e *PaymentError) Error() string {
	if e.Retryable {
		return "payment error (retryable): " + e.Err.Error()
	}
	return "payment error: " + e.Err.Error()
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// IsRetryablePayment reports whether err is worth another charge call with
// the same idempotency key
func IsRetryablePayment(err error) bool {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
