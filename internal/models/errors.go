package models

import "errors"

// Errors shared by the stores and the checkout saga
var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrUnknownProduct     = errors.New("unknown product")
	ErrReservationNotHeld = errors.New("reservation is not held")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrCartNotFound       = errors.New("cart not found")
	ErrInvalidProduct     = errors.New("invalid product")
)
