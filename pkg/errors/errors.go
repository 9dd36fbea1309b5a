package errors

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrLeadNotFound            = errors.New("lead not found")
	ErrLeadUnavailable         = errors.New("lead is no longer available")
	ErrNilPurchase             = errors.New("purchase is nil")
	ErrNilPayment              = errors.New("payment is nil")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrInvalidTransition       = errors.New("invalid payment status transition")
	ErrInvalidIntent           = errors.New("invalid payment intent")
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable, try again")
	ErrUnknownGateway          = errors.New("unknown payment gateway")
	ErrDuplicateReference      = errors.New("ledger reference already applied")
	ErrInvalidInput            = errors.New("invalid input")
)

// InsufficientFundsError reports how much is missing for a debit.
// It matches ErrInsufficientFunds with errors.Is.
type InsufficientFundsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientFundsError) Shortfall() int64 {
	return e.Required - e.Balance
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, required %d, shortfall %d", e.Balance, e.Required, e.Shortfall())
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// IsBusiness reports whether err is an expected, per-request outcome
// rather than an infrastructure failure.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrLeadUnavailable) ||
		errors.Is(err, ErrLeadNotFound) ||
		errors.Is(err, ErrInsufficientFunds)
}

// Reason maps a business error to a stable machine-readable code.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrLeadUnavailable):
		return "lead_unavailable"
	case errors.Is(err, ErrLeadNotFound):
		return "lead_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "internal"
	}
}
