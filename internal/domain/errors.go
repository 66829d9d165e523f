package domain

import "errors"

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTransient         = errors.New("dependency unavailable")
	ErrMalformed         = errors.New("malformed message")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrInvalidAmount     = errors.New("amount must be positive")
)
