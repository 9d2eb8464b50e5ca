package domain

import "errors"

// Business-rule errors shared by the pure arithmetic helpers and the store layer.
// Store-specific lookup errors (record not found, etc.) live in internal/store.
var (
	ErrUnknownServiceType = errors.New("unknown service type")
	ErrInvalidPricingRule = errors.New("invalid pricing rule")
	ErrInvalidSplit       = errors.New("invalid commission split")
	ErrInsufficientCredit = errors.New("insufficient credit minutes")
	ErrInvalidMinutes     = errors.New("minutes must be positive")
)
