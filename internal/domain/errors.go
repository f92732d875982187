package domain

import "errors"

var (
	// ErrConfigurationMissing indica que nem o limite global padrão existe
	ErrConfigurationMissing = errors.New("rate limit configuration missing")

	// ErrStoreUnavailable envolve falhas do storage durante check/record
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	ErrInvalidConfig     = errors.New("invalid rate limit config")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)
