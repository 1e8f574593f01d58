package assessment

import "errors"

// Error kinds surfaced by the engine and stores. Handlers translate these to
// HTTP statuses; everything else maps to 500.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("concurrent update")
	ErrAlreadyAnswered   = errors.New("item already answered")
	ErrExpired           = errors.New("session expired")
	ErrScorerUnavailable = errors.New("scorer unavailable")
	ErrBankExhausted     = errors.New("item bank exhausted")
)
