package api

import (
	"errors"
	"net/http"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/bank"
	"github.com/upswing/flightpath/internal/catalog"
)

// statusFor maps domain error kinds to HTTP statuses. Anything unknown is a
// 500 and gets logged with its cause.
func statusFor(err error) int {
	switch {
	case errors.Is(err, assessment.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, assessment.ErrNotFound),
		errors.Is(err, bank.ErrNotFound),
		errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, assessment.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, assessment.ErrConflict),
		errors.Is(err, assessment.ErrAlreadyAnswered):
		return http.StatusConflict
	case errors.Is(err, assessment.ErrExpired):
		return http.StatusGone
	case errors.Is(err, assessment.ErrScorerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, assessment.ErrBankExhausted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
