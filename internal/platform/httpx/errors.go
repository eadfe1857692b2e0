// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// RetryAfterSeconds is advertised on conflict responses.
const RetryAfterSeconds = "1"

// RespondError maps the stock error taxonomy to RFC7807 responses.
func RespondError(w http.ResponseWriter, err error) {
	var (
		validation *shared.ValidationError
		stock      *shared.InsufficientStockError
		transition *shared.InvalidTransitionError
		missing    *shared.ReferentialIntegrityError
	)
	switch {
	case errors.As(err, &validation):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: validation.Error(),
			Field:  validation.Field,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.As(err, &stock):
		JSON(w, http.StatusConflict, ProblemDetail{
			Type:      "insufficient-stock",
			Title:     "Insufficient Stock",
			Status:    http.StatusConflict,
			Detail:    stock.Error(),
			ItemID:    stock.ItemID,
			Location:  stock.Location,
			Requested: stock.Requested,
			Available: stock.Available,
		})
	case errors.As(err, &transition):
		JSON(w, http.StatusConflict, ProblemDetail{
			Type:   "invalid-transition",
			Title:  "Invalid Transition",
			Status: http.StatusConflict,
			Detail: transition.Error(),
			From:   transition.From,
		})
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrRetryExhausted), errors.Is(err, shared.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		Problem(w, http.StatusServiceUnavailable, "Try Again", shared.ErrRetryExhausted.Error())
	case errors.As(err, &missing):
		Problem(w, http.StatusUnprocessableEntity, "Unknown Reference", missing.Error())
	case errors.Is(err, shared.ErrReferentialIntegrity):
		Problem(w, http.StatusUnprocessableEntity, "Unknown Reference", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
