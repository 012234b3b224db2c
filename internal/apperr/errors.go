// internal/apperr/errors.go
package apperr

import (
	"errors"
	"net/http"
)

// Lending rule violations. These are terminal for the call that produced
// them and are never retried by the engine.
var (
	ErrOutOfStock          = errors.New("no copies available")
	ErrDuplicateActiveLoan = errors.New("book already issued or requested by this member")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidCapacity     = errors.New("total copies below copies on loan")
	ErrMissingReason       = errors.New("reason is required")
)

// Common errors
var (
	ErrNotFound        = errors.New("resource not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDuplicateISBN   = errors.New("book with this ISBN already exists")
	ErrDuplicateName   = errors.New("category with this name already exists")
	ErrBookInUse       = errors.New("book has outstanding issue records")
	ErrRateLimited     = errors.New("too many requests")
)

// ErrUnavailable marks infrastructure failures (journal or database down).
// Callers may retry; the retry re-validates every precondition.
var ErrUnavailable = errors.New("service unavailable")

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrOutOfStock),
		errors.Is(err, ErrDuplicateActiveLoan),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDuplicateISBN),
		errors.Is(err, ErrDuplicateName),
		errors.Is(err, ErrBookInUse):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCapacity),
		errors.Is(err, ErrMissingReason),
		errors.Is(err, ErrInvalidArgument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable machine-readable name reported in error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrOutOfStock):
		return "OUT_OF_STOCK"
	case errors.Is(err, ErrDuplicateActiveLoan):
		return "DUPLICATE_ACTIVE_LOAN"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrInvalidCapacity):
		return "INVALID_CAPACITY"
	case errors.Is(err, ErrMissingReason):
		return "MISSING_REASON"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrDuplicateISBN):
		return "DUPLICATE_ISBN"
	case errors.Is(err, ErrDuplicateName):
		return "DUPLICATE_NAME"
	case errors.Is(err, ErrBookInUse):
		return "BOOK_IN_USE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrUnavailable):
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

var byCode = map[string]error{
	"OUT_OF_STOCK":          ErrOutOfStock,
	"DUPLICATE_ACTIVE_LOAN": ErrDuplicateActiveLoan,
	"INVALID_TRANSITION":    ErrInvalidTransition,
	"INVALID_CAPACITY":      ErrInvalidCapacity,
	"MISSING_REASON":        ErrMissingReason,
	"NOT_FOUND":             ErrNotFound,
	"FORBIDDEN":             ErrForbidden,
	"UNAUTHORIZED":          ErrUnauthorized,
	"INVALID_ARGUMENT":      ErrInvalidArgument,
	"DUPLICATE_ISBN":        ErrDuplicateISBN,
	"DUPLICATE_NAME":        ErrDuplicateName,
	"BOOK_IN_USE":           ErrBookInUse,
	"RATE_LIMITED":          ErrRateLimited,
	"UNAVAILABLE":           ErrUnavailable,
}

// FromCode returns the sentinel reported under code, or nil for an unknown code.
func FromCode(code string) error {
	return byCode[code]
}

// IsRuleViolation reports whether err is a business-rule failure rather than
// an infrastructure or programming error.
func IsRuleViolation(err error) bool {
	return err != nil && HTTPStatus(err) < http.StatusInternalServerError
}
