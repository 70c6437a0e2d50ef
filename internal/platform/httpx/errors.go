package httpx

import (
	"errors"
	"net/http"
)

// Sentinels handlers classify errors with before responding. RespondError
// turns them into RFC7807 problems; anything unclassified becomes an opaque
// 500 so internals never leak over the wire.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("unprocessable")
	ErrUnauthorized  = errors.New("unauthorized")
)

// RespondError writes the problem response for err. A non-empty detail
// overrides err.Error(); the 500 fallback always writes an empty detail.
func RespondError(w http.ResponseWriter, err error, detail string) {
	if detail == "" && err != nil {
		detail = err.Error()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", detail)
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", detail)
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", detail)
	case errors.Is(err, ErrUnprocessable):
		Problem(w, http.StatusUnprocessableEntity, "Unprocessable", detail)
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", detail)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
