package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/and161185/mailkeeper/internal/errs"
)

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type dataEnvelope struct {
	Data any `json:"data"`
}

type successEnvelope struct {
	Success bool `json:"success"`
}

// StatusClientClosedRequest is the non-standard status recorded when the
// caller went away before the handler finished.
const StatusClientClosedRequest = 499

// statusFor maps the error taxonomy to a status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, "INSUFFICIENT_PERMISSION"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, errs.ErrDuplicateEmail):
		return http.StatusConflict, "EMAIL_EXISTS"
	case errors.Is(err, errs.ErrCannotDeleteLastVerifiedEmail):
		return http.StatusConflict, "EMAIL_CANNOT_DELETE"
	case errors.Is(err, errs.ErrAlreadyVerified):
		return http.StatusConflict, "EMAIL_ALREADY_VERIFIED"
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "CANCELED"
	case errors.Is(err, errs.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// abortWithError writes the error envelope. Internal errors hide their text.
func abortWithError(c *gin.Context, err error) {
	st, code := statusFor(err)
	msg := err.Error()
	switch st {
	case http.StatusInternalServerError:
		msg = "internal error"
	case http.StatusServiceUnavailable:
		msg = "temporarily unavailable, retry later"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(st, errorEnvelope{Error: ErrorBody{Code: code, Message: msg}})
}
