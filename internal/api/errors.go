package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/partyline/relaybank/internal/apperr"
)

// AppError is an HTTP-layer error with a fixed status.
type AppError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrUnauthorized   = &AppError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "unauthorized"}
	ErrInvalidToken   = &AppError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "invalid or expired token"}
	ErrInternalServer = &AppError{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal server error"}
)

// StatusFor maps a domain error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.InvalidRequest:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.InsufficientCredit:
		return http.StatusPaymentRequired
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		jsonError(w, appErr.Status, appErr.Code, appErr.Message)
		return
	}

	var domainErr *apperr.Error
	if errors.As(err, &domainErr) {
		msg := domainErr.Message
		if msg == "" {
			msg = string(domainErr.Code)
		}
		jsonError(w, StatusFor(domainErr.Code), string(domainErr.Code), msg)
		return
	}

	slog.Error("unhandled error", "error", err)
	jsonError(w, http.StatusInternalServerError, ErrInternalServer.Code, ErrInternalServer.Message)
}
