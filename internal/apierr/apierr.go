// Package apierr defines the gateway's error taxonomy and the JSON error
// envelope every failure is translated into at the HTTP boundary.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeInvalidKey         Code = "INVALID_KEY"
	CodeKeyDisabled        Code = "KEY_DISABLED"
	CodeKeyExpired         Code = "KEY_EXPIRED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNeedsReauth        Code = "NEEDS_REAUTH"
	CodePaymentRequired    Code = "PAYMENT_REQUIRED"
	CodeAccountNotLinked   Code = "ACCOUNT_NOT_LINKED"
	CodeRefreshFailed      Code = "REFRESH_FAILED"
	CodeProviderCallFailed Code = "PROVIDER_CALL_FAILED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Refresh failure sub-kinds. RevokedCredential is terminal and must never be
// retried; TransientUpstream may be retried by the caller with backoff.
const (
	ReasonRevokedCredential = "REVOKED_CREDENTIAL"
	ReasonTransientUpstream = "TRANSIENT_UPSTREAM"
)

// Error carries a taxonomy code, an HTTP status, and a human message.
type Error struct {
	Code    Code
	Reason  string
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error without changing the envelope.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

func newErr(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func InvalidKey() *Error {
	return newErr(CodeInvalidKey, http.StatusUnauthorized, "invalid API key")
}

func KeyDisabled() *Error {
	return newErr(CodeKeyDisabled, http.StatusUnauthorized, "API key has been disabled")
}

func KeyExpired() *Error {
	return newErr(CodeKeyExpired, http.StatusUnauthorized, "API key has expired")
}

func Forbidden(provider, permission string) *Error {
	return newErr(CodeForbidden, http.StatusForbidden,
		fmt.Sprintf("API key does not grant %q for provider %q", permission, provider))
}

func NeedsReauth(provider, permission string) *Error {
	return newErr(CodeNeedsReauth, http.StatusForbidden,
		fmt.Sprintf("permission %q requires scopes the %s account has not consented to; re-link the account to grant them", permission, provider))
}

func PaymentRequired() *Error {
	return newErr(CodePaymentRequired, http.StatusPaymentRequired,
		"an active subscription is required to use the API")
}

func AccountNotLinked(provider string) *Error {
	return newErr(CodeAccountNotLinked, http.StatusUnauthorized,
		fmt.Sprintf("no linked %s account; link the account before calling this endpoint", provider))
}

func RevokedCredential(provider string, cause error) *Error {
	e := newErr(CodeRefreshFailed, http.StatusUnauthorized,
		fmt.Sprintf("the %s account's consent has been revoked; re-link the account", provider))
	e.Reason = ReasonRevokedCredential
	e.cause = cause
	return e
}

func TransientUpstream(provider string, cause error) *Error {
	e := newErr(CodeRefreshFailed, http.StatusUnauthorized,
		fmt.Sprintf("could not refresh the %s account's credentials; try again shortly", provider))
	e.Reason = ReasonTransientUpstream
	e.cause = cause
	return e
}

func ProviderCallFailed(provider string, status int) *Error {
	return newErr(CodeProviderCallFailed, http.StatusBadGateway,
		fmt.Sprintf("%s returned status %d", provider, status))
}

func ProviderUnreachable(provider string, cause error) *Error {
	e := newErr(CodeProviderCallFailed, http.StatusBadGateway,
		fmt.Sprintf("call to %s failed", provider))
	e.cause = cause
	return e
}

func NotFound(message string) *Error {
	return newErr(CodeNotFound, http.StatusNotFound, message)
}

func RateLimited(provider string) *Error {
	return newErr(CodeRateLimited, http.StatusTooManyRequests,
		fmt.Sprintf("%s is rate limiting requests; retry with backoff", provider))
}

func InvalidInput(message string) *Error {
	return newErr(CodeInvalidInput, http.StatusBadRequest, message)
}

func Unauthorized(message string) *Error {
	return newErr(CodeUnauthorized, http.StatusUnauthorized, message)
}

func Internal(cause error) *Error {
	e := newErr(CodeInternal, http.StatusInternalServerError, "internal error")
	e.cause = cause
	return e
}

// From normalizes any error to an *Error; unknown errors become INTERNAL_ERROR.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsRevoked reports whether err is a terminal refresh failure.
func IsRevoked(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Reason == ReasonRevokedCredential
}

type envelope struct {
	Error   string `json:"error"`
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// WriteJSON renders err as the uniform error envelope.
func WriteJSON(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(envelope{
		Error:   http.StatusText(e.Status),
		Code:    e.Code,
		Reason:  e.Reason,
		Message: e.Message,
	})
}
