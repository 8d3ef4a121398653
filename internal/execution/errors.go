package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Code is the closed set of error kinds a caller can branch on.
type Code string

const (
	CodeTimeoutTotal        Code = "timeout-total"
	CodeTimeoutNetwork      Code = "timeout-network"
	CodeResourceMemory      Code = "resource-memory"
	CodePermissionDenied    Code = "permission-denied"
	CodePermissionRateLimit Code = "permission-rate-limit"
	CodeInputValidation     Code = "input-validation"
	CodeExternalAPI         Code = "external-api"
	CodeExternalUnavailable Code = "external-unavailable"
	CodeInternalSandbox     Code = "internal-sandbox"
	CodeInternalUnknown     Code = "internal-unknown"
)

// Codes lists every member of the taxonomy.
func Codes() []Code {
	return []Code{
		CodeTimeoutTotal,
		CodeTimeoutNetwork,
		CodeResourceMemory,
		CodePermissionDenied,
		CodePermissionRateLimit,
		CodeInputValidation,
		CodeExternalAPI,
		CodeExternalUnavailable,
		CodeInternalSandbox,
		CodeInternalUnknown,
	}
}

// Error is the normalized error crossing the dispatch boundary.
type Error struct {
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`

	// StatusCode is the upstream HTTP status when the error came from a backend response.
	StatusCode int `json:"-"`
	// Transport marks failures where the backend could not be reached or answered 5xx.
	Transport bool `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// RetryAfter returns the backend's retry hint as a duration.
func (e *Error) RetryAfter() time.Duration {
	if e == nil || e.RetryAfterMs <= 0 {
		return 0
	}
	return time.Duration(e.RetryAfterMs) * time.Millisecond
}

// NewError builds an Error with the default retryability for code.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Wrap builds an Error that keeps cause for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	e := NewError(code, message)
	e.cause = cause
	return e
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeTimeoutNetwork, CodePermissionRateLimit, CodeExternalUnavailable, CodeExternalAPI:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error code to the HTTP status returned to callers.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInputValidation:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodePermissionRateLimit:
		return http.StatusTooManyRequests
	case CodeExternalUnavailable, CodeExternalAPI:
		return http.StatusBadGateway
	case CodeTimeoutTotal, CodeTimeoutNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus normalizes a backend HTTP status and its reported code into the taxonomy.
// A reported code outside the closed set is ignored.
func FromStatus(status int, reported Code, message string) *Error {
	if reported != "" && knownCode(reported) {
		e := NewError(reported, message)
		e.StatusCode = status
		e.Transport = status >= http.StatusInternalServerError
		return e
	}

	var e *Error
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e = NewError(CodeInputValidation, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = NewError(CodePermissionDenied, message)
	case status == http.StatusTooManyRequests:
		e = NewError(CodePermissionRateLimit, message)
	case status == http.StatusRequestTimeout:
		e = NewError(CodeTimeoutNetwork, message)
	case status == http.StatusGatewayTimeout:
		e = NewError(CodeTimeoutTotal, message)
	case status == http.StatusInsufficientStorage:
		e = NewError(CodeResourceMemory, message)
	case status >= http.StatusInternalServerError:
		e = NewError(CodeExternalUnavailable, message)
	case status >= http.StatusBadRequest:
		e = NewError(CodeExternalAPI, message)
	default:
		e = NewError(CodeInternalUnknown, message)
	}
	e.StatusCode = status
	e.Transport = status >= http.StatusInternalServerError
	if status >= http.StatusInternalServerError {
		e.Retryable = true
	}
	return e
}

// Normalize maps an arbitrary error from a backend call into the taxonomy.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeoutTotal, "execution deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(CodeInternalUnknown, "execution cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			e := Wrap(CodeTimeoutNetwork, "backend network timeout", err)
			e.Transport = true
			return e
		}
		e := Wrap(CodeExternalUnavailable, "backend unreachable", err)
		e.Transport = true
		return e
	}
	return Wrap(CodeInternalUnknown, "unexpected backend error", err)
}

func knownCode(code Code) bool {
	for _, c := range Codes() {
		if c == code {
			return true
		}
	}
	return false
}
