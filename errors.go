package inferbill

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind is the closed set of failure categories surfaced to callers.
type Kind string

const (
	KindBadInput           Kind = "BAD_INPUT"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindNotFound           Kind = "NOT_FOUND"
	KindInsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL"
)

// HTTPStatus returns the response status used for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed later without change.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindServiceUnavailable
}

// Sentinel errors.
var (
	ErrInsufficientFunds = errors.New("inferbill: insufficient funds")
	ErrWalletContention  = errors.New("inferbill: wallet updated concurrently")
	ErrBreakerOpen       = errors.New("inferbill: circuit breaker open")
	ErrModelNotFound     = errors.New("inferbill: model not found")
	ErrModelTransport    = errors.New("inferbill: model not permitted over transport")
	ErrUnknownProvider   = errors.New("inferbill: provider not registered")
	ErrDuplicateKey      = errors.New("inferbill: duplicate idempotency key")
	ErrRollbackFailed    = errors.New("inferbill: rollback failed")
	ErrInvalidAmount     = errors.New("inferbill: invalid amount")
	ErrMissingIdentity   = errors.New("inferbill: missing identity")
)

// Error carries a Kind together with a caller-safe message.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	// Replayed marks an error repeated from an earlier identical request.
	Replayed bool
	Err      error
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inferbill: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("inferbill: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsReplayed reports whether err is the stored outcome of an earlier request.
func IsReplayed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Replayed
}

// KindOf classifies any error into the closed taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind()
	}

	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrWalletContention), errors.Is(err, ErrBreakerOpen):
		return KindServiceUnavailable
	case errors.Is(err, ErrModelNotFound):
		return KindNotFound
	case errors.Is(err, ErrModelTransport), errors.Is(err, ErrInvalidAmount):
		return KindBadInput
	case errors.Is(err, ErrMissingIdentity):
		return KindUnauthorized
	case IsTransport(err):
		return KindServiceUnavailable
	default:
		return KindInternal
	}
}

// MessageOf returns the caller-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	switch KindOf(err) {
	case KindBadInput:
		return "request is malformed or unsupported"
	case KindUnauthorized:
		return "missing or invalid credentials"
	case KindNotFound:
		return "resource not found"
	case KindInsufficientFunds:
		return "wallet balance is too low for this request"
	case KindRateLimited:
		return "too many requests"
	case KindServiceUnavailable:
		return "upstream temporarily unavailable, retry later"
	default:
		return "internal error"
	}
}

// RetryAfterOf returns the suggested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// UpstreamError is returned by provider adapters for any failed upstream call.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Transport  bool
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Transport {
		return fmt.Sprintf("inferbill: upstream %s transport failure: %v", e.Provider, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("inferbill: upstream %s status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("inferbill: upstream %s status %d", e.Provider, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Kind maps the upstream failure into the closed taxonomy.
func (e *UpstreamError) Kind() Kind {
	if e.Transport {
		return KindServiceUnavailable
	}
	return KindFromStatus(e.StatusCode)
}

// KindFromStatus maps an upstream HTTP-style status into the closed taxonomy.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return KindBadInput
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status <= 599:
		return KindServiceUnavailable
	default:
		return KindInternal
	}
}

// IsTransport reports whether err is a transport-level failure eligible for retry.
func IsTransport(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transport
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsClientFault reports whether err is a rejection caused by the request itself.
// Such failures say nothing about upstream health.
func IsClientFault(err error) bool {
	switch KindOf(err) {
	case KindBadInput, KindUnauthorized, KindNotFound:
		return true
	default:
		return false
	}
}
