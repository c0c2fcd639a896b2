// Package apperr defines the error classes surfaced by the image host core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for callers and transport adapters.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindRateLimited    Kind = "rate_limited"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindNotFound       Kind = "not_found"
	KindJobTransient   Kind = "job_transient"
	KindJobPermanent   Kind = "job_permanent"
	KindInternal       Kind = "internal"
)

// Reasons carried by authentication, validation and quota errors.
const (
	ReasonInvalidKey       = "invalid_key"
	ReasonOriginNotAllowed = "origin_not_allowed"
	ReasonDaily            = "daily"
	ReasonMonthly          = "monthly"
	ReasonMaxImages        = "max_images"
	ReasonFileTooLarge     = "file_too_large"
	ReasonUnsupportedType  = "unsupported_type"
	ReasonInvalidImage     = "invalid_image"
	ReasonMalwareDetected  = "malware_detected"
)

// Error is the single error type returned across package boundaries.
type Error struct {
	Kind       Kind
	Reason     string
	Message    string
	RetryAfter time.Duration
	Current    int64
	Limit      int64
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(reason, message string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: message}
}

func Authentication(reason string) *Error {
	return &Error{Kind: KindAuthentication, Reason: reason, Message: "authentication failed"}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func QuotaExceeded(limitType string, current, limit int64) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Reason:  limitType,
		Message: fmt.Sprintf("%s quota exceeded: %d/%d", limitType, current, limit),
		Current: current,
		Limit:   limit,
	}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// JobTransient marks a job failure that should be retried.
func JobTransient(err error) *Error {
	return &Error{Kind: KindJobTransient, Message: "job failed", Err: err}
}

// JobPermanent marks a job failure that exhausted its retries.
func JobPermanent(err error) *Error {
	return &Error{Kind: KindJobPermanent, Message: "job failed permanently", Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimited, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
