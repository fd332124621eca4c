// Package apierror classifies upstream failures into typed errors and decides
// whether they may be retried.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an upstream error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers network errors, timeouts and 5xx/4xx transport
	// statuses. The only retryable kind.
	KindTransient
	// KindAuthentication means the session token is invalid or expired.
	KindAuthentication
	// KindContentPolicy means moderation blocked the generation.
	KindContentPolicy
	// KindUpstreamLogic means the upstream answered with a shape we do not
	// understand. Raw carries the offending fragment.
	KindUpstreamLogic
	// KindResourceFailure means an upload/storage step failed. The job is
	// aborted before submission.
	KindResourceFailure
	// KindInsufficientCredits means the account has no generation credits left.
	KindInsufficientCredits
	// KindGenerationFailed means the job reached the failed state for a
	// reason other than moderation.
	KindGenerationFailed
	// KindInvalidRequest means the caller request was rejected before any
	// upstream call was made.
	KindInvalidRequest
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindTransient:           "transient",
	KindAuthentication:      "authentication",
	KindContentPolicy:       "content_policy",
	KindUpstreamLogic:       "upstream_logic",
	KindResourceFailure:     "resource_failure",
	KindInsufficientCredits: "insufficient_credits",
	KindGenerationFailed:    "generation_failed",
	KindInvalidRequest:      "invalid_request",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified upstream failure.
type Error struct {
	Kind       Kind
	Code       string // upstream ret or fail_code, if any
	Message    string
	HistoryID  string
	Raw        string // raw response fragment for diagnosis
	StatusCode int    // HTTP status of the failing response, if any
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != "" {
		msg += fmt.Sprintf(" (code=%s)", e.Code)
	}
	if e.HistoryID != "" {
		msg += fmt.Sprintf(" (history_id=%s)", e.HistoryID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the request that produced e may be repeated.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// WithHistoryID returns a copy of e tagged with the upstream history id.
func (e *Error) WithHistoryID(id string) *Error {
	cp := *e
	cp.HistoryID = id
	return &cp
}

// HTTPStatus maps the error kind to the status returned to callers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindContentPolicy:
		return http.StatusUnprocessableEntity
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Transient builds a retryable transport error.
func Transient(statusCode int, raw string, cause error) *Error {
	msg := "upstream transport failure"
	if statusCode > 0 {
		msg = fmt.Sprintf("upstream returned HTTP %d", statusCode)
	}
	return &Error{Kind: KindTransient, Message: msg, StatusCode: statusCode, Raw: truncate(raw), Err: cause}
}

// UpstreamLogic builds an error for an unexpected response shape.
func UpstreamLogic(raw []byte, format string, args ...any) *Error {
	return &Error{Kind: KindUpstreamLogic, Message: fmt.Sprintf(format, args...), Raw: truncate(string(raw))}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a classified transient failure.
func IsRetryable(err error) bool {
	if apiErr, ok := As(err); ok {
		return apiErr.Retryable()
	}
	return false
}

const maxRawLen = 2048

func truncate(s string) string {
	if len(s) <= maxRawLen {
		return s
	}
	return s[:maxRawLen] + "...(truncated)"
}
