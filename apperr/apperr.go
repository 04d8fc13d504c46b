// Package apperr provides the structured error envelope shared by the HTTP layer
// and the reliability services.
package apperr

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced to callers or operators.
type Code string

const (
	// CodeRateLimited indicates the caller exceeded its request budget.
	CodeRateLimited Code = "rate_limit_exceeded"
	// CodeDuplicateRequest indicates an idempotency key is still being processed.
	CodeDuplicateRequest Code = "duplicate_request"
	// CodeKeyReuse indicates an idempotency key was reused for a different request.
	CodeKeyReuse Code = "idempotency_key_reuse"
	// CodeKeyExhausted indicates an idempotency key ran out of retry attempts.
	CodeKeyExhausted Code = "idempotency_key_exhausted"
	// CodeCompensationFailure indicates a saga could not be rolled back and needs an operator.
	CodeCompensationFailure Code = "transaction_compensation_failure"
	// CodeWebhookAbandoned indicates a webhook delivery exhausted its retries.
	CodeWebhookAbandoned Code = "webhook_abandoned"
	// CodeVersionConflict indicates an optimistic locking conflict.
	CodeVersionConflict Code = "version_conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnauthorized indicates missing or invalid credentials.
	CodeUnauthorized Code = "unauthorized"
	// CodeInternal indicates an unexpected server-side failure.
	CodeInternal Code = "internal"
)

var defaultStatus = map[Code]int{
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeDuplicateRequest:    http.StatusConflict,
	CodeKeyReuse:            http.StatusUnprocessableEntity,
	CodeKeyExhausted:        http.StatusUnprocessableEntity,
	CodeCompensationFailure: http.StatusInternalServerError,
	CodeWebhookAbandoned:    http.StatusInternalServerError,
	CodeVersionConflict:     http.StatusConflict,
	CodeNotFound:            http.StatusNotFound,
	CodeInvalid:             http.StatusBadRequest,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeInternal:            http.StatusInternalServerError,
}

// E is the error envelope produced across the service.
type E struct {
	Code    Code
	HTTP    int
	Message string
	Details map[string]any

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the code. The HTTP status defaults from the code.
func New(code Code, opts ...Option) *E {
	e := &E{Code: code, HTTP: defaultStatus[code]}
	if e.HTTP == 0 {
		e.HTTP = http.StatusInternalServerError
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP overrides the HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetail adds a structured detail exposed in the response body.
func WithDetail(key string, value any) Option {
	return func(e *E) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]any, 1)
		}
		e.Details[key] = value
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"code=" + string(e.Code)}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "details="+strings.Join(keys, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes by code so errors.Is(err, apperr.New(CodeNotFound)) works.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// HasCode reports whether err carries an envelope with the given code.
func HasCode(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
