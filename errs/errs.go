// Package errs provides structured error types and helpers for the sync engine.
package errs

import (
	"errors"
	"strings"
)

// Code identifies a failure category within the synchronization pipeline.
type Code string

const (
	// CodeMalformed indicates an unparseable message envelope.
	CodeMalformed Code = "malformed"
	// CodeDuplicate indicates an event that was already processed.
	CodeDuplicate Code = "duplicate"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeDownstream indicates a downstream service rejected or failed a sync call.
	CodeDownstream Code = "downstream"
	// CodeStorage indicates a cache-tier or durable-tier storage failure.
	CodeStorage Code = "storage"
	// CodeBroker indicates a message broker transport failure.
	CodeBroker Code = "broker"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the sync engine.
type E struct {
	Service string
	Code    Code
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating service area and code.
func New(service string, code Code, opts ...Option) *E {
	e := &E{
		Service: strings.TrimSpace(service),
		Code:    code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// Error renders the envelope as "service: code: message: cause".
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	if e.Service != "" {
		parts = append(parts, e.Service)
	}
	if e.Code != "" {
		parts = append(parts, string(e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the structured code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the provided code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
