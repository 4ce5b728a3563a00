// Package apperr implements the tagged error taxonomy shared by every
// component in the midplane: a kind, a severity, structured context, and
// an optional wrapped cause. The retry engine's retryability decision is
// driven entirely by Kind.
package apperr

import (
	"fmt"
	"time"
)

// Kind categorizes a failure by its origin.
type Kind string

const (
	KindConnection    Kind = "connection"
	KindData          Kind = "data"
	KindTrading       Kind = "trading"
	KindConfiguration Kind = "configuration"
	KindSystem        Kind = "system"
	KindTimeout       Kind = "timeout"
	KindValue         Kind = "value"
	KindType          Kind = "type"
	KindKey           Kind = "key"
	KindAttribute     Kind = "attribute"
)

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the single algebraic error value used across the codebase.
type Error struct {
	Kind    Kind
	Sev     Severity
	Message string
	Context map[string]interface{}
	At      time.Time
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As work.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext returns a copy of e with key=value merged into its context map.
func (e *Error) WithContext(key string, value interface{}) *Error {
	ctx := make(map[string]interface{}, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Error{
		Kind:    e.Kind,
		Sev:     e.Sev,
		Message: e.Message,
		Context: ctx,
		At:      e.At,
		Cause:   e.Cause,
	}
}

// New constructs an Error of the given kind/severity.
func New(kind Kind, sev Severity, message string) *Error {
	return &Error{Kind: kind, Sev: sev, Message: message, At: time.Now(), Context: map[string]interface{}{}}
}

// Wrap constructs an Error that wraps cause.
func Wrap(kind Kind, sev Severity, message string, cause error) *Error {
	e := New(kind, sev, message)
	e.Cause = cause
	return e
}

func Connection(message string, cause error) *Error {
	return Wrap(KindConnection, SeverityMedium, message, cause)
}

func Timeout(message string) *Error {
	return New(KindTimeout, SeverityMedium, message)
}

func Data(message string, cause error) *Error {
	return Wrap(KindData, SeverityMedium, message, cause)
}

func Trading(message string) *Error {
	return New(KindTrading, SeverityHigh, message)
}

func Configuration(message string) *Error {
	return New(KindConfiguration, SeverityCritical, message)
}

func System(message string, cause error) *Error {
	return Wrap(KindSystem, SeverityHigh, message, cause)
}

func Value(message string) *Error {
	return New(KindValue, SeverityLow, message)
}

// Of extracts the *Error from err if present.
func Of(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}

// KindOf returns the Kind of err, or KindSystem if err is not an *Error.
func KindOf(err error) Kind {
	if ae, ok := Of(err); ok {
		return ae.Kind
	}
	return KindSystem
}

// defaultNonRetryable are programmer/argument errors: never worth retrying.
var defaultNonRetryable = map[Kind]bool{
	KindValue:     true,
	KindType:      true,
	KindKey:       true,
	KindAttribute: true,
}

// defaultRetryable are transient failures worth retrying by default.
var defaultRetryable = map[Kind]bool{
	KindConnection: true,
	KindTimeout:    true,
	KindSystem:     true,
}

// IsRetryableKind reports whether kind is retryable under the taxonomy's
// documented defaults (connection, timeout, I/O-like kinds retryable;
// argument/programmer kinds never retryable).
func IsRetryableKind(kind Kind) bool {
	if defaultNonRetryable[kind] {
		return false
	}
	return defaultRetryable[kind]
}
