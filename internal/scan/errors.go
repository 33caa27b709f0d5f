package scan

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry decisions and reporting.
type ErrorKind string

// Error taxonomy.
const (
	KindTransientNetwork  ErrorKind = "transient-network"
	KindTransientHTTP     ErrorKind = "transient-http"
	KindTerminalProxyAuth ErrorKind = "terminal-proxy-auth"
	KindRetriesExhausted  ErrorKind = "terminal-retries-exhausted"
	KindEmptyContent      ErrorKind = "empty-content"
	KindParseException    ErrorKind = "parse-exception"
	KindFallbackFailure   ErrorKind = "fallback-service-failure"
	KindMissingURL        ErrorKind = "missing-url"
	KindCancelled         ErrorKind = "cancelled"
)

// Retryable reports whether the kind may resolve on a later attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientNetwork || k == KindTransientHTTP
}

// FetchError is the classified error carried by a FetchOutcome.
type FetchError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// NewFetchError builds a classified error.
func NewFetchError(kind ErrorKind, cause error, format string, args ...any) *FetchError {
	return &FetchError{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements error.
func (e *FetchError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause, if any.
func (e *FetchError) Unwrap() error {
	return e.cause
}

// Messages used for records that never reach the proxy or yield nothing.
const (
	MsgCancelled    = "cancelled"
	MsgEmptyContent = "empty content"
	MsgNoPriceStock = "no price or stock found"
	MsgMissingURL   = "missing or non-http url"
)

// ErrNotFound signals that a requested job or record does not exist.
var ErrNotFound = errors.New("not found")

// CancelledOutcome is the deterministic outcome for a request that never finished.
func CancelledOutcome(url string, cause error) FetchOutcome {
	return FetchOutcome{
		RequestedURL: url,
		ResolvedURL:  url,
		Err:          NewFetchError(KindCancelled, cause, MsgCancelled),
	}
}
