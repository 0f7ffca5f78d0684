// Package agenterr defines the error taxonomy shared across the agent runtime.
// Transient errors are absorbed by the component that observes them; terminal
// errors are published on the bus and end the session.
package agenterr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindProviderNotFound   Kind = "ProviderNotFound"
	KindModelNotFound      Kind = "ModelNotFound"
	KindProviderInitFailed Kind = "ProviderInitFailed"
	KindRateLimited        Kind = "RateLimited"
	KindServerRetryable    Kind = "ServerRetryable"
	KindNetworkError       Kind = "NetworkError"
	KindTimeout            Kind = "Timeout"
	KindClientFatal        Kind = "ClientFatal"
	KindStreamParse        Kind = "StreamParseError"
	KindProviderZeroTokens Kind = "ProviderZeroTokens"
	KindToolTimeout        Kind = "ToolTimeout"
	KindToolFailure        Kind = "ToolFailure"
	KindInstallFailed      Kind = "InstallFailed"
	KindCancelled          Kind = "Cancelled"
	KindUnknown            Kind = "Unknown"
)

// Retryable reports whether errors of this kind may be retried by the
// transport layer. ModelNotFound gets a single catalog refresh at the
// resolver, not a transport retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerRetryable, KindNetworkError, KindTimeout:
		return true
	}
	return false
}

// Error is a classified agent error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfter carries a server-supplied wait hint, when present.
	RetryAfter time.Duration
	// Status is the HTTP status that produced this error, if any.
	Status int
	// Hint lists alternatives for ModelNotFound errors.
	Hint []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// IsTerminal reports whether err should end the session.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindServerRetryable, KindNetworkError, KindTimeout, KindStreamParse:
		return false
	}
	return true
}
