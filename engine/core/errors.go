package core

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Error Codes
// -----------------------------------------------------------------------------

// Canonical error codes shared across the engine. Codes are part of the API
// contract: handlers map them to problem responses and clients switch on them.
const (
	CodeNoProfileFound   = "NoProfileFound"
	CodeAmbiguous        = "AmbiguousLanguage"
	CodeAdapterConfig    = "AdapterConfigurationError"
	CodeFormattingFailed = "FormattingError"
	CodeTimedOut         = "TimedOut"
	CodeSourceFetch      = "SourceFetchError"
	CodeCacheIO          = "CacheIOError"
	CodeJobNotFound      = "JobNotFound"
	CodeQueueFull        = "QueueFull"
	CodeInvalidArgument  = "InvalidArgument"
	CodeInternal         = "Internal"
)

// -----------------------------------------------------------------------------
// Error Structure
// -----------------------------------------------------------------------------

// Error is the typed error value propagated between engine components.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err under a canonical code with optional detail fields.
func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Message: msg, Details: details, Err: err}
}

// CodeOf extracts the canonical code from an error chain, returning
// CodeInternal for untyped errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given canonical code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NoProfileFound signals that no formatter profile matched the input.
func NoProfileFound(err error, details map[string]any) *Error {
	return NewError(err, CodeNoProfileFound, details)
}

// Ambiguous signals that detection could not pick a single profile; callers
// must disambiguate with an explicit language tag.
func Ambiguous(err error, details map[string]any) *Error {
	return NewError(err, CodeAmbiguous, details)
}

// AdapterConfig identifies a missing or unexecutable formatter binary. Fatal
// to the profile and surfaced to operators, never retried per request.
func AdapterConfig(err error, details map[string]any) *Error {
	return NewError(err, CodeAdapterConfig, details)
}

// Formatting reports that the external tool rejected the input grammar.
func Formatting(err error, details map[string]any) *Error {
	return NewError(err, CodeFormattingFailed, details)
}

// Timeout reports an execution that exceeded its wall-clock budget.
func Timeout(err error, details map[string]any) *Error {
	return NewError(err, CodeTimedOut, details)
}

// SourceFetch reports an unreachable or invalid repository reference.
func SourceFetch(err error, details map[string]any) *Error {
	return NewError(err, CodeSourceFetch, details)
}

// CacheIO identifies persistence-layer faults. Logged at operator level; a
// cache fault never fails the user-visible formatting operation.
func CacheIO(err error, details map[string]any) *Error {
	return NewError(err, CodeCacheIO, details)
}

// Internal signals an unexpected engine failure.
func Internal(err error, details map[string]any) *Error {
	return NewError(err, CodeInternal, details)
}
