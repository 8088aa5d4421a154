package failures

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure for programmatic handling.
type Kind string

const (
	KindScan           Kind = "SCAN_FAILURE"
	KindAnalysis       Kind = "ANALYSIS_FAILURE"
	KindPublish        Kind = "PUBLISH_FAILURE"
	KindConsentLoad    Kind = "CONSENT_LOAD_FAILURE"
	KindConsentApprove Kind = "CONSENT_APPROVE_FAILURE"
	KindConcurrentPush Kind = "CONCURRENT_PUSH_REJECTED"
	KindUnknown        Kind = "UNKNOWN"
)

const genericFallbackError = "request failed"

// Error is a categorized failure. Message holds the provider supplied text
// when there was one.
type Error struct {
	Kind      Kind
	Message   string
	Status    int // HTTP status from the collaborator, 0 when no response was received
	Err       error
	Retryable bool
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = genericFallbackError
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap categorizes an existing error. Transport errors are retryable by the
// user since no response reached us.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	if message == "" {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err, Retryable: true}
}

// Reject reports a precondition that failed locally, before any request.
func Reject(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// FromStatus builds an error from a non-2xx collaborator response.
func FromStatus(kind Kind, status int, detail string) *Error {
	if detail == "" {
		detail = http.StatusText(status)
	}
	if detail == "" {
		detail = genericFallbackError
	}
	return &Error{
		Kind:      kind,
		Message:   detail,
		Status:    status,
		Retryable: status == http.StatusTooManyRequests || status >= 500,
	}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindUnknown when err is not categorized.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err is a failure of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsNotFound reports whether the collaborator answered 404.
func IsNotFound(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status == http.StatusNotFound
	}
	return false
}

// UserMessage returns the text that should be shown to a person.
func UserMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
