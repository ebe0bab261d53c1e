// Package agenterrors implements a tagged error taxonomy shared across the
// agent, so callers can branch on failure category instead of string-matching.
package agenterrors

import (
	"errors"
	"fmt"
)

// Kind tags an Error with one of the agent's failure categories.
type Kind string

const (
	// InvalidDiscoveryDetails means the handler refused the configuration.
	// Non-retriable; reported on the Configuration.
	InvalidDiscoveryDetails Kind = "InvalidDiscoveryDetails"
	// UnavailableDiscoveryHandler is transient: the Discovery Request
	// selects another endpoint or waits for re-registration.
	UnavailableDiscoveryHandler Kind = "UnavailableDiscoveryHandler"
	// ApiTransient is a cluster API 5xx or network error, retried with
	// exponential backoff.
	ApiTransient Kind = "ApiTransient"
	// ApiConflict means the reconcile raced another writer.
	ApiConflict Kind = "ApiConflict"
	// NotFound is "nothing to do" for delete paths, surfaced otherwise.
	NotFound Kind = "NotFound"
	// KubeletRegistrationFailed means the Device-Plugin Instance must
	// tear itself down; the Reconciler recreates it next pass.
	KubeletRegistrationFailed Kind = "KubeletRegistrationFailed"
	// SlotTaken is returned to an Allocate caller so it can pick another
	// slot.
	SlotTaken Kind = "SlotTaken"
	// Fatal is unrecoverable I/O on the registration socket; the process
	// exits non-zero.
	Fatal Kind = "Fatal"
)

// Error is a kind-tagged error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error wrapping err (which may be nil).
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Newf builds a kind-tagged error with a formatted message.
func Newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. Returns "" if not found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retriable reports whether an error of this kind should be requeued with
// backoff rather than treated as terminal.
func Retriable(kind Kind) bool {
	switch kind {
	case ApiTransient, ApiConflict, UnavailableDiscoveryHandler:
		return true
	default:
		return false
	}
}
