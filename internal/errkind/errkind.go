// errkind.go — Tagged error kinds for the broker's public surface.
// Every user-visible failure carries a Kind so callers (CLI, daemon RPC)
// can switch on a stable tag instead of matching message substrings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	InvalidInput                Kind = "invalid_input"
	UnknownRef                  Kind = "unknown_ref"
	NoActiveTarget              Kind = "no_active_target"
	SessionTerminated           Kind = "session_terminated"
	InvalidSession              Kind = "invalid_session"
	NonLocalEndpoint            Kind = "non_local_endpoint"
	DisallowedProtocol          Kind = "disallowed_protocol"
	RelayUnauthorized           Kind = "relay_unauthorized"
	RelayUnavailable            Kind = "relay_unavailable"
	RelayPairingMismatch        Kind = "relay_pairing_mismatch"
	RelayPairingTokenMissing    Kind = "relay_pairing_token_missing"
	ExtensionTargetNotAllowed   Kind = "extension_target_not_allowed"
	ExtensionTargetReadyTimeout Kind = "extension_target_ready_timeout"
	ExtensionTargetReadyClosed  Kind = "extension_target_ready_closed"
	DetachedFrame               Kind = "detached_frame"
	BackpressureTimeout         Kind = "backpressure_timeout"
	ProfileLocked               Kind = "profile_locked"
	CleanupFailed               Kind = "cleanup_failed"
	DirectUnavailable           Kind = "direct_unavailable"
	DirectFailed                Kind = "direct_failed"
	Timeout                     Kind = "timeout"
	Cancelled                   Kind = "cancelled"
)

// Error is a kinded error. Message is suitable for display to the user.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a kinded error wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches two kinded errors by Kind, so sentinel comparisons like
// errors.Is(err, errkind.New(errkind.BackpressureTimeout, "")) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf returns the Kind of err, or "" when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasKind reports whether err (or anything it wraps) carries the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
