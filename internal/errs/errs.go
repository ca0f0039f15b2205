// Package errs defines the closed error taxonomy shared across the
// sphere core, matching the error-kind table of the synchronization and
// replication design: every operation fails with one of these kinds or
// succeeds, never an ad-hoc error type a caller has to string-match.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way a caller needs to react to it, not
// the package that produced it.
type Kind int

const (
	// Unknown is never produced deliberately; it is the zero value for
	// errors that did not go through Wrap/New.
	Unknown Kind = iota
	NotInitialized
	MissingBlock
	CorruptBlock
	AuthorizationMissing
	AuthorizationInvalid
	SignatureInvalid
	Conflict
	BaseAhead
	MissingHistory
	UpToDate
	UnexpectedBody
	Network
	Storage
	SyncInProgress
	BadRequest
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "NotInitialized"
	case MissingBlock:
		return "MissingBlock"
	case CorruptBlock:
		return "CorruptBlock"
	case AuthorizationMissing:
		return "AuthorizationMissing"
	case AuthorizationInvalid:
		return "AuthorizationInvalid"
	case SignatureInvalid:
		return "SignatureInvalid"
	case Conflict:
		return "Conflict"
	case BaseAhead:
		return "BaseAhead"
	case MissingHistory:
		return "MissingHistory"
	case UpToDate:
		return "UpToDate"
	case UnexpectedBody:
		return "UnexpectedBody"
	case Network:
		return "Network"
	case Storage:
		return "Storage"
	case SyncInProgress:
		return "SyncInProgress"
	case BadRequest:
		return "BadRequest"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can recover by
// category (errors.As) without depending on the producing package.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a Kind-tagged error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Cause: errors.New(msg)}
}

// Wrap tags an existing error with a Kind, preserving it in the chain.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// Wrapf is Wrap with fmt.Errorf-style formatting of the cause.
func Wrapf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// As extracts the Kind from err, walking the chain, returning (Unknown,
// false) if no *Error is present.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Unknown, false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}
