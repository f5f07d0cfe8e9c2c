package graph

import (
	"fmt"
	"strings"
)

// ErrorKind identifies the category of a node error. The set of kinds is
// closed: functions may produce any of the filesystem, package, and target
// kinds, while the evaluation engine itself only ever originates
// ErrorKindCycle, ErrorKindCancelled, and ErrorKindInternal.
type ErrorKind uint8

const (
	// ErrorKindIO indicates a filesystem operation failure other than simple
	// nonexistence (which is modeled as a value, not an error).
	ErrorKindIO ErrorKind = iota + 1
	// ErrorKindInconsistentFilesystem indicates that the filesystem changed
	// between two observations within a single build in a way that can't be
	// reconciled (e.g. a regular file vanishing mid-read). It is not retried.
	ErrorKindInconsistentFilesystem
	// ErrorKindSymlinkCycle indicates that symbolic link resolution detected
	// a cycle or exceeded the hop cap.
	ErrorKindSymlinkCycle
	// ErrorKindNotADirectory indicates an attempt to list a path that is not
	// a directory (or a symbolic link to one).
	ErrorKindNotADirectory
	// ErrorKindPackageNotFound indicates that no configured root contains a
	// definition file for the requested package.
	ErrorKindPackageNotFound
	// ErrorKindPackageErrors indicates that a package's definition file
	// parsed with errors. Errors of this kind may carry a partial package as
	// a recovered payload.
	ErrorKindPackageErrors
	// ErrorKindNoSuchTarget indicates that a target or target pattern did not
	// match anything.
	ErrorKindNoSuchTarget
	// ErrorKindCycle indicates that the node participates in a dependency
	// cycle. It is terminal for every node on the cycle.
	ErrorKindCycle
	// ErrorKindCancelled indicates that the evaluation was cancelled before
	// the node could be computed.
	ErrorKindCancelled
	// ErrorKindInternal indicates a violation of the engine's own invariants
	// or an error from a function that escaped without a typed kind.
	ErrorKindInternal
)

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (k ErrorKind) MarshalText() ([]byte, error) {
	var result string
	switch k {
	case ErrorKindIO:
		result = "io"
	case ErrorKindInconsistentFilesystem:
		result = "inconsistent-filesystem"
	case ErrorKindSymlinkCycle:
		result = "symlink-cycle"
	case ErrorKindNotADirectory:
		result = "not-a-directory"
	case ErrorKindPackageNotFound:
		result = "package-not-found"
	case ErrorKindPackageErrors:
		result = "package-errors"
	case ErrorKindNoSuchTarget:
		result = "no-such-target"
	case ErrorKindCycle:
		result = "cycle"
	case ErrorKindCancelled:
		result = "cancelled"
	case ErrorKindInternal:
		result = "internal"
	default:
		result = "unknown"
	}
	return []byte(result), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (k *ErrorKind) UnmarshalText(textBytes []byte) error {
	switch string(textBytes) {
	case "io":
		*k = ErrorKindIO
	case "inconsistent-filesystem":
		*k = ErrorKindInconsistentFilesystem
	case "symlink-cycle":
		*k = ErrorKindSymlinkCycle
	case "not-a-directory":
		*k = ErrorKindNotADirectory
	case "package-not-found":
		*k = ErrorKindPackageNotFound
	case "package-errors":
		*k = ErrorKindPackageErrors
	case "no-such-target":
		*k = ErrorKindNoSuchTarget
	case "cycle":
		*k = ErrorKindCycle
	case "cancelled":
		*k = ErrorKindCancelled
	case "internal":
		*k = ErrorKindInternal
	default:
		return fmt.Errorf("unknown error kind specification: %s", string(textBytes))
	}
	return nil
}

// String returns a human-readable representation of the error kind.
func (k ErrorKind) String() string {
	text, _ := k.MarshalText()
	return string(text)
}

// Error is the typed error representation used throughout the graph. It
// couples an error kind with a message, an optional underlying cause, an
// optional cycle path (for ErrorKindCycle), and an optional recovered payload
// that consumers may use despite the error (e.g. a partial package). It is a
// tagged product rather than a sum so that a node can simultaneously carry a
// usable value and an error.
type Error struct {
	// Kind is the error category.
	Kind ErrorKind
	// Message is the human-readable error description.
	Message string
	// Cause is the underlying error, if any.
	Cause error
	// Cycle is the dependency cycle path, populated only for
	// ErrorKindCycle. The path starts at the cycle member with the
	// lexicographically least string representation so that cycle reports
	// are deterministic across evaluations.
	Cycle []Key
	// Recovered is an optional payload that remains usable despite the
	// error.
	Recovered Value
}

// NewError creates a typed error with the specified kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf creates a typed error with the specified kind and formatted
// message.
func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with a typed kind and message context.
// If the underlying error is already a typed error, its kind is preserved and
// only the message context is added.
func WrapError(kind ErrorKind, cause error, message string) *Error {
	if typed, ok := cause.(*Error); ok {
		return &Error{
			Kind:      typed.Kind,
			Message:   message + ": " + typed.Message,
			Cause:     typed,
			Recovered: typed.Recovered,
		}
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements error.Error.
func (e *Error) Error() string {
	if len(e.Cycle) > 0 {
		names := make([]string, 0, len(e.Cycle))
		for _, key := range e.Cycle {
			names = append(names, key.String())
		}
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(names, " -> "))
	}
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	} else if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the anonymous interface used by errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the error kind from an arbitrary error. It returns zero if
// the error is nil or carries no typed kind.
func KindOf(err error) ErrorKind {
	if typed := AsError(err); typed != nil {
		return typed.Kind
	}
	return 0
}

// AsError extracts a typed error from an arbitrary error chain, returning nil
// if none is present.
func AsError(err error) *Error {
	for err != nil {
		if typed, ok := err.(*Error); ok {
			return typed
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = unwrapper.Unwrap()
	}
	return nil
}
