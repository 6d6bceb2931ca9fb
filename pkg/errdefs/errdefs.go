// Package errdefs defines the error taxonomy shared by the jailfleet
// packages. All failures surfaced to callers are *Error values carrying a
// Kind for programmatic handling and optional subject context for display.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// KindAlreadyExists indicates the target jail or dataset already exists.
	KindAlreadyExists Kind = "ALREADY_EXISTS"

	// KindNotFound indicates a jail, dataset, snapshot or pool was not found.
	KindNotFound Kind = "NOT_FOUND"

	// KindInvalidSyntax indicates malformed input, e.g. a resource limit
	// string that matches none of the accepted grammars.
	KindInvalidSyntax Kind = "INVALID_SYNTAX"

	// KindJailAlreadyRunning indicates an operation that requires a stopped
	// jail was attempted against a running one.
	KindJailAlreadyRunning Kind = "JAIL_ALREADY_RUNNING"

	// KindDatasetFailed wraps a volume backend error with operation context.
	KindDatasetFailed Kind = "DATASET_OPERATION_FAILED"

	// KindIllegalAssetContent indicates an imported asset contains content
	// that must not be written to the host, e.g. escaping archive paths.
	KindIllegalAssetContent Kind = "ILLEGAL_ASSET_CONTENT"

	// KindRollbackFailure indicates a compensating action failed. Rollback is
	// best-effort: these are reported, never re-raised.
	KindRollbackFailure Kind = "ROLLBACK_FAILURE"
)

// Error is the classified error type used across the jailfleet packages.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Jail is the jail name the error relates to, if any.
	Jail string

	// Dataset is the dataset or snapshot name the error relates to, if any.
	Dataset string

	// Operation is the operation being performed when the error occurred.
	Operation string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Jail != "" {
		msg += fmt.Sprintf(" (jail=%s)", e.Jail)
	}
	if e.Dataset != "" {
		msg += fmt.Sprintf(" (dataset=%s)", e.Dataset)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that errors.Is works against bare-kind targets.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithJail adds jail context to the error.
func (e *Error) WithJail(name string) *Error {
	e.Jail = name
	return e
}

// WithDataset adds dataset context to the error.
func (e *Error) WithDataset(name string) *Error {
	e.Dataset = name
	return e
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// New creates a classified error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AlreadyExists creates an ALREADY_EXISTS error.
func AlreadyExists(message string) *Error {
	return New(KindAlreadyExists, message, nil)
}

// NotFound creates a NOT_FOUND error.
func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// InvalidSyntax creates an INVALID_SYNTAX error.
func InvalidSyntax(message string) *Error {
	return New(KindInvalidSyntax, message, nil)
}

// JailAlreadyRunning creates a JAIL_ALREADY_RUNNING error for the given jail.
func JailAlreadyRunning(jailName string) *Error {
	return New(KindJailAlreadyRunning, "jail is already running", nil).
		WithJail(jailName)
}

// DatasetFailed wraps a volume backend error with operation context.
func DatasetFailed(op, dataset string, err error) *Error {
	return New(KindDatasetFailed, "dataset operation failed", err).
		WithDataset(dataset).
		WithOperation(op)
}

// IllegalAssetContent creates an ILLEGAL_ASSET_CONTENT error.
func IllegalAssetContent(message string) *Error {
	return New(KindIllegalAssetContent, message, nil)
}

// RollbackFailure wraps an error raised by a compensating action.
func RollbackFailure(op string, err error) *Error {
	return New(KindRollbackFailure, "rollback step failed", err).
		WithOperation(op)
}

// IsKind reports whether err or any error in its chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsAlreadyExists reports whether err is classified ALREADY_EXISTS.
func IsAlreadyExists(err error) bool { return IsKind(err, KindAlreadyExists) }

// IsNotFound reports whether err is classified NOT_FOUND.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsInvalidSyntax reports whether err is classified INVALID_SYNTAX.
func IsInvalidSyntax(err error) bool { return IsKind(err, KindInvalidSyntax) }

// IsJailAlreadyRunning reports whether err is classified JAIL_ALREADY_RUNNING.
func IsJailAlreadyRunning(err error) bool { return IsKind(err, KindJailAlreadyRunning) }

// IsDatasetFailed reports whether err is classified DATASET_OPERATION_FAILED.
func IsDatasetFailed(err error) bool { return IsKind(err, KindDatasetFailed) }

// IsIllegalAssetContent reports whether err is classified ILLEGAL_ASSET_CONTENT.
func IsIllegalAssetContent(err error) bool { return IsKind(err, KindIllegalAssetContent) }

// IsRollbackFailure reports whether err is classified ROLLBACK_FAILURE.
func IsRollbackFailure(err error) bool { return IsKind(err, KindRollbackFailure) }
