// Package engineerror defines the typed error-code envelope returned by
// every Query API operation and recorded on a run's terminal failure state.
// Core components never substitute defaults on error; they return one of
// these codes to the orchestrator, which is the only place a run's state
// transitions to failed.
package engineerror

import (
	"errors"
	"fmt"
)

// Code is one of the fixed taxonomy of error codes. Query operations and
// run state both surface Code values verbatim so a caller can branch on
// them without string matching.
type Code string

const (
	// CodeConfigInvalid marks a configuration validation failure; Details
	// carries the offending field.
	CodeConfigInvalid Code = "CONFIG_INVALID"
	// CodeRepoNotFound marks a VCS source that does not exist or could not
	// be opened.
	CodeRepoNotFound Code = "REPO_NOT_FOUND"
	// CodeVCSReadFailed marks a VCS source that exists but failed to read
	// (corrupt object, truncated pack, etc).
	CodeVCSReadFailed Code = "VCS_READ_FAILED"
	// CodeStoreReadFailed marks a persistence-layer read failure.
	CodeStoreReadFailed Code = "STORE_READ_FAILED"
	// CodeStoreWriteFailed marks a persistence-layer write failure; Details
	// records whether the enclosing transaction rolled back.
	CodeStoreWriteFailed Code = "STORE_WRITE_FAILED"
	// CodeAnalysisBusy marks a start_analysis call rejected because a run
	// is already in flight for the repository.
	CodeAnalysisBusy Code = "ANALYSIS_BUSY"
	// CodeFileNotFound marks a file-scoped query for a path no analysis has
	// ever sighted. An absent file is an error, never an empty result.
	CodeFileNotFound Code = "FILE_NOT_FOUND"
	// CodeRunNotFound marks a reference to an unknown run id.
	CodeRunNotFound Code = "RUN_NOT_FOUND"
	// CodeSnapshotNotFound marks a reference to an unknown snapshot id.
	CodeSnapshotNotFound Code = "SNAPSHOT_NOT_FOUND"
	// CodeClusteringInfeasible marks clustering parameters that exceed
	// resource bounds for the chosen algorithm (e.g. Ward on >5000 nodes).
	CodeClusteringInfeasible Code = "CLUSTERING_INFEASIBLE"
	// CodeCancelled marks a run terminated by operator request.
	CodeCancelled Code = "CANCELLED"
	// CodeParamInvalid marks an invalid operation-level argument.
	CodeParamInvalid Code = "PARAM_INVALID"
	// CodeInternal marks an unclassified failure; always logged with a
	// stack trace.
	CodeInternal Code = "INTERNAL"
)

// Error is the structured error every engine component returns. It
// implements the standard error interface plus Unwrap so %w wrapping and
// errors.Is/As keep working against the Cause chain.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Code, so callers
// can write errors.Is(err, engineerror.New(engineerror.CodeRunNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Code == t.Code
}

// WithDetail attaches a detail key/value pair and returns the receiver for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}

	e.Details[key] = value

	return e
}

// New creates an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err under the given code and message. Returns nil if err is
// nil, so it composes with the common `if err != nil { return Wrap(...) }`
// shape without an extra nil check at call sites that already guard it.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err under the given code with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}

	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// CodeOf extracts the Code from err, or CodeInternal if err is not an
// *Error: an unclassified failure must still surface as something, and
// unclassified failures are always logged with a stack and coded
// internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return CodeInternal
}
