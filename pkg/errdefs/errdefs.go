// Package errdefs defines the error taxonomy shared by the CLI, the
// orchestrator, and the headless bridge. Every failure surfaced to a user
// carries one of these kinds so that exit codes and headless error codes
// stay stable across providers and agents.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the stable categories.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuth         Kind = "auth"
	KindProvision    Kind = "provision"
	KindReadyTimeout Kind = "ready_timeout"
	KindInstall      Kind = "install"
	KindDownload     Kind = "download"
	KindExecution    Kind = "execution"
	KindInterrupted  Kind = "interrupted"
	KindUnknown      Kind = "unknown"
)

// Error is a classified error with an optional hint list rendered by the CLI.
type Error struct {
	ErrKind Kind
	Msg     string
	Hints   []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{ErrKind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{ErrKind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{ErrKind: kind, Msg: msg, Err: err}
}

// WithHints attaches next-step suggestions shown in interactive mode.
func (e *Error) WithHints(hints ...string) *Error {
	e.Hints = append(e.Hints, hints...)
	return e
}

// KindOf returns the kind of err, or KindUnknown when it carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.ErrKind
	}
	return KindUnknown
}

// HintsOf returns the hints attached to err, if any.
func HintsOf(err error) []string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Hints
	}
	return nil
}

// ErrorCode maps a kind to the headless error_code vocabulary.
func ErrorCode(kind Kind) string {
	switch kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindAuth:
		return "MISSING_CREDENTIALS"
	case KindProvision, KindReadyTimeout, KindInstall:
		return "EXECUTION_ERROR"
	case KindDownload:
		return "DOWNLOAD_ERROR"
	case KindExecution:
		return "EXECUTION_ERROR"
	default:
		return "EXECUTION_ERROR"
	}
}

// ExitCode maps a kind to the process exit code contract:
// 0 success, 1 execution, 2 download, 3 validation/credentials,
// 130 interrupted.
func ExitCode(kind Kind) int {
	switch kind {
	case KindValidation, KindAuth:
		return 3
	case KindDownload:
		return 2
	case KindInterrupted:
		return 130
	default:
		return 1
	}
}
