// Package errkind defines the error taxonomy shared by the analysis engine and the protocol layer.
//
// Every failure that crosses a package boundary carries a Kind. Packages declare their own sentinel
// errors as *Error values and wrap them with fmt.Errorf("...: %w", ...), so callers can either test
// a specific sentinel with errors.Is or classify any error with KindOf.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for wire reporting.
type Kind string

// Error kinds.
const (
	Parse          Kind = "ParseError"
	QuerySyntax    Kind = "QuerySyntaxError"
	NotFound       Kind = "NotFound"
	InvalidArgs    Kind = "InvalidArguments"
	ToolExecution  Kind = "ToolExecutionError"
	Transport      Kind = "TransportError"
	Cancellation   Kind = "CancellationError"
	InvalidRequest Kind = "InvalidRequest"
)

// Error is a classified error. Msg describes the failure, Err is the optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// formatted is set when Msg already renders Err.
	formatted bool
}

// New returns a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf returns a classified error with a formatted message. A %w verb in format is kept as the
// cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err), formatted: true}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil, e.formatted:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of the outermost classified error in err's chain. Context cancellation and
// deadline errors that were never classified map to Cancellation; anything else unclassified is a
// ToolExecution failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancellation
	}
	return ToolExecution
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Canceled wraps a context error as a Cancellation error, naming the checkpoint that observed it.
func Canceled(checkpoint string, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return &Error{Kind: Cancellation, Msg: "canceled at " + checkpoint, Err: cause}
}

// Checkpoint returns a Cancellation error if ctx is done. Long-running operations call it at
// their documented checkpoints.
func Checkpoint(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return Canceled(name, err)
	}
	return nil
}
