package mcp

import (
	"errors"

	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

var (
	// ErrUnknownTool is returned by a ToolServer for a tools/call naming no registered tool.
	ErrUnknownTool = errkind.New(errkind.NotFound, "unknown tool")

	errMethodNotFound     = errkind.New(errkind.NotFound, "method not found")
	errNotInitialized     = errkind.New(errkind.InvalidRequest, "session is not initialized")
	errAlreadyInitialized = errkind.New(errkind.InvalidRequest, "session is already initialized")
	errDuplicateID        = errkind.New(errkind.InvalidRequest, "request id is already pending")
	errMissingID          = errkind.New(errkind.InvalidRequest, "request has no id")
	errSessionClosing     = errkind.New(errkind.Cancellation, "session is closing")
)

// NewJSONRPCError converts err into the wire error object. A JSONRPCError anywhere in the chain
// is returned as is; otherwise the code and kind are derived from the error's errkind.Kind.
func NewJSONRPCError(err error) *JSONRPCError {
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return &jErr
	}
	kind := errkind.KindOf(err)
	return &JSONRPCError{
		Code:    codeFor(kind, err),
		Message: err.Error(),
		Kind:    string(kind),
	}
}

func codeFor(kind errkind.Kind, err error) int {
	switch kind {
	case errkind.Parse:
		return CodeParseError
	case errkind.InvalidRequest:
		return CodeInvalidRequest
	case errkind.NotFound:
		if errors.Is(err, ErrUnknownTool) || errors.Is(err, errMethodNotFound) {
			return CodeMethodNotFound
		}
		return CodeNotFound
	case errkind.InvalidArgs:
		return CodeInvalidParams
	case errkind.QuerySyntax:
		return CodeQuerySyntax
	case errkind.Transport:
		return CodeTransport
	case errkind.Cancellation:
		return CodeCancelled
	default:
		return CodeInternalError
	}
}
