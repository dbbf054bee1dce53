package query

import "github.com/MegaGrindStone/cppmcp/internal/errkind"

var (
	// ErrSyntax reports malformed query text.
	ErrSyntax = errkind.New(errkind.QuerySyntax, "invalid query")
	// ErrUnknownQuery reports a predefined query name that is not known or not enabled.
	ErrUnknownQuery = errkind.New(errkind.NotFound, "unknown query")
	// ErrEmptyQuery reports query text without any pattern.
	ErrEmptyQuery = errkind.New(errkind.InvalidArgs, "empty query")
)
