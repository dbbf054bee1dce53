package document

import "github.com/MegaGrindStone/cppmcp/internal/errkind"

var (
	// ErrNotFound is returned for unknown or closed document ids.
	ErrNotFound = errkind.New(errkind.NotFound, "document not found")

	// ErrInvalidRange is returned when an edit range does not fit the current content.
	ErrInvalidRange = errkind.New(errkind.InvalidArgs, "invalid range")

	// ErrStaleReference is returned when a node reference belongs to a superseded generation.
	ErrStaleReference = errkind.New(errkind.NotFound, "stale node reference")

	// ErrInvalidContent is returned for content that is not valid UTF-8.
	ErrInvalidContent = errkind.New(errkind.Parse, "content is not valid UTF-8")

	// ErrResourceExhausted is returned when a document buffer exceeds the configured limit.
	ErrResourceExhausted = errkind.New(errkind.Transport, "document buffer limit exceeded")

	// ErrParseFailed is returned when the parser produced no tree.
	ErrParseFailed = errkind.New(errkind.Parse, "parse failed")

	// ErrInvalidPattern is returned for file patterns that do not compile.
	ErrInvalidPattern = errkind.New(errkind.InvalidArgs, "invalid file pattern")

	// ErrPathNotAllowed is returned when a path resolves outside the allowed roots.
	ErrPathNotAllowed = errkind.New(errkind.InvalidArgs, "path outside allowed roots")
)
