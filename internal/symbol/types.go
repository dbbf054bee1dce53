package symbol

import (
	"fmt"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

// Kind classifies a symbol.
type Kind string

// Symbol kinds.
const (
	KindFunction Kind = "function"
	KindClass    Kind = "class"
	KindStruct   Kind = "struct"
	KindVariable Kind = "variable"
	KindInclude  Kind = "include"
	KindMacro    Kind = "macro"
)

// Kinds lists every symbol kind.
var Kinds = []Kind{KindFunction, KindClass, KindStruct, KindVariable, KindInclude, KindMacro}

// Details of include and macro symbols.
const (
	DetailSystem     = "system"
	DetailLocal      = "local"
	DetailDefinition = "definition"
	DetailUse        = "use"
)

// ErrNotFound reports a lookup without result.
var ErrNotFound = errkind.New(errkind.NotFound, "symbol not found")

// Symbol is one named construct of a document.
type Symbol struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	QualifiedName string         `json:"qualified_name,omitempty"`
	Kind          Kind           `json:"kind"`
	// Detail is the declarator of functions, the type of variables, system or local for includes
	// and definition or use for macros.
	Detail     string         `json:"detail,omitempty"`
	DocumentID string         `json:"document_id"`
	Path       string         `json:"path"`
	Range      document.Range `json:"range"`
	Start      document.Point `json:"start"`
	End        document.Point `json:"end"`
	ParentID   string         `json:"parent_id,omitempty"`
	Parent     string         `json:"parent,omitempty"`

	ordinal int
	parent  int
}

// Base is one base class of a class or struct.
type Base struct {
	ClassID    string `json:"class_id"`
	Class      string `json:"class"`
	Name       string `json:"base"`
	Access     string `json:"access,omitempty"`
	Virtual    bool   `json:"virtual,omitempty"`
	DocumentID string `json:"document_id"`
	Path       string `json:"path"`
}

// CallSite is one call expression.
type CallSite struct {
	Callee     string         `json:"callee"`
	Text       string         `json:"text"`
	CallerID   string         `json:"caller_id,omitempty"`
	Caller     string         `json:"caller,omitempty"`
	DocumentID string         `json:"document_id"`
	Path       string         `json:"path"`
	Range      document.Range `json:"range"`
	Start      document.Point `json:"start"`

	callerOrdinal int
}

// Edge is a call graph edge from a function to a function symbol whose name matches the callee.
type Edge struct {
	CallerID   string         `json:"caller_id"`
	Caller     string         `json:"caller"`
	CalleeID   string         `json:"callee_id"`
	Callee     string         `json:"callee"`
	DocumentID string         `json:"document_id"`
	Start      document.Point `json:"start"`
}

// Filter selects symbols. Zero fields match everything.
type Filter struct {
	DocumentIDs []string
	Kinds       []Kind
	// Name matches the name or the qualified name.
	Name     string
	ParentID string
}

func symbolID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s#%d", documentID, ordinal)
}

func parseSymbolID(id string) (string, int, bool) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] != '#' {
			continue
		}
		var ordinal int
		if _, err := fmt.Sscanf(id[i+1:], "%d", &ordinal); err != nil {
			return "", 0, false
		}
		return id[:i], ordinal, true
	}
	return "", 0, false
}
