package cppast

import (
	"github.com/MegaGrindStone/cppmcp/internal/query"
	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

var documentIDsArg = argSpec{
	name:        "document_id",
	kind:        argStringOrArray,
	description: "Document id or list of ids to visit. All open documents when omitted.",
}

var documentIDArg = argSpec{
	name:        "document_id",
	kind:        argString,
	required:    true,
	description: "Id of an open document.",
}

var nameFilterArg = argSpec{
	name:        "name",
	kind:        argString,
	description: "Only report symbols whose name or qualified name equals this.",
}

func symbolKinds() []string {
	kinds := make([]string, len(symbol.Kinds))
	for i, k := range symbol.Kinds {
		kinds[i] = string(k)
	}
	return kinds
}

// toolset declares every tool the server can offer.
func (s *Server) toolset() []*tool {
	return []*tool{
		{
			name: "open_document",
			description: `
Open a C++ document and parse it. The content is taken from the content argument, or read
from path when content is omitted. Every call returns a new document id, even for a path
that is already open.
`,
			args: []argSpec{
				{name: "path", kind: argString, required: true, description: "File path, or a label when content is given."},
				{name: "content", kind: argString, description: "Source text of the document."},
				{name: "watch", kind: argBoolean, description: "Re-sync the document when the file changes on disk."},
			},
			handler: s.openDocument,
		},
		{
			name: "open_path",
			description: `
Open every C++ file found under the given files or directories. Files that cannot be parsed
are listed as failures without stopping the others.
`,
			args: []argSpec{
				{name: "paths", kind: argStringOrArray, required: true, description: "Files or directories to open."},
				{name: "recursive", kind: argBoolean, description: "Descend into subdirectories."},
				{name: "file_patterns", kind: argArray, description: "Glob patterns selecting the files of a directory."},
				{name: "watch", kind: argBoolean, description: "Re-sync the documents when their files change on disk."},
			},
			handler: s.openPath,
		},
		{
			name: "edit_document",
			description: `
Replace the bytes [start_byte, end_byte) of a document with text and reparse it
incrementally. Offsets refer to the current version of the document.
`,
			args: []argSpec{
				documentIDArg,
				{name: "start_byte", kind: argInteger, required: true},
				{name: "end_byte", kind: argInteger, required: true},
				{name: "text", kind: argString, required: true},
			},
			handler: s.editDocument,
		},
		{
			name:        "update_document",
			description: "Replace the whole content of a document. Only the changed region is reparsed.",
			args: []argSpec{
				documentIDArg,
				{name: "content", kind: argString, required: true},
			},
			handler: s.updateDocument,
		},
		{
			name:        "close_document",
			description: "Close a document. Its symbols and node references become invalid.",
			args:        []argSpec{documentIDArg},
			handler:     s.closeDocument,
		},
		{
			name:        "list_documents",
			description: "List the open documents with their version and generation.",
			handler:     s.listDocuments,
		},
		{
			name:        "find_functions",
			description: "List function definitions with their enclosing class.",
			args:        []argSpec{documentIDsArg, nameFilterArg},
			queries:     []string{query.Functions},
			handler:     s.findSymbols(symbol.KindFunction),
		},
		{
			name:        "find_classes",
			description: "List class and struct definitions.",
			args:        []argSpec{documentIDsArg, nameFilterArg},
			queries:     []string{query.Classes},
			handler:     s.findSymbols(symbol.KindClass, symbol.KindStruct),
		},
		{
			name:        "find_includes",
			description: "List #include directives. The detail tells system from local includes.",
			args:        []argSpec{documentIDsArg, nameFilterArg},
			queries:     []string{query.Includes},
			handler:     s.findSymbols(symbol.KindInclude),
		},
		{
			name:        "find_macros",
			description: "List macro definitions and macro invocations.",
			args:        []argSpec{documentIDsArg, nameFilterArg},
			queries:     []string{query.Macros},
			handler:     s.findSymbols(symbol.KindMacro),
		},
		{
			name:        "find_variables",
			description: "List variable and field declarations.",
			args:        []argSpec{documentIDsArg, nameFilterArg},
			queries:     []string{query.Variables},
			handler:     s.findSymbols(symbol.KindVariable),
		},
		{
			name:        "find_calls",
			description: "List call expressions with their callee name and calling function.",
			args: []argSpec{
				documentIDsArg,
				{name: "callee", kind: argString, description: "Only report calls to this name."},
			},
			queries: []string{query.Calls},
			handler: s.findCalls,
		},
		{
			name:        "lookup_symbol",
			description: "Find symbols by exact name or qualified name across all open documents.",
			args: []argSpec{
				{name: "name", kind: argString, required: true},
				{name: "kind", kind: argString, enum: symbolKinds()},
			},
			handler: s.lookupSymbol,
		},
		{
			name:        "symbol_at",
			description: "Return the innermost symbol containing a byte offset, and the syntax node there.",
			args: []argSpec{
				documentIDArg,
				{name: "offset", kind: argInteger, required: true},
			},
			handler: s.symbolAt,
		},
		{
			name: "execute_query",
			description: `
Run a tree-sitter query against documents and return its captures in match order.
#eq? and #match? predicates are applied.
`,
			args: []argSpec{
				{name: "query", kind: argString, required: true, description: "Tree-sitter query source."},
				documentIDsArg,
			},
			handler: s.executeQuery,
		},
		{
			name:        "get_node",
			description: "Resolve a node reference. References issued for an older generation are rejected.",
			args: []argSpec{
				documentIDArg,
				{name: "generation", kind: argInteger, required: true},
				{name: "node_id", kind: argInteger, required: true},
			},
			handler: s.getNode,
		},
		{
			name:        "get_file_summary",
			description: "Summarize a document: sizes, symbol counts, includes, classes, functions and TODO markers.",
			args:        []argSpec{documentIDArg},
			handler:     s.fileSummary,
		},
		{
			name: "extract_interface",
			description: `
Extract the declarations of the visited documents without implementation bodies: free
function signatures and the members of every class and struct.
`,
			args: []argSpec{
				documentIDsArg,
				{name: "include_private", kind: argBoolean, description: "Include private members."},
				{name: "include_comments", kind: argBoolean, description: "Include the comments above declarations (default true)."},
				{name: "format", kind: argString, enum: []string{FormatJSON, FormatHeader, FormatMarkdown}},
			},
			queries: []string{query.Functions, query.Classes},
			handler: s.extractInterface,
		},
		{
			name:        "get_class_hierarchy",
			description: `
Build the inheritance hierarchy of the classes of the visited documents. Every class reports
whether it declares a pure virtual method, and lists its methods unless show_methods is false.
`,
			args: []argSpec{
				documentIDsArg,
				{name: "class_name", kind: argString, description: "Restrict to the ancestors and descendants of this class."},
				{name: "show_methods", kind: argBoolean, description: "List the methods of every class (default true)."},
				{name: "show_virtual_only", kind: argBoolean, description: "List only virtual methods."},
				{name: "max_depth", kind: argInteger, description: "Inheritance levels followed from class_name, -1 for all (default -1)."},
			},
			queries: []string{query.Classes},
			handler: s.classHierarchy,
		},
		{
			name: "get_dependency_graph",
			description: `
Build the include graph of the visited documents and detect include cycles. Quoted includes
are resolved against the open documents.
`,
			args: []argSpec{
				documentIDsArg,
				{name: "format", kind: argString, enum: []string{FormatJSON, FormatMermaid, FormatDOT}},
				{name: "show_system", kind: argBoolean, description: "Include <system> headers as nodes."},
			},
			queries: []string{query.Includes},
			handler: s.dependencyGraph,
		},
		{
			name:        "find_references",
			description: "Find every identifier spelled like name. The match is textual, not type-resolved.",
			args: []argSpec{
				{name: "name", kind: argString, required: true},
				documentIDsArg,
			},
			handler: s.findReferences,
		},
		{
			name: "get_symbol_context",
			description: `
Return the definitions of a symbol with their source, surrounding lines, members, the calls
they make and the calls made to them.
`,
			args: []argSpec{
				{name: "name", kind: argString, required: true},
				documentIDsArg,
				{name: "context_lines", kind: argInteger},
			},
			handler: s.symbolContext,
		},
	}
}
