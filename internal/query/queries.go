package query

// Names of the predefined queries.
const (
	Functions = "functions"
	Classes   = "classes"
	Includes  = "includes"
	Calls     = "calls"
	Macros    = "macros"
	Variables = "variables"
)

// AllPredefined lists every predefined query in the order they are compiled.
var AllPredefined = []string{Functions, Classes, Includes, Calls, Macros, Variables}

// Capture names shared by the predefined queries. Every symbol producing pattern captures the
// symbol name as @name and the node spanning the symbol as @definition. Function patterns also
// capture @declarator, where the reported range of a function starts.
const (
	CaptureName       = "name"
	CaptureDefinition = "definition"
	CaptureDeclarator = "declarator"
	CapturePath       = "path"
	CaptureInclude    = "include"
	CaptureCallee     = "callee"
	CaptureCall       = "call"
	CaptureUse        = "use"
)

var predefinedSources = map[string]string{
	Functions: `
(function_definition
  declarator: (function_declarator declarator: (_) @name) @declarator) @definition
(function_definition
  declarator: (pointer_declarator
    declarator: (function_declarator declarator: (_) @name) @declarator)) @definition
(function_definition
  declarator: (reference_declarator
    (function_declarator declarator: (_) @name) @declarator)) @definition
`,
	Classes: `
(class_specifier
  name: (_) @name
  body: (field_declaration_list)) @definition
(struct_specifier
  name: (_) @name
  body: (field_declaration_list)) @definition
`,
	Includes: `
(preproc_include path: (_) @path) @include
`,
	Calls: `
(call_expression function: (identifier) @callee) @call
(call_expression function: (field_expression field: (field_identifier) @callee)) @call
(call_expression function: (qualified_identifier name: (identifier) @callee)) @call
(call_expression
  function: (qualified_identifier
    name: (qualified_identifier name: (identifier) @callee))) @call
(call_expression function: (template_function name: (identifier) @callee)) @call
`,
	Macros: `
(preproc_def name: (identifier) @name) @definition
(preproc_function_def name: (identifier) @name) @definition
((call_expression function: (identifier) @name) @use
  (#match? @name "^[A-Z][A-Z0-9_]*$"))
`,
	Variables: `
(declaration declarator: (identifier) @name) @definition
(declaration declarator: (init_declarator declarator: (identifier) @name)) @definition
(declaration declarator: (pointer_declarator declarator: (identifier) @name)) @definition
(declaration
  declarator: (init_declarator
    declarator: (pointer_declarator declarator: (identifier) @name))) @definition
(declaration declarator: (reference_declarator (identifier) @name)) @definition
(declaration
  declarator: (init_declarator declarator: (reference_declarator (identifier) @name))) @definition
(field_declaration declarator: (field_identifier) @name) @definition
(field_declaration
  declarator: (pointer_declarator declarator: (field_identifier) @name)) @definition
`,
}

// Source returns the text of a predefined query.
func Source(name string) (string, bool) {
	src, ok := predefinedSources[name]
	return src, ok
}
