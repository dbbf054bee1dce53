package cppast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	mcp "github.com/MegaGrindStone/cppmcp"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

type argKind string

const (
	argString        argKind = "string"
	argInteger       argKind = "integer"
	argBoolean       argKind = "boolean"
	argArray         argKind = "array"
	argObject        argKind = "object"
	argStringOrArray argKind = "string-or-array"
)

// argSpec declares one tool argument. Arrays are arrays of strings.
type argSpec struct {
	name        string
	kind        argKind
	required    bool
	description string
	enum        []string
}

type handlerFunc func(ctx context.Context, c call) (any, error)

// call is one validated invocation of a tool.
type call struct {
	session  string
	args     json.RawMessage
	progress mcp.ProgressReporter
}

// decode unmarshals the validated arguments into v.
func (c call) decode(v any) error {
	if err := json.Unmarshal(c.args, v); err != nil {
		return errkind.Wrap(errkind.InvalidArgs, "failed to decode arguments", err)
	}
	return nil
}

type tool struct {
	name        string
	description string
	args        []argSpec
	// queries lists the predefined queries the handler depends on. The tool is left out of the
	// registry when one of them is disabled.
	queries []string
	handler handlerFunc
}

// registry is the closed set of tools a Server answers for.
type registry struct {
	tools  map[string]*tool
	listed []mcp.Tool
}

func newRegistry(tools []*tool, enabled func(string) bool) (registry, error) {
	r := registry{tools: make(map[string]*tool, len(tools))}
	for _, t := range tools {
		if !slices.ContainsFunc(t.queries, func(q string) bool { return !enabled(q) }) {
			if _, dup := r.tools[t.name]; dup {
				return registry{}, fmt.Errorf("duplicate tool %s", t.name)
			}
			schema, err := t.schema()
			if err != nil {
				return registry{}, fmt.Errorf("failed to build schema of %s: %w", t.name, err)
			}
			r.tools[t.name] = t
			r.listed = append(r.listed, mcp.Tool{
				Name:        t.name,
				Description: t.description,
				InputSchema: schema,
			})
		}
	}
	return r, nil
}

// lookup finds a tool by name. Hyphenated names are aliases of their underscored form.
func (r registry) lookup(name string) (*tool, bool) {
	t, ok := r.tools[strings.ReplaceAll(name, "-", "_")]
	return t, ok
}

type schemaProperty struct {
	Type        string           `json:"type,omitempty"`
	Description string           `json:"description,omitempty"`
	Items       *schemaProperty  `json:"items,omitempty"`
	Enum        []string         `json:"enum,omitempty"`
	OneOf       []schemaProperty `json:"oneOf,omitempty"`
}

type inputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]schemaProperty `json:"properties"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

func (t *tool) schema() (json.RawMessage, error) {
	s := inputSchema{Type: "object", Properties: make(map[string]schemaProperty, len(t.args))}
	for _, a := range t.args {
		p := schemaProperty{Description: a.description, Enum: a.enum}
		switch a.kind {
		case argArray:
			p.Type = "array"
			p.Items = &schemaProperty{Type: "string"}
		case argStringOrArray:
			p.OneOf = []schemaProperty{
				{Type: "string"},
				{Type: "array", Items: &schemaProperty{Type: "string"}},
			}
		default:
			p.Type = string(a.kind)
		}
		s.Properties[a.name] = p
		if a.required {
			s.Required = append(s.Required, a.name)
		}
	}
	return json.Marshal(s)
}

// validate checks raw against the declared arguments and returns the normalized argument object.
// Absent arguments and explicit nulls are equivalent.
func (t *tool) validate(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, errkind.New(errkind.InvalidArgs, "arguments must be an object")
	}

	for name, value := range fields {
		spec, ok := t.arg(name)
		if !ok {
			return nil, errkind.Errorf(errkind.InvalidArgs, "unknown argument %q", name)
		}
		if isNull(value) {
			delete(fields, name)
			continue
		}
		if err := spec.check(value); err != nil {
			return nil, err
		}
	}
	for _, a := range t.args {
		if _, ok := fields[a.name]; a.required && !ok {
			return nil, errkind.Errorf(errkind.InvalidArgs, "missing required argument %q", a.name)
		}
	}
	return json.Marshal(fields)
}

func (t *tool) arg(name string) (argSpec, bool) {
	for _, a := range t.args {
		if a.name == name {
			return a, true
		}
	}
	return argSpec{}, false
}

func (a argSpec) check(value json.RawMessage) error {
	var ok bool
	switch a.kind {
	case argString:
		var s string
		ok = json.Unmarshal(value, &s) == nil
		if ok && len(a.enum) > 0 && !slices.Contains(a.enum, s) {
			return errkind.Errorf(errkind.InvalidArgs, "argument %q must be one of %s", a.name, strings.Join(a.enum, ", "))
		}
	case argInteger:
		var n json.Number
		if value[0] != '"' && json.Unmarshal(value, &n) == nil {
			_, err := n.Int64()
			ok = err == nil
		}
	case argBoolean:
		var b bool
		ok = json.Unmarshal(value, &b) == nil
	case argArray:
		var ss []string
		ok = json.Unmarshal(value, &ss) == nil
	case argObject:
		var m map[string]json.RawMessage
		ok = json.Unmarshal(value, &m) == nil && m != nil
	case argStringOrArray:
		var sl stringList
		ok = json.Unmarshal(value, &sl) == nil
	}
	if !ok {
		return errkind.Errorf(errkind.InvalidArgs, "argument %q must be of type %s", a.name, a.kind)
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// stringList accepts either a single string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = stringList{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return fmt.Errorf("expected a string or an array of strings: %w", err)
	}
	*l = ss
	return nil
}
