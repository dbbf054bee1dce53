package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC correlation id kept as its raw JSON token, so a numeric id is echoed
// back as a number and a string id as a string. The zero value means "no id".
type RequestID string

// JSONRPCMessage represents a JSON-RPC 2.0 message. Depending on which fields are populated it is:
//   - Request: JSONRPC, ID, Method and Params are set
//   - Response: JSONRPC, ID and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// A response without an ID is encoded with "id": null.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error object of a response. Kind carries the error classification on top
// of the numeric code.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Kind    string         `json:"kind,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	Cursor string `json:"cursor,omitempty"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents the list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the registered name of the tool, or one of its aliases.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs, checked against the tool's
	// InputSchema before the handler runs.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains the optional progressToken. When set, long-running tools emit
	// notifications/progress through the ProgressReporter.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult represents the successful outcome of a tool invocation. Content carries the
// payload rendered as JSON text, StructuredContent the same payload as a JSON value.
type CallToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// Tool defines a callable tool with its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	ProgressToken RequestID `json:"progressToken"`
	Progress      float64   `json:"progress"`
	// Total is the expected final value when known.
	Total   float64 `json:"total,omitempty"`
	Message string  `json:"message,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request parameters.
type ParamsMeta struct {
	ProgressToken RequestID `json:"progressToken,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Info            `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Tools           []Tool             `json:"tools"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

type cancelledResult struct {
	Cancelled bool `json:"cancelled"`
}

// ContentTypeText marks textual content.
const ContentTypeText ContentType = "text"

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// LatestProtocolVersion is answered to clients asking for a version the server does not know.
	LatestProtocolVersion = "2025-06-18"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
	methodNotificationsProgress    = "notifications/progress"
)

// Error codes carried by JSONRPCError.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeQuerySyntax    = -32001
	CodeNotFound       = -32002
	CodeTransport      = -32003
	CodeCancelled      = -32800
)

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", LatestProtocolVersion}

// NewRequestID returns the id for v, which must be a string or an integer.
func NewRequestID(v any) RequestID {
	switch v := v.(type) {
	case string:
		bs, _ := json.Marshal(v)
		return RequestID(bs)
	case int:
		return RequestID(strconv.Itoa(v))
	case int64:
		return RequestID(strconv.FormatInt(v, 10))
	default:
		panic(fmt.Sprintf("mcp: unsupported request id type %T", v))
	}
}

// UnmarshalJSON accepts a JSON string or number. A null id leaves the value empty.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case string, float64:
		*r = RequestID(data)
		return nil
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}
}

// MarshalJSON writes the id exactly as it was received.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// Key returns a comparison key under which "1" and 1 are the same id.
func (r RequestID) Key() string {
	var s string
	if err := json.Unmarshal([]byte(r), &s); err == nil {
		return s
	}
	return string(r)
}

// MarshalJSON encodes the message, writing "id": null for responses that carry no id.
func (m JSONRPCMessage) MarshalJSON() ([]byte, error) {
	type plain JSONRPCMessage
	if m.ID != "" || m.Method != "" {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		plain
		ID json.RawMessage `json:"id"`
	}{plain(m), json.RawMessage("null")})
}

// IsRequest reports whether the message is a request expecting a response.
func (m JSONRPCMessage) IsRequest() bool { return m.Method != "" && m.ID != "" }

// IsNotification reports whether the message is a notification.
func (m JSONRPCMessage) IsNotification() bool { return m.Method != "" && m.ID == "" }

func (j JSONRPCError) Error() string {
	if j.Kind == "" {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, kind: %s, message: %s", j.Code, j.Kind, j.Message)
}

func negotiateVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}
