// Package jsonrpc implements the newline-delimited JSON-RPC 2.0 dialect the
// SEO worker speaks over stdio.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const Version = "2.0"

// Methods used by the worker protocol.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsCall   = "tools/call"
)

// ProtocolVersion is announced in the initialize request.
const ProtocolVersion = "2024-11-05"

// Request is a call or, when ID is nil, a notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response carries either Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Text joins message and data for heuristic inspection.
func (e *Error) Text() string {
	if e == nil {
		return ""
	}
	if len(e.Data) == 0 {
		return e.Message
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return e.Message + " " + s
	}
	return e.Message + " " + string(e.Data)
}

// NewRequest builds a call with the given id.
func NewRequest(id any, method string, params any) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a request that expects no response.
func NewNotification(method string) Request {
	return Request{JSONRPC: Version, Method: method}
}

// InitializeParams is the handshake payload sent by the client.
func InitializeParams(clientName, clientVersion string) map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

// ToolCallParams wraps a tool invocation.
func ToolCallParams(name string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{"name": name, "arguments": args}
}

// Write encodes msg as a single line.
func Write(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// IDKey normalises an id to a comparable string form, so 2 and "2" differ
// but 2 and 2.0 do not.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case json.RawMessage:
		return rawIDKey(v)
	case string:
		return "s:" + v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return rawIDKey(data)
	}
}

func rawIDKey(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return "s:" + s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return ""
	}
	return fmt.Sprintf("n:%g", f)
}

// ContentItem is one entry of a tools/call result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the tools/call result envelope.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ParseToolResult decodes a tools/call result. Payloads that are not an
// envelope are returned as a single text item.
func ParseToolResult(raw json.RawMessage) ToolResult {
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err == nil && res.Content != nil {
		return res
	}
	return ToolResult{Content: []ContentItem{{Type: "text", Text: string(raw)}}}
}

// Text concatenates all text items.
func (r ToolResult) Text() string {
	var b strings.Builder
	for i, c := range r.Content {
		if c.Text == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Text)
	}
	return b.String()
}
