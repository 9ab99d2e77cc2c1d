// Package mcp serves the knowledge base to MCP clients over stdio.
package mcp

import (
	"encoding/json"
	"fmt"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request or notification (no ID).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries either Result or Error.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes. Tool failures are not protocol errors;
// they are reported in-band through CallToolResult.IsError.
const (
	ErrorCodeParse          = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternal       = -32603
)

func resultResponse(id, result any) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id any, code int, message string, data any) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// Handshake.

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is what the client sends with initialize. Client
// capabilities are accepted but unused.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      implementation  `json:"clientInfo"`
}

// InitializeResult answers initialize. kbase only offers tools.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	// The tool set is fixed for the life of the process.
	ListChanged bool `json:"listChanged"`
}

// Tools.

type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema JSONSchema `json:"inputSchema"`
}

// JSONSchema is the subset of JSON Schema used by tool inputs.
type JSONSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Default     any       `json:"default,omitempty"`
	Minimum     *int      `json:"minimum,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func textResult(text string, isError bool) *CallToolResult {
	return &CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// toolFailure reports a failed tool call. Errors carrying a knowledge base
// error code show it, so clients can tell bad input from a broken provider.
func toolFailure(err error, format string, args ...any) *CallToolResult {
	msg := "Error: " + fmt.Sprintf(format, args...)
	if err != nil {
		msg += ": " + err.Error()
		if code := kberr.CodeOf(err); code != "" {
			msg += fmt.Sprintf(" [%s]", code)
		}
	}
	return textResult(msg, true)
}

func minimum(n int) *int { return &n }
