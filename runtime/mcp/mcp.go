// Package mcp implements the Model Context Protocol client used by agent
// nodes and the gateway. Transport-specific callers (streamable HTTP, SSE,
// websocket, stdio subprocess) adapt to one Caller interface; the Pool keeps
// warm connections keyed by server id and evicts idle ones.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shipsec/shipsec/runtime/fault"
)

const (
	// JSON-RPC canonical error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603

	// DefaultProtocolVersion is sent during the initialize handshake when
	// the server config does not pin one.
	DefaultProtocolVersion = "2024-11-05"
)

// TransportKind selects how a Caller reaches its server.
type TransportKind string

const (
	TransportHTTP      TransportKind = "http"
	TransportSSE       TransportKind = "sse"
	TransportWebsocket TransportKind = "websocket"
	TransportStdio     TransportKind = "stdio"
)

type (
	// ServerConfig describes one MCP server: identity, transport and the
	// resolved connection material (headers already carry decrypted
	// credentials by the time a config reaches this package).
	ServerConfig struct {
		// ID keys the connection pool. Slug prefixes external tool names
		// at the gateway.
		ID   string
		Slug string

		Transport TransportKind

		// Endpoint applies to http, sse and websocket transports.
		Endpoint string
		// Headers are sent on every request of HTTP-family transports.
		Headers map[string]string

		// Command, Args and Env apply to the stdio transport.
		Command string
		Args    []string
		Env     []string

		ProtocolVersion string
	}

	// Tool is one entry of a server's tools/list response.
	Tool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// CallResult is a normalized tools/call outcome. Content is the raw
	// content array; Structured holds the first JSON text block when the
	// server produced one. IsError marks a tool-level failure the caller
	// may surface without aborting its session.
	CallResult struct {
		Content    json.RawMessage
		Structured json.RawMessage
		IsError    bool
	}

	// Caller is the transport-agnostic MCP client surface. Implementations
	// perform the initialize handshake during construction.
	Caller interface {
		ListTools(ctx context.Context) ([]Tool, error)
		CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error)
		Close() error
	}
)

// Error is a JSON-RPC error returned by an MCP server.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// Validate checks that the config carries what its transport needs.
func (c ServerConfig) Validate() error {
	switch c.Transport {
	case TransportHTTP, TransportSSE, TransportWebsocket:
		if c.Endpoint == "" {
			return fault.Newf(fault.KindValidation, "%s transport requires an endpoint", c.Transport)
		}
	case TransportStdio:
		if c.Command == "" {
			return fault.New(fault.KindValidation, "stdio transport requires a command")
		}
	default:
		return fault.Newf(fault.KindValidation, "unknown mcp transport %q", c.Transport)
	}
	return nil
}

// Open constructs and handshakes a Caller for the config. A failed open
// never leaks a half-connected client: constructors close whatever they
// created before returning the error.
func Open(ctx context.Context, cfg ServerConfig) (Caller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Transport {
	case TransportHTTP:
		return newHTTPCaller(ctx, cfg)
	case TransportSSE:
		return newSSECaller(ctx, cfg)
	case TransportWebsocket:
		return newWSCaller(ctx, cfg)
	case TransportStdio:
		return newStdioCaller(ctx, cfg)
	}
	return nil, fault.Newf(fault.KindValidation, "unknown mcp transport %q", cfg.Transport)
}
