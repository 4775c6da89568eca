// Package discovery runs the tool-discovery workflow: connect to an unknown
// MCP server, enumerate its tools, optionally cache the result set, and
// expose progress through a workflow query so clients can poll.
package discovery

import (
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/mcp"
)

// QueryGetDiscoveryResult is the workflow query clients poll.
const QueryGetDiscoveryResult = "getDiscoveryResult"

// Activity registration names.
const (
	ActivityDiscoverTools = "DiscoverMCPTools"
	ActivityReadCache     = "ReadDiscoveryCache"
	ActivityWriteCache    = "WriteDiscoveryCache"
)

// Result statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Error codes surfaced in failed results.
const (
	ErrCodeNonRetryable = "NON_RETRYABLE_FAILURE"
	ErrCodeActivity     = "ACTIVITY_FAILURE"
)

type (
	// Request describes one server to discover.
	Request struct {
		// ServerID keys the connection pool; defaults to endpoint or
		// command when unset.
		ServerID  string            `json:"serverId,omitempty"`
		Transport string            `json:"transport"`
		Endpoint  string            `json:"endpoint,omitempty"`
		Command   string            `json:"command,omitempty"`
		Args      []string          `json:"args,omitempty"`
		Headers   map[string]string `json:"headers,omitempty"`
		// CacheToken, when set, keys the cached result set.
		CacheToken string `json:"cacheToken,omitempty"`
	}

	// Result is the polled discovery envelope.
	Result struct {
		Status    string     `json:"status"`
		Tools     []mcp.Tool `json:"tools,omitempty"`
		ToolCount int        `json:"toolCount,omitempty"`
		Error     string     `json:"error,omitempty"`
		ErrorCode string     `json:"errorCode,omitempty"`
	}

	// GroupRequest discovers several servers in one workflow.
	GroupRequest struct {
		Servers []Request `json:"servers"`
	}

	// GroupResult reports per-server outcomes. Partial failures stay in
	// their entries; the envelope itself completes.
	GroupResult struct {
		Status  string   `json:"status"`
		Results []Result `json:"results"`
	}
)

// Validate enforces the transport's required fields.
func (r Request) Validate() error {
	switch mcp.TransportKind(r.Transport) {
	case mcp.TransportHTTP, mcp.TransportSSE, mcp.TransportWebsocket:
		if r.Endpoint == "" {
			return fault.Newf(fault.KindValidation, "INVALID_INPUT: %s transport requires an endpoint", r.Transport)
		}
	case mcp.TransportStdio:
		if r.Command == "" {
			return fault.New(fault.KindValidation, "INVALID_INPUT: stdio transport requires a command")
		}
	default:
		return fault.Newf(fault.KindValidation, "INVALID_INPUT: unknown transport %q", r.Transport)
	}
	return nil
}

// ServerConfig maps the request to the client config.
func (r Request) ServerConfig() mcp.ServerConfig {
	id := r.ServerID
	if id == "" {
		id = r.Endpoint
	}
	if id == "" {
		id = r.Command
	}
	return mcp.ServerConfig{
		ID:        id,
		Transport: mcp.TransportKind(r.Transport),
		Endpoint:  r.Endpoint,
		Headers:   r.Headers,
		Command:   r.Command,
		Args:      r.Args,
	}
}
