package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/mcp"
)

type (
	// ToolHandler executes one locally-registered tool on behalf of the
	// calling agent.
	ToolHandler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

	// LocalTool is a tool a workflow node exposes through the gateway for
	// the duration of its run.
	LocalTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
		Handler     ToolHandler     `json:"-"`
	}

	// SessionRegistry scopes tool registrations to runs. Everything a run
	// registered disappears when the run terminates.
	SessionRegistry struct {
		mu   sync.RWMutex
		runs map[string]*runTools
	}

	runTools struct {
		localByNode  map[string][]LocalTool
		serverByNode map[string][]mcp.ServerConfig
	}
)

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{runs: make(map[string]*runTools)}
}

// RegisterLocal exposes a node's tools within its run. Re-registration of
// the same node replaces its previous set.
func (r *SessionRegistry) RegisterLocal(runID, nodeID string, tools []LocalTool) error {
	if runID == "" || nodeID == "" {
		return fault.New(fault.KindValidation, "runId and nodeId are required")
	}
	for _, tool := range tools {
		if tool.Name == "" {
			return fault.New(fault.KindValidation, "tool name is required")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.runs[runID]
	if run == nil {
		run = &runTools{
			localByNode:  make(map[string][]LocalTool),
			serverByNode: make(map[string][]mcp.ServerConfig),
		}
		r.runs[runID] = run
	}
	run.localByNode[nodeID] = append([]LocalTool(nil), tools...)
	return nil
}

// RegisterServers attaches external MCP servers referenced by a node. Their
// tools surface through the gateway prefixed with the server slug.
func (r *SessionRegistry) RegisterServers(runID, nodeID string, servers []mcp.ServerConfig) error {
	if runID == "" || nodeID == "" {
		return fault.New(fault.KindValidation, "runId and nodeId are required")
	}
	for _, s := range servers {
		if s.ID == "" || s.Slug == "" {
			return fault.New(fault.KindValidation, "server id and slug are required")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.runs[runID]
	if run == nil {
		run = &runTools{
			localByNode:  make(map[string][]LocalTool),
			serverByNode: make(map[string][]mcp.ServerConfig),
		}
		r.runs[runID] = run
	}
	run.serverByNode[nodeID] = append([]mcp.ServerConfig(nil), servers...)
	return nil
}

// LocalTools returns the tools registered by the allowed nodes of a run.
func (r *SessionRegistry) LocalTools(runID string, allowedNodeIDs []string) []LocalTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run := r.runs[runID]
	if run == nil {
		return nil
	}
	var out []LocalTool
	for _, nodeID := range allowedNodeIDs {
		out = append(out, run.localByNode[nodeID]...)
	}
	return out
}

// Servers returns the external servers referenced by the allowed nodes.
func (r *SessionRegistry) Servers(runID string, allowedNodeIDs []string) []mcp.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run := r.runs[runID]
	if run == nil {
		return nil
	}
	var out []mcp.ServerConfig
	seen := make(map[string]bool)
	for _, nodeID := range allowedNodeIDs {
		for _, s := range run.serverByNode[nodeID] {
			if !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// FindLocal resolves an unprefixed tool name within the session scope.
func (r *SessionRegistry) FindLocal(runID string, allowedNodeIDs []string, name string) (LocalTool, bool) {
	for _, tool := range r.LocalTools(runID, allowedNodeIDs) {
		if tool.Name == name {
			return tool, true
		}
	}
	return LocalTool{}, false
}

// FindServer resolves a server slug within the session scope.
func (r *SessionRegistry) FindServer(runID string, allowedNodeIDs []string, slug string) (mcp.ServerConfig, bool) {
	for _, s := range r.Servers(runID, allowedNodeIDs) {
		if s.Slug == slug {
			return s, true
		}
	}
	return mcp.ServerConfig{}, false
}

// EndRun drops every registration the run made.
func (r *SessionRegistry) EndRun(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}
