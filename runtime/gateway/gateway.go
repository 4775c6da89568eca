// Package gateway is the MCP surface agents connect to: it mints run-scoped
// session tokens, keeps per-run tool registrations, and bridges tools/list
// and tools/call to local components and external MCP servers.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/mcp"
)

// ToolNameSeparator splits `<serverSlug>__<tool>` names for external routing.
const ToolNameSeparator = "__"

// resultPreviewLimit caps the span attribute carrying tool output.
const resultPreviewLimit = 200

type (
	// ServerCaller is the client surface the gateway uses to reach external MCP
	// servers. Implemented by *mcp.Pool.
	ServerCaller interface {
		DiscoverTools(ctx context.Context, cfg mcp.ServerConfig) ([]mcp.Tool, error)
		CallTool(ctx context.Context, cfg mcp.ServerConfig, name string, args json.RawMessage) (mcp.CallResult, error)
	}

	// LocalExecutor runs a registered tool that carries no in-process
	// handler, typically by scheduling the owning component node.
	LocalExecutor func(ctx context.Context, runID, tool string, args json.RawMessage) (json.RawMessage, error)

	// Gateway serves the MCP endpoint and the internal control endpoints.
	Gateway struct {
		issuer        *TokenIssuer
		registry      *SessionRegistry
		servers       ServerCaller
		execute       LocalExecutor
		onRunEnd      func(runID string)
		internalToken string
		tracer        trace.Tracer
	}

	// Options configures a Gateway.
	Options struct {
		Issuer        *TokenIssuer
		Registry      *SessionRegistry
		Servers       ServerCaller
		Execute       LocalExecutor
		InternalToken string
		// OnRunEnd runs after a run's registrations are dropped, letting the
		// process release other run-scoped state such as terminal sessions.
		// May be nil.
		OnRunEnd func(runID string)
	}
)

// NewGateway constructs a Gateway.
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Issuer == nil || opts.Registry == nil || opts.Servers == nil {
		return nil, fault.New(fault.KindConfiguration, "gateway requires issuer, registry and server caller")
	}
	if opts.InternalToken == "" {
		return nil, fault.New(fault.KindConfiguration, "internal service token is required")
	}
	return &Gateway{
		issuer:        opts.Issuer,
		registry:      opts.Registry,
		servers:       opts.Servers,
		execute:       opts.Execute,
		onRunEnd:      opts.OnRunEnd,
		internalToken: opts.InternalToken,
		tracer:        otel.Tracer("github.com/shipsec/shipsec/runtime/gateway"),
	}, nil
}

// Registry exposes the session registry so run lifecycle hooks can end runs.
func (g *Gateway) Registry() *SessionRegistry { return g.registry }

// Routes registers the gateway's endpoints on the mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /internal/mcp/generate-token", g.handleGenerateToken)
	mux.HandleFunc("POST /internal/mcp/register-local", g.handleRegisterLocal)
	mux.HandleFunc("POST /internal/mcp/end-run", g.handleEndRun)
	mux.HandleFunc("GET /internal/mcp", g.handleInfo)
	mux.HandleFunc("POST /internal/mcp", g.handleRPC)
}

// JSON-RPC wire types for the serving side.
type (
	rpcRequest struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
		Params  json.RawMessage `json:"params"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcErrorObj    `json:"error,omitempty"`
	}

	rpcErrorObj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	callParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	contentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	callResultBody struct {
		Content []contentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
)

func (g *Gateway) internalAuthorized(r *http.Request) bool {
	token := r.Header.Get("X-Internal-Token")
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(g.internalToken)) == 1
}

func (g *Gateway) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if !g.internalAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		RunID          string   `json:"runId"`
		OrganizationID string   `json:"organizationId"`
		AllowedNodeIDs []string `json:"allowedNodeIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, expires, err := g.issuer.Mint(req.RunID, req.OrganizationID, req.AllowedNodeIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expiresAt": expires})
}

// handleRegisterLocal authenticates with the caller's session token, not the
// internal header: registrations always land in the run the token scopes.
func (g *Gateway) handleRegisterLocal(w http.ResponseWriter, r *http.Request) {
	claims, err := g.sessionFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		RunID   string             `json:"runId"`
		NodeID  string             `json:"nodeId"`
		Tools   []LocalTool        `json:"tools"`
		Servers []serverConfigBody `json:"servers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RunID != "" && req.RunID != claims.RunID {
		http.Error(w, "run outside session scope", http.StatusForbidden)
		return
	}
	if len(req.Tools) > 0 {
		if err := g.registry.RegisterLocal(claims.RunID, req.NodeID, req.Tools); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if len(req.Servers) > 0 {
		servers := make([]mcp.ServerConfig, len(req.Servers))
		for i, s := range req.Servers {
			servers[i] = s.toConfig()
		}
		if err := g.registry.RegisterServers(claims.RunID, req.NodeID, servers); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEndRun tears down everything a run registered. Workers invoke it
// when the run's workflow completes so registrations never outlive the run.
func (g *Gateway) handleEndRun(w http.ResponseWriter, r *http.Request) {
	if !g.internalAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RunID == "" {
		http.Error(w, "runId is required", http.StatusBadRequest)
		return
	}
	g.registry.EndRun(req.RunID)
	if g.onRunEnd != nil {
		g.onRunEnd(req.RunID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// serverConfigBody is the wire form of an external server registration.
type serverConfigBody struct {
	ID        string            `json:"id"`
	Slug      string            `json:"slug"`
	Transport string            `json:"transport"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
}

func (b serverConfigBody) toConfig() mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:        b.ID,
		Slug:      b.Slug,
		Transport: mcp.TransportKind(b.Transport),
		Endpoint:  b.Endpoint,
		Headers:   b.Headers,
		Command:   b.Command,
		Args:      b.Args,
	}
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !g.internalAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            "shipsec-gateway",
		"protocolVersion": mcp.DefaultProtocolVersion,
	})
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	claims, err := g.sessionFromRequest(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcErrorObj{Code: mcp.JSONRPCInvalidRequest, Message: err.Error()},
		})
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, mcp.JSONRPCParseError, "malformed request")
		return
	}

	ctx := r.Context()
	switch req.Method {
	case "initialize":
		writeRPCResult(w, req.ID, map[string]any{
			"protocolVersion": mcp.DefaultProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "shipsec-gateway"},
		})
	case "tools/list":
		writeRPCResult(w, req.ID, map[string]any{"tools": g.listTools(ctx, claims)})
	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			writeRPCError(w, req.ID, mcp.JSONRPCInvalidParams, "tools/call requires a name")
			return
		}
		writeRPCResult(w, req.ID, g.callTool(ctx, claims, params))
	default:
		writeRPCError(w, req.ID, mcp.JSONRPCMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (g *Gateway) sessionFromRequest(r *http.Request) (*SessionClaims, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return nil, fault.New(fault.KindAuth, "missing bearer token")
	}
	return g.issuer.Verify(token)
}

// listTools returns the union of local registrations and external server
// tools, the latter prefixed with the server slug. External discovery
// failures are logged and skipped so one bad server never hides the rest.
func (g *Gateway) listTools(ctx context.Context, claims *SessionClaims) []mcp.Tool {
	tools := []mcp.Tool{}
	for _, t := range g.registry.LocalTools(claims.RunID, claims.AllowedNodeIDs) {
		tools = append(tools, mcp.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	for _, server := range g.registry.Servers(claims.RunID, claims.AllowedNodeIDs) {
		discovered, err := g.servers.DiscoverTools(ctx, server)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "external tool discovery failed"},
				log.KV{K: "server_id", V: server.ID}, log.KV{K: "err", V: err.Error()})
			continue
		}
		for _, t := range discovered {
			t.Name = server.Slug + ToolNameSeparator + t.Name
			tools = append(tools, t)
		}
	}
	return tools
}

// callTool routes one invocation and always returns an MCP-level result, so
// agents see tool failures as content they can react to rather than a dead
// session.
func (g *Gateway) callTool(ctx context.Context, claims *SessionClaims, params callParams) callResultBody {
	ctx, span := g.tracer.Start(ctx, "gateway.tools/call",
		trace.WithAttributes(
			attribute.String("tool.name", params.Name),
			attribute.String("run.id", claims.RunID),
		))
	defer span.End()

	result, err := g.routeCall(ctx, claims, params)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("tool.success", false))
		return callResultBody{
			Content: []contentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}
	}
	span.SetAttributes(
		attribute.Bool("tool.success", true),
		attribute.String("tool.result_preview", truncate(string(result), resultPreviewLimit)),
	)
	return callResultBody{Content: []contentBlock{{Type: "text", Text: string(result)}}}
}

func (g *Gateway) routeCall(ctx context.Context, claims *SessionClaims, params callParams) (json.RawMessage, error) {
	if slug, tool, ok := strings.Cut(params.Name, ToolNameSeparator); ok {
		server, found := g.registry.FindServer(claims.RunID, claims.AllowedNodeIDs, slug)
		if !found {
			return nil, fault.Newf(fault.KindNotFound, "unknown mcp server %q", slug)
		}
		result, err := g.servers.CallTool(ctx, server, tool, params.Arguments)
		if err != nil {
			return nil, err
		}
		if result.Structured != nil {
			return result.Structured, nil
		}
		return result.Content, nil
	}

	local, found := g.registry.FindLocal(claims.RunID, claims.AllowedNodeIDs, params.Name)
	if !found {
		return nil, fault.Newf(fault.KindNotFound, "unknown tool %q", params.Name)
	}
	if local.Handler != nil {
		return local.Handler(ctx, params.Arguments)
	}
	if g.execute == nil {
		return nil, fault.Newf(fault.KindConfiguration, "tool %q has no executor", params.Name)
	}
	return g.execute(ctx, claims.RunID, params.Name, params.Arguments)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErrorObj{Code: code, Message: message}})
}
