package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shipsec/shipsec/runtime/mcp"
)

type fakeServers struct {
	tools       []mcp.Tool
	discoverErr error
	callErr     error
	calledTool  string
	calledCfg   mcp.ServerConfig
}

func (f *fakeServers) DiscoverTools(_ context.Context, cfg mcp.ServerConfig) ([]mcp.Tool, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.tools, nil
}

func (f *fakeServers) CallTool(_ context.Context, cfg mcp.ServerConfig, name string, _ json.RawMessage) (mcp.CallResult, error) {
	f.calledCfg = cfg
	f.calledTool = name
	if f.callErr != nil {
		return mcp.CallResult{}, f.callErr
	}
	return mcp.CallResult{Structured: json.RawMessage(`{"hits":2}`)}, nil
}

type gatewayFixture struct {
	gw        *Gateway
	srv       *httptest.Server
	servers   *fakeServers
	token     string
	endedRuns []string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	issuer, err := NewTokenIssuer("session-secret")
	require.NoError(t, err)
	servers := &fakeServers{tools: []mcp.Tool{{Name: "search", Description: "find things"}}}
	f := &gatewayFixture{servers: servers}
	gw, err := NewGateway(Options{
		Issuer:        issuer,
		Registry:      NewSessionRegistry(),
		Servers:       servers,
		InternalToken: "internal-secret",
		Execute: func(_ context.Context, runID, tool string, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"executed":"` + tool + `"}`), nil
		},
		OnRunEnd: func(runID string) { f.endedRuns = append(f.endedRuns, runID) },
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	gw.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	token, _, err := issuer.Mint("run-1", "org-1", []string{"node-a"})
	require.NoError(t, err)
	f.gw = gw
	f.srv = srv
	f.token = token
	return f
}

func (f *gatewayFixture) rpc(t *testing.T, token string, req rpcRequest) (*http.Response, rpcResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, f.srv.URL+"/internal/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *gatewayFixture) internal(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", "internal-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

func (f *gatewayFixture) session(t *testing.T, path, token string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

func TestRPCRejectsMissingToken(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	resp, out := f.rpc(t, "", rpcRequest{JSONRPC: "2.0", Method: "tools/list"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, out.Error)
}

func TestRPCInitialize(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	resp, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "initialize", ID: json.RawMessage("1")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out.Error)
	result := out.Result.(map[string]any)
	require.Equal(t, mcp.DefaultProtocolVersion, result["protocolVersion"])
}

func TestToolsListUnionWithPrefix(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	require.NoError(t, f.gw.Registry().RegisterLocal("run-1", "node-a", []LocalTool{{Name: "display_note"}}))
	require.NoError(t, f.gw.Registry().RegisterServers("run-1", "node-a", []mcp.ServerConfig{
		{ID: "srv-1", Slug: "shodan", Transport: mcp.TransportHTTP, Endpoint: "http://mcp"},
	}))

	_, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "tools/list", ID: json.RawMessage("2")})
	require.Nil(t, out.Error)
	raw, err := json.Marshal(out.Result)
	require.NoError(t, err)
	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	require.ElementsMatch(t, []string{"display_note", "shodan__search"}, names)
}

func TestToolsListSkipsFailedDiscovery(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	f.servers.discoverErr = errors.New("unreachable")
	require.NoError(t, f.gw.Registry().RegisterLocal("run-1", "node-a", []LocalTool{{Name: "display_note"}}))
	require.NoError(t, f.gw.Registry().RegisterServers("run-1", "node-a", []mcp.ServerConfig{
		{ID: "srv-1", Slug: "shodan", Transport: mcp.TransportHTTP, Endpoint: "http://mcp"},
	}))

	_, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "tools/list", ID: json.RawMessage("3")})
	require.Nil(t, out.Error)
	raw, _ := json.Marshal(out.Result)
	require.Contains(t, string(raw), "display_note")
	require.NotContains(t, string(raw), "shodan__")
}

func TestCallToolRoutesExternal(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	require.NoError(t, f.gw.Registry().RegisterServers("run-1", "node-a", []mcp.ServerConfig{
		{ID: "srv-1", Slug: "shodan", Transport: mcp.TransportHTTP, Endpoint: "http://mcp"},
	}))

	params, _ := json.Marshal(callParams{Name: "shodan__search", Arguments: json.RawMessage(`{"q":"nginx"}`)})
	_, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: json.RawMessage("4"), Params: params})
	require.Nil(t, out.Error)
	require.Equal(t, "search", f.servers.calledTool, "prefix must be stripped before forwarding")
	require.Equal(t, "srv-1", f.servers.calledCfg.ID)

	raw, _ := json.Marshal(out.Result)
	require.Contains(t, string(raw), `\"hits\":2`)
}

func TestCallToolLocalHandler(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	require.NoError(t, f.gw.Registry().RegisterLocal("run-1", "node-a", []LocalTool{{
		Name: "display_note",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"shown":true}`), nil
		},
	}}))

	params, _ := json.Marshal(callParams{Name: "display_note"})
	_, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: json.RawMessage("5"), Params: params})
	require.Nil(t, out.Error)
	raw, _ := json.Marshal(out.Result)
	require.Contains(t, string(raw), `\"shown\":true`)
}

func TestCallToolFailureIsMCPResultNotHTTPError(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	f.servers.callErr = errors.New("server exploded")
	require.NoError(t, f.gw.Registry().RegisterServers("run-1", "node-a", []mcp.ServerConfig{
		{ID: "srv-1", Slug: "shodan", Transport: mcp.TransportHTTP, Endpoint: "http://mcp"},
	}))

	params, _ := json.Marshal(callParams{Name: "shodan__search"})
	resp, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: json.RawMessage("6"), Params: params})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out.Error)
	raw, _ := json.Marshal(out.Result)
	require.Contains(t, string(raw), `"isError":true`)
	require.Contains(t, string(raw), "server exploded")
}

func TestCallToolOutsideScopeFails(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	// Registered under a node the session may not reach.
	require.NoError(t, f.gw.Registry().RegisterLocal("run-1", "node-other", []LocalTool{{Name: "display_note"}}))

	params, _ := json.Marshal(callParams{Name: "display_note"})
	_, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: json.RawMessage("7"), Params: params})
	raw, _ := json.Marshal(out.Result)
	require.Contains(t, string(raw), `"isError":true`)
}

func TestEndRunEndpointRemovesRegistrations(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	require.NoError(t, f.gw.Registry().RegisterLocal("run-1", "node-a", []LocalTool{{Name: "display_note"}}))

	resp := f.internal(t, "/internal/mcp/end-run", map[string]any{"runId": "run-1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, out := f.rpc(t, f.token, rpcRequest{JSONRPC: "2.0", Method: "tools/list", ID: json.RawMessage("8")})
	raw, _ := json.Marshal(out.Result)
	require.NotContains(t, string(raw), "display_note")
	require.Equal(t, []string{"run-1"}, f.endedRuns, "run-end hook fires after registrations drop")
}

func TestEndRunEndpointRequiresRunID(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	resp := f.internal(t, "/internal/mcp/end-run", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, f.endedRuns)
}

func TestRegisterLocalRequiresSessionToken(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	// The internal header alone is not enough for this route.
	resp := f.internal(t, "/internal/mcp/register-local", map[string]any{
		"nodeId": "node-a",
		"tools":  []map[string]any{{"name": "display_note"}},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterLocalScopedToSessionRun(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	resp := f.session(t, "/internal/mcp/register-local", f.token, map[string]any{
		"runId":  "run-other",
		"nodeId": "node-a",
		"tools":  []map[string]any{{"name": "display_note"}},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Omitting runId lands the registration in the token's run.
	resp = f.session(t, "/internal/mcp/register-local", f.token, map[string]any{
		"nodeId": "node-a",
		"tools":  []map[string]any{{"name": "display_note"}},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, found := f.gw.Registry().FindLocal("run-1", []string{"node-a"}, "display_note")
	require.True(t, found)
}

func TestInternalEndpointsRequireToken(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)
	resp, err := http.Post(f.srv.URL+"/internal/mcp/generate-token", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGenerateTokenAndRegisterLocalEndpoints(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	body, _ := json.Marshal(map[string]any{"runId": "run-9", "allowedNodeIds": []string{"node-z"}})
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/internal/mcp/generate-token", bytes.NewReader(body))
	req.Header.Set("X-Internal-Token", "internal-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var minted struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&minted))
	require.NotEmpty(t, minted.Token)

	regResp := f.session(t, "/internal/mcp/register-local", minted.Token, map[string]any{
		"runId":  "run-9",
		"nodeId": "node-z",
		"tools":  []map[string]any{{"name": "display_note"}},
	})
	require.Equal(t, http.StatusNoContent, regResp.StatusCode)

	// Registered tool executes through the fallback executor.
	params, _ := json.Marshal(callParams{Name: "display_note"})
	_, out := f.rpc(t, minted.Token, rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: json.RawMessage("9"), Params: params})
	require.Nil(t, out.Error)
	raw, _ := json.Marshal(out.Result)
	require.Contains(t, string(raw), "display_note")
}
