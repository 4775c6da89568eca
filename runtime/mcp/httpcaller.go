package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// httpCaller speaks streamable JSON-RPC over plain HTTP POST.
type httpCaller struct{ transport *httpTransport }

func newHTTPCaller(ctx context.Context, cfg ServerConfig) (*httpCaller, error) {
	transport, err := newHTTPTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &httpCaller{transport: transport}, nil
}

func (c *httpCaller) ListTools(ctx context.Context) ([]Tool, error) {
	var result toolsListResult
	if err := c.transport.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *httpCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	var result toolsCallResult
	if err := c.transport.call(ctx, "tools/call", callParams(ctx, name, args), &result); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(result)
}

// Close is a no-op: the HTTP transport holds no persistent connection state
// beyond the shared client's idle pool.
func (c *httpCaller) Close() error { return nil }

// httpTransport shares JSON-RPC HTTP plumbing between the http and sse
// callers: endpoint, resolved headers, id allocation and the initialize
// handshake.
type httpTransport struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	id       uint64
}

func newHTTPTransport(ctx context.Context, cfg ServerConfig) (*httpTransport, error) {
	transport := &httpTransport{
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	if err := transport.call(ctx, "initialize", initializeParams(cfg), nil); err != nil {
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return transport, nil
}

func (t *httpTransport) nextID() uint64 {
	return atomic.AddUint64(&t.id, 1)
}

func (t *httpTransport) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func (t *httpTransport) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: t.nextID(), Params: params})
	if err != nil {
		return err
	}
	req, err := t.newRequest(ctx, body)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}
