package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// sseCaller posts JSON-RPC requests and reads the response from an HTTP
// server-sent-event stream. Initialize runs over the same transport.
type sseCaller struct{ transport *httpTransport }

func newSSECaller(ctx context.Context, cfg ServerConfig) (*sseCaller, error) {
	transport, err := newHTTPTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &sseCaller{transport: transport}, nil
}

func (c *sseCaller) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.stream(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return decodeToolsList(raw)
}

func (c *sseCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	raw, err := c.stream(ctx, "tools/call", callParams(ctx, name, args))
	if err != nil {
		return CallResult{}, err
	}
	return decodeToolCallResult(raw)
}

func (c *sseCaller) Close() error { return nil }

// stream issues one request and consumes events until a response or error
// event arrives. Notifications are skipped.
func (c *sseCaller) stream(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: c.transport.nextID(), Params: params})
	if err != nil {
		return nil, err
	}
	req, err := c.transport.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.transport.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		// Some servers answer simple requests with plain JSON even on the
		// SSE endpoint.
		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
		}
		if rpcResp.Error != nil {
			return nil, rpcResp.Error.callerError()
		}
		return rpcResp.Result, nil
	}

	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("sse stream closed before response")
			}
			return nil, err
		}
		switch event {
		case "response", "message":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return nil, err
			}
			if rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return rpcResp.Result, nil
		case "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err == nil && rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return nil, fmt.Errorf("mcp error event: %s", string(data))
		case "close":
			return nil, errors.New("sse stream closed without response")
		default:
			// Notifications and keepalives.
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
		}
	}
}
