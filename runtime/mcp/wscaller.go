package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsCaller multiplexes JSON-RPC over one websocket connection. A single read
// loop routes responses to pending calls by id.
type wsCaller struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[uint64]chan wsResult
	nextID    uint64

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type wsResult struct {
	resp rpcResponse
	err  error
}

func newWSCaller(ctx context.Context, cfg ServerConfig) (*wsCaller, error) {
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", cfg.Endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.Endpoint, err)
	}
	c := &wsCaller{
		conn:    conn,
		pending: make(map[uint64]chan wsResult),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	if err := c.call(ctx, "initialize", initializeParams(cfg), nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return c, nil
}

func (c *wsCaller) ListTools(ctx context.Context) ([]Tool, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *wsCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", callParams(ctx, name, args), &result); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(result)
}

func (c *wsCaller) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsCaller) call(ctx context.Context, method string, params any, result any) error {
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan wsResult, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.callerError()
		}
		if result != nil && res.resp.Result != nil {
			return json.Unmarshal(res.resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		if c.closeErr != nil {
			return c.closeErr
		}
		return errors.New("websocket caller closed")
	}
}

func (c *wsCaller) readLoop() {
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.failPending(err)
			return
		}
		if resp.ID == 0 {
			continue // notification
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- wsResult{resp: resp}
		}
	}
}

func (c *wsCaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- wsResult{err: err}
	}
	c.pendingMu.Unlock()
	c.closeErr = err
	_ = c.Close()
}

func (c *wsCaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}
