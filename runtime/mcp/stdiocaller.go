package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// stdioCaller runs the server as a subprocess and frames JSON-RPC with
// Content-Length headers over its stdin/stdout.
type stdioCaller struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[uint64]chan wsResult
	nextID    uint64

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newStdioCaller(ctx context.Context, cfg ServerConfig) (*stdioCaller, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", cfg.Command, err)
	}
	c := &stdioCaller{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan wsResult),
		closed:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	if err := c.call(ctx, "initialize", initializeParams(cfg), nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return c, nil
}

func (c *stdioCaller) ListTools(ctx context.Context) ([]Tool, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *stdioCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", callParams(ctx, name, args), &result); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(result)
}

// Close terminates the subprocess and releases resources.
func (c *stdioCaller) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stdin.Close()
		if c.cmd.ProcessState == nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.cmd.Wait()
	})
	return nil
}

func (c *stdioCaller) call(ctx context.Context, method string, params any, result any) error {
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan wsResult, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeMessage(rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}); err != nil {
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
		return errors.New("stdio caller closed")
	}
}

func (c *stdioCaller) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.stdin, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = c.stdin.Write(data)
	return err
}

func (c *stdioCaller) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
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

func (c *stdioCaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- wsResult{err: err}
	}
	c.pendingMu.Unlock()
	c.closeErr = err
	_ = c.Close()
}

func (c *stdioCaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readFrame reads one Content-Length framed message.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
