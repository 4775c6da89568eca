package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shipsec/shipsec/runtime/fault"
)

type fakeCaller struct {
	mu        sync.Mutex
	listErr   error
	callErr   error
	closed    bool
	listCalls int
	deadline  bool
}

func (f *fakeCaller) ListTools(ctx context.Context) ([]Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	_, f.deadline = ctx.Deadline()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []Tool{{Name: "scan"}}, nil
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.deadline = ctx.Deadline()
	if f.callErr != nil {
		return CallResult{}, f.callErr
	}
	return CallResult{Structured: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeCaller) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCaller) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	err     error
	callers []*fakeCaller
}

func (d *fakeDialer) dial(context.Context, ServerConfig) (Caller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeCaller{}
	d.callers = append(d.callers, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestPool(t *testing.T, d *fakeDialer, now func() time.Time) *Pool {
	t.Helper()
	p := NewPool(context.Background(), PoolOptions{Dial: d.dial, Now: now})
	t.Cleanup(p.Cleanup)
	return p
}

func TestPoolReusesConnections(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := newTestPool(t, d, nil)
	cfg := ServerConfig{ID: "srv-1", Transport: TransportHTTP, Endpoint: "http://mcp"}

	_, err := p.CallTool(context.Background(), cfg, "scan", nil)
	require.NoError(t, err)
	_, err = p.DiscoverTools(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 1, d.count())
	require.Equal(t, 1, p.Size())

	other := cfg
	other.ID = "srv-2"
	_, err = p.CallTool(context.Background(), other, "scan", nil)
	require.NoError(t, err)
	require.Equal(t, 2, d.count())
}

func TestPoolCallToolIsDeadlineBounded(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := newTestPool(t, d, nil)
	_, err := p.CallTool(context.Background(), ServerConfig{ID: "srv-1"}, "scan", nil)
	require.NoError(t, err)
	require.True(t, d.callers[0].deadline, "tool calls must carry a deadline")
}

func TestPoolHealthCheckEvictsOnFailure(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := newTestPool(t, d, nil)
	cfg := ServerConfig{ID: "srv-1"}

	require.NoError(t, p.HealthCheck(context.Background(), cfg))
	require.Equal(t, 1, p.Size())

	d.callers[0].mu.Lock()
	d.callers[0].listErr = errors.New("connection reset")
	d.callers[0].mu.Unlock()
	err := p.HealthCheck(context.Background(), cfg)
	require.Error(t, err)
	require.Equal(t, fault.KindService, fault.KindOf(err))
	require.Equal(t, 0, p.Size())
	require.True(t, d.callers[0].isClosed())
}

func TestPoolDialFailureNotCached(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{err: errors.New("refused")}
	p := newTestPool(t, d, nil)
	cfg := ServerConfig{ID: "srv-1"}

	_, err := p.DiscoverTools(context.Background(), cfg)
	require.Error(t, err)
	require.Equal(t, 0, p.Size())

	_, err = p.DiscoverTools(context.Background(), cfg)
	require.Error(t, err)
	require.Equal(t, 2, d.count(), "each attempt redials after a failure")
}

func TestPoolRequiresServerID(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, &fakeDialer{}, nil)
	_, err := p.DiscoverTools(context.Background(), ServerConfig{})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestPoolDisconnectClosesEntry(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := newTestPool(t, d, nil)
	_, err := p.DiscoverTools(context.Background(), ServerConfig{ID: "srv-1"})
	require.NoError(t, err)

	p.Disconnect("srv-1")
	require.Equal(t, 0, p.Size())
	require.True(t, d.callers[0].isClosed())
	p.Disconnect("srv-1") // absent id is a no-op
}

func TestPoolEvictsIdleEntries(t *testing.T) {
	t.Parallel()
	current := time.Now()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	d := &fakeDialer{}
	p := newTestPool(t, d, now)

	_, err := p.DiscoverTools(context.Background(), ServerConfig{ID: "srv-1"})
	require.NoError(t, err)
	_, err = p.DiscoverTools(context.Background(), ServerConfig{ID: "srv-2"})
	require.NoError(t, err)

	mu.Lock()
	current = current.Add(4 * time.Minute)
	mu.Unlock()
	_, err = p.DiscoverTools(context.Background(), ServerConfig{ID: "srv-2"})
	require.NoError(t, err)

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()
	p.evictIdle(context.Background())

	// srv-1 idled past the TTL; srv-2 was refreshed 2 minutes ago.
	require.Equal(t, 1, p.Size())
	require.True(t, d.callers[0].isClosed())
	require.False(t, d.callers[1].isClosed())
}

func TestPoolCleanupClosesAll(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	p := newTestPool(t, d, nil)
	_, err := p.DiscoverTools(context.Background(), ServerConfig{ID: "srv-1"})
	require.NoError(t, err)
	_, err = p.DiscoverTools(context.Background(), ServerConfig{ID: "srv-2"})
	require.NoError(t, err)

	p.Cleanup()
	require.Equal(t, 0, p.Size())
	for _, c := range d.callers {
		require.True(t, c.isClosed())
	}
	p.Cleanup() // idempotent
}
