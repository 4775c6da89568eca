package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/shipsec/shipsec/runtime/fault"
)

const (
	// defaultIdleTTL is how long an unused connection stays pooled.
	defaultIdleTTL = 5 * time.Minute
	// defaultSweepInterval is the eviction cadence.
	defaultSweepInterval = time.Minute
	// healthCheckTimeout bounds healthCheck round trips.
	healthCheckTimeout = 10 * time.Second
	// callTimeout bounds tool invocations.
	callTimeout = 60 * time.Second
)

type (
	// Pool caches warm MCP connections keyed by server id. Idle entries are
	// evicted by a background sweeper; all operations refresh lastUsed.
	Pool struct {
		mu      sync.Mutex
		entries map[string]*poolEntry

		dial          func(ctx context.Context, cfg ServerConfig) (Caller, error)
		idleTTL       time.Duration
		sweepInterval time.Duration
		now           func() time.Time

		stop     chan struct{}
		stopOnce sync.Once
	}

	// PoolOptions configures a Pool. Zero values take the defaults above;
	// Dial overrides transport construction for tests.
	PoolOptions struct {
		Dial          func(ctx context.Context, cfg ServerConfig) (Caller, error)
		IdleTTL       time.Duration
		SweepInterval time.Duration
		Now           func() time.Time
	}

	poolEntry struct {
		caller   Caller
		lastUsed time.Time
	}
)

// NewPool constructs a pool and starts its sweeper.
func NewPool(ctx context.Context, opts PoolOptions) *Pool {
	p := &Pool{
		entries:       make(map[string]*poolEntry),
		dial:          opts.Dial,
		idleTTL:       opts.IdleTTL,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		stop:          make(chan struct{}),
	}
	if p.dial == nil {
		p.dial = Open
	}
	if p.idleTTL <= 0 {
		p.idleTTL = defaultIdleTTL
	}
	if p.sweepInterval <= 0 {
		p.sweepInterval = defaultSweepInterval
	}
	if p.now == nil {
		p.now = time.Now
	}
	go p.sweep(ctx)
	return p
}

// HealthCheck opens (or reuses) a connection and lists tools within the
// health bound. Any failure evicts the cached connection and reports the
// server unhealthy.
func (p *Pool) HealthCheck(ctx context.Context, cfg ServerConfig) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	caller, err := p.acquire(ctx, cfg)
	if err != nil {
		return fault.Wrap(fault.KindService, "mcp server unhealthy", err)
	}
	if _, err := caller.ListTools(ctx); err != nil {
		p.Disconnect(cfg.ID)
		return fault.Wrap(fault.KindService, "mcp server unhealthy", err)
	}
	return nil
}

// DiscoverTools enumerates the server's tools.
func (p *Pool) DiscoverTools(ctx context.Context, cfg ServerConfig) ([]Tool, error) {
	caller, err := p.acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tools, err := caller.ListTools(ctx)
	if err != nil {
		p.Disconnect(cfg.ID)
		return nil, fault.Wrap(fault.KindService, "mcp tools/list failed", err)
	}
	return tools, nil
}

// CallTool invokes one tool within the call bound.
func (p *Pool) CallTool(ctx context.Context, cfg ServerConfig, name string, args json.RawMessage) (CallResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	caller, err := p.acquire(ctx, cfg)
	if err != nil {
		return CallResult{}, err
	}
	result, err := caller.CallTool(ctx, name, args)
	if err != nil {
		p.Disconnect(cfg.ID)
		return CallResult{}, fault.Wrap(fault.KindService, "mcp tools/call failed", err)
	}
	return result, nil
}

// Disconnect closes and removes one pooled connection.
func (p *Pool) Disconnect(serverID string) {
	p.mu.Lock()
	entry, ok := p.entries[serverID]
	if ok {
		delete(p.entries, serverID)
	}
	p.mu.Unlock()
	if ok {
		_ = entry.caller.Close()
	}
}

// Cleanup stops the sweeper and closes every pooled connection.
func (p *Pool) Cleanup() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, entry := range entries {
		_ = entry.caller.Close()
	}
}

// Size reports the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// acquire returns the pooled connection for the server, dialing on miss. A
// failed dial leaves nothing cached; Open already closed any partial client.
func (p *Pool) acquire(ctx context.Context, cfg ServerConfig) (Caller, error) {
	if cfg.ID == "" {
		return nil, fault.New(fault.KindValidation, "mcp server config requires an id")
	}
	p.mu.Lock()
	if entry, ok := p.entries[cfg.ID]; ok {
		entry.lastUsed = p.now()
		caller := entry.caller
		p.mu.Unlock()
		return caller, nil
	}
	p.mu.Unlock()

	caller, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(fault.KindService, "connect to mcp server "+cfg.ID, err)
	}

	p.mu.Lock()
	if existing, ok := p.entries[cfg.ID]; ok {
		// Lost the dial race; keep the established entry.
		existing.lastUsed = p.now()
		p.mu.Unlock()
		_ = caller.Close()
		return existing.caller, nil
	}
	p.entries[cfg.ID] = &poolEntry{caller: caller, lastUsed: p.now()}
	p.mu.Unlock()
	return caller, nil
}

func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictIdle(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) evictIdle(ctx context.Context) {
	cutoff := p.now().Add(-p.idleTTL)
	var stale []*poolEntry
	p.mu.Lock()
	for id, entry := range p.entries {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, entry)
			delete(p.entries, id)
			log.Debug(ctx, log.KV{K: "msg", V: "evicting idle mcp connection"}, log.KV{K: "server_id", V: id})
		}
	}
	p.mu.Unlock()
	for _, entry := range stale {
		_ = entry.caller.Close()
	}
}
