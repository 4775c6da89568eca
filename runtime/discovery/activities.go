package discovery

import (
	"context"

	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/mcp"
)

type (
	// ToolDiscoverer is the MCP client surface the activities use. Implemented by
	// *mcp.Pool.
	ToolDiscoverer interface {
		DiscoverTools(ctx context.Context, cfg mcp.ServerConfig) ([]mcp.Tool, error)
	}

	// Cache persists discovered tool sets under a client-provided token.
	// Get reports found=false on miss or expiry.
	Cache interface {
		Get(ctx context.Context, token string) ([]mcp.Tool, bool, error)
		Put(ctx context.Context, token string, tools []mcp.Tool) error
	}

	// CachedTools is the read-cache activity result.
	CachedTools struct {
		Found bool       `json:"found"`
		Tools []mcp.Tool `json:"tools,omitempty"`
	}

	// Activities bundles the discovery activities for worker registration.
	Activities struct {
		pool  ToolDiscoverer
		cache Cache
	}
)

// NewActivities constructs the activity set. Cache may be nil when no cache
// store is configured.
func NewActivities(pool ToolDiscoverer, cache Cache) (*Activities, error) {
	if pool == nil {
		return nil, fault.New(fault.KindConfiguration, "discovery activities require an mcp pool")
	}
	return &Activities{pool: pool, cache: cache}, nil
}

// DiscoverTools connects to the server and lists its tools. Errors translate
// to Temporal application errors so the workflow can separate non-retryable
// input problems from transient connection failures.
func (a *Activities) DiscoverTools(ctx context.Context, req Request) ([]mcp.Tool, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.ToTemporal(err)
	}
	tools, err := a.pool.DiscoverTools(ctx, req.ServerConfig())
	if err != nil {
		return nil, fault.ToTemporal(err)
	}
	return tools, nil
}

// ReadCache looks up a previously discovered tool set.
func (a *Activities) ReadCache(ctx context.Context, token string) (CachedTools, error) {
	if a.cache == nil {
		return CachedTools{}, nil
	}
	tools, found, err := a.cache.Get(ctx, token)
	if err != nil {
		return CachedTools{}, err
	}
	return CachedTools{Found: found, Tools: tools}, nil
}

// WriteCache stores the result set under the token.
func (a *Activities) WriteCache(ctx context.Context, token string, tools []mcp.Tool) error {
	if a.cache == nil {
		return fault.New(fault.KindConfiguration, "no discovery cache configured")
	}
	return a.cache.Put(ctx, token, tools)
}
