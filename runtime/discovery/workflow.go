package discovery

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/mcp"
)

// discoveryTimeout bounds one connect-and-list round trip.
const discoveryTimeout = 30 * time.Second

// Workflow discovers one server's tools. The result is observable through
// the getDiscoveryResult query at every stage; the workflow itself completes
// successfully even on discovery failure so clients always get the envelope.
func Workflow(ctx workflow.Context, req Request) (Result, error) {
	state := Result{Status: StatusRunning}
	if err := workflow.SetQueryHandler(ctx, QueryGetDiscoveryResult, func() (Result, error) {
		return state, nil
	}); err != nil {
		return Result{}, err
	}

	state = discoverOne(ctx, req)
	return state, nil
}

// GroupWorkflow discovers a list of servers. Per-server failures land in
// their entries; the envelope completes regardless.
func GroupWorkflow(ctx workflow.Context, req GroupRequest) (GroupResult, error) {
	state := GroupResult{Status: StatusRunning, Results: make([]Result, len(req.Servers))}
	for i := range state.Results {
		state.Results[i] = Result{Status: StatusRunning}
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetDiscoveryResult, func() (GroupResult, error) {
		return state, nil
	}); err != nil {
		return GroupResult{}, err
	}

	for i, server := range req.Servers {
		state.Results[i] = discoverOne(ctx, server)
	}
	state.Status = StatusCompleted
	return state, nil
}

func discoverOne(ctx workflow.Context, req Request) Result {
	if err := req.Validate(); err != nil {
		return Result{Status: StatusFailed, Error: err.Error(), ErrorCode: ErrCodeNonRetryable}
	}

	// A valid cache entry answers the discovery without opening a transport.
	if req.CacheToken != "" {
		cctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 10 * time.Second,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		})
		var cached CachedTools
		if err := workflow.ExecuteActivity(cctx, ActivityReadCache, req.CacheToken).Get(ctx, &cached); err != nil {
			workflow.GetLogger(ctx).Warn("discovery cache read failed", "cacheToken", req.CacheToken, "error", err)
		} else if cached.Found {
			return Result{Status: StatusCompleted, Tools: cached.Tools, ToolCount: len(cached.Tools)}
		}
	}

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: discoveryTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
			NonRetryableErrorTypes: []string{
				string(fault.KindValidation),
				string(fault.KindConfiguration),
				string(fault.KindAuth),
			},
		},
	})

	var tools []mcp.Tool
	if err := workflow.ExecuteActivity(actx, ActivityDiscoverTools, req).Get(ctx, &tools); err != nil {
		return Result{Status: StatusFailed, Error: err.Error(), ErrorCode: errorCode(err)}
	}

	if req.CacheToken != "" {
		cctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 10 * time.Second,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		})
		if err := workflow.ExecuteActivity(cctx, ActivityWriteCache, req.CacheToken, tools).Get(ctx, nil); err != nil {
			// Cache misses only cost the next discovery a round trip.
			workflow.GetLogger(ctx).Warn("discovery cache write failed", "cacheToken", req.CacheToken, "error", err)
		}
	}

	return Result{Status: StatusCompleted, Tools: tools, ToolCount: len(tools)}
}

// errorCode separates terminal input and application failures from transient
// activity failures.
func errorCode(err error) string {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindConfiguration, fault.KindAuth, fault.KindNotFound:
		return ErrCodeNonRetryable
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return ErrCodeNonRetryable
	}
	return ErrCodeActivity
}
