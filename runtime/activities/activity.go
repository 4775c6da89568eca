// Package activities hosts the Temporal activity that executes one workflow
// node: component lookup, contract validation, secret resolution, dispatch
// through the runner, and telemetry recording. All side effects live here;
// workflow code stays deterministic.
package activities

import (
	"context"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/shipsec/shipsec/runtime/component"
	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/runner"
)

const (
	// ActivityExecuteNode is the registration name of the node activity.
	ActivityExecuteNode = "ExecuteNode"

	// HeartbeatInterval paces activity heartbeats during long executions.
	HeartbeatInterval = 10 * time.Second

	// MetadataContainerFailure carries a failed container's fault details
	// into the component's recovery hook.
	MetadataContainerFailure = "containerFailure"
)

type (
	// Telemetry is the recording surface the activity emits through. Implemented
	// by the pulse collector sink.
	Telemetry interface {
		Collectors(runID, nodeRef string) execution.Collectors
		RecordNodeIO(ctx context.Context, io execution.NodeIO) error
	}

	// NodeRequest is the activity input, assembled by the workflow from the
	// graph node.
	NodeRequest struct {
		RunID          string         `json:"runId"`
		NodeRef        string         `json:"nodeRef"`
		OrganizationID string         `json:"organizationId"`
		ComponentID    string         `json:"componentId"`
		Inputs         map[string]any `json:"inputs,omitempty"`
		Parameters     map[string]any `json:"parameters,omitempty"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}

	// NodeActivity executes workflow nodes.
	NodeActivity struct {
		registry   *component.Registry
		dispatcher *runner.Dispatcher
		secrets    SecretStore
		telemetry  Telemetry
		now        func() time.Time
	}

	// NodeActivityOptions configures a NodeActivity.
	NodeActivityOptions struct {
		Registry   *component.Registry
		Dispatcher *runner.Dispatcher
		// Secrets resolves credential inputs. May be nil when no registered
		// component declares credential ports.
		Secrets SecretStore
		// Telemetry records node IO and routes collectors. May be nil in
		// tests; emissions become no-ops.
		Telemetry Telemetry
	}
)

// NewNodeActivity constructs the activity.
func NewNodeActivity(opts NodeActivityOptions) (*NodeActivity, error) {
	if opts.Registry == nil {
		return nil, fault.New(fault.KindConfiguration, "node activity requires a component registry")
	}
	if opts.Dispatcher == nil {
		return nil, fault.New(fault.KindConfiguration, "node activity requires a runner dispatcher")
	}
	return &NodeActivity{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		secrets:    opts.Secrets,
		telemetry:  opts.Telemetry,
		now:        time.Now,
	}, nil
}

// Validate checks the request shape before any side effect.
func (r NodeRequest) Validate() error {
	switch {
	case r.RunID == "":
		return fault.New(fault.KindValidation, "runId is required")
	case r.NodeRef == "":
		return fault.New(fault.KindValidation, "nodeRef is required")
	case r.ComponentID == "":
		return fault.New(fault.KindValidation, "componentId is required")
	}
	return nil
}

// Execute runs one node to completion. Errors return as Temporal application
// errors typed by fault kind; terminal kinds are marked non-retryable so the
// declared retry policy only re-attempts transient failures.
func (a *NodeActivity) Execute(ctx context.Context, req NodeRequest) (map[string]any, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.ToTemporal(err)
	}

	def, err := a.registry.Lookup(req.ComponentID)
	if err != nil {
		return nil, fault.ToTemporal(err)
	}
	params, err := a.registry.ValidateParameters(def.ID, req.Parameters)
	if err != nil {
		return nil, fault.ToTemporal(err)
	}
	if err := a.registry.ValidateInputs(def.ID, req.Inputs); err != nil {
		return nil, fault.ToTemporal(err)
	}
	merged, err := a.resolveInputs(ctx, def, req, params)
	if err != nil {
		return nil, fault.ToTemporal(err)
	}

	ectx := execution.NewContext(execution.Options{
		RunID:          req.RunID,
		ComponentRef:   req.NodeRef,
		OrganizationID: req.OrganizationID,
		Collectors:     a.collectors(req),
		Metadata:       req.Metadata,
	})

	stopHeartbeat := a.heartbeat(ctx, req.NodeRef)
	defer stopHeartbeat()

	startedAt := a.now().UTC()
	a.recordNodeIO(ctx, execution.NodeIO{
		RunID:     req.RunID,
		NodeRef:   req.NodeRef,
		StartedAt: startedAt,
		Inputs:    req.Inputs,
	})

	out, execErr := a.dispatcher.Dispatch(ctx, def.Runner, def.Execute, merged, ectx)
	if execErr != nil {
		out, execErr = a.recoverContainerFailure(ctx, def, merged, ectx, execErr)
	}
	if execErr == nil {
		if err := a.registry.ValidateOutputs(def.ID, out); err != nil {
			execErr = err
		}
	}

	finishedAt := a.now().UTC()
	completion := execution.NodeIO{
		RunID:      req.RunID,
		NodeRef:    req.NodeRef,
		StartedAt:  startedAt,
		FinishedAt: &finishedAt,
		Inputs:     req.Inputs,
	}
	if execErr != nil {
		completion.Error = fault.FromError(execErr).Error()
	} else {
		completion.Outputs = out
	}
	a.recordNodeIO(ctx, completion)

	if execErr != nil {
		return nil, fault.ToTemporal(fault.FromError(execErr).WithComponent(def.ID))
	}
	return out, nil
}

// resolveInputs merges validated parameters and inputs into the execution
// record, replacing credential input values (secret names) with the decrypted
// plaintext. Wired inputs win over parameters on name collision.
func (a *NodeActivity) resolveInputs(ctx context.Context, def *component.Definition, req NodeRequest, params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(params)+len(req.Inputs))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range req.Inputs {
		merged[k] = v
	}
	for _, port := range def.CredentialInputs() {
		raw, ok := merged[port.Name]
		if !ok {
			continue
		}
		name, ok := raw.(string)
		if !ok {
			return nil, fault.Newf(fault.KindValidation, "credential input %q must name a secret", port.Name)
		}
		if a.secrets == nil {
			return nil, fault.New(fault.KindConfiguration, "no secret store configured")
		}
		plaintext, err := a.secrets.Resolve(ctx, req.OrganizationID, name)
		if err != nil {
			return nil, err
		}
		merged[port.Name] = plaintext
	}
	return merged, nil
}

// recoverContainerFailure gives container components with a post-processing
// hook one chance to salvage a soft failure: the container exited non-zero
// but its captured stdout may carry usable results. The hook sees the fault
// details (exit code, stdout, stderr tail) through execution metadata.
func (a *NodeActivity) recoverContainerFailure(ctx context.Context, def *component.Definition, params map[string]any, ectx *execution.Context, execErr error) (map[string]any, error) {
	if def.Runner.Kind != runner.KindContainer || def.Execute == nil {
		return nil, execErr
	}
	fe := fault.FromError(execErr)
	if fe.Kind != fault.KindContainer {
		return nil, execErr
	}
	ectx.Metadata[MetadataContainerFailure] = fe.Details
	out, err := def.Execute(ctx, params, ectx)
	if err != nil {
		// The hook could not salvage it; the original fault stands.
		return nil, execErr
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (a *NodeActivity) collectors(req NodeRequest) execution.Collectors {
	if a.telemetry == nil {
		return execution.Collectors{}
	}
	return a.telemetry.Collectors(req.RunID, req.NodeRef)
}

// recordNodeIO publishes the record detached from the caller's cancellation;
// a cancelled node still gets its completion row.
func (a *NodeActivity) recordNodeIO(ctx context.Context, io execution.NodeIO) {
	if a.telemetry == nil {
		return
	}
	_ = a.telemetry.RecordNodeIO(context.WithoutCancel(ctx), io)
}

// heartbeat reports liveness until the returned stop function runs.
func (a *NodeActivity) heartbeat(ctx context.Context, nodeRef string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, nodeRef)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// RetryPolicyFor maps a component's retry policy onto the orchestrator's.
// Workflows pass the result in the activity options for the node.
func RetryPolicyFor(def *component.Definition) *temporal.RetryPolicy {
	p := def.EffectiveRetry()
	nonRetryable := make([]string, len(p.NonRetryable))
	for i, kind := range p.NonRetryable {
		nonRetryable[i] = string(kind)
	}
	return &temporal.RetryPolicy{
		InitialInterval:        p.InitialInterval,
		BackoffCoefficient:     p.BackoffCoefficient,
		MaximumInterval:        p.MaximumInterval,
		MaximumAttempts:        int32(p.MaxAttempts),
		NonRetryableErrorTypes: nonRetryable,
	}
}
