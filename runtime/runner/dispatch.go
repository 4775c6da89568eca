package runner

import (
	"context"

	"goa.design/clue/log"

	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
)

type (
	// Dispatcher routes a component execution to the runner its spec
	// declares. It is constructed once per worker and shared across
	// activities.
	Dispatcher struct {
		containers ContainerExecutor
		// refuseRemote rejects Remote specs instead of falling through to
		// inline. Set in production deployments.
		refuseRemote bool
	}

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		// Containers executes container specs. Required unless no container
		// component is registered.
		Containers ContainerExecutor
		// RefuseRemote turns the Remote fall-through into a Configuration
		// fault. Production policy.
		RefuseRemote bool
	}
)

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		containers:   opts.Containers,
		refuseRemote: opts.RefuseRemote,
	}
}

// Dispatch executes the component according to spec. Inline specs call exec
// directly; container specs delegate to the container executor; remote specs
// fall through to inline with a warning progress note until the remote
// runner ships.
func (d *Dispatcher) Dispatch(ctx context.Context, spec Spec, exec execution.ExecuteFunc, params map[string]any, ectx *execution.Context) (map[string]any, error) {
	switch spec.Kind {
	case KindInline:
		return d.runInline(ctx, exec, params, ectx)
	case KindContainer:
		if spec.Container == nil {
			return nil, fault.New(fault.KindConfiguration, "container runner spec missing container configuration")
		}
		if d.containers == nil {
			return nil, fault.New(fault.KindConfiguration, "no container executor configured")
		}
		return d.containers.Execute(ctx, spec.Container, params, ectx)
	case KindRemote:
		if d.refuseRemote {
			return nil, fault.New(fault.KindConfiguration, "remote runner is not available in this deployment")
		}
		log.Warn(ctx, log.KV{K: "msg", V: "remote runner reserved, executing inline"},
			log.KV{K: "run_id", V: ectx.RunID},
			log.KV{K: "node_ref", V: ectx.ComponentRef})
		ectx.EmitProgress(ctx, "Remote runner is reserved; executing inline", "warning")
		return d.runInline(ctx, exec, params, ectx)
	default:
		return nil, fault.Newf(fault.KindConfiguration, "unsupported runner kind %q", spec.Kind)
	}
}

func (d *Dispatcher) runInline(ctx context.Context, exec execution.ExecuteFunc, params map[string]any, ectx *execution.Context) (map[string]any, error) {
	if exec == nil {
		return nil, fault.New(fault.KindConfiguration, "inline runner requires an execute function")
	}
	out, err := exec(ctx, params, ectx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
