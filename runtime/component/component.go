package component

import (
	"regexp"
	"time"

	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/runner"
)

// idPattern enforces the fully-qualified component id shape
// <namespace>.<family>.<verb>.
var idPattern = regexp.MustCompile(`^[a-z0-9-]+\.[a-z0-9-]+\.[a-z0-9-]+$`)

type (
	// Definition is the immutable descriptor for one component. Definitions
	// load into the registry at process start and are never mutated after.
	Definition struct {
		// ID is the fully-qualified component id (<namespace>.<family>.<verb>).
		ID string
		// Label is the human-readable name shown in the editor.
		Label string
		// Category tags the component for catalog grouping.
		Category string

		Inputs     []Port
		Outputs    []Port
		Parameters []Port

		// Runner declares how the component executes.
		Runner runner.Spec
		// Execute is the in-process implementation for inline components and
		// the post-processing hook for container components that interpret
		// partial output.
		Execute execution.ExecuteFunc

		// Retry overrides the default retry policy when non-nil.
		Retry *RetryPolicy
		// Tool declares how the component appears as an MCP tool, when it
		// does.
		Tool *ToolProvider
	}

	// RetryPolicy mirrors the orchestrator's retry controls. Kinds listed in
	// NonRetryable never re-attempt regardless of MaxAttempts.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
		MaximumInterval    time.Duration
		NonRetryable       []fault.Kind
	}

	// ToolProvider declares the MCP tool surface of a component. When a node
	// backed by this component executes, the gateway registers the tool for
	// the run so connected agents may call it.
	ToolProvider struct {
		// Name is the tool name exposed to agents. Defaults to the component
		// id with dots replaced by underscores.
		Name string
		// Description is shown to agents in tools/list.
		Description string
		// InputSchema is the JSON-Schema for tool arguments. Defaults to the
		// component's input contract schema.
		InputSchema map[string]any
	}
)

// DefaultRetryPolicy is applied when a component declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        2,
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		NonRetryable:       []fault.Kind{fault.KindValidation, fault.KindContainer, fault.KindConfiguration},
	}
}

// EffectiveRetry returns the component's retry policy or the default.
func (d *Definition) EffectiveRetry() RetryPolicy {
	if d.Retry != nil {
		return *d.Retry
	}
	return DefaultRetryPolicy()
}

// Validate checks the definition's structural invariants.
func (d *Definition) Validate() error {
	if !idPattern.MatchString(d.ID) {
		return fault.Newf(fault.KindValidation, "component id %q must match <namespace>.<family>.<verb>", d.ID)
	}
	if d.Runner.Kind == "" {
		return fault.Newf(fault.KindValidation, "component %s declares no runner", d.ID)
	}
	if d.Runner.Kind == runner.KindInline && d.Execute == nil {
		return fault.Newf(fault.KindValidation, "inline component %s has no execute function", d.ID)
	}
	if d.Runner.Kind == runner.KindContainer && (d.Runner.Container == nil || d.Runner.Container.Image == "") {
		return fault.Newf(fault.KindValidation, "container component %s declares no image", d.ID)
	}
	seen := map[string]bool{}
	for _, ports := range [][]Port{d.Inputs, d.Outputs, d.Parameters} {
		for _, p := range ports {
			if p.Name == "" {
				return fault.Newf(fault.KindValidation, "component %s has an unnamed port", d.ID)
			}
		}
	}
	for _, p := range d.Inputs {
		if seen[p.Name] {
			return fault.Newf(fault.KindValidation, "component %s declares duplicate input %q", d.ID, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// CredentialInputs returns the input ports that bind as credentials.
func (d *Definition) CredentialInputs() []Port {
	var out []Port
	for _, p := range d.Inputs {
		if p.Binding() == BindingCredential {
			out = append(out, p)
		}
	}
	return out
}

// ToolName returns the MCP tool name for tool-provider components.
func (d *Definition) ToolName() string {
	if d.Tool == nil {
		return ""
	}
	if d.Tool.Name != "" {
		return d.Tool.Name
	}
	name := make([]byte, 0, len(d.ID))
	for i := 0; i < len(d.ID); i++ {
		if d.ID[i] == '.' {
			name = append(name, '_')
			continue
		}
		name = append(name, d.ID[i])
	}
	return string(name)
}
