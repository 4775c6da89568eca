// Package runner routes component executions to the mechanism declared by
// the component: in-process, sandboxed container, or remote. The runner spec
// is a tagged variant dispatched by a single function; there is no class
// hierarchy to extend.
package runner

import (
	"context"

	"github.com/shipsec/shipsec/runtime/execution"
)

// Kind tags the runner variant.
type Kind string

const (
	KindInline    Kind = "inline"
	KindContainer Kind = "container"
	KindRemote    Kind = "remote"
)

// NetworkMode selects the container network.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
	NetworkHost   NetworkMode = "host"
)

type (
	// Spec is the tagged runner variant carried by a component definition.
	// Exactly one of Container or Remote is set for the matching kind;
	// Inline carries no configuration.
	Spec struct {
		Kind      Kind           `json:"kind"`
		Container *ContainerSpec `json:"container,omitempty"`
		Remote    *RemoteSpec    `json:"remote,omitempty"`
	}

	// ContainerSpec configures a sandboxed container execution.
	ContainerSpec struct {
		Image      string            `json:"image"`
		Entrypoint []string          `json:"entrypoint,omitempty"`
		Command    []string          `json:"command,omitempty"`
		Env        map[string]string `json:"env,omitempty"`
		Network    NetworkMode       `json:"network,omitempty"`
		Platform   string            `json:"platform,omitempty"`
		Volumes    []VolumeMount     `json:"volumes,omitempty"`
		// TimeoutSeconds is the hard wall-clock limit; the container tree is
		// killed when breached.
		TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
		// StdinJSON serializes the resolved inputs to stdin when true
		// (default). Ignored in PTY mode where stdin must stay clean.
		StdinJSON *bool `json:"stdinJson,omitempty"`
		// PTY allocates a pseudo-terminal instead of piped stdio.
		PTY bool `json:"pty,omitempty"`
	}

	// VolumeMount mounts a host path or named volume into the container.
	VolumeMount struct {
		Source   string `json:"source"`
		Target   string `json:"target"`
		ReadOnly bool   `json:"readOnly"`
	}

	// RemoteSpec names an external runner endpoint. Reserved: execution
	// currently falls through to inline with a warning.
	RemoteSpec struct {
		Endpoint string `json:"endpoint"`
	}
)

// Inline constructs an inline spec.
func Inline() Spec { return Spec{Kind: KindInline} }

// Container constructs a container spec.
func Container(spec ContainerSpec) Spec {
	return Spec{Kind: KindContainer, Container: &spec}
}

// Remote constructs a remote spec.
func Remote(endpoint string) Spec {
	return Spec{Kind: KindRemote, Remote: &RemoteSpec{Endpoint: endpoint}}
}

// WantsStdinJSON reports whether inputs are serialized to the container's
// stdin. Defaults to true when unset.
func (c *ContainerSpec) WantsStdinJSON() bool {
	if c.StdinJSON == nil {
		return true
	}
	return *c.StdinJSON
}

// ContainerExecutor runs one container to completion and returns the
// structured result read from the output file. Implemented by runtime/docker.
type ContainerExecutor interface {
	Execute(ctx context.Context, spec *ContainerSpec, inputs map[string]any, ectx *execution.Context) (map[string]any, error)
}
