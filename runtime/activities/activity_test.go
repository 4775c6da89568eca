package activities

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/shipsec/shipsec/runtime/component"
	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/runner"
)

type fakeTelemetry struct {
	mu       sync.Mutex
	nodeIO   []execution.NodeIO
	progress []execution.Progress
}

func (f *fakeTelemetry) Collectors(string, string) execution.Collectors {
	return execution.Collectors{
		Progress: func(_ context.Context, p execution.Progress) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.progress = append(f.progress, p)
			return nil
		},
	}
}

func (f *fakeTelemetry) RecordNodeIO(_ context.Context, io execution.NodeIO) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeIO = append(f.nodeIO, io)
	return nil
}

func (f *fakeTelemetry) records() []execution.NodeIO {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.NodeIO(nil), f.nodeIO...)
}

type fakeSecrets struct {
	values map[string]string
}

func (f *fakeSecrets) Resolve(_ context.Context, _, name string) (string, error) {
	v, ok := f.values[name]
	if !ok {
		return "", fault.Newf(fault.KindNotFound, "unknown secret %q", name)
	}
	return v, nil
}

type fakeContainers struct {
	result map[string]any
	err    error
}

func (f *fakeContainers) Execute(context.Context, *runner.ContainerSpec, map[string]any, *execution.Context) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newActivityEnv(t *testing.T, a *NodeActivity) *testsuite.TestActivityEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivityWithOptions(a.Execute, activity.RegisterOptions{Name: ActivityExecuteNode})
	return env
}

func echoDefinition(t *testing.T, reg *component.Registry) *component.Definition {
	t.Helper()
	def := &component.Definition{
		ID:     "core.util.echo",
		Label:  "Echo",
		Inputs: []component.Port{{Name: "message", Type: component.Text(), Required: true}},
		Outputs: []component.Port{
			{Name: "message", Type: component.Text(), Required: true},
		},
		Parameters: []component.Port{
			{Name: "prefix", Type: component.Text(), Default: "> "},
		},
		Runner: runner.Inline(),
		Execute: func(ctx context.Context, params map[string]any, ectx *execution.Context) (map[string]any, error) {
			ectx.EmitProgress(ctx, "echoing", "info")
			prefix, _ := params["prefix"].(string)
			msg, _ := params["message"].(string)
			return map[string]any{"message": prefix + msg}, nil
		},
	}
	require.NoError(t, reg.Register(def))
	return def
}

func TestExecuteInlineNode(t *testing.T) {
	reg := component.NewRegistry()
	echoDefinition(t, reg)
	reg.Freeze()

	telemetry := &fakeTelemetry{}
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry:   reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{}),
		Telemetry:  telemetry,
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	val, err := env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID:       "run-1",
		NodeRef:     "echo-1",
		ComponentID: "core.util.echo",
		Inputs:      map[string]any{"message": "hello"},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, val.Get(&out))
	require.Equal(t, "> hello", out["message"])

	records := telemetry.records()
	require.Len(t, records, 2)
	require.Nil(t, records[0].FinishedAt, "start row first")
	require.NotNil(t, records[1].FinishedAt)
	require.Empty(t, records[1].Error)
	require.Equal(t, "> hello", records[1].Outputs["message"])
	require.Equal(t, []execution.Progress{{Message: "echoing", Level: "info"}}, telemetry.progress)
}

func TestExecuteUnknownComponent(t *testing.T) {
	reg := component.NewRegistry()
	reg.Freeze()
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry:   reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{}),
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	_, err = env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID: "run-1", NodeRef: "x", ComponentID: "no.such.component",
	})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(fault.KindNotFound), appErr.Type())
	require.True(t, appErr.NonRetryable())
}

func TestExecuteInvalidInputs(t *testing.T) {
	reg := component.NewRegistry()
	echoDefinition(t, reg)
	reg.Freeze()
	telemetry := &fakeTelemetry{}
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry:   reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{}),
		Telemetry:  telemetry,
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	_, err = env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID: "run-1", NodeRef: "echo-1", ComponentID: "core.util.echo",
		Inputs: map[string]any{},
	})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(fault.KindValidation), appErr.Type())
	require.Empty(t, telemetry.records(), "no node io rows before validation passes")
}

func TestExecuteResolvesCredentialInputs(t *testing.T) {
	reg := component.NewRegistry()
	var gotKey string
	require.NoError(t, reg.Register(&component.Definition{
		ID:    "shodan.search.hosts",
		Label: "Shodan host search",
		Inputs: []component.Port{
			{Name: "query", Type: component.Text(), Required: true},
			{Name: "apiKey", Type: component.Secret(), Required: true},
		},
		Outputs: []component.Port{{Name: "count", Type: component.Number()}},
		Runner:  runner.Inline(),
		Execute: func(_ context.Context, params map[string]any, _ *execution.Context) (map[string]any, error) {
			gotKey, _ = params["apiKey"].(string)
			return map[string]any{"count": 1}, nil
		},
	}))
	reg.Freeze()

	telemetry := &fakeTelemetry{}
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry:   reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{}),
		Secrets:    &fakeSecrets{values: map[string]string{"shodan-key": "plaintext-key"}},
		Telemetry:  telemetry,
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	_, err = env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID: "run-1", NodeRef: "shodan-1", OrganizationID: "org-1",
		ComponentID: "shodan.search.hosts",
		Inputs:      map[string]any{"query": "port:443", "apiKey": "shodan-key"},
	})
	require.NoError(t, err)
	require.Equal(t, "plaintext-key", gotKey)

	// Node IO records carry the secret's name, never the plaintext.
	for _, rec := range telemetry.records() {
		require.Equal(t, "shodan-key", rec.Inputs["apiKey"])
	}
}

func TestExecuteMissingSecret(t *testing.T) {
	reg := component.NewRegistry()
	require.NoError(t, reg.Register(&component.Definition{
		ID:     "shodan.search.hosts",
		Inputs: []component.Port{{Name: "apiKey", Type: component.Secret(), Required: true}},
		Runner: runner.Inline(),
		Execute: func(context.Context, map[string]any, *execution.Context) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}))
	reg.Freeze()
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry:   reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{}),
		Secrets:    &fakeSecrets{values: map[string]string{}},
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	_, err = env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID: "run-1", NodeRef: "n", ComponentID: "shodan.search.hosts",
		Inputs: map[string]any{"apiKey": "missing"},
	})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(fault.KindNotFound), appErr.Type())
}

func TestExecuteContainerSoftErrorRecovery(t *testing.T) {
	containerErr := fault.New(fault.KindContainer, "container exited with code 1").
		WithDetail("exitCode", int64(1)).
		WithDetail("stdout", `{"subdomains":["a.example.com","b.example.com"],"count":2}`)

	reg := component.NewRegistry()
	require.NoError(t, reg.Register(&component.Definition{
		ID:     "recon.subdomains.enumerate",
		Inputs: []component.Port{{Name: "domain", Type: component.Text(), Required: true}},
		Outputs: []component.Port{
			{Name: "subdomains", Type: component.List(component.Text())},
			{Name: "count", Type: component.Number()},
		},
		Runner: runner.Container(runner.ContainerSpec{Image: "shipsec/subfinder:latest"}),
		Execute: func(_ context.Context, _ map[string]any, ectx *execution.Context) (map[string]any, error) {
			details, _ := ectx.Metadata[MetadataContainerFailure].(map[string]any)
			stdout, _ := details["stdout"].(string)
			if stdout == "" {
				return nil, errors.New("no stdout to parse")
			}
			return map[string]any{
				"subdomains": []any{"a.example.com", "b.example.com"},
				"count":      2,
			}, nil
		},
	}))
	reg.Freeze()

	telemetry := &fakeTelemetry{}
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry: reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{
			Containers: &fakeContainers{err: containerErr},
		}),
		Telemetry: telemetry,
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	val, err := env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID: "run-1", NodeRef: "subfinder-1", ComponentID: "recon.subdomains.enumerate",
		Inputs: map[string]any{"domain": "example.com"},
	})
	require.NoError(t, err, "usable stdout turns the failure into a success")

	var out map[string]any
	require.NoError(t, val.Get(&out))
	require.EqualValues(t, 2, out["count"])

	records := telemetry.records()
	require.Len(t, records, 2)
	require.Empty(t, records[1].Error)
}

func TestExecuteContainerHardError(t *testing.T) {
	containerErr := fault.New(fault.KindContainer, "container exited with code 2").
		WithDetail("exitCode", int64(2)).
		WithDetail("stderr", "segfault")

	reg := component.NewRegistry()
	require.NoError(t, reg.Register(&component.Definition{
		ID:     "recon.subdomains.enumerate",
		Inputs: []component.Port{{Name: "domain", Type: component.Text(), Required: true}},
		Runner: runner.Container(runner.ContainerSpec{Image: "shipsec/subfinder:latest"}),
		Execute: func(context.Context, map[string]any, *execution.Context) (map[string]any, error) {
			return nil, errors.New("nothing to salvage")
		},
	}))
	reg.Freeze()

	telemetry := &fakeTelemetry{}
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry: reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{
			Containers: &fakeContainers{err: containerErr},
		}),
		Telemetry: telemetry,
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	_, err = env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID: "run-1", NodeRef: "subfinder-1", ComponentID: "recon.subdomains.enumerate",
		Inputs: map[string]any{"domain": "example.com"},
	})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(fault.KindContainer), appErr.Type())

	records := telemetry.records()
	require.Len(t, records, 2)
	require.Contains(t, records[1].Error, "exited with code 2")
}

func TestExecuteOutputContractViolation(t *testing.T) {
	reg := component.NewRegistry()
	require.NoError(t, reg.Register(&component.Definition{
		ID:      "core.util.echo",
		Outputs: []component.Port{{Name: "message", Type: component.Text(), Required: true}},
		Runner:  runner.Inline(),
		Execute: func(context.Context, map[string]any, *execution.Context) (map[string]any, error) {
			return map[string]any{"message": 42}, nil
		},
	}))
	reg.Freeze()
	a, err := NewNodeActivity(NodeActivityOptions{
		Registry:   reg,
		Dispatcher: runner.NewDispatcher(runner.DispatcherOptions{}),
	})
	require.NoError(t, err)

	env := newActivityEnv(t, a)
	_, err = env.ExecuteActivity(ActivityExecuteNode, NodeRequest{
		RunID: "run-1", NodeRef: "echo-1", ComponentID: "core.util.echo",
	})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(fault.KindValidation), appErr.Type())
}

func TestRetryPolicyMapping(t *testing.T) {
	t.Parallel()
	def := &component.Definition{ID: "core.util.echo", Runner: runner.Inline()}
	policy := RetryPolicyFor(def)
	require.EqualValues(t, 2, policy.MaximumAttempts)
	require.Equal(t, 2.0, policy.BackoffCoefficient)
	require.Contains(t, policy.NonRetryableErrorTypes, string(fault.KindValidation))
	require.Contains(t, policy.NonRetryableErrorTypes, string(fault.KindContainer))
	require.Contains(t, policy.NonRetryableErrorTypes, string(fault.KindConfiguration))

	def.Retry = &component.RetryPolicy{MaxAttempts: 3}
	policy = RetryPolicyFor(def)
	require.EqualValues(t, 3, policy.MaximumAttempts)
	require.Empty(t, policy.NonRetryableErrorTypes)
}
