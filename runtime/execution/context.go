// Package execution defines the per-activity execution context handed to
// components. A context is created at activity entry, destroyed at activity
// exit, and never shared across activities.
package execution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shipsec/shipsec/runtime/terminal"
)

// MetadataConnectedToolNodes is the metadata key carrying the node ids an AI
// agent may call through the MCP gateway.
const MetadataConnectedToolNodes = "connectedToolNodeIds"

type (
	// ExecuteFunc is the signature every component implementation exposes to
	// the runner dispatcher.
	ExecuteFunc func(ctx context.Context, params map[string]any, ectx *Context) (map[string]any, error)

	// Progress is an operator-visible progress event emitted mid-execution.
	Progress struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	}

	// LogEntry is one structured log record routed to the log collector.
	LogEntry struct {
		RunID     string         `json:"runId"`
		NodeRef   string         `json:"nodeRef"`
		Level     string         `json:"level"`
		Message   string         `json:"message"`
		Fields    map[string]any `json:"fields,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// NodeIO records the inputs and outputs (or error) of one node
	// execution. Start is written before invocation; completion patches the
	// same record.
	NodeIO struct {
		RunID      string         `json:"runId"`
		NodeRef    string         `json:"nodeRef"`
		StartedAt  time.Time      `json:"startedAt"`
		FinishedAt *time.Time     `json:"finishedAt,omitempty"`
		Inputs     map[string]any `json:"inputs,omitempty"`
		Outputs    map[string]any `json:"outputs,omitempty"`
		Error      string         `json:"error,omitempty"`
	}

	// Collectors routes telemetry produced during one activity. Any field
	// may be nil, in which case the corresponding emission is a no-op.
	Collectors struct {
		Progress func(ctx context.Context, p Progress) error
		Log      func(ctx context.Context, e LogEntry) error
		Terminal terminal.Sink
	}

	// Context is the per-activity record carrying identity, collectors and
	// metadata into a component execution.
	Context struct {
		RunID string
		// ComponentRef is the node id within the run.
		ComponentRef string
		// OrganizationID is the owning tenant.
		OrganizationID string

		collectors Collectors
		httpClient *http.Client
		// Metadata carries per-node extras such as connectedToolNodeIds or
		// agent overrides.
		Metadata map[string]any
	}

	// Options configures a new Context.
	Options struct {
		RunID          string
		ComponentRef   string
		OrganizationID string
		Collectors     Collectors
		HTTPClient     *http.Client
		Metadata       map[string]any
	}
)

// NewContext assembles an execution context for one activity invocation.
func NewContext(opts Options) *Context {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	md := opts.Metadata
	if md == nil {
		md = make(map[string]any)
	}
	return &Context{
		RunID:          opts.RunID,
		ComponentRef:   opts.ComponentRef,
		OrganizationID: opts.OrganizationID,
		collectors:     opts.Collectors,
		httpClient:     httpClient,
		Metadata:       md,
	}
}

// EmitProgress reports a progress event. Collector failures are swallowed;
// progress must never fail a component.
func (c *Context) EmitProgress(ctx context.Context, message, level string) {
	if c.collectors.Progress == nil {
		return
	}
	_ = c.collectors.Progress(ctx, Progress{Message: message, Level: level})
}

// Log routes a structured log entry to the log collector. A nil collector
// makes this a no-op.
func (c *Context) Log(ctx context.Context, level, message string, fields map[string]any) {
	if c.collectors.Log == nil {
		return
	}
	_ = c.collectors.Log(ctx, LogEntry{
		RunID:     c.RunID,
		NodeRef:   c.ComponentRef,
		Level:     level,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
}

// TerminalEmitter returns a chunk emitter for the given stream, or nil when
// the context carries no terminal collector (a nil emitter is a no-op).
func (c *Context) TerminalEmitter(stream terminal.StreamKind, origin, runnerKind string) *terminal.Emitter {
	return terminal.NewEmitter(terminal.Session{
		RunID:   c.RunID,
		NodeRef: c.ComponentRef,
		Stream:  stream,
	}, c.collectors.Terminal, terminal.EmitterOptions{Origin: origin, RunnerKind: runnerKind})
}

// HasTerminalCollector reports whether terminal chunks have somewhere to go.
func (c *Context) HasTerminalCollector() bool {
	return c.collectors.Terminal != nil
}

// Fetch performs an HTTP request with the context's shared client and
// returns the response body. Callers own interpretation of the bytes; status
// codes >= 400 surface as errors.
func (c *Context) Fetch(ctx context.Context, method, url string, body io.Reader, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return data, &HTTPError{Status: resp.StatusCode, Body: data}
	}
	return data, nil
}

// ConnectedToolNodeIDs returns the agent's allowed tool node ids from
// metadata, or nil when the node is not an agent.
func (c *Context) ConnectedToolNodeIDs() []string {
	raw, ok := c.Metadata[MetadataConnectedToolNodes]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HTTPError reports a non-2xx response from the fetch helper.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, http.StatusText(e.Status))
}
