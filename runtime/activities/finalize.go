package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/shipsec/shipsec/runtime/fault"
)

// ActivityFinalizeRun is the registration name of the run finalizer.
const ActivityFinalizeRun = "FinalizeRun"

// finalizeTimeout bounds the gateway round trip.
const finalizeTimeout = 10 * time.Second

type (
	// RunFinalizer releases run-scoped gateway state when a workflow run
	// completes: tool registrations and live terminal sessions. Workflows
	// schedule it as their last activity so registrations never outlive
	// the run that made them.
	RunFinalizer struct {
		endpoint string
		token    string
		client   *http.Client
	}

	// RunFinalizerOptions configures a RunFinalizer.
	RunFinalizerOptions struct {
		// GatewayURL is the gateway's internal base URL.
		GatewayURL string
		// InternalToken authenticates the internal endpoint.
		InternalToken string
		// HTTPClient overrides the default client, primarily for tests.
		HTTPClient *http.Client
	}
)

// NewRunFinalizer constructs the finalizer.
func NewRunFinalizer(opts RunFinalizerOptions) (*RunFinalizer, error) {
	if opts.GatewayURL == "" {
		return nil, fault.New(fault.KindConfiguration, "run finalizer requires a gateway url")
	}
	if opts.InternalToken == "" {
		return nil, fault.New(fault.KindConfiguration, "run finalizer requires an internal token")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: finalizeTimeout}
	}
	return &RunFinalizer{
		endpoint: opts.GatewayURL + "/internal/mcp/end-run",
		token:    opts.InternalToken,
		client:   httpClient,
	}, nil
}

// Finalize tells the gateway the run terminated. Transient gateway failures
// return as Service faults so the declared retry policy re-attempts them;
// the call itself is idempotent.
func (f *RunFinalizer) Finalize(ctx context.Context, runID string) error {
	if runID == "" {
		return fault.ToTemporal(fault.New(fault.KindValidation, "runId is required"))
	}
	body, err := json.Marshal(map[string]string{"runId": runID})
	if err != nil {
		return fault.ToTemporal(fault.Wrap(fault.KindService, "encode end-run request", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fault.ToTemporal(fault.Wrap(fault.KindService, "build end-run request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", f.token)
	resp, err := f.client.Do(req)
	if err != nil {
		return fault.ToTemporal(fault.Wrap(fault.KindService, "call gateway end-run", err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.ToTemporal(fault.Newf(fault.KindService,
			"gateway end-run returned %d: %s", resp.StatusCode, string(msg)))
	}
	return nil
}
