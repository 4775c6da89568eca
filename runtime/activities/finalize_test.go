package activities

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shipsec/shipsec/runtime/fault"
)

func TestRunFinalizerEndsRunAtGateway(t *testing.T) {
	t.Parallel()
	var gotPath, gotToken, gotRunID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Internal-Token")
		var body struct {
			RunID string `json:"runId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRunID = body.RunID
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	f, err := NewRunFinalizer(RunFinalizerOptions{GatewayURL: srv.URL, InternalToken: "internal-secret"})
	require.NoError(t, err)
	require.NoError(t, f.Finalize(context.Background(), "run-1"))
	require.Equal(t, "/internal/mcp/end-run", gotPath)
	require.Equal(t, "internal-secret", gotToken)
	require.Equal(t, "run-1", gotRunID)
}

func TestRunFinalizerGatewayFailureIsRetryable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway draining", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f, err := NewRunFinalizer(RunFinalizerOptions{GatewayURL: srv.URL, InternalToken: "internal-secret"})
	require.NoError(t, err)
	err = f.Finalize(context.Background(), "run-1")
	require.Error(t, err)
	require.Equal(t, fault.KindService, fault.KindOf(err))
}

func TestRunFinalizerRequiresRunID(t *testing.T) {
	t.Parallel()
	f, err := NewRunFinalizer(RunFinalizerOptions{GatewayURL: "http://gateway", InternalToken: "internal-secret"})
	require.NoError(t, err)
	err = f.Finalize(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRunFinalizerOptionsValidated(t *testing.T) {
	t.Parallel()
	_, err := NewRunFinalizer(RunFinalizerOptions{InternalToken: "internal-secret"})
	require.Error(t, err)
	_, err = NewRunFinalizer(RunFinalizerOptions{GatewayURL: "http://gateway"})
	require.Error(t, err)
}
