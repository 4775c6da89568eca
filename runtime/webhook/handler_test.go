package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeStarter struct {
	mu     sync.Mutex
	ids    []string
	events []Event
	err    error
}

func (f *fakeStarter) StartWorkflow(_ context.Context, workflowID string, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, workflowID)
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStarter) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func newWebhookServer(t *testing.T, opts HandlerOptions) (*httptest.Server, *fakeStarter) {
	t.Helper()
	starter := &fakeStarter{}
	if opts.Starter == nil {
		opts.Starter = starter
	}
	h, err := NewHandler(opts)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, starter
}

func deliver(t *testing.T, srv *httptest.Server, workflow, deliveryID, secret string, payload []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/github/"+workflow, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(EventHeader, "pull_request")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, secret))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

const prPayload = `{
	"action": "opened",
	"repository": {"full_name": "shipsec/demo"},
	"pull_request": {"number": 7, "head": {"sha": "abc123def"}}
}`

func TestDeliveryDispatchesWorkflow(t *testing.T) {
	t.Parallel()
	srv, starter := newWebhookServer(t, HandlerOptions{Secret: "hook-secret"})
	resp := deliver(t, srv, "demo", "D1", "hook-secret", []byte(prPayload))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ids := starter.started()
	require.Len(t, ids, 1)
	require.Equal(t, "github-demo-D1:abc123def", ids[0])
	event := starter.events[0]
	require.Equal(t, "shipsec/demo", event.Repository)
	require.Equal(t, 7, event.PRNumber)
	require.Equal(t, "opened", event.Action)
}

func TestDuplicateDeliveryStartsOneWorkflow(t *testing.T) {
	t.Parallel()
	srv, starter := newWebhookServer(t, HandlerOptions{Secret: "hook-secret"})
	first := deliver(t, srv, "demo", "D1", "hook-secret", []byte(prPayload))
	second := deliver(t, srv, "demo", "D1", "hook-secret", []byte(prPayload))
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	require.Equal(t, http.StatusAccepted, second.StatusCode)
	require.Len(t, starter.started(), 1)
}

func TestDeliveryAckCarriesOK(t *testing.T) {
	t.Parallel()
	srv, _ := newWebhookServer(t, HandlerOptions{Secret: "hook-secret"})

	ack := func(deliveryID string) map[string]any {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/github/demo", bytes.NewReader([]byte(prPayload)))
		require.NoError(t, err)
		req.Header.Set(DeliveryHeader, deliveryID)
		req.Header.Set(EventHeader, "pull_request")
		req.Header.Set(SignatureHeader, Sign([]byte(prPayload), "hook-secret"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	first := ack("D1")
	require.Equal(t, true, first["ok"])
	require.Equal(t, "accepted", first["status"])

	dup := ack("D1")
	require.Equal(t, true, dup["ok"], "duplicate deliveries still acknowledge")
	require.Equal(t, "duplicate", dup["status"])
}

func TestBadSignatureRejected(t *testing.T) {
	t.Parallel()
	srv, starter := newWebhookServer(t, HandlerOptions{Secret: "hook-secret"})
	resp := deliver(t, srv, "demo", "D1", "wrong-secret", []byte(prPayload))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, starter.started())

	resp = deliver(t, srv, "demo", "D2", "", []byte(prPayload))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing signature")
}

func TestMissingSecretDevPassThrough(t *testing.T) {
	t.Parallel()
	srv, starter := newWebhookServer(t, HandlerOptions{})
	resp := deliver(t, srv, "demo", "D1", "", []byte(prPayload))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, starter.started(), 1)
}

func TestMissingSecretRefusedInProduction(t *testing.T) {
	t.Parallel()
	_, err := NewHandler(HandlerOptions{Production: true, Starter: &fakeStarter{}})
	require.Error(t, err)
}

func TestWorkflowIDCappedAt64(t *testing.T) {
	t.Parallel()
	srv, starter := newWebhookServer(t, HandlerOptions{Secret: "hook-secret"})
	longDelivery := strings.Repeat("d", 80)
	resp := deliver(t, srv, "demo", longDelivery, "hook-secret", []byte(prPayload))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ids := starter.started()
	require.Len(t, ids[0], 64)
	require.True(t, strings.HasPrefix(ids[0], "github-demo-"))
}

func TestPerRepoRateLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newWebhookServer(t, HandlerOptions{Secret: "hook-secret", RatePerRepo: rate.Limit(0.0001), RateBurst: 1})
	first := deliver(t, srv, "demo", "D1", "hook-secret", []byte(prPayload))
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	second := deliver(t, srv, "demo", "D2", "hook-secret", []byte(prPayload))
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestPushEventUsesAfterSHA(t *testing.T) {
	t.Parallel()
	srv, starter := newWebhookServer(t, HandlerOptions{Secret: "hook-secret"})
	payload := []byte(`{"after":"fff000","repository":{"full_name":"shipsec/demo"}}`)
	resp := deliver(t, srv, "demo", "D9", "hook-secret", payload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "D9:fff000", starter.events[0].DedupeKey)
}

func TestDedupeSetEvictsLRU(t *testing.T) {
	t.Parallel()
	d := newDedupeSet(3)
	for i := 0; i < 3; i++ {
		require.False(t, d.Seen(fmt.Sprintf("k%d", i)))
	}
	require.False(t, d.Seen("k3"), "capacity exceeded, k0 evicted")
	require.Equal(t, 3, d.len())
	require.False(t, d.Seen("k0"), "evicted keys read as unseen")
	require.True(t, d.Seen("k3"))
}

func TestSignatureRoundTripProperty(t *testing.T) {
	t.Parallel()
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("verify(payload, sign(payload,k), k) holds", prop.ForAll(
		func(payload []byte, secret string) bool {
			return Verify(payload, Sign(payload, secret), secret)
		},
		gen.SliceOf(gen.UInt8()),
		gen.AnyString(),
	))

	properties.Property("tampered payload fails verification", prop.ForAll(
		func(payload []byte, secret string) bool {
			sig := Sign(payload, secret)
			tampered := append(append([]byte(nil), payload...), 0x01)
			return !Verify(tampered, sig, secret)
		},
		gen.SliceOf(gen.UInt8()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
