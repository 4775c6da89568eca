package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ingest "github.com/shipsec/shipsec/features/ingest/pulse"
	storemongo "github.com/shipsec/shipsec/features/store/mongo"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/terminal"
)

type fakeAuditStore struct {
	lastQuery storemongo.AuditQuery
	page      storemongo.AuditPage
	err       error
}

func (f *fakeAuditStore) List(_ context.Context, q storemongo.AuditQuery) (storemongo.AuditPage, error) {
	f.lastQuery = q
	if f.err != nil {
		return storemongo.AuditPage{}, f.err
	}
	return f.page, nil
}

type fakeReplayer struct {
	chunks []terminal.Chunk
}

func (f *fakeReplayer) Replay(_ context.Context, session terminal.Session, fromIndex int) ([]terminal.Chunk, error) {
	var out []terminal.Chunk
	for _, c := range f.chunks {
		if c.RunID == session.RunID && c.NodeRef == session.NodeRef && c.Stream == session.Stream && c.ChunkIndex > fromIndex {
			out = append(out, c)
		}
	}
	return out, nil
}

func auditServer(t *testing.T, store *fakeAuditStore) *httptest.Server {
	t.Helper()
	api, err := NewAuditAPI(store)
	require.NoError(t, err)
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAuditListDefaultsLimit(t *testing.T) {
	t.Parallel()
	store := &fakeAuditStore{}
	srv := auditServer(t, store)

	resp, err := http.Get(srv.URL + "/audit-logs?organizationId=org-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, storemongo.AuditLimitDefault, store.lastQuery.Limit)
	require.Equal(t, "org-1", store.lastQuery.OrganizationID)
}

func TestAuditListRejectsMalformedLimit(t *testing.T) {
	t.Parallel()
	srv := auditServer(t, &fakeAuditStore{})

	resp, err := http.Get(srv.URL + "/audit-logs?limit=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// boundedStore mirrors the real store's limit enforcement so the endpoint's
// fault mapping is exercised.
type boundedStore struct{}

func (boundedStore) List(_ context.Context, q storemongo.AuditQuery) (storemongo.AuditPage, error) {
	if q.Limit < 1 || q.Limit > storemongo.AuditLimitMax {
		return storemongo.AuditPage{}, fault.Newf(fault.KindValidation, "limit must be between 1 and %d", storemongo.AuditLimitMax)
	}
	return storemongo.AuditPage{}, nil
}

func TestAuditListRejectsOutOfRangeLimit(t *testing.T) {
	t.Parallel()
	api, err := NewAuditAPI(boundedStore{})
	require.NoError(t, err)
	mux := http.NewServeMux()
	api.Routes(mux)

	for _, limit := range []string{"0", "201", "-5"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit-logs?limit="+limit, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestAuditListRejectsMalformedTimeRange(t *testing.T) {
	t.Parallel()
	srv := auditServer(t, &fakeAuditStore{})

	resp, err := http.Get(srv.URL + "/audit-logs?from=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditListFinalPageHasNullCursor(t *testing.T) {
	t.Parallel()
	store := &fakeAuditStore{page: storemongo.AuditPage{
		Items: []storemongo.AuditEntry{{ID: "audit-1", Action: "run.started"}},
	}}
	srv := auditServer(t, store)

	resp, err := http.Get(srv.URL + "/audit-logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.JSONEq(t, "null", string(body["nextCursor"]))
}

func TestAuditListIntermediatePageCarriesCursor(t *testing.T) {
	t.Parallel()
	store := &fakeAuditStore{page: storemongo.AuditPage{
		Items:      []storemongo.AuditEntry{{ID: "audit-1"}},
		NextCursor: "cursor-abc",
	}}
	srv := auditServer(t, store)

	resp, err := http.Get(srv.URL + "/audit-logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		NextCursor *string `json:"nextCursor"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.NextCursor)
	require.Equal(t, "cursor-abc", *body.NextCursor)
}

func TestTerminalReplayJSON(t *testing.T) {
	t.Parallel()
	replayer := &fakeReplayer{chunks: []terminal.Chunk{
		{RunID: "run-1", NodeRef: "nmap-1", Stream: terminal.StreamStdout, ChunkIndex: 1, Payload: "YQ=="},
		{RunID: "run-1", NodeRef: "nmap-1", Stream: terminal.StreamStdout, ChunkIndex: 2, Payload: "Yg=="},
	}}
	api, err := NewTerminalAPI(replayer, nil)
	require.NoError(t, err)
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/run-1/nodes/nmap-1/terminal/stdout?from=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Chunks []terminal.Chunk `json:"chunks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Chunks, 1)
	require.Equal(t, 2, body.Chunks[0].ChunkIndex)
}

func TestTerminalReplayTimeBounds(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	replayer := &fakeReplayer{chunks: []terminal.Chunk{
		{RunID: "run-1", NodeRef: "n", Stream: terminal.StreamStdout, ChunkIndex: 1, RecordedAt: base},
		{RunID: "run-1", NodeRef: "n", Stream: terminal.StreamStdout, ChunkIndex: 2, RecordedAt: base.Add(time.Minute)},
		{RunID: "run-1", NodeRef: "n", Stream: terminal.StreamStdout, ChunkIndex: 3, RecordedAt: base.Add(2 * time.Minute)},
	}}
	api, err := NewTerminalAPI(replayer, nil)
	require.NoError(t, err)
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/run-1/nodes/n/terminal/stdout" +
		"?startTime=" + base.Add(30*time.Second).Format(time.RFC3339) +
		"&endTime=" + base.Add(90*time.Second).Format(time.RFC3339))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Chunks []terminal.Chunk `json:"chunks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Chunks, 1)
	require.Equal(t, 2, body.Chunks[0].ChunkIndex)

	bad, err := http.Get(srv.URL + "/runs/run-1/nodes/n/terminal/stdout?startTime=noon")
	require.NoError(t, err)
	defer bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestTerminalRejectsUnknownStream(t *testing.T) {
	t.Parallel()
	api, err := NewTerminalAPI(&fakeReplayer{}, nil)
	require.NoError(t, err)
	mux := http.NewServeMux()
	api.Routes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/nodes/n/terminal/bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminalLiveAttachReplaysThenStreams(t *testing.T) {
	t.Parallel()
	hub := terminal.NewHub(terminal.HubOptions{})
	replayer := &fakeReplayer{chunks: []terminal.Chunk{
		{RunID: "run-1", NodeRef: "nmap-1", Stream: terminal.StreamStdout, ChunkIndex: 1, Payload: "YQ=="},
	}}
	api, err := NewTerminalAPI(replayer, hub)
	require.NoError(t, err)
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/runs/run-1/nodes/nmap-1/terminal/stdout?live=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readSSEChunk(t, reader)
	require.Equal(t, 1, first.ChunkIndex)

	require.NoError(t, hub.Publish(context.Background(), terminal.Chunk{
		RunID: "run-1", NodeRef: "nmap-1", Stream: terminal.StreamStdout, ChunkIndex: 2, Payload: "Yg==",
	}))
	second := readSSEChunk(t, reader)
	require.Equal(t, 2, second.ChunkIndex)
}

func readSSEChunk(t *testing.T, reader *bufio.Reader) terminal.Chunk {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var chunk terminal.Chunk
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &chunk))
			return chunk
		}
	}
}

func TestHubFeedPublishesToHub(t *testing.T) {
	t.Parallel()
	hub := terminal.NewHub(terminal.HubOptions{})
	feed, err := NewHubFeed(hub)
	require.NoError(t, err)

	session := terminal.Session{RunID: "run-1", NodeRef: "nmap-1", Stream: terminal.StreamStdout}
	sub := hub.Subscribe(session)
	defer sub.Close()

	chunk := terminal.Chunk{RunID: "run-1", NodeRef: "nmap-1", Stream: terminal.StreamStdout, ChunkIndex: 1, Payload: "YQ=="}
	payload, err := json.Marshal(chunk)
	require.NoError(t, err)
	require.NoError(t, feed.Persist(context.Background(), ingest.Record{
		ID: "run-1/nmap-1/stdout/1", Kind: ingest.KindTerminal, RunID: "run-1", Payload: payload,
	}))

	select {
	case got := <-sub.C():
		require.Equal(t, chunk, got)
	case <-time.After(time.Second):
		t.Fatal("chunk never reached the hub subscriber")
	}
}

func TestHubFeedRejectsMalformedPayload(t *testing.T) {
	t.Parallel()
	hub := terminal.NewHub(terminal.HubOptions{})
	feed, err := NewHubFeed(hub)
	require.NoError(t, err)
	require.Error(t, feed.Persist(context.Background(), ingest.Record{
		ID: "x", Kind: ingest.KindTerminal, RunID: "run-1", Payload: []byte("not json"),
	}))
}
