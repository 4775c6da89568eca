package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	ingest "github.com/shipsec/shipsec/features/ingest/pulse"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/terminal"
)

type (
	// Replayer serves persisted terminal chunks. Implemented by
	// *storemongo.TerminalStore.
	Replayer interface {
		Replay(ctx context.Context, session terminal.Session, fromIndex int) ([]terminal.Chunk, error)
	}

	// TerminalAPI serves terminal replay and live attach. Replay reads the
	// store; live attach streams hub publishes over SSE after delivering the
	// persisted history, deduplicated by chunk index.
	TerminalAPI struct {
		store Replayer
		hub   *terminal.Hub
	}

	// HubFeed adapts the terminal hub to the ingest store interface so the
	// gateway can follow the terminal stream with its own consumer group and
	// fan chunks out to live viewers.
	HubFeed struct {
		hub *terminal.Hub
	}
)

// NewTerminalAPI constructs the endpoint. The hub may be nil when live attach
// is not served; replay still works.
func NewTerminalAPI(store Replayer, hub *terminal.Hub) (*TerminalAPI, error) {
	if store == nil {
		return nil, fault.New(fault.KindConfiguration, "terminal store is required")
	}
	return &TerminalAPI{store: store, hub: hub}, nil
}

// Routes registers the terminal endpoints on the mux.
func (a *TerminalAPI) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /runs/{runId}/nodes/{nodeRef}/terminal/{stream}", a.handleStream)
}

func (a *TerminalAPI) handleStream(w http.ResponseWriter, r *http.Request) {
	session := terminal.Session{
		RunID:   r.PathValue("runId"),
		NodeRef: r.PathValue("nodeRef"),
		Stream:  terminal.StreamKind(r.PathValue("stream")),
	}
	switch session.Stream {
	case terminal.StreamStdout, terminal.StreamStderr, terminal.StreamPTY:
	default:
		http.Error(w, "stream must be stdout, stderr or pty", http.StatusBadRequest)
		return
	}

	from := 0
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "from must be a non-negative integer", http.StatusBadRequest)
			return
		}
		from = n
	}
	start, end, err := timeBounds(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if wantsLive(r) {
		a.serveLive(w, r, session, from)
		return
	}

	chunks, err := a.store.Replay(r.Context(), session, from)
	if err != nil {
		writeFault(w, err)
		return
	}
	chunks = clipByTime(chunks, start, end)
	if chunks == nil {
		chunks = []terminal.Chunk{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"chunks": chunks})
}

// timeBounds parses the optional startTime/endTime replay window.
func timeBounds(r *http.Request) (start, end time.Time, err error) {
	if raw := r.URL.Query().Get("startTime"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fault.Newf(fault.KindValidation, "startTime must be RFC3339, got %q", raw)
		}
	}
	if raw := r.URL.Query().Get("endTime"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fault.Newf(fault.KindValidation, "endTime must be RFC3339, got %q", raw)
		}
	}
	return start, end, nil
}

func clipByTime(chunks []terminal.Chunk, start, end time.Time) []terminal.Chunk {
	if start.IsZero() && end.IsZero() {
		return chunks
	}
	var out []terminal.Chunk
	for _, c := range chunks {
		if !start.IsZero() && c.RecordedAt.Before(start) {
			continue
		}
		if !end.IsZero() && c.RecordedAt.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func wantsLive(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	live := r.URL.Query().Get("live")
	return live == "1" || live == "true"
}

// serveLive replays persisted history then relays hub publishes. The hub is
// subscribed before the store read so no chunk published in between is lost;
// duplicates across the two sources collapse on chunk index.
func (a *TerminalAPI) serveLive(w http.ResponseWriter, r *http.Request, session terminal.Session, from int) {
	if a.hub == nil {
		http.Error(w, "live attach is not available", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := a.hub.Subscribe(session)
	defer sub.Close()

	chunks, err := a.store.Replay(r.Context(), session, from)
	if err != nil {
		writeFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := from
	for _, chunk := range chunks {
		writeSSE(w, chunk)
		last = chunk.ChunkIndex
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sub.C():
			if !ok {
				return
			}
			if chunk.ChunkIndex <= last {
				continue
			}
			writeSSE(w, chunk)
			last = chunk.ChunkIndex
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, chunk terminal.Chunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: chunk\ndata: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

// NewHubFeed constructs the feed.
func NewHubFeed(hub *terminal.Hub) (*HubFeed, error) {
	if hub == nil {
		return nil, fault.New(fault.KindConfiguration, "terminal hub is required")
	}
	return &HubFeed{hub: hub}, nil
}

var _ ingest.Store = (*HubFeed)(nil)

// Persist publishes the chunk to the hub. The hub keeps bounded history and
// drops for slow viewers, so this never blocks the ingest loop.
func (f *HubFeed) Persist(ctx context.Context, rec ingest.Record) error {
	var chunk terminal.Chunk
	if err := json.Unmarshal(rec.Payload, &chunk); err != nil {
		return fault.Wrap(fault.KindValidation, "decode terminal chunk payload", err)
	}
	return f.hub.Publish(ctx, chunk)
}
