package pulse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/terminal"
)

// Record kinds. Each kind flows through its own stream and consumer group.
const (
	KindLog      = "log"
	KindEvent    = "event"
	KindNodeIO   = "node-io"
	KindTerminal = "terminal"
)

// Record is the envelope published to ingest streams. ID is the idempotence
// key: stores upsert by it, so a redelivered stream entry lands on the row it
// already wrote.
type Record struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	RunID      string          `json:"runId"`
	NodeRef    string          `json:"nodeRef,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Validate checks the envelope before persistence.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fault.New(fault.KindValidation, "record id is required")
	case r.Kind == "":
		return fault.New(fault.KindValidation, "record kind is required")
	case r.RunID == "":
		return fault.New(fault.KindValidation, "record runId is required")
	case len(r.Payload) == 0:
		return fault.New(fault.KindValidation, "record payload is required")
	}
	return nil
}

func newLogRecord(e execution.LogEntry) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode log entry: %w", err)
	}
	return Record{
		ID:         uuid.NewString(),
		Kind:       KindLog,
		RunID:      e.RunID,
		NodeRef:    e.NodeRef,
		RecordedAt: e.Timestamp,
		Payload:    payload,
	}, nil
}

func newEventRecord(runID, nodeRef string, p execution.Progress, at time.Time) (Record, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Record{}, fmt.Errorf("encode progress event: %w", err)
	}
	return Record{
		ID:         uuid.NewString(),
		Kind:       KindEvent,
		RunID:      runID,
		NodeRef:    nodeRef,
		RecordedAt: at,
		Payload:    payload,
	}, nil
}

// newNodeIORecord derives its id from the node identity plus the attempt's
// start time: start and completion of one execution share it, so the
// completion patches the start record's row, while a retried execution gets
// its own row instead of overwriting the previous attempt.
func newNodeIORecord(io execution.NodeIO) (Record, error) {
	payload, err := json.Marshal(io)
	if err != nil {
		return Record{}, fmt.Errorf("encode node io: %w", err)
	}
	return Record{
		ID:         io.RunID + "/" + io.NodeRef + "/" + io.StartedAt.UTC().Format(time.RFC3339Nano),
		Kind:       KindNodeIO,
		RunID:      io.RunID,
		NodeRef:    io.NodeRef,
		RecordedAt: io.StartedAt,
		Payload:    payload,
	}, nil
}

// newTerminalRecord derives its id from the session key and chunk index, which
// is unique and stable per chunk.
func newTerminalRecord(chunk terminal.Chunk) (Record, error) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return Record{}, fmt.Errorf("encode terminal chunk: %w", err)
	}
	session := terminal.Session{RunID: chunk.RunID, NodeRef: chunk.NodeRef, Stream: chunk.Stream}
	return Record{
		ID:         fmt.Sprintf("%s/%d", session.Key(), chunk.ChunkIndex),
		Kind:       KindTerminal,
		RunID:      chunk.RunID,
		NodeRef:    chunk.NodeRef,
		RecordedAt: chunk.RecordedAt,
		Payload:    payload,
	}, nil
}
