// Package terminal transforms raw component output streams into ordered,
// base64-framed chunks and fans them out to live subscribers. Chunk ordering
// is total within one (run, node, stream) session; producers never block on
// slow consumers.
package terminal

import (
	"encoding/base64"
	"time"
)

// StreamKind names the source of a terminal session.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	StreamPTY    StreamKind = "pty"
)

// Chunk is one ordered frame of terminal output. Payload is always base64 of
// the raw bytes; ChunkIndex starts at 1 and increases by exactly one per
// session. Chunks are append-only and never mutated after emission.
type Chunk struct {
	RunID      string     `json:"runId"`
	NodeRef    string     `json:"nodeRef"`
	Stream     StreamKind `json:"stream"`
	ChunkIndex int        `json:"chunkIndex"`
	Payload    string     `json:"payload"`
	RecordedAt time.Time  `json:"recordedAt"`
	// DeltaMs is zero for the first chunk and otherwise the elapsed
	// milliseconds since the previous chunk in the same session.
	DeltaMs    int64  `json:"deltaMs"`
	Origin     string `json:"origin,omitempty"`
	RunnerKind string `json:"runnerKind,omitempty"`
}

// Session identifies one terminal stream within a run.
type Session struct {
	RunID   string
	NodeRef string
	Stream  StreamKind
}

// Key returns the canonical session key used by the hub and by ingest
// idempotence checks.
func (s Session) Key() string {
	return s.RunID + "/" + s.NodeRef + "/" + string(s.Stream)
}

// Decode returns the raw bytes carried by the chunk.
func (c Chunk) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Payload)
}
