package terminal

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"goa.design/clue/log"
)

// Sink receives emitted chunks. Implementations must be safe for concurrent
// use; errors are logged and swallowed so component execution never stalls on
// telemetry backpressure.
type Sink func(ctx context.Context, chunk Chunk) error

// Emitter produces ordered chunks for one terminal session. The zero value is
// not usable; construct with NewEmitter. A nil *Emitter is a no-op, which is
// what an execution context without a terminal collector hands out.
type Emitter struct {
	session    Session
	origin     string
	runnerKind string
	sink       Sink
	now        func() time.Time

	mu       sync.Mutex
	index    int
	lastEmit time.Time
}

// EmitterOptions configures optional emitter fields.
type EmitterOptions struct {
	// Origin labels the producing subsystem (e.g. "container", "inline").
	Origin string
	// RunnerKind records which runner produced the bytes.
	RunnerKind string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewEmitter binds an emitter to a session and downstream sink. Passing a nil
// sink returns a nil emitter, whose Emit is a no-op.
func NewEmitter(session Session, sink Sink, opts EmitterOptions) *Emitter {
	if sink == nil {
		return nil
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Emitter{
		session:    session,
		origin:     opts.Origin,
		runnerKind: opts.RunnerKind,
		sink:       sink,
		now:        now,
	}
}

// Emit frames data as the next chunk in the session and hands it to the sink.
// Zero-length data emits nothing. Sink errors are logged, never returned: a
// failing collector must not fail the producing component.
func (e *Emitter) Emit(ctx context.Context, data []byte) {
	if e == nil || len(data) == 0 {
		return
	}
	// The lock spans the sink call so chunks reach the sink in index order.
	// Sinks are required to be non-blocking (the hub buffers and drops).
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()
	e.index++
	var delta int64
	if e.index > 1 {
		delta = now.Sub(e.lastEmit).Milliseconds()
	}
	e.lastEmit = now
	chunk := Chunk{
		RunID:      e.session.RunID,
		NodeRef:    e.session.NodeRef,
		Stream:     e.session.Stream,
		ChunkIndex: e.index,
		Payload:    base64.StdEncoding.EncodeToString(data),
		RecordedAt: now,
		DeltaMs:    delta,
		Origin:     e.origin,
		RunnerKind: e.runnerKind,
	}

	if err := e.sink(ctx, chunk); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "terminal chunk dropped by sink"},
			log.KV{K: "session", V: e.session.Key()},
			log.KV{K: "chunk_index", V: chunk.ChunkIndex},
			log.KV{K: "err", V: err.Error()})
	}
}

// EmitString frames a UTF-8 string as raw bytes.
func (e *Emitter) EmitString(ctx context.Context, s string) {
	if s == "" {
		return
	}
	e.Emit(ctx, []byte(s))
}
