package terminal

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// defaultHistory bounds the per-session replay buffer handed to late
	// joiners.
	defaultHistory = 256
	// defaultSubscriberBuffer bounds each subscriber channel. Overflow drops
	// the oldest queued chunk and increments the drop counter.
	defaultSubscriberBuffer = 64
)

type (
	// Hub is an in-process publish/subscribe fan-out keyed by terminal
	// session. Live viewers subscribe to a session and receive every chunk
	// published after (plus recent history); slow viewers lose oldest chunks
	// rather than slowing producers.
	Hub struct {
		mu       sync.RWMutex
		sessions map[string]*hubSession
		history  int
		buffer   int
		dropped  metric.Int64Counter
	}

	// HubOptions tunes buffer sizes.
	HubOptions struct {
		// History is the number of recent chunks retained per session for
		// late joiners. Zero uses the default.
		History int
		// SubscriberBuffer is each subscriber's channel capacity. Zero uses
		// the default.
		SubscriberBuffer int
	}

	// HubSubscription is a live registration against one session.
	HubSubscription struct {
		ch     chan Chunk
		cancel func()
	}

	hubSession struct {
		run    string
		recent []Chunk
		subs   map[chan Chunk]struct{}
	}
)

// NewHub constructs an empty hub.
func NewHub(opts HubOptions) *Hub {
	history := opts.History
	if history <= 0 {
		history = defaultHistory
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	meter := otel.Meter("github.com/shipsec/shipsec/runtime/terminal")
	dropped, _ := meter.Int64Counter("terminal_hub_dropped_chunks")
	return &Hub{
		sessions: make(map[string]*hubSession),
		history:  history,
		buffer:   buffer,
		dropped:  dropped,
	}
}

// Publish fans the chunk out to every subscriber of its session and appends
// it to the session history. Publish never blocks: full subscriber channels
// drop their oldest entry first.
func (h *Hub) Publish(ctx context.Context, chunk Chunk) error {
	key := Session{RunID: chunk.RunID, NodeRef: chunk.NodeRef, Stream: chunk.Stream}.Key()
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sessions[key]
	if sess == nil {
		sess = &hubSession{run: chunk.RunID, subs: make(map[chan Chunk]struct{})}
		h.sessions[key] = sess
	}
	sess.recent = append(sess.recent, chunk)
	if len(sess.recent) > h.history {
		sess.recent = sess.recent[len(sess.recent)-h.history:]
	}
	for ch := range sess.subs {
		for {
			select {
			case ch <- chunk:
			default:
				// Full: drop the oldest queued chunk and retry the send.
				// The drain may find the channel already emptied by a
				// concurrent receive; either way room exists now, so loop
				// back to the send rather than skipping the chunk.
				select {
				case <-ch:
					if h.dropped != nil {
						h.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("session", key)))
					}
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// Subscribe attaches a viewer to the session. Recent history is delivered
// first so late joiners see context before live chunks. Close the returned
// subscription when done.
func (h *Hub) Subscribe(session Session) *HubSubscription {
	key := session.Key()
	h.mu.Lock()
	sess := h.sessions[key]
	if sess == nil {
		sess = &hubSession{run: session.RunID, subs: make(map[chan Chunk]struct{})}
		h.sessions[key] = sess
	}
	size := h.buffer
	if n := len(sess.recent); n > size {
		size = n
	}
	ch := make(chan Chunk, size+h.buffer)
	for _, c := range sess.recent {
		ch <- c
	}
	sess.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return &HubSubscription{
		ch: ch,
		cancel: func() {
			once.Do(func() {
				h.mu.Lock()
				if s := h.sessions[key]; s != nil {
					delete(s.subs, ch)
				}
				h.mu.Unlock()
				close(ch)
			})
		},
	}
}

// EndSession removes the session buffer and detaches all subscribers. Called
// when a run completes so history does not accumulate for dead sessions.
func (h *Hub) EndSession(session Session) {
	key := session.Key()
	h.mu.Lock()
	sess := h.sessions[key]
	delete(h.sessions, key)
	h.mu.Unlock()
	if sess == nil {
		return
	}
	// Subscribers notice the end of session when their channel closes via
	// their own Close; here we only detach so future publishes no-op.
}

// EndRun drops every session the run owns. Invoked at run termination so
// a long-lived process does not accumulate history for finished runs.
func (h *Hub) EndRun(runID string) {
	h.mu.Lock()
	for key, sess := range h.sessions {
		if sess.run == runID {
			delete(h.sessions, key)
		}
	}
	h.mu.Unlock()
}

// C returns the subscriber's chunk channel.
func (s *HubSubscription) C() <-chan Chunk { return s.ch }

// Close detaches the subscriber and closes its channel.
func (s *HubSubscription) Close() { s.cancel() }
