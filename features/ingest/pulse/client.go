// Package pulse publishes runtime telemetry (logs, events, node-IO, terminal
// chunks) to Redis-backed pulse streams and runs the consumer-group ingestors
// that persist them. Delivery is at-least-once; stores upsert by record id so
// redelivery is harmless.
package pulse

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/shipsec/shipsec/runtime/fault"
)

type (
	// Client exposes the subset of pulse stream operations the telemetry
	// path needs. The fake in tests implements the same surface.
	Client interface {
		Stream(name string) (Stream, error)
	}

	// Stream publishes records and creates consumer-group sinks.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group handle over one stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	// ClientOptions configures the Redis-backed client.
	ClientOptions struct {
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero keeps the pulse
		// default.
		StreamMaxLen int
		// AddTimeout bounds individual publishes.
		AddTimeout time.Duration
	}

	client struct {
		redis      *redis.Client
		maxLen     int
		addTimeout time.Duration
	}

	streamHandle struct {
		stream     *streaming.Stream
		addTimeout time.Duration
	}

	sinkHandle struct{ sink *streaming.Sink }
)

// NewClient wraps a Redis connection. The caller owns the connection's
// lifecycle.
func NewClient(opts ClientOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, fault.New(fault.KindConfiguration, "redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, addTimeout: opts.AddTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, fault.New(fault.KindConfiguration, "stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %s: %w", name, err)
	}
	return &streamHandle{stream: str, addTimeout: c.addTimeout}, nil
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.addTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.addTimeout)
		defer cancel()
	}
	return h.stream.Add(ctx, event, payload)
}

func (h *streamHandle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkHandle{sink: sink}, nil
}

func (s *sinkHandle) Subscribe() <-chan *streaming.Event { return s.sink.Subscribe() }

func (s *sinkHandle) Ack(ctx context.Context, ev *streaming.Event) error { return s.sink.Ack(ctx, ev) }

func (s *sinkHandle) Close(ctx context.Context) { s.sink.Close(ctx) }
