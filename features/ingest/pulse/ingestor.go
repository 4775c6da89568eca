package pulse

import (
	"context"
	"encoding/json"

	"goa.design/clue/log"
	"goa.design/pulse/streaming"

	"github.com/shipsec/shipsec/runtime/fault"
)

type (
	// Store persists ingest records. Persist must upsert by Record.ID:
	// redelivered entries arrive with the same id and must not duplicate.
	Store interface {
		Persist(ctx context.Context, rec Record) error
	}

	// IngestorOptions configures one consumer-group ingestor.
	IngestorOptions struct {
		Client Client
		// Topic is the stream to consume.
		Topic string
		// GroupID names the consumer group. Workers sharing a group split
		// the stream; distinct groups each see every entry.
		GroupID string
		Store   Store
	}

	// Ingestor drains one ingest stream into a store. Entries are acked only
	// after successful persistence, so a crash between persist and ack
	// redelivers, and the store's id-upsert absorbs the duplicate.
	Ingestor struct {
		topic string
		sink  Sink
		store Store
	}
)

// NewIngestor opens the stream and joins the consumer group.
func NewIngestor(ctx context.Context, opts IngestorOptions) (*Ingestor, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "pulse client is required")
	}
	if opts.Store == nil {
		return nil, fault.New(fault.KindConfiguration, "ingest store is required")
	}
	if opts.Topic == "" || opts.GroupID == "" {
		return nil, fault.New(fault.KindConfiguration, "ingest topic and group id are required")
	}
	str, err := opts.Client.Stream(opts.Topic)
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, opts.GroupID)
	if err != nil {
		return nil, err
	}
	return &Ingestor{topic: opts.Topic, sink: sink, store: opts.Store}, nil
}

// Run consumes until the context is canceled or the sink channel closes.
// Malformed or invalid entries are logged and acked: they can never persist,
// and leaving them pending would redeliver them forever. Persistence failures
// are logged without ack so the group redelivers.
func (i *Ingestor) Run(ctx context.Context) {
	events := i.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var rec Record
			if err := json.Unmarshal(ev.Payload, &rec); err != nil {
				i.discard(ctx, ev, err)
				continue
			}
			if err := rec.Validate(); err != nil {
				i.discard(ctx, ev, err)
				continue
			}
			if err := i.store.Persist(ctx, rec); err != nil {
				log.Error(ctx, err,
					log.KV{K: "msg", V: "ingest persist failed, leaving pending"},
					log.KV{K: "topic", V: i.topic},
					log.KV{K: "record_id", V: rec.ID})
				continue
			}
			if err := i.sink.Ack(ctx, ev); err != nil {
				log.Error(ctx, err,
					log.KV{K: "msg", V: "ingest ack failed"},
					log.KV{K: "topic", V: i.topic},
					log.KV{K: "record_id", V: rec.ID})
			}
		}
	}
}

// Close leaves the consumer group.
func (i *Ingestor) Close(ctx context.Context) {
	i.sink.Close(ctx)
}

func (i *Ingestor) discard(ctx context.Context, ev *streaming.Event, err error) {
	log.Error(ctx, err,
		log.KV{K: "msg", V: "discarding undecodable ingest entry"},
		log.KV{K: "topic", V: i.topic},
		log.KV{K: "event_id", V: ev.ID})
	if ackErr := i.sink.Ack(ctx, ev); ackErr != nil {
		log.Error(ctx, ackErr, log.KV{K: "msg", V: "ingest ack failed"}, log.KV{K: "topic", V: i.topic})
	}
}
