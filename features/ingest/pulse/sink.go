package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shipsec/shipsec/config"
	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/terminal"
)

type (
	// Topics names the stream per record kind.
	Topics struct {
		Log      string
		Event    string
		NodeIO   string
		Terminal string
	}

	// CollectorSink turns execution telemetry into ingest records and
	// publishes them to their kind's stream. One sink serves all activities
	// of a worker; streams are created lazily and cached.
	CollectorSink struct {
		client Client
		topics Topics
		now    func() time.Time

		mu      sync.Mutex
		streams map[string]Stream
	}
)

// TopicsFromConfig resolves the per-kind stream names.
func TopicsFromConfig(cfg *config.Config) Topics {
	return Topics{
		Log:      cfg.IngestTopic(KindLog),
		Event:    cfg.IngestTopic(KindEvent),
		NodeIO:   cfg.IngestTopic(KindNodeIO),
		Terminal: cfg.IngestTopic(KindTerminal),
	}
}

// NewCollectorSink constructs a sink publishing through the given client.
func NewCollectorSink(client Client, topics Topics) (*CollectorSink, error) {
	if client == nil {
		return nil, fault.New(fault.KindConfiguration, "pulse client is required")
	}
	for _, topic := range []string{topics.Log, topics.Event, topics.NodeIO, topics.Terminal} {
		if topic == "" {
			return nil, fault.New(fault.KindConfiguration, "all ingest topics must be named")
		}
	}
	return &CollectorSink{
		client:  client,
		topics:  topics,
		now:     time.Now,
		streams: make(map[string]Stream),
	}, nil
}

// Collectors returns the per-activity collector set bound to one node. The
// collectors publish and return; persistence happens in the ingestors.
func (s *CollectorSink) Collectors(runID, nodeRef string) execution.Collectors {
	return execution.Collectors{
		Progress: func(ctx context.Context, p execution.Progress) error {
			rec, err := newEventRecord(runID, nodeRef, p, s.now().UTC())
			if err != nil {
				return err
			}
			return s.publish(ctx, s.topics.Event, rec)
		},
		Log: func(ctx context.Context, e execution.LogEntry) error {
			rec, err := newLogRecord(e)
			if err != nil {
				return err
			}
			return s.publish(ctx, s.topics.Log, rec)
		},
		Terminal: s.TerminalSink(),
	}
}

// TerminalSink adapts the sink to the terminal emitter's chunk callback.
func (s *CollectorSink) TerminalSink() terminal.Sink {
	return func(ctx context.Context, chunk terminal.Chunk) error {
		rec, err := newTerminalRecord(chunk)
		if err != nil {
			return err
		}
		return s.publish(ctx, s.topics.Terminal, rec)
	}
}

// RecordNodeIO publishes a node-IO record. Called once before dispatch with
// the start row and once after with the completion; both carry the same id so
// the store patches in place.
func (s *CollectorSink) RecordNodeIO(ctx context.Context, io execution.NodeIO) error {
	rec, err := newNodeIORecord(io)
	if err != nil {
		return err
	}
	return s.publish(ctx, s.topics.NodeIO, rec)
}

func (s *CollectorSink) publish(ctx context.Context, topic string, rec Record) error {
	str, err := s.stream(topic)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, rec.Kind, data)
	return err
}

func (s *CollectorSink) stream(topic string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str, ok := s.streams[topic]; ok {
		return str, nil
	}
	str, err := s.client.Stream(topic)
	if err != nil {
		return nil, err
	}
	s.streams[topic] = str
	return str, nil
}
