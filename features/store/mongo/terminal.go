package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ingest "github.com/shipsec/shipsec/features/ingest/pulse"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/terminal"
)

const terminalCollection = "terminal_chunks"

type (
	// TerminalStore persists terminal chunks and serves replay. Chunks are
	// keyed by (session, index) through the record id, so redelivered frames
	// collapse.
	TerminalStore struct {
		coll *mongo.Collection
	}

	terminalDocument struct {
		ID         string    `bson:"_id"`
		RunID      string    `bson:"run_id"`
		NodeRef    string    `bson:"node_ref"`
		Stream     string    `bson:"stream"`
		ChunkIndex int       `bson:"chunk_index"`
		Payload    string    `bson:"payload"`
		RecordedAt time.Time `bson:"recorded_at"`
		DeltaMs    int64     `bson:"delta_ms"`
		Origin     string    `bson:"origin,omitempty"`
		RunnerKind string    `bson:"runner_kind,omitempty"`
	}
)

var _ ingest.Store = (*TerminalStore)(nil)

// NewTerminalStore binds the store to its collection and ensures the replay
// index.
func NewTerminalStore(ctx context.Context, db *mongo.Database) (*TerminalStore, error) {
	if db == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo database is required")
	}
	coll := db.Collection(terminalCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "node_ref", Value: 1},
			{Key: "stream", Value: 1},
			{Key: "chunk_index", Value: 1},
		},
	})
	if err != nil {
		return nil, err
	}
	return &TerminalStore{coll: coll}, nil
}

// Persist upserts the chunk by its record id.
func (s *TerminalStore) Persist(ctx context.Context, rec ingest.Record) error {
	var chunk terminal.Chunk
	if err := json.Unmarshal(rec.Payload, &chunk); err != nil {
		return fault.Wrap(fault.KindValidation, "decode terminal chunk payload", err)
	}
	doc := terminalDocument{
		ID:         rec.ID,
		RunID:      chunk.RunID,
		NodeRef:    chunk.NodeRef,
		Stream:     string(chunk.Stream),
		ChunkIndex: chunk.ChunkIndex,
		Payload:    chunk.Payload,
		RecordedAt: chunk.RecordedAt.UTC(),
		DeltaMs:    chunk.DeltaMs,
		Origin:     chunk.Origin,
		RunnerKind: chunk.RunnerKind,
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, opts)
	return err
}

// Replay returns the session's chunks with index greater than fromIndex,
// ordered by index. fromIndex 0 replays the whole session.
func (s *TerminalStore) Replay(ctx context.Context, session terminal.Session, fromIndex int) ([]terminal.Chunk, error) {
	if session.RunID == "" || session.NodeRef == "" {
		return nil, fault.New(fault.KindValidation, "run id and node ref are required")
	}
	filter := bson.M{
		"run_id":      session.RunID,
		"node_ref":    session.NodeRef,
		"stream":      string(session.Stream),
		"chunk_index": bson.M{"$gt": fromIndex},
	}
	cur, err := s.coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "chunk_index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []terminalDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	chunks := make([]terminal.Chunk, len(docs))
	for i, doc := range docs {
		chunks[i] = terminal.Chunk{
			RunID:      doc.RunID,
			NodeRef:    doc.NodeRef,
			Stream:     terminal.StreamKind(doc.Stream),
			ChunkIndex: doc.ChunkIndex,
			Payload:    doc.Payload,
			RecordedAt: doc.RecordedAt.UTC(),
			DeltaMs:    doc.DeltaMs,
			Origin:     doc.Origin,
			RunnerKind: doc.RunnerKind,
		}
	}
	return chunks, nil
}
