package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ingest "github.com/shipsec/shipsec/features/ingest/pulse"
	"github.com/shipsec/shipsec/runtime/fault"
)

const (
	logCollection   = "run_logs"
	eventCollection = "run_events"
)

type (
	// RecordStore persists log and event records as-is, keyed by record id.
	RecordStore struct {
		coll *mongo.Collection
	}

	recordDocument struct {
		ID         string    `bson:"_id"`
		Kind       string    `bson:"kind"`
		RunID      string    `bson:"run_id"`
		NodeRef    string    `bson:"node_ref,omitempty"`
		RecordedAt time.Time `bson:"recorded_at"`
		Payload    []byte    `bson:"payload"`
	}
)

var _ ingest.Store = (*RecordStore)(nil)

// NewLogStore binds a record store to the run log collection.
func NewLogStore(ctx context.Context, db *mongo.Database) (*RecordStore, error) {
	return newRecordStore(ctx, db, logCollection)
}

// NewEventStore binds a record store to the run event collection.
func NewEventStore(ctx context.Context, db *mongo.Database) (*RecordStore, error) {
	return newRecordStore(ctx, db, eventCollection)
}

func newRecordStore(ctx context.Context, db *mongo.Database, collection string) (*RecordStore, error) {
	if db == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo database is required")
	}
	coll := db.Collection(collection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "recorded_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &RecordStore{coll: coll}, nil
}

// Persist upserts the record by id.
func (s *RecordStore) Persist(ctx context.Context, rec ingest.Record) error {
	doc := recordDocument{
		ID:         rec.ID,
		Kind:       rec.Kind,
		RunID:      rec.RunID,
		NodeRef:    rec.NodeRef,
		RecordedAt: rec.RecordedAt.UTC(),
		Payload:    append([]byte(nil), rec.Payload...),
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, opts)
	return err
}

// ListRun returns the run's records ordered by recording time.
func (s *RecordStore) ListRun(ctx context.Context, runID string) ([]ingest.Record, error) {
	if runID == "" {
		return nil, fault.New(fault.KindValidation, "run id is required")
	}
	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []recordDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]ingest.Record, len(docs))
	for i, doc := range docs {
		out[i] = ingest.Record{
			ID:         doc.ID,
			Kind:       doc.Kind,
			RunID:      doc.RunID,
			NodeRef:    doc.NodeRef,
			RecordedAt: doc.RecordedAt.UTC(),
			Payload:    doc.Payload,
		}
	}
	return out, nil
}
