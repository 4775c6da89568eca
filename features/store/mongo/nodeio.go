package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ingest "github.com/shipsec/shipsec/features/ingest/pulse"
	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
)

const nodeIOCollection = "node_io"

type (
	// NodeIOStore persists node input/output records. The start record
	// inserts the row; the completion record patches it. Out-of-order
	// delivery is tolerated: a start arriving after its completion never
	// clobbers the completion fields.
	NodeIOStore struct {
		coll *mongo.Collection
	}

	nodeIODocument struct {
		ID         string         `bson:"_id"`
		RunID      string         `bson:"run_id"`
		NodeRef    string         `bson:"node_ref"`
		StartedAt  time.Time      `bson:"started_at"`
		FinishedAt *time.Time     `bson:"finished_at,omitempty"`
		Inputs     map[string]any `bson:"inputs,omitempty"`
		Outputs    map[string]any `bson:"outputs,omitempty"`
		Error      string         `bson:"error,omitempty"`
	}
)

var _ ingest.Store = (*NodeIOStore)(nil)

// NewNodeIOStore binds the store to its collection and ensures the run
// index.
func NewNodeIOStore(ctx context.Context, db *mongo.Database) (*NodeIOStore, error) {
	if db == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo database is required")
	}
	coll := db.Collection(nodeIOCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "started_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &NodeIOStore{coll: coll}, nil
}

// Persist upserts the record by id. Start and completion share the id, so
// the completion lands on the start's row.
func (s *NodeIOStore) Persist(ctx context.Context, rec ingest.Record) error {
	var io execution.NodeIO
	if err := json.Unmarshal(rec.Payload, &io); err != nil {
		return fault.Wrap(fault.KindValidation, "decode node io payload", err)
	}

	opts := options.UpdateOne().SetUpsert(true)
	if io.FinishedAt == nil {
		// Start row. $setOnInsert keeps a completion that raced ahead.
		update := bson.M{"$setOnInsert": bson.M{
			"run_id":     io.RunID,
			"node_ref":   io.NodeRef,
			"started_at": io.StartedAt.UTC(),
			"inputs":     io.Inputs,
		}}
		_, err := s.coll.UpdateOne(ctx, bson.M{"_id": rec.ID}, update, opts)
		return err
	}

	finished := io.FinishedAt.UTC()
	update := bson.M{
		"$set": bson.M{
			"finished_at": finished,
			"outputs":     io.Outputs,
			"error":       io.Error,
		},
		"$setOnInsert": bson.M{
			"run_id":     io.RunID,
			"node_ref":   io.NodeRef,
			"started_at": io.StartedAt.UTC(),
			"inputs":     io.Inputs,
		},
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": rec.ID}, update, opts)
	return err
}

// ListRun returns the run's node IO rows ordered by start time.
func (s *NodeIOStore) ListRun(ctx context.Context, runID string) ([]execution.NodeIO, error) {
	if runID == "" {
		return nil, fault.New(fault.KindValidation, "run id is required")
	}
	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []nodeIODocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]execution.NodeIO, len(docs))
	for i, doc := range docs {
		out[i] = execution.NodeIO{
			RunID:      doc.RunID,
			NodeRef:    doc.NodeRef,
			StartedAt:  doc.StartedAt.UTC(),
			FinishedAt: doc.FinishedAt,
			Inputs:     doc.Inputs,
			Outputs:    doc.Outputs,
			Error:      doc.Error,
		}
	}
	return out, nil
}
