// Package mongo persists audit entries, node IO, ingest telemetry and
// discovered tool sets. Every write path is idempotent: documents are keyed
// by caller-supplied ids and upserted, so at-least-once delivery upstream
// never duplicates rows.
package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/shipsec/shipsec/runtime/fault"
)

const (
	auditCollection = "audit_logs"

	// AuditLimitDefault applies when the caller names no limit.
	AuditLimitDefault = 50
	// AuditLimitMax bounds one page.
	AuditLimitMax = 200

	defaultWriteTimeout = 5 * time.Second
)

type (
	// AuditEntry is one immutable audit record.
	AuditEntry struct {
		ID             string         `json:"id"`
		OrganizationID string         `json:"organizationId"`
		ActorID        string         `json:"actorId,omitempty"`
		Action         string         `json:"action"`
		ResourceType   string         `json:"resourceType"`
		ResourceID     string         `json:"resourceId,omitempty"`
		Metadata       map[string]any `json:"metadata,omitempty"`
		CreatedAt      time.Time      `json:"createdAt"`
	}

	// AuditQuery filters a listing. Zero-valued fields are unconstrained.
	AuditQuery struct {
		OrganizationID string
		ResourceType   string
		ResourceID     string
		Action         string
		ActorID        string
		From           time.Time
		To             time.Time
		// Limit must be in [1, AuditLimitMax].
		Limit  int
		Cursor string
	}

	// AuditPage is one page of entries ordered by (createdAt DESC, id DESC).
	// NextCursor is empty on the final page.
	AuditPage struct {
		Items      []AuditEntry `json:"items"`
		NextCursor string       `json:"nextCursor,omitempty"`
	}

	// AuditStore writes and lists audit entries. Writes are scheduled off the
	// caller's path and never surface failures.
	AuditStore struct {
		coll    *mongo.Collection
		timeout time.Duration
		// wrote signals each completed async write. Tests use it; nil
		// otherwise.
		wrote chan<- error
	}

	auditDocument struct {
		ID             string         `bson:"_id"`
		OrganizationID string         `bson:"organization_id"`
		ActorID        string         `bson:"actor_id,omitempty"`
		Action         string         `bson:"action"`
		ResourceType   string         `bson:"resource_type"`
		ResourceID     string         `bson:"resource_id,omitempty"`
		Metadata       map[string]any `bson:"metadata,omitempty"`
		CreatedAt      time.Time      `bson:"created_at"`
	}
)

// NewAuditStore binds the store to its collection and ensures the listing
// index.
func NewAuditStore(ctx context.Context, db *mongo.Database) (*AuditStore, error) {
	if db == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo database is required")
	}
	coll := db.Collection(auditCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "organization_id", Value: 1},
			{Key: "created_at", Value: -1},
			{Key: "_id", Value: -1},
		},
	})
	if err != nil {
		return nil, err
	}
	return &AuditStore{coll: coll, timeout: defaultWriteTimeout}, nil
}

// Schedule queues the entry for persistence and returns immediately. The
// write happens on its own goroutine detached from the caller's cancellation;
// failures are warned, never returned. Missing id and timestamp are filled.
func (s *AuditStore) Schedule(ctx context.Context, e AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	writeCtx := context.WithoutCancel(ctx)
	go func() {
		writeCtx, cancel := context.WithTimeout(writeCtx, s.timeout)
		defer cancel()
		err := s.insert(writeCtx, e)
		if err != nil {
			log.Warn(writeCtx,
				log.KV{K: "msg", V: "audit write failed"},
				log.KV{K: "err", V: err.Error()},
				log.KV{K: "action", V: e.Action},
				log.KV{K: "resource_type", V: e.ResourceType})
		}
		if s.wrote != nil {
			s.wrote <- err
		}
	}()
}

func (s *AuditStore) insert(ctx context.Context, e AuditEntry) error {
	doc := auditDocument{
		ID:             e.ID,
		OrganizationID: e.OrganizationID,
		ActorID:        e.ActorID,
		Action:         e.Action,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt.UTC(),
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": e.ID}, doc, opts)
	return err
}

// List returns one page ordered by (createdAt DESC, id DESC). Paging from
// the same cursor twice yields the same page.
func (s *AuditStore) List(ctx context.Context, q AuditQuery) (AuditPage, error) {
	if q.Limit < 1 || q.Limit > AuditLimitMax {
		return AuditPage{}, fault.Newf(fault.KindValidation, "limit must be between 1 and %d", AuditLimitMax)
	}

	filter := bson.M{}
	if q.OrganizationID != "" {
		filter["organization_id"] = q.OrganizationID
	}
	if q.ResourceType != "" {
		filter["resource_type"] = q.ResourceType
	}
	if q.ResourceID != "" {
		filter["resource_id"] = q.ResourceID
	}
	if q.Action != "" {
		filter["action"] = q.Action
	}
	if q.ActorID != "" {
		filter["actor_id"] = q.ActorID
	}
	createdAt := bson.M{}
	if !q.From.IsZero() {
		createdAt["$gte"] = q.From.UTC()
	}
	if !q.To.IsZero() {
		createdAt["$lte"] = q.To.UTC()
	}
	if len(createdAt) > 0 {
		filter["created_at"] = createdAt
	}
	if q.Cursor != "" {
		ts, id, err := DecodeCursor(q.Cursor)
		if err != nil {
			return AuditPage{}, err
		}
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": ts}},
			bson.M{"created_at": ts, "_id": bson.M{"$lt": id}},
		}
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(q.Limit) + 1)
	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return AuditPage{}, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []auditDocument
	if err := cur.All(ctx, &docs); err != nil {
		return AuditPage{}, err
	}

	page := AuditPage{}
	hasMore := len(docs) > q.Limit
	if hasMore {
		docs = docs[:q.Limit]
	}
	page.Items = make([]AuditEntry, len(docs))
	for i, doc := range docs {
		page.Items[i] = AuditEntry{
			ID:             doc.ID,
			OrganizationID: doc.OrganizationID,
			ActorID:        doc.ActorID,
			Action:         doc.Action,
			ResourceType:   doc.ResourceType,
			ResourceID:     doc.ResourceID,
			Metadata:       doc.Metadata,
			CreatedAt:      doc.CreatedAt.UTC(),
		}
	}
	if hasMore {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}
