package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/shipsec/shipsec/runtime/discovery"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/mcp"
)

const (
	discoveryCollection = "discovery_cache"

	// DefaultDiscoveryTTL bounds how long a discovered tool set is reused
	// before the server is asked again.
	DefaultDiscoveryTTL = 10 * time.Minute
)

type (
	// DiscoveryCache stores discovered tool sets under opaque tokens. A TTL
	// index reaps expired documents; Get additionally checks expiry so a hit
	// between sweeps never serves a stale set.
	DiscoveryCache struct {
		coll *mongo.Collection
		ttl  time.Duration
		now  func() time.Time
	}

	cacheDocument struct {
		Token     string         `bson:"_id"`
		Tools     []toolDocument `bson:"tools"`
		ExpiresAt time.Time      `bson:"expires_at"`
	}

	toolDocument struct {
		Name        string `bson:"name"`
		Description string `bson:"description,omitempty"`
		InputSchema []byte `bson:"input_schema,omitempty"`
	}
)

var _ discovery.Cache = (*DiscoveryCache)(nil)

// NewDiscoveryCache binds the cache to its collection and ensures the TTL
// index. A non-positive ttl selects the default.
func NewDiscoveryCache(ctx context.Context, db *mongo.Database, ttl time.Duration) (*DiscoveryCache, error) {
	if db == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo database is required")
	}
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	coll := db.Collection(discoveryCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, err
	}
	return &DiscoveryCache{coll: coll, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached tool set, reporting found=false on miss or expiry.
func (c *DiscoveryCache) Get(ctx context.Context, token string) ([]mcp.Tool, bool, error) {
	if token == "" {
		return nil, false, fault.New(fault.KindValidation, "cache token is required")
	}
	var doc cacheDocument
	err := c.coll.FindOne(ctx, bson.M{"_id": token}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !doc.ExpiresAt.After(c.now().UTC()) {
		return nil, false, nil
	}
	tools := make([]mcp.Tool, len(doc.Tools))
	for i, t := range doc.Tools {
		tools[i] = mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return tools, true, nil
}

// Put stores the tool set under the token for the configured TTL.
func (c *DiscoveryCache) Put(ctx context.Context, token string, tools []mcp.Tool) error {
	if token == "" {
		return fault.New(fault.KindValidation, "cache token is required")
	}
	docs := make([]toolDocument, len(tools))
	for i, t := range tools {
		docs[i] = toolDocument{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: append([]byte(nil), t.InputSchema...),
		}
	}
	doc := cacheDocument{
		Token:     token,
		Tools:     docs,
		ExpiresAt: c.now().UTC().Add(c.ttl),
	}
	opts := options.Replace().SetUpsert(true)
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": token}, doc, opts)
	return err
}
