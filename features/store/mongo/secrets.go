package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/shipsec/shipsec/runtime/activities"
	"github.com/shipsec/shipsec/runtime/fault"
)

const secretCollection = "secrets"

type (
	// SecretSource stores encrypted secrets per organization. Documents hold
	// only ciphertext; decryption happens in the activity under the master
	// key.
	SecretSource struct {
		coll *mongo.Collection
	}

	secretDocument struct {
		ID             string    `bson:"_id"`
		OrganizationID string    `bson:"organization_id"`
		Name           string    `bson:"name"`
		Ciphertext     []byte    `bson:"ciphertext"`
		UpdatedAt      time.Time `bson:"updated_at"`
	}
)

var _ activities.EncryptedSource = (*SecretSource)(nil)

// NewSecretSource binds the source to its collection.
func NewSecretSource(ctx context.Context, db *mongo.Database) (*SecretSource, error) {
	if db == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo database is required")
	}
	coll := db.Collection(secretCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "name", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &SecretSource{coll: coll}, nil
}

func secretID(organizationID, name string) string {
	return organizationID + "/" + name
}

// FetchEncrypted returns the stored nonce||ciphertext bytes. A missing secret
// is a not-found fault so the activity fails terminally instead of retrying.
func (s *SecretSource) FetchEncrypted(ctx context.Context, organizationID, name string) ([]byte, error) {
	if name == "" {
		return nil, fault.New(fault.KindValidation, "secret name is required")
	}
	var doc secretDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": secretID(organizationID, name)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fault.Newf(fault.KindNotFound, "secret %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	return doc.Ciphertext, nil
}

// Save upserts the encrypted secret. Callers encrypt with
// activities.EncryptSecret before storing; plaintext never reaches this
// layer.
func (s *SecretSource) Save(ctx context.Context, organizationID, name string, ciphertext []byte) error {
	if name == "" {
		return fault.New(fault.KindValidation, "secret name is required")
	}
	if len(ciphertext) == 0 {
		return fault.New(fault.KindValidation, "ciphertext is required")
	}
	doc := secretDocument{
		ID:             secretID(organizationID, name),
		OrganizationID: organizationID,
		Name:           name,
		Ciphertext:     append([]byte(nil), ciphertext...),
		UpdatedAt:      time.Now().UTC(),
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	return err
}

// Delete removes the secret. Deleting a missing secret is a no-op.
func (s *SecretSource) Delete(ctx context.Context, organizationID, name string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": secretID(organizationID, name)})
	return err
}
