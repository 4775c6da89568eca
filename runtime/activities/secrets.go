package activities

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/shipsec/shipsec/runtime/fault"
)

// MasterKeySize is the required AES-256 key length.
const MasterKeySize = 32

type (
	// SecretStore resolves a named secret to its plaintext. Plaintext lives
	// only in activity memory; it is never written to telemetry or records.
	SecretStore interface {
		Resolve(ctx context.Context, organizationID, name string) (string, error)
	}

	// EncryptedSource fetches the stored ciphertext for a secret. The bytes
	// are nonce||ciphertext as produced by EncryptSecret. A missing secret is
	// a not-found fault.
	EncryptedSource interface {
		FetchEncrypted(ctx context.Context, organizationID, name string) ([]byte, error)
	}

	// AESSecretStore decrypts stored secrets with AES-256-GCM under the
	// master key.
	AESSecretStore struct {
		source EncryptedSource
		aead   cipher.AEAD
	}
)

// NewAESSecretStore constructs the store. The master key must be exactly 32
// bytes.
func NewAESSecretStore(source EncryptedSource, masterKey []byte) (*AESSecretStore, error) {
	if source == nil {
		return nil, fault.New(fault.KindConfiguration, "secret source is required")
	}
	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	return &AESSecretStore{source: source, aead: aead}, nil
}

// Resolve fetches and decrypts the secret.
func (s *AESSecretStore) Resolve(ctx context.Context, organizationID, name string) (string, error) {
	if name == "" {
		return "", fault.New(fault.KindValidation, "secret name is required")
	}
	stored, err := s.source.FetchEncrypted(ctx, organizationID, name)
	if err != nil {
		return "", err
	}
	nonceSize := s.aead.NonceSize()
	if len(stored) <= nonceSize {
		return "", fault.Newf(fault.KindValidation, "stored secret %q is truncated", name)
	}
	plaintext, err := s.aead.Open(nil, stored[:nonceSize], stored[nonceSize:], nil)
	if err != nil {
		return "", fault.Wrap(fault.KindConfiguration, "secret "+name+" does not decrypt under the configured master key", err)
	}
	return string(plaintext), nil
}

// EncryptSecret seals plaintext under the master key, returning
// nonce||ciphertext. Used by the secret CRUD surface and by tests.
func EncryptSecret(masterKey, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func newAEAD(masterKey []byte) (cipher.AEAD, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fault.Newf(fault.KindConfiguration, "master key must be exactly %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
