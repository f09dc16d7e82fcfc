package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/ports"
)

// EnvelopeKey is the metadata key holding the sealed checkpoint.
const EnvelopeKey = "__encrypted__"

// ErrKeySize is returned for keys that are not 32 bytes.
var ErrKeySize = errors.New("encryption key must be 32 bytes (AES-256)")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey encrypts new data. Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are tried in order when the active key cannot decrypt.
	// This enables key rotation without rewriting stored data.
	FallbackKeys [][]byte
}

// Validate checks key sizes.
func (c EncryptionConfig) Validate() error {
	if len(c.ActiveKey) != 32 {
		return ErrKeySize
	}
	for i, k := range c.FallbackKeys {
		if len(k) != 32 {
			return fmt.Errorf("fallback key %d: %w", i, ErrKeySize)
		}
	}
	return nil
}

// ParseKeys decodes base64 keys into a config.
func ParseKeys(active string, fallback []string) (EncryptionConfig, error) {
	var cfg EncryptionConfig
	key, err := base64.StdEncoding.DecodeString(active)
	if err != nil {
		return cfg, fmt.Errorf("invalid encryption key: %w", err)
	}
	cfg.ActiveKey = key
	for i, f := range fallback {
		k, err := base64.StdEncoding.DecodeString(f)
		if err != nil {
			return cfg, fmt.Errorf("invalid fallback key %d: %w", i, err)
		}
		cfg.FallbackKeys = append(cfg.FallbackKeys, k)
	}
	return cfg, cfg.Validate()
}

type checkpointEncryption struct {
	next   ports.CheckpointStore
	config EncryptionConfig
}

// NewCheckpointEncryption seals checkpoints with AES-GCM. The stored envelope
// keeps the workflow ID, status and timestamps readable for listing and
// monitoring; the graph, node states and failure are hidden.
func NewCheckpointEncryption(config EncryptionConfig) (CheckpointMiddleware, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return func(next ports.CheckpointStore) ports.CheckpointStore {
		return &checkpointEncryption{next: next, config: config}
	}, nil
}

func (m *checkpointEncryption) Save(ctx context.Context, cp *domain.Checkpoint) error {
	plain, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	sealed, err := encrypt(plain, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt checkpoint: %w", err)
	}

	envelope := &domain.Checkpoint{
		Version:    cp.Version,
		WorkflowID: cp.WorkflowID,
		Status:     cp.Status,
		CreatedAt:  cp.CreatedAt,
		Workflow: domain.Workflow{
			ID:       cp.Workflow.ID,
			Metadata: map[string]string{EnvelopeKey: base64.StdEncoding.EncodeToString(sealed)},
		},
	}
	return m.next.Save(ctx, envelope)
}

func (m *checkpointEncryption) Load(ctx context.Context, id domain.WorkflowID) (*domain.Checkpoint, error) {
	envelope, err := m.next.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	encoded, ok := envelope.Workflow.Metadata[EnvelopeKey]
	if !ok {
		// Plain checkpoints written before encryption was enabled are refused.
		return nil, fmt.Errorf("%w: checkpoint is missing its encrypted envelope", domain.ErrCheckpointCorrupt)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode envelope: %v", domain.ErrCheckpointCorrupt, err)
	}
	plain, err := decryptWithRotation(sealed, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCheckpointCorrupt, err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(plain, &cp); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal decrypted checkpoint: %v", domain.ErrCheckpointCorrupt, err)
	}
	return &cp, nil
}

func (m *checkpointEncryption) Delete(ctx context.Context, id domain.WorkflowID) error {
	return m.next.Delete(ctx, id)
}

func (m *checkpointEncryption) List(ctx context.Context) ([]domain.WorkflowID, error) {
	return m.next.List(ctx)
}

type blobEncryption struct {
	next   ports.BlobStore
	config EncryptionConfig
}

// NewBlobEncryption seals artifact payloads with AES-GCM before they reach
// the wrapped tier.
func NewBlobEncryption(config EncryptionConfig) (BlobMiddleware, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return func(next ports.BlobStore) ports.BlobStore {
		return &blobEncryption{next: next, config: config}
	}, nil
}

func (m *blobEncryption) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := encrypt(data, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt blob: %w", err)
	}
	return m.next.Put(ctx, key, sealed)
}

func (m *blobEncryption) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := m.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := decryptWithRotation(sealed, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt blob %s: %w", key, err)
	}
	return plain, nil
}

func (m *blobEncryption) Delete(ctx context.Context, key string) error {
	return m.next.Delete(ctx, key)
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
