package database

import (
	"context"
	"errors"
	"fmt"

	"cyberherd/internal/crypto"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSecretNotFound is returned when a secret_config key has no stored value.
var ErrSecretNotFound = errors.New("secret config key not found")

// SecretConfigRepository stores operator-supplied secrets (the self-identity
// Nostr secret key, wallet/feeder API keys) encrypted at rest with the
// AES-256-GCM envelope in internal/crypto, keyed by logical name.
type SecretConfigRepository struct {
	db  *pgxpool.Pool
	key []byte
}

// NewSecretConfigRepository creates a repository that encrypts/decrypts with
// the given 32-byte key (see crypto.KeySize).
func NewSecretConfigRepository(db *DB, encryptionKey []byte) *SecretConfigRepository {
	return &SecretConfigRepository{db: db.pool, key: encryptionKey}
}

// Put encrypts and upserts a secret under key.
func (r *SecretConfigRepository) Put(ctx context.Context, key, plaintext string) error {
	encrypted, err := crypto.Encrypt(plaintext, r.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret %s: %w", key, err)
	}
	query := `INSERT INTO secret_config (key, encrypted_value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET encrypted_value = EXCLUDED.encrypted_value, updated_at = now()`
	if _, err := r.db.Exec(ctx, query, key, encrypted); err != nil {
		return fmt.Errorf("failed to store secret %s: %w", key, err)
	}
	return nil
}

// Get retrieves and decrypts a secret by key.
func (r *SecretConfigRepository) Get(ctx context.Context, key string) (string, error) {
	var encrypted string
	err := r.db.QueryRow(ctx, `SELECT encrypted_value FROM secret_config WHERE key = $1`, key).Scan(&encrypted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to load secret %s: %w", key, err)
	}
	plaintext, err := crypto.Decrypt(encrypted, r.key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", key, err)
	}
	return plaintext, nil
}
