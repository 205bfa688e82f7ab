package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/model-gateway/internal/store/model"
)

const (
	keyPrefix    = "sk-gw-"
	displayChars = 12
)

// HashKey is the stored form of a credential.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey generates a credential for userID. The plaintext is returned
// once and only its hash is kept on the record.
func NewAPIKey(userID, name string, expiresAt *time.Time) (string, *model.APIKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	key := &model.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   HashKey(plaintext),
		Prefix:    plaintext[:displayChars],
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if expiresAt != nil {
		key.ExpiresAt = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}
	return plaintext, key, nil
}
