package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// AdminKeyPrefix is prepended to generated admin API keys.
	AdminKeyPrefix      = "gk_"
	adminKeyStorePrefix = "gate:adminkey:"
)

// ErrInvalidAdminKey is returned when a presented key is unknown.
var ErrInvalidAdminKey = errors.New("invalid admin API key")

// AdminKeyMeta describes an admin API key. The raw key is never persisted.
type AdminKeyMeta struct {
	ID         string `json:"id"` // SHA-256 of the raw key
	Label      string `json:"label"`
	Prefix     string `json:"prefix"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

// GenerateAdminKey creates a random key. This is the only time the raw value
// is available.
func GenerateAdminKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return AdminKeyPrefix + hex.EncodeToString(b), nil
}

func hashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

func adminKeyKey(keyHash string) string {
	return adminKeyStorePrefix + keyHash
}

// StoreAdminKey persists metadata for rawKey under its hash.
func StoreAdminKey(ctx context.Context, s KVStore, rawKey, label string) (AdminKeyMeta, error) {
	keyHash := hashKey(rawKey)
	meta := AdminKeyMeta{
		ID:        keyHash,
		Label:     label,
		Prefix:    safePrefix(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return AdminKeyMeta{}, fmt.Errorf("failed to marshal admin key metadata: %w", err)
	}
	if err := s.SetValue(ctx, adminKeyKey(keyHash), string(data)); err != nil {
		return AdminKeyMeta{}, fmt.Errorf("failed to store admin key: %w", err)
	}
	return meta, nil
}

// ValidateAdminKey looks up rawKey and stamps its last use.
func ValidateAdminKey(ctx context.Context, s KVStore, rawKey string) (AdminKeyMeta, error) {
	if !strings.HasPrefix(rawKey, AdminKeyPrefix) {
		return AdminKeyMeta{}, ErrInvalidAdminKey
	}
	keyHash := hashKey(rawKey)
	value, err := s.GetValue(ctx, adminKeyKey(keyHash))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return AdminKeyMeta{}, ErrInvalidAdminKey
		}
		return AdminKeyMeta{}, fmt.Errorf("failed to look up admin key: %w", err)
	}

	var meta AdminKeyMeta
	if err := json.Unmarshal([]byte(value), &meta); err != nil {
		return AdminKeyMeta{}, fmt.Errorf("failed to unmarshal admin key metadata: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(meta.ID), []byte(keyHash)) != 1 {
		return AdminKeyMeta{}, ErrInvalidAdminKey
	}

	// Best effort; a failed stamp must not reject the request.
	meta.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	if data, err := json.Marshal(meta); err == nil {
		_ = s.SetValue(ctx, adminKeyKey(keyHash), string(data))
	}
	return meta, nil
}

// ListAdminKeys returns metadata for every stored admin key.
func ListAdminKeys(ctx context.Context, s KVStore) ([]AdminKeyMeta, error) {
	keys, err := s.ListKeys(ctx, adminKeyStorePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list admin keys: %w", err)
	}

	var result []AdminKeyMeta
	for _, k := range keys {
		value, err := s.GetValue(ctx, k)
		if err != nil {
			continue // deleted between list and get
		}
		var meta AdminKeyMeta
		if err := json.Unmarshal([]byte(value), &meta); err != nil {
			continue
		}
		result = append(result, meta)
	}
	return result, nil
}

// RevokeAdminKey deletes a key by its hash ID.
func RevokeAdminKey(ctx context.Context, s KVStore, keyID string) error {
	if err := s.DeleteValue(ctx, adminKeyKey(keyID)); err != nil {
		return fmt.Errorf("failed to revoke admin key: %w", err)
	}
	return nil
}

func safePrefix(rawKey string) string {
	end := len(AdminKeyPrefix) + 8
	if len(rawKey) <= end {
		return rawKey
	}
	return rawKey[:end] + "..."
}
