package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// MockKVStore is a simple in-memory implementation of KVStore for testing
type MockKVStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMockKVStore() *MockKVStore {
	return &MockKVStore{
		data: make(map[string]string),
	}
}

func (m *MockKVStore) SetValue(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MockKVStore) SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error {
	return m.SetValue(ctx, key, value)
}

func (m *MockKVStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *MockKVStore) GetValue(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, exists := m.data[key]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

func (m *MockKVStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	prefix := strings.ReplaceAll(pattern, "*", "")
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MockKVStore) DeleteValue(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MockKVStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[key] != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MockKVStore) Ping(ctx context.Context) error { return nil }

func (m *MockKVStore) Close() error {
	return nil
}

func TestLockerIsExclusive(t *testing.T) {
	t.Log("\n🔍 Testing Locker mutual exclusion...")

	ctx := context.Background()
	kv := NewMockKVStore()
	first := NewLocker(kv, "gate:admission:lock", time.Minute)
	second := NewLocker(kv, "gate:admission:lock", time.Minute)

	release, err := first.TryLock(ctx)
	require.NoError(t, err)

	_, err = second.TryLock(ctx)
	require.True(t, errors.Is(err, ErrLockHeld))

	require.NoError(t, release(ctx))

	release2, err := second.TryLock(ctx)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestLockerReleaseDoesNotStealForeignLease(t *testing.T) {
	t.Log("\n🔍 Testing Locker release after lease takeover...")

	ctx := context.Background()
	kv := NewMockKVStore()
	locker := NewLocker(kv, "lock", time.Minute)

	release, err := locker.TryLock(ctx)
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	require.NoError(t, kv.SetValue(ctx, "lock", "someone-else"))
	require.NoError(t, release(ctx))

	value, err := kv.GetValue(ctx, "lock")
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

func TestAdminKeys(t *testing.T) {
	t.Log("\n🔍 Testing admin key lifecycle...")

	ctx := context.Background()
	kv := NewMockKVStore()

	raw, err := GenerateAdminKey()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, AdminKeyPrefix))

	meta, err := StoreAdminKey(ctx, kv, raw, "ops")
	require.NoError(t, err)
	require.Equal(t, "ops", meta.Label)
	require.NotContains(t, meta.Prefix, raw[len(AdminKeyPrefix)+8:])

	got, err := ValidateAdminKey(ctx, kv, raw)
	require.NoError(t, err)
	require.Equal(t, meta.ID, got.ID)
	require.NotEmpty(t, got.LastUsedAt)

	_, err = ValidateAdminKey(ctx, kv, AdminKeyPrefix+"deadbeef")
	require.True(t, errors.Is(err, ErrInvalidAdminKey))
	_, err = ValidateAdminKey(ctx, kv, "no-prefix")
	require.True(t, errors.Is(err, ErrInvalidAdminKey))

	keys, err := ListAdminKeys(ctx, kv)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, RevokeAdminKey(ctx, kv, meta.ID))
	_, err = ValidateAdminKey(ctx, kv, raw)
	require.True(t, errors.Is(err, ErrInvalidAdminKey))
}
