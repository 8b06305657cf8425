package client

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay-go/internal/keystore"
)

// memBackend is a minimal in-process keystore.Backend, enough to drive
// loadAccountState without a real sqlite/redis/postgres dependency.
type memBackend struct {
	mu   sync.Mutex
	data map[keystore.Namespace]map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[keystore.Namespace]map[string][]byte{}}
}

func (m *memBackend) Initialize(ctx context.Context) error { return nil }
func (m *memBackend) Shutdown(ctx context.Context) error   { return nil }

func (m *memBackend) Get(ctx context.Context, ns keystore.Namespace, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	return v, ok, nil
}

func (m *memBackend) Set(ctx context.Context, ns keystore.Namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = map[string][]byte{}
	}
	m.data[ns][key] = value
	return nil
}

func (m *memBackend) Has(ctx context.Context, ns keystore.Namespace, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[ns][key]
	return ok, nil
}

func (m *memBackend) Remove(ctx context.Context, ns keystore.Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *memBackend) Keys(ctx context.Context, ns keystore.Namespace, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	_ = pattern
	return keys, nil
}

func TestLoadAccountStateFailsWithoutRegistration(t *testing.T) {
	store := keystore.New(newMemBackend())
	_, _, _, _, err := loadAccountState(t.Context(), store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no registered account")
}

func TestLoadAccountStateReadsPersistedFields(t *testing.T) {
	store := keystore.New(newMemBackend())
	userID := uuid.New()
	ctx := t.Context()

	require.NoError(t, store.SetState(ctx, "addr", keystore.NewStringValue(userID.String())))
	require.NoError(t, store.SetState(ctx, "deviceId", keystore.NewNumberValue(1)))
	require.NoError(t, store.SetState(ctx, "password", keystore.NewStringValue("secret-pw")))
	require.NoError(t, store.SetState(ctx, "serverUrl", keystore.NewStringValue("https://relay.example")))
	require.NoError(t, store.SetState(ctx, "signalingKey", keystore.NewBufferValue(make([]byte, 52))))

	addr, password, serverURL, signalingKey, err := loadAccountState(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, userID, addr.UserID)
	assert.Equal(t, uint32(1), addr.DeviceID)
	assert.Equal(t, "secret-pw", password)
	assert.Equal(t, "https://relay.example", serverURL)
	assert.Len(t, signalingKey, 52)
}

func TestLoadAccountStateRejectsWrongLengthSignalingKey(t *testing.T) {
	store := keystore.New(newMemBackend())
	ctx := t.Context()

	require.NoError(t, store.SetState(ctx, "addr", keystore.NewStringValue(uuid.New().String())))
	require.NoError(t, store.SetState(ctx, "deviceId", keystore.NewNumberValue(1)))
	require.NoError(t, store.SetState(ctx, "password", keystore.NewStringValue("secret-pw")))
	require.NoError(t, store.SetState(ctx, "signalingKey", keystore.NewBufferValue(make([]byte, 10))))

	_, _, _, _, err := loadAccountState(ctx, store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong length")
}

func TestResolveURLFallsBackWithoutResolver(t *testing.T) {
	assert.Equal(t, "https://fallback.example", resolveURL(nil, "relay", "https://fallback.example"))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
