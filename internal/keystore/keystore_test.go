package keystore

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/signalproto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend used only by this package's tests;
// the real backends (sqlite/redis/postgres) need a live driver to test
// against.
type memBackend struct {
	mu   sync.Mutex
	data map[Namespace]map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[Namespace]map[string][]byte{}}
}

func (m *memBackend) Initialize(ctx context.Context) error { return nil }
func (m *memBackend) Shutdown(ctx context.Context) error    { return nil }

func (m *memBackend) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	return v, ok, nil
}

func (m *memBackend) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = map[string][]byte{}
	}
	m.data[ns][key] = value
	return nil
}

func (m *memBackend) Has(ctx context.Context, ns Namespace, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[ns][key]
	return ok, nil
}

func (m *memBackend) Remove(ctx context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *memBackend) Keys(ctx context.Context, ns Namespace, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var re *regexp.Regexp
	if pattern != "" {
		re = regexp.MustCompile(pattern)
	}
	var out []string
	for k := range m.data[ns] {
		if re == nil || re.MatchString(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func TestValueEncodeDecodeBijection(t *testing.T) {
	cases := []Value{
		NewBufferValue([]byte("hello")),
		NewBufferValue(nil),
		NewStringValue("a string"),
		NewNumberValue(42),
	}
	for _, v := range cases {
		raw, err := v.MarshalBinary()
		require.NoError(t, err)
		var got Value
		require.NoError(t, got.UnmarshalBinary(raw))
		assert.Equal(t, v.Kind, got.Kind)
	}
}

func TestSaveAndGetOurIdentity(t *testing.T) {
	ks := New(newMemBackend())
	ctx := context.Background()

	_, ok, err := ks.GetOurIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	idk, err := signalproto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	require.NoError(t, ks.SaveOurIdentity(ctx, idk))

	got, ok, err := ks.GetOurIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idk.Public, got.Public)
	assert.Equal(t, idk.Private, got.Private)
}

func TestPreKeyStoreLoadRemove(t *testing.T) {
	ks := New(newMemBackend())
	ctx := context.Background()

	keys, err := signalproto.GeneratePreKeys(1, 3)
	require.NoError(t, err)
	for i := range keys {
		require.NoError(t, ks.StorePreKey(ctx, &keys[i]))
	}

	got, ok, err := ks.LoadPreKey(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, keys[1].Public, got.Public)

	require.NoError(t, ks.RemovePreKey(ctx, 2))
	_, ok, err = ks.LoadPreKey(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignedPreKeyRoundTrip(t *testing.T) {
	ks := New(newMemBackend())
	ctx := context.Background()
	identity, err := signalproto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	spk, err := signalproto.GenerateSignedPreKey(identity, 7)
	require.NoError(t, err)

	require.NoError(t, ks.StoreSignedPreKey(ctx, spk))
	got, ok, err := ks.LoadSignedPreKey(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, spk.Public, got.Public)
	assert.True(t, got.Verify(identity.SigningPublic))
}

func TestSaveIdentityPurgesSessionsOnMismatch(t *testing.T) {
	ks := New(newMemBackend())
	ctx := context.Background()
	userID := "11111111-1111-1111-1111-111111111111"
	addr := address.New(parseUUIDOrPanic(t, userID), 1)

	require.NoError(t, ks.SaveIdentity(ctx, userID, []byte("key-a")))
	require.NoError(t, ks.StoreSession(ctx, addr, []byte("ratchet-state")))

	ids, err := ks.GetDeviceIDs(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, ids)

	// Same key again: sessions survive.
	require.NoError(t, ks.SaveIdentity(ctx, userID, []byte("key-a")))
	ids, err = ks.GetDeviceIDs(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// Different key: sessions purged.
	require.NoError(t, ks.SaveIdentity(ctx, userID, []byte("key-b")))
	ids, err = ks.GetDeviceIDs(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIsTrustedIdentity(t *testing.T) {
	ks := New(newMemBackend())
	ctx := context.Background()
	userID := "22222222-2222-2222-2222-222222222222"

	trusted, err := ks.IsTrustedIdentity(ctx, userID, []byte("first-contact-key"))
	require.NoError(t, err)
	assert.True(t, trusted, "first contact is implicitly trusted")

	require.NoError(t, ks.SaveIdentity(ctx, userID, []byte("first-contact-key")))
	trusted, err = ks.IsTrustedIdentity(ctx, userID, []byte("first-contact-key"))
	require.NoError(t, err)
	assert.True(t, trusted)

	trusted, err = ks.IsTrustedIdentity(ctx, userID, []byte("a-different-key"))
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestClearSessionStoreRemovesAllPeers(t *testing.T) {
	ks := New(newMemBackend())
	ctx := context.Background()
	a1 := address.New(parseUUIDOrPanic(t, "33333333-3333-3333-3333-333333333333"), 1)
	a2 := address.New(parseUUIDOrPanic(t, "44444444-4444-4444-4444-444444444444"), 1)

	require.NoError(t, ks.StoreSession(ctx, a1, []byte("s1")))
	require.NoError(t, ks.StoreSession(ctx, a2, []byte("s2")))
	require.NoError(t, ks.ClearSessionStore(ctx))

	_, ok, err := ks.LoadSession(ctx, a1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = ks.LoadSession(ctx, a2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func parseUUIDOrPanic(t *testing.T, s string) uuid.UUID {
	u, err := uuid.Parse(s)
	require.NoError(t, err)
	return u
}
