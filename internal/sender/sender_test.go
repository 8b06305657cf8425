package sender

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/atlasclient"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/relayclient"
	"github.com/forstalabs/librelay-go/internal/sendqueue"
	"github.com/forstalabs/librelay-go/internal/signalproto"
)

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

type stubCipher struct {
	mu     sync.Mutex
	open   bool
	closed bool
}

func (c *stubCipher) HasOpenSession(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, nil
}

func (c *stubCipher) InitOutgoing(ctx context.Context, bundle *signalproto.PreKeyBundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	return nil
}

func (c *stubCipher) Encrypt(ctx context.Context, buf []byte) (*signalproto.EncryptResult, error) {
	return &signalproto.EncryptResult{Type: signalproto.CiphertextWhisper, Body: []byte("ct"), DestinationRegistrationID: 42}, nil
}

func (c *stubCipher) DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	return nil, nil
}

func (c *stubCipher) DecryptPreKeyWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	return nil, nil
}

func (c *stubCipher) CloseOpenSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closed = true
	return nil
}

type stubFactory struct {
	mu      sync.Mutex
	ciphers map[string]*stubCipher
}

func newStubFactory() *stubFactory {
	return &stubFactory{ciphers: map[string]*stubCipher{}}
}

func (f *stubFactory) For(userID string, deviceID uint32) signalproto.SessionCipher {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s.%d", userID, deviceID)
	c, ok := f.ciphers[key]
	if !ok {
		c = &stubCipher{}
		f.ciphers[key] = c
	}
	return c
}

func (f *stubFactory) cipher(userID string, deviceID uint32) *stubCipher {
	return f.For(userID, deviceID).(*stubCipher)
}

type stubRelay struct {
	mu        sync.Mutex
	bundles   []*signalproto.PreKeyBundle
	attachCnt uint64
}

func (r *stubRelay) GetKeysForAddr(ctx context.Context, addr address.Addr, deviceID string) ([]*signalproto.PreKeyBundle, error) {
	return r.bundles, nil
}

func (r *stubRelay) SendMessages(ctx context.Context, destination string, messages []relayclient.OutgoingEnvelope, timestamp int64) error {
	return nil
}

func (r *stubRelay) SendMessage(ctx context.Context, addr address.Addr, deviceID uint32, message relayclient.OutgoingEnvelope) error {
	return nil
}

func (r *stubRelay) PutAttachment(ctx context.Context, ciphertext []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachCnt++
	return r.attachCnt, nil
}

type stubAtlas struct {
	result *atlasclient.ResolveTagsResult
	err    error
}

func (a *stubAtlas) ResolveTags(ctx context.Context, expression string) (*atlasclient.ResolveTagsResult, error) {
	return a.result, a.err
}

func testOurAddr(t *testing.T) address.Addr {
	t.Helper()
	return address.New(uuid.New(), 1)
}

func newTestSender(t *testing.T, relay RelayClient, atlas AtlasResolver) (*Sender, *keystore.KeyStore, *stubFactory) {
	t.Helper()
	store := keystore.New(newMemBackend())
	factory := newStubFactory()
	dispatcher := sendqueue.New(0)
	t.Cleanup(dispatcher.Shutdown)
	return New(store, relay, atlas, factory, testOurAddr(t), dispatcher), store, factory
}

func TestSendFansOutToResolvedDistributionAndSyncsToSelf(t *testing.T) {
	peerA := uuid.New()
	peerB := uuid.New()
	relay := &stubRelay{bundles: []*signalproto.PreKeyBundle{{DeviceID: 1, RegistrationID: 7}}}
	atlas := &stubAtlas{result: &atlasclient.ResolveTagsResult{
		UserIDs:   []string{peerA.String(), peerB.String()},
		Universal: "@a + @b",
	}}

	s, _, factory := newTestSender(t, relay, atlas)
	sentCh, _ := s.OnSent(16)

	err := s.Send(t.Context(), SendOptions{
		To:          "@a + @b",
		ThreadID:    "thread-1",
		ThreadType:  "conversation",
		MessageType: "content",
		MessageID:   "msg-1",
		Body:        nil,
	})
	require.NoError(t, err)

	assert.True(t, factory.cipher(peerA.String(), 1).open)
	assert.True(t, factory.cipher(peerB.String(), 1).open)

	var sentCount int
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case <-sentCh:
			sentCount++
		case <-deadline:
			break collect
		default:
			if sentCount >= 3 { // peerA, peerB, sync-to-self
				break collect
			}
			time.Sleep(time.Millisecond)
		}
	}
	assert.GreaterOrEqual(t, sentCount, 3)
}

func TestSendScrubsOwnUserIDFromDistribution(t *testing.T) {
	relay := &stubRelay{}
	s, _, _ := newTestSender(t, relay, &stubAtlas{})

	err := s.Send(t.Context(), SendOptions{
		Distribution: &Distribution{UserIDs: []string{s.ourAddr.UserID.String()}, Expression: "self"},
		NoSync:       true,
	})
	require.NoError(t, err)
	// No recipients left after scrubbing means no addresses were
	// dispatched; nothing to assert beyond Send not blocking forever.
}

func TestSendUploadsAttachmentsAndBuildsPointers(t *testing.T) {
	relay := &stubRelay{bundles: []*signalproto.PreKeyBundle{{DeviceID: 1, RegistrationID: 7}}}
	peer := uuid.New()
	s, _, _ := newTestSender(t, relay, &stubAtlas{})

	err := s.Send(t.Context(), SendOptions{
		Distribution: &Distribution{UserIDs: []string{peer.String()}, Expression: "@peer"},
		NoSync:       true,
		Attachments: []Attachment{
			{Name: "photo.jpg", MimeType: "image/jpeg", Data: []byte("binary-ish-data"), Mtime: time.Unix(0, 0)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), relay.attachCnt)
}

func TestCloseSessionPurgesBeforeAndAfterEndSession(t *testing.T) {
	relay := &stubRelay{}
	peer := uuid.New()
	s, store, factory := newTestSender(t, relay, &stubAtlas{})

	require.NoError(t, store.StoreSession(t.Context(), address.New(peer, 1), []byte("state")))
	factory.cipher(peer.String(), 1).open = true

	err := s.CloseSession(t.Context(), address.Bare(peer), true)
	require.NoError(t, err)
	assert.True(t, factory.cipher(peer.String(), 1).closed)
}
