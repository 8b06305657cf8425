package receiver

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/exchange"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/relayclient"
	"github.com/forstalabs/librelay-go/internal/relayerr"
	"github.com/forstalabs/librelay-go/internal/signalproto"
	"github.com/forstalabs/librelay-go/internal/wire"
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

// stubCipher lets each test script exactly what DecryptWhisperMessage
// should return, including error sequences across repeated calls.
type stubCipher struct {
	mu         sync.Mutex
	closed     bool
	plaintexts [][]byte
	errs       []error
	call       int
}

func (c *stubCipher) next() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.call
	if i >= len(c.plaintexts) {
		i = len(c.plaintexts) - 1
	}
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	c.call++
	return c.plaintexts[i], err
}

func (c *stubCipher) HasOpenSession(ctx context.Context) (bool, error) { return true, nil }
func (c *stubCipher) InitOutgoing(ctx context.Context, bundle *signalproto.PreKeyBundle) error {
	return nil
}
func (c *stubCipher) Encrypt(ctx context.Context, buf []byte) (*signalproto.EncryptResult, error) {
	return nil, nil
}
func (c *stubCipher) DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	return c.next()
}
func (c *stubCipher) DecryptPreKeyWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	return c.next()
}
func (c *stubCipher) CloseOpenSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
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
	batches   [][]relayclient.EnvelopeWire
	deleteCt  int
	refreshCt int
}

func (r *stubRelay) GetDevices(ctx context.Context) ([]uint32, error) { return []uint32{1}, nil }
func (r *stubRelay) GetMessageWebSocketURL() string                  { return "ws://example.invalid/v1/websocket/" }
func (r *stubRelay) GetMessages(ctx context.Context) ([]relayclient.EnvelopeWire, bool, error) {
	if len(r.batches) == 0 {
		return nil, false, nil
	}
	batch := r.batches[0]
	r.batches = r.batches[1:]
	return batch, len(r.batches) > 0, nil
}
func (r *stubRelay) DeleteMessage(ctx context.Context, source string, timestamp int64) error {
	r.deleteCt++
	return nil
}
func (r *stubRelay) RefreshPreKeys(ctx context.Context, identity *signalproto.IdentityKeyPair, signed *signalproto.SignedPreKey, startID uint32, minLevel, fill int) ([]signalproto.PreKey, error) {
	r.refreshCt++
	return nil, nil
}

// stubRecoverer records CloseSession calls in place of a real
// sender.Sender, standing in for receive-path session-error recovery.
type stubRecoverer struct {
	mu    sync.Mutex
	calls []address.Addr
}

func (s *stubRecoverer) CloseSession(ctx context.Context, addr address.Addr, retransmit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, addr)
	return nil
}

func newTestReceiver(t *testing.T, relay RelayClient, factory *stubFactory) (*Receiver, address.Addr) {
	t.Helper()
	store := keystore.New(newMemBackend())
	ourAddr := address.New(uuid.New(), 1)
	return New(store, relay, factory, ourAddr, make([]byte, 52)), ourAddr
}

func contentBytes(t *testing.T, body string) []byte {
	t.Helper()
	content := (&wire.Content{DataMessage: &wire.DataMessage{Body: body, Timestamp: 1}}).Marshal()
	return signalproto.PadMessage(content, 160)
}

func TestHandleEnvelopeDispatchesDataMessage(t *testing.T) {
	factory := newStubFactory()
	r, _ := newTestReceiver(t, &stubRelay{}, factory)
	msgCh, _ := r.OnMessage(4)

	peer := uuid.New()
	body, err := exchange.Encode(exchange.Payload{Version: exchange.CurrentVersion, MessageID: "m1"})
	require.NoError(t, err)

	cipher := factory.cipher(peer.String(), 1)
	cipher.plaintexts = [][]byte{contentBytes(t, body)}

	envelope := &wire.Envelope{Source: peer.String(), SourceDevice: 1, Type: wire.EnvelopeCiphertext, Timestamp: 99}
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case ev := <-msgCh:
		assert.Equal(t, "m1", ev.Payload.MessageID)
		assert.Equal(t, int64(99), ev.Timestamp)
	default:
		t.Fatal("expected a message event")
	}
}

func TestHandleEnvelopeIgnoresDeprecatedSyncVariants(t *testing.T) {
	factory := newStubFactory()
	r, ourAddr := newTestReceiver(t, &stubRelay{}, factory)
	syncCh, _ := r.OnSync(4)
	errCh, _ := r.OnError(4)

	// A legitimate sync comes from our own account on a different device.
	otherDevice := ourAddr.UserID.String()
	content := (&wire.Content{SyncMessage: &wire.SyncMessage{Contacts: []byte("legacy-contacts")}}).Marshal()

	cipher := factory.cipher(otherDevice, 2)
	cipher.plaintexts = [][]byte{signalproto.PadMessage(content, 160)}

	envelope := &wire.Envelope{Source: otherDevice, SourceDevice: 2, Type: wire.EnvelopeCiphertext, Timestamp: 5}
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case <-syncCh:
		t.Fatal("unexpected sync event for a deprecated contacts sync")
	case ev := <-errCh:
		t.Fatalf("unexpected error event for a deprecated contacts sync: %+v", ev)
	default:
	}
}

func TestHandleEnvelopeDropsForgedSyncMessage(t *testing.T) {
	factory := newStubFactory()
	r, ourAddr := newTestReceiver(t, &stubRelay{}, factory)
	syncCh, _ := r.OnSync(4)
	errCh, _ := r.OnError(4)

	// A syncMessage claiming to originate from a peer (not our own
	// account) must be dropped, not dispatched as a SyncEvent.
	peer := uuid.New()
	body, err := exchange.Encode(exchange.Payload{Version: exchange.CurrentVersion, MessageID: "forged-sync"})
	require.NoError(t, err)
	content := (&wire.Content{SyncMessage: &wire.SyncMessage{
		Sent: &wire.Sent{Message: &wire.DataMessage{Body: body, Timestamp: 1}},
	}}).Marshal()

	cipher := factory.cipher(peer.String(), 1)
	cipher.plaintexts = [][]byte{signalproto.PadMessage(content, 160)}

	envelope := &wire.Envelope{Source: peer.String(), SourceDevice: 1, Type: wire.EnvelopeCiphertext, Timestamp: 5}
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case ev := <-syncCh:
		t.Fatalf("unexpected sync event from a non-self address: %+v", ev)
	case ev := <-errCh:
		t.Fatalf("unexpected error event from a non-self address: %+v", ev)
	default:
	}

	// Our own deviceId claiming to sync to itself is equally forged.
	selfContent := (&wire.Content{SyncMessage: &wire.SyncMessage{
		Sent: &wire.Sent{Message: &wire.DataMessage{Body: body, Timestamp: 1}},
	}}).Marshal()
	selfCipher := factory.cipher(ourAddr.UserID.String(), ourAddr.DeviceID)
	selfCipher.plaintexts = [][]byte{signalproto.PadMessage(selfContent, 160)}
	selfEnvelope := &wire.Envelope{Source: ourAddr.UserID.String(), SourceDevice: ourAddr.DeviceID, Type: wire.EnvelopeCiphertext, Timestamp: 6}
	r.handleEnvelope(t.Context(), selfEnvelope, true, false)

	select {
	case ev := <-syncCh:
		t.Fatalf("unexpected sync event claiming our own device as origin: %+v", ev)
	case ev := <-errCh:
		t.Fatalf("unexpected error event claiming our own device as origin: %+v", ev)
	default:
	}
}

func TestHandleEnvelopeDropsDuplicateSilently(t *testing.T) {
	factory := newStubFactory()
	r, _ := newTestReceiver(t, &stubRelay{}, factory)
	msgCh, _ := r.OnMessage(4)
	errCh, _ := r.OnError(4)

	peer := uuid.New()
	cipher := factory.cipher(peer.String(), 1)
	cipher.plaintexts = [][]byte{nil}
	cipher.errs = []error{&relayerr.SessionError{Addr: peer.String(), Kind: relayerr.SessionErrorCounter, Err: fmt.Errorf("replay")}}

	envelope := &wire.Envelope{Source: peer.String(), SourceDevice: 1, Type: wire.EnvelopeCiphertext, Timestamp: 1}
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case <-msgCh:
		t.Fatal("unexpected message event for a duplicate")
	case ev := <-errCh:
		t.Fatalf("unexpected error event for a duplicate: %+v", ev)
	default:
	}
}

func TestHandleEnvelopeRecoversFromAcceptedKeyChange(t *testing.T) {
	factory := newStubFactory()
	r, _ := newTestReceiver(t, &stubRelay{}, factory)
	msgCh, _ := r.OnMessage(4)
	keychangeCh, _ := r.OnKeyChange(4)

	peer := uuid.New()
	body, err := exchange.Encode(exchange.Payload{Version: exchange.CurrentVersion, MessageID: "m2"})
	require.NoError(t, err)

	cipher := factory.cipher(peer.String(), 1)
	cipher.plaintexts = [][]byte{nil, contentBytes(t, body)}
	pinned := []byte("new-key||new-signing-key")
	cipher.errs = []error{relayerr.NewIdentityKeyError(peer.String(), []byte("new-key"), pinned)}

	envelope := &wire.Envelope{Source: peer.String(), SourceDevice: 1, Type: wire.EnvelopeCiphertext, Timestamp: 5}

	go func() {
		ev := <-keychangeCh
		ev.Decision.Accept()
	}()
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case ev := <-msgCh:
		assert.Equal(t, "m2", ev.Payload.MessageID)
	default:
		t.Fatal("expected the retried envelope to dispatch as a message")
	}

	trusted, err := r.store.IsTrustedIdentity(t.Context(), peer.String(), pinned)
	require.NoError(t, err)
	assert.True(t, trusted, "accepted key change should be persisted, not just re-raised on retry")
}

func TestHandleEnvelopeDropsBlockedSourceSilently(t *testing.T) {
	factory := newStubFactory()
	r, _ := newTestReceiver(t, &stubRelay{}, factory)
	msgCh, _ := r.OnMessage(4)
	errCh, _ := r.OnError(4)

	peer := uuid.New()
	require.NoError(t, r.store.SetBlocked(t.Context(), peer.String(), true))

	body, err := exchange.Encode(exchange.Payload{Version: exchange.CurrentVersion, MessageID: "blocked-1"})
	require.NoError(t, err)
	cipher := factory.cipher(peer.String(), 1)
	cipher.plaintexts = [][]byte{contentBytes(t, body)}

	envelope := &wire.Envelope{Source: peer.String(), SourceDevice: 1, Type: wire.EnvelopeCiphertext, Timestamp: 11}
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case <-msgCh:
		t.Fatal("unexpected message event for a blocked source")
	case ev := <-errCh:
		t.Fatalf("unexpected error event for a blocked source: %+v", ev)
	default:
	}
}

func TestHandleEnvelopeReceiptTypeEmitsReceiptEvent(t *testing.T) {
	factory := newStubFactory()
	r, _ := newTestReceiver(t, &stubRelay{}, factory)
	receiptCh, _ := r.OnReceipt(4)

	peer := uuid.New()
	envelope := &wire.Envelope{Source: peer.String(), SourceDevice: 1, Type: wire.EnvelopeReceipt, Timestamp: 42}
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case ev := <-receiptCh:
		assert.Equal(t, int64(42), ev.Timestamp)
	default:
		t.Fatal("expected a receipt event")
	}
}

func TestHandleEnvelopeSessionErrorRefreshesKeysAndClosesSession(t *testing.T) {
	factory := newStubFactory()
	relay := &stubRelay{}
	r, _ := newTestReceiver(t, relay, factory)
	recoverer := &stubRecoverer{}
	r.SetRecoverer(recoverer)
	msgCh, _ := r.OnMessage(4)
	errCh, _ := r.OnError(4)

	// The prekey refresh needs a registered identity and signed prekey.
	identity, err := signalproto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	require.NoError(t, r.store.SaveOurIdentity(t.Context(), identity))
	signed, err := signalproto.GenerateSignedPreKey(identity, 1)
	require.NoError(t, err)
	require.NoError(t, r.store.StoreSignedPreKey(t.Context(), signed))
	require.NoError(t, r.store.SetState(t.Context(), "signedKeyId", keystore.NewNumberValue(1)))

	peer := uuid.New()
	cipher := factory.cipher(peer.String(), 1)
	cipher.plaintexts = [][]byte{nil}
	cipher.errs = []error{&relayerr.SessionError{Addr: peer.String(), Kind: relayerr.SessionErrorPreKey, Err: fmt.Errorf("bad prekey bundle")}}

	envelope := &wire.Envelope{Source: peer.String(), SourceDevice: 1, Type: wire.EnvelopePreKeyBundle, Timestamp: 7}
	r.handleEnvelope(t.Context(), envelope, true, false)

	select {
	case <-msgCh:
		t.Fatal("unexpected message event from a session error")
	case ev := <-errCh:
		t.Fatalf("session errors recover silently, not via an error event: %+v", ev)
	default:
	}

	recoverer.mu.Lock()
	defer recoverer.mu.Unlock()
	require.Len(t, recoverer.calls, 1)
	assert.Equal(t, address.New(peer, 1), recoverer.calls[0])
	assert.Equal(t, 1, relay.refreshCt)
}

func TestDrainPollsUntilNoMoreAndAcksEach(t *testing.T) {
	factory := newStubFactory()
	peer := uuid.New()
	body, err := exchange.Encode(exchange.Payload{Version: exchange.CurrentVersion, MessageID: "drain-1"})
	require.NoError(t, err)

	cipher := factory.cipher(peer.String(), 1)
	cipher.plaintexts = [][]byte{contentBytes(t, body), contentBytes(t, body)}

	relay := &stubRelay{batches: [][]relayclient.EnvelopeWire{
		{{Source: peer.String(), SourceDevice: 1, Type: int(wire.EnvelopeCiphertext), Timestamp: 1, Content: base64.StdEncoding.EncodeToString([]byte("ct"))}},
		{{Source: peer.String(), SourceDevice: 1, Type: int(wire.EnvelopeCiphertext), Timestamp: 2, Content: base64.StdEncoding.EncodeToString([]byte("ct"))}},
	}}

	r, _ := newTestReceiver(t, relay, factory)
	msgCh, _ := r.OnMessage(8)
	emptyCh, _ := r.OnQueueEmpty(1)

	require.NoError(t, r.Drain(t.Context()))

	assert.Equal(t, 2, relay.deleteCt)
	assert.Len(t, msgCh, 2)
	select {
	case <-emptyCh:
	default:
		t.Fatal("expected a queue-empty event once draining finished")
	}
}
