// Package outgoing drives the per-message send state machine: per-device
// encryption against the Double Ratchet boundary in internal/signalproto,
// stale/missing/extra-device recovery against the relay's 409/410
// responses, and identity-key-change handling, all observable through an
// internal/events bus.
package outgoing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/events"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/relayclient"
	"github.com/forstalabs/librelay-go/internal/relayerr"
	"github.com/forstalabs/librelay-go/internal/signalproto"
)

const padBlockSize = 160

// SentEvent is published once an address's send completes successfully.
type SentEvent struct {
	Timestamp int64
	Addr      address.Addr
}

// ErrorEvent is published when a send to an address fails irrecoverably.
type ErrorEvent struct {
	Timestamp int64
	Addr      address.Addr
	Reason    string
	Err       error
}

// KeyChangeEvent is published when a peer's identity key no longer
// matches the one this store trusts. The caller resolves Decision to
// accept or reject the new key.
type KeyChangeEvent struct {
	Addr        address.Addr
	IdentityKey []byte
	Decision    *relayerr.KeyChangeDecision
}

// RelayClient is the subset of relayclient.Client this package needs.
type RelayClient interface {
	GetKeysForAddr(ctx context.Context, addr address.Addr, deviceID string) ([]*signalproto.PreKeyBundle, error)
	SendMessages(ctx context.Context, destination string, messages []relayclient.OutgoingEnvelope, timestamp int64) error
	SendMessage(ctx context.Context, addr address.Addr, deviceID uint32, message relayclient.OutgoingEnvelope) error
}

// Message is the per-send state machine. One Message instance drives
// delivery of a single (timestamp, content) pair to one or more
// addresses; construct a fresh one per send.
type Message struct {
	store     *keystore.KeyStore
	relay     RelayClient
	ciphers   signalproto.SessionCipherFactory
	ourAddr   address.Addr
	content   []byte
	timestamp int64

	sentBus      *events.Bus[SentEvent]
	errorBus     *events.Bus[ErrorEvent]
	keychangeBus *events.Bus[KeyChangeEvent]

	mu      sync.Mutex
	Sent    []SentEvent
	Errors  []ErrorEvent
	Created time.Time
}

// New constructs a Message ready to drive sends against content, already
// serialized from its Content protobuf and not yet padded.
func New(store *keystore.KeyStore, relay RelayClient, ciphers signalproto.SessionCipherFactory, ourAddr address.Addr, content []byte, timestamp int64) *Message {
	return &Message{
		store:        store,
		relay:        relay,
		ciphers:      ciphers,
		ourAddr:      ourAddr,
		content:      signalproto.PadMessage(content, padBlockSize),
		timestamp:    timestamp,
		sentBus:      events.New[SentEvent](),
		errorBus:     events.New[ErrorEvent](),
		keychangeBus: events.New[KeyChangeEvent](),
		Created:      time.Now(),
	}
}

// OnSent subscribes to sent events.
func (m *Message) OnSent(buffer int) (<-chan SentEvent, func()) { return m.sentBus.Subscribe(buffer) }

// OnError subscribes to error events.
func (m *Message) OnError(buffer int) (<-chan ErrorEvent, func()) { return m.errorBus.Subscribe(buffer) }

// OnKeyChange subscribes to keychange events.
func (m *Message) OnKeyChange(buffer int) (<-chan KeyChangeEvent, func()) {
	return m.keychangeBus.Subscribe(buffer)
}

func (m *Message) emitSent(addr address.Addr) {
	ev := SentEvent{Timestamp: m.timestamp, Addr: addr}
	m.mu.Lock()
	m.Sent = append(m.Sent, ev)
	m.mu.Unlock()
	m.sentBus.Publish(ev)
}

func (m *Message) emitError(addr address.Addr, reason string, err error) {
	ev := ErrorEvent{Timestamp: m.timestamp, Addr: addr, Reason: reason, Err: err}
	m.mu.Lock()
	m.Errors = append(m.Errors, ev)
	m.mu.Unlock()
	m.errorBus.Publish(ev)
}

// SendToAddr drives the address-scoped send algorithm: bare addresses
// fan out to every known device, a device-scoped address sends to just
// that one. A single Message may be sent to several addresses in turn
// (e.g. MessageSender's fan-out); Sent/Errors accumulate across all of
// them.
func (m *Message) SendToAddr(ctx context.Context, addr address.Addr) {
	if !addr.IsBare() {
		m.sendToDevice(ctx, addr, true)
		return
	}

	deviceIDs, err := m.store.GetDeviceIDs(ctx, addr.UserID.String())
	if err != nil {
		m.emitError(addr, "keystore", err)
		return
	}

	if err := m.ensureSessions(ctx, addr, deviceIDs); err != nil {
		m.emitError(addr, "prekey-fetch", err)
		return
	}
	deviceIDs, err = m.store.GetDeviceIDs(ctx, addr.UserID.String())
	if err != nil {
		m.emitError(addr, "keystore", err)
		return
	}

	messages, err := m.encryptForDevices(ctx, addr, deviceIDs)
	if err != nil {
		m.emitError(addr, "encrypt", err)
		return
	}
	if len(messages) == 0 {
		m.emitSent(addr)
		return
	}

	if err := m.transmitAndRecover(ctx, addr, messages, true); err != nil {
		m.emitError(addr, "transmit", err)
		return
	}
	m.emitSent(addr)
}

func (m *Message) sendToDevice(ctx context.Context, addr address.Addr, recurse bool) {
	cipher := m.ciphers.For(addr.UserID.String(), addr.DeviceID)
	hasSession, err := cipher.HasOpenSession(ctx)
	if err != nil {
		m.emitError(addr, "keystore", err)
		return
	}
	if !hasSession {
		if err := m.fetchAndInit(ctx, addr, addr.DeviceID); err != nil {
			m.emitError(addr, "prekey-fetch", err)
			return
		}
	}

	result, err := m.encryptOne(ctx, cipher, addr)
	if err != nil {
		if !errors.Is(err, errKeyChangeRejected) {
			m.emitError(addr, "encrypt", err)
		}
		return
	}

	env := relayclient.OutgoingEnvelope{
		Type:                      int(result.Type),
		DestinationDeviceID:       addr.DeviceID,
		DestinationRegistrationID: result.DestinationRegistrationID,
		Content:                   encodeBase64(result.Body),
	}
	err = m.relay.SendMessage(ctx, addr, addr.DeviceID, env)
	if err == nil {
		m.emitSent(addr)
		return
	}

	var protoErr *relayerr.ProtocolError
	if errors.As(err, &protoErr) && protoErr.Code == 410 && recurse {
		_ = cipher.CloseOpenSession(ctx)
		m.sendToDevice(ctx, addr, false)
		return
	}
	m.emitError(addr, "transmit", err)
}

// ensureSessions fetches prekey material for any device lacking an open
// session, batching into a single address-wide call when none of the
// known devices has a session yet (first contact is far more common
// than partial staleness).
func (m *Message) ensureSessions(ctx context.Context, addr address.Addr, deviceIDs []uint32) error {
	if addr.Equal(m.ourAddr) {
		deviceIDs = excludeDevice(deviceIDs, m.ourAddr.DeviceID)
	}

	anyOpen := false
	for _, id := range deviceIDs {
		cipher := m.ciphers.For(addr.UserID.String(), id)
		open, err := cipher.HasOpenSession(ctx)
		if err != nil {
			return err
		}
		if open {
			anyOpen = true
		}
	}

	if len(deviceIDs) == 0 || !anyOpen {
		return m.fetchAndInitAll(ctx, addr)
	}

	for _, id := range deviceIDs {
		cipher := m.ciphers.For(addr.UserID.String(), id)
		open, err := cipher.HasOpenSession(ctx)
		if err != nil {
			return err
		}
		if !open {
			if err := m.fetchAndInit(ctx, addr, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Message) fetchAndInitAll(ctx context.Context, addr address.Addr) error {
	bundles, err := m.relay.GetKeysForAddr(ctx, addr, "*")
	if err != nil {
		var protoErr *relayerr.ProtocolError
		if errors.As(err, &protoErr) && protoErr.Code == 404 {
			_ = m.store.RemoveAllSessions(ctx, addr.UserID.String())
			return &relayerr.UnregisteredUserError{Addr: addr.String()}
		}
		return err
	}
	for _, bundle := range bundles {
		if addr.Equal(m.ourAddr) && bundle.DeviceID == m.ourAddr.DeviceID {
			continue
		}
		if err := m.initOutgoing(ctx, addr.WithDevice(bundle.DeviceID), bundle); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) fetchAndInit(ctx context.Context, addr address.Addr, deviceID uint32) error {
	bundles, err := m.relay.GetKeysForAddr(ctx, addr, fmt.Sprintf("%d", deviceID))
	if err != nil {
		var protoErr *relayerr.ProtocolError
		if errors.As(err, &protoErr) && protoErr.Code == 404 {
			_ = m.store.RemoveSession(ctx, addr.WithDevice(deviceID))
			return &relayerr.UnregisteredUserError{Addr: addr.WithDevice(deviceID).String()}
		}
		return err
	}
	for _, bundle := range bundles {
		if err := m.initOutgoing(ctx, addr.WithDevice(bundle.DeviceID), bundle); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) initOutgoing(ctx context.Context, deviceAddr address.Addr, bundle *signalproto.PreKeyBundle) error {
	cipher := m.ciphers.For(deviceAddr.UserID.String(), deviceAddr.DeviceID)
	err := cipher.InitOutgoing(ctx, bundle)
	if err == nil {
		return nil
	}

	var idErr *relayerr.IdentityKeyError
	if errors.As(err, &idErr) {
		accepted := m.runKeyChange(ctx, deviceAddr, idErr)
		if accepted {
			return cipher.InitOutgoing(ctx, bundle)
		}
		return errKeyChangeRejected
	}
	return err
}

// errKeyChangeRejected marks a key-change-driven abort that has already
// been reported via the keychange event, so callers must not also emit
// a generic error event for it.
var errKeyChangeRejected = errors.New("outgoing: identity key change rejected")

// runKeyChange publishes the keychange event and blocks for the
// application's decision. On acceptance it persists the new pinned
// identity via SaveIdentity before returning, so the retry the caller is
// about to make finds IsTrustedIdentity true instead of raising the same
// IdentityKeyError a second time.
func (m *Message) runKeyChange(ctx context.Context, addr address.Addr, idErr *relayerr.IdentityKeyError) bool {
	m.keychangeBus.Publish(KeyChangeEvent{
		Addr:        addr,
		IdentityKey: idErr.IdentityKey,
		Decision:    idErr.Decision(),
	})
	accepted := idErr.Decision().Await()
	if accepted {
		if err := m.store.SaveIdentity(ctx, idErr.Addr, idErr.PinnedIdentity); err != nil {
			log.Printf("outgoing: persist accepted identity for %s: %v", idErr.Addr, err)
		}
	}
	return accepted
}

func (m *Message) encryptForDevices(ctx context.Context, addr address.Addr, deviceIDs []uint32) ([]relayclient.OutgoingEnvelope, error) {
	var messages []relayclient.OutgoingEnvelope
	for _, id := range deviceIDs {
		if addr.Equal(m.ourAddr) && id == m.ourAddr.DeviceID {
			continue
		}
		deviceAddr := addr.WithDevice(id)
		cipher := m.ciphers.For(addr.UserID.String(), id)
		result, err := m.encryptOne(ctx, cipher, deviceAddr)
		if err != nil {
			if errors.Is(err, errKeyChangeRejected) {
				continue
			}
			return nil, err
		}
		messages = append(messages, relayclient.OutgoingEnvelope{
			Type:                      int(result.Type),
			DestinationDeviceID:       id,
			DestinationRegistrationID: result.DestinationRegistrationID,
			Content:                   encodeBase64(result.Body),
		})
	}
	return messages, nil
}

func (m *Message) encryptOne(ctx context.Context, cipher signalproto.SessionCipher, deviceAddr address.Addr) (*signalproto.EncryptResult, error) {
	result, err := cipher.Encrypt(ctx, m.content)
	if err == nil {
		return result, nil
	}

	var idErr *relayerr.IdentityKeyError
	if errors.As(err, &idErr) {
		accepted := m.runKeyChange(ctx, deviceAddr, idErr)
		if accepted {
			return cipher.Encrypt(ctx, m.content)
		}
		return nil, errKeyChangeRejected
	}
	return nil, err
}

// transmitAndRecover PUTs messages to /v1/messages/{addr}, recovering
// once from 409 (mismatched devices) and 410 (stale devices) responses
// before surfacing whatever is left.
func (m *Message) transmitAndRecover(ctx context.Context, addr address.Addr, messages []relayclient.OutgoingEnvelope, recurse bool) error {
	err := m.relay.SendMessages(ctx, addr.UserID.String(), messages, m.timestamp)
	if err == nil {
		return nil
	}

	var protoErr *relayerr.ProtocolError
	if !errors.As(err, &protoErr) {
		return err
	}

	switch protoErr.Code {
	case 409:
		if !recurse {
			return err
		}
		mismatch, decodeErr := decodeMismatchedDevices(protoErr.Body)
		if decodeErr != nil {
			return err
		}
		for _, id := range mismatch.ExtraDevices {
			_ = m.store.RemoveSession(ctx, addr.WithDevice(id))
		}
		for _, id := range mismatch.MissingDevices {
			if fetchErr := m.fetchAndInit(ctx, addr, id); fetchErr != nil {
				return fetchErr
			}
		}
		deviceIDs, gErr := m.store.GetDeviceIDs(ctx, addr.UserID.String())
		if gErr != nil {
			return gErr
		}
		retryMessages, encErr := m.encryptForDevices(ctx, addr, deviceIDs)
		if encErr != nil {
			return encErr
		}
		return m.transmitAndRecover(ctx, addr, retryMessages, false)

	case 410:
		if !recurse {
			return err
		}
		stale, decodeErr := decodeStaleDevices(protoErr.Body)
		if decodeErr != nil {
			return err
		}
		for _, id := range stale.StaleDevices {
			cipher := m.ciphers.For(addr.UserID.String(), id)
			_ = cipher.CloseOpenSession(ctx)
			if fetchErr := m.fetchAndInit(ctx, addr, id); fetchErr != nil {
				return fetchErr
			}
		}
		deviceIDs, gErr := m.store.GetDeviceIDs(ctx, addr.UserID.String())
		if gErr != nil {
			return gErr
		}
		retryMessages, encErr := m.encryptForDevices(ctx, addr, deviceIDs)
		if encErr != nil {
			return encErr
		}
		return m.transmitAndRecover(ctx, addr, retryMessages, false)

	case 404:
		_ = m.store.RemoveAllSessions(ctx, addr.UserID.String())
		return &relayerr.UnregisteredUserError{Addr: addr.String()}

	case 401, 403:
		return err

	default:
		return err
	}
}

type mismatchedDevicesBody struct {
	ExtraDevices   []uint32 `json:"extraDevices"`
	MissingDevices []uint32 `json:"missingDevices"`
}

func decodeMismatchedDevices(body string) (*mismatchedDevicesBody, error) {
	var out mismatchedDevicesBody
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("outgoing: decode mismatched devices body: %w", err)
	}
	return &out, nil
}

type staleDevicesBody struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

func decodeStaleDevices(body string) (*staleDevicesBody, error) {
	var out staleDevicesBody
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("outgoing: decode stale devices body: %w", err)
	}
	return &out, nil
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func excludeDevice(ids []uint32, exclude uint32) []uint32 {
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
