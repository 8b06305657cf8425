// Package receiver implements MessageReceiver: a websocket-driven
// consumer of inbound envelopes, with duplicate, identity-key-change, and
// session-error recovery mirroring the OutgoingMessage state machine on
// the send side, plus a fetch-mode polling fallback for environments that
// cannot hold a websocket open.
package receiver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/events"
	"github.com/forstalabs/librelay-go/internal/exchange"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/metrics"
	"github.com/forstalabs/librelay-go/internal/registration"
	"github.com/forstalabs/librelay-go/internal/relayclient"
	"github.com/forstalabs/librelay-go/internal/relayerr"
	"github.com/forstalabs/librelay-go/internal/signalproto"
	"github.com/forstalabs/librelay-go/internal/wire"
	"github.com/forstalabs/librelay-go/internal/wsresource"
)

const (
	pathMessage    = "/api/v1/message"
	pathQueueEmpty = "/api/v1/queue/empty"

	preKeyRefreshMinLevel = 10
	preKeyRefreshFill     = 100
)

// RelayClient is the subset of relayclient.Client MessageReceiver needs.
type RelayClient interface {
	GetDevices(ctx context.Context) ([]uint32, error)
	GetMessageWebSocketURL() string
	GetMessages(ctx context.Context) ([]relayclient.EnvelopeWire, bool, error)
	DeleteMessage(ctx context.Context, source string, timestamp int64) error
	registration.RefreshClient
}

// SessionRecoverer closes a peer's sessions and requests retransmission,
// mirroring sender.Sender.CloseSession. Injected at construction rather
// than imported directly, since the receive and send paths would
// otherwise need a cyclic import of each other.
type SessionRecoverer interface {
	CloseSession(ctx context.Context, addr address.Addr, retransmit bool) error
}

// MessageEvent is published for an inbound dataMessage addressed to this
// device.
type MessageEvent struct {
	Addr        address.Addr
	Timestamp   int64
	Payload     exchange.Payload
	Attachments []*wire.AttachmentPointer
}

// SyncEvent is published when a linked device mirrors one of its own
// sent messages.
type SyncEvent struct {
	Addr        address.Addr
	Timestamp   int64
	Destination string
	Payload     exchange.Payload
	Attachments []*wire.AttachmentPointer
}

// ReadReceipt is the per-item read state nested inside a synced read
// event: who the original message was from and when it was read.
type ReadReceipt struct {
	Sender    string
	Timestamp int64
}

// ReadEvent is published for a linked device's read receipt sync. Addr
// identifies the linked device that reported the read state (the sync
// envelope's own source), distinct from Read.Sender, the original
// message sender the receipt is about.
type ReadEvent struct {
	Addr      address.Addr
	Timestamp int64
	Read      ReadReceipt
}

// RequestEvent is published when a linked device asks this one to resend
// sync state.
type RequestEvent struct {
	Type wire.SyncRequestType
}

// EndSessionEvent is published when a peer device closed its session
// with us (DataMessage END_SESSION flag).
type EndSessionEvent struct {
	Addr      address.Addr
	Timestamp int64
}

// ReceiptEvent is published for a bare delivery receipt envelope, which
// carries no decryptable body.
type ReceiptEvent struct {
	Addr      address.Addr
	Timestamp int64
}

// KeyChangeEvent mirrors outgoing.KeyChangeEvent for the receive path.
type KeyChangeEvent struct {
	Addr        address.Addr
	IdentityKey []byte
	Decision    *relayerr.KeyChangeDecision
}

// ErrorEvent is published when an envelope could not be processed.
type ErrorEvent struct {
	Addr      address.Addr
	Timestamp int64
	Reason    string
	Err       error
}

// Receiver drives MessageReceiver. Construct one per Client and call
// Connect to start consuming the message websocket;
// Connect blocks until ctx is cancelled or the account is found to be
// deregistered.
type Receiver struct {
	store        *keystore.KeyStore
	relay        RelayClient
	ciphers      signalproto.SessionCipherFactory
	ourAddr      address.Addr
	signalingKey []byte
	dialer       *websocket.Dialer
	recoverer    SessionRecoverer

	messageBus    *events.Bus[MessageEvent]
	syncBus       *events.Bus[SyncEvent]
	readBus       *events.Bus[ReadEvent]
	requestBus    *events.Bus[RequestEvent]
	endSessionBus *events.Bus[EndSessionEvent]
	receiptBus    *events.Bus[ReceiptEvent]
	keychangeBus  *events.Bus[KeyChangeEvent]
	errorBus      *events.Bus[ErrorEvent]
	queueEmptyBus *events.Bus[struct{}]

	mu       sync.Mutex
	resource *wsresource.Resource
}

// New constructs a Receiver. signalingKey is the 52-byte websocket
// envelope key generated at registration time.
func New(store *keystore.KeyStore, relay RelayClient, ciphers signalproto.SessionCipherFactory, ourAddr address.Addr, signalingKey []byte) *Receiver {
	return &Receiver{
		store:         store,
		relay:         relay,
		ciphers:       ciphers,
		ourAddr:       ourAddr,
		signalingKey:  signalingKey,
		dialer:        websocket.DefaultDialer,
		messageBus:    events.New[MessageEvent](),
		syncBus:       events.New[SyncEvent](),
		readBus:       events.New[ReadEvent](),
		requestBus:    events.New[RequestEvent](),
		endSessionBus: events.New[EndSessionEvent](),
		receiptBus:    events.New[ReceiptEvent](),
		keychangeBus:  events.New[KeyChangeEvent](),
		errorBus:      events.New[ErrorEvent](),
		queueEmptyBus: events.New[struct{}](),
	}
}

func (r *Receiver) OnMessage(buffer int) (<-chan MessageEvent, func())    { return r.messageBus.Subscribe(buffer) }
func (r *Receiver) OnSync(buffer int) (<-chan SyncEvent, func())          { return r.syncBus.Subscribe(buffer) }
func (r *Receiver) OnRead(buffer int) (<-chan ReadEvent, func())          { return r.readBus.Subscribe(buffer) }
func (r *Receiver) OnRequest(buffer int) (<-chan RequestEvent, func())    { return r.requestBus.Subscribe(buffer) }
func (r *Receiver) OnEndSession(buffer int) (<-chan EndSessionEvent, func()) {
	return r.endSessionBus.Subscribe(buffer)
}
func (r *Receiver) OnReceipt(buffer int) (<-chan ReceiptEvent, func()) { return r.receiptBus.Subscribe(buffer) }
func (r *Receiver) OnKeyChange(buffer int) (<-chan KeyChangeEvent, func()) {
	return r.keychangeBus.Subscribe(buffer)
}
func (r *Receiver) OnError(buffer int) (<-chan ErrorEvent, func())     { return r.errorBus.Subscribe(buffer) }
func (r *Receiver) OnQueueEmpty(buffer int) (<-chan struct{}, func()) { return r.queueEmptyBus.Subscribe(buffer) }

// SetRecoverer wires the session-error recovery path to a sender.Sender's
// CloseSession, so a SessionError triggers a retransmit
// request instead of only dropping local ratchet state. Optional: a
// Receiver without one still recovers locally by discarding the session.
func (r *Receiver) SetRecoverer(recoverer SessionRecoverer) { r.recoverer = recoverer }

// Connect dials the message websocket and consumes it until ctx is
// cancelled, reconnecting with exponential backoff on unexpected drops.
// It returns nil on a caller-initiated Close/ctx cancellation, and a
// non-nil error only once checkRegistration confirms the account itself
// has been deregistered.
func (r *Receiver) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely; only deregistration stops us

	for {
		err := r.runOneConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if deregistered, checkErr := r.checkRegistration(ctx); checkErr == nil && deregistered {
			return fmt.Errorf("receiver: account deregistered: %w", err)
		}

		metrics.RecordWebSocketReconnect()
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			bo.Reset()
			wait = bo.NextBackOff()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// checkRegistration asks the relay whether this device is still known,
// distinguishing "deregistered" (401/403) from an ordinary network drop.
func (r *Receiver) checkRegistration(ctx context.Context) (deregistered bool, err error) {
	_, err = r.relay.GetDevices(ctx)
	if err == nil {
		return false, nil
	}
	var protoErr *relayerr.ProtocolError
	if errors.As(err, &protoErr) && (protoErr.Code == 401 || protoErr.Code == 403) {
		return true, nil
	}
	return false, err
}

func (r *Receiver) runOneConnection(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.relay.GetMessageWebSocketURL(), nil)
	if err != nil {
		return fmt.Errorf("receiver: dial websocket: %w", err)
	}

	resource := wsresource.New(conn, r.handleRequest, wsresource.Options{KeepAlivePath: "/v1/keepalive"})
	r.mu.Lock()
	r.resource = resource
	r.mu.Unlock()
	metrics.SetWebSocketConnected(true)

	select {
	case <-ctx.Done():
		_ = resource.Close()
		metrics.SetWebSocketConnected(false)
		return nil
	case <-resource.Done():
		metrics.SetWebSocketConnected(false)
		if resource.IntentionallyClosed() {
			return nil
		}
		return errors.New("receiver: websocket connection dropped")
	}
}

// Close shuts the current websocket connection down intentionally, so
// Connect's caller sees a clean return instead of a reconnect attempt.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resource == nil {
		return nil
	}
	return r.resource.Close()
}

func (r *Receiver) handleRequest(verb, path string, body []byte, respond func(status int, message string)) {
	switch {
	case verb == "PUT" && path == pathMessage:
		r.handleMessagePut(context.Background(), body, respond)
	case verb == "PUT" && path == pathQueueEmpty:
		respond(200, "OK")
		r.queueEmptyBus.Publish(struct{}{})
	default:
		respond(404, "Not found")
	}
}

func (r *Receiver) handleMessagePut(ctx context.Context, body []byte, respond func(status int, message string)) {
	plaintext, err := signalproto.DecryptWebSocketMessage(r.signalingKey, body)
	if err != nil {
		respond(500, "Invalid envelope")
		metrics.RecordReceiveOutcome("error")
		log.Printf("receiver: decrypt websocket envelope: %v", err)
		return
	}

	envelope, err := wire.DecodeEnvelope(plaintext)
	if err != nil {
		respond(500, "Invalid envelope")
		metrics.RecordReceiveOutcome("error")
		log.Printf("receiver: decode envelope: %v", err)
		return
	}

	respond(200, "OK")
	r.handleEnvelope(ctx, envelope, true, false)
}

// handleEnvelope decrypts and dispatches one Envelope, recovering from
// duplicate messages, stale sessions, and identity key changes before
// giving up. reentrant guards against infinite recursion across the two
// recovery paths; forceAcceptKeyChange is set on the retry after an
// application has already accepted a key change for this envelope.
func (r *Receiver) handleEnvelope(ctx context.Context, envelope *wire.Envelope, reentrant, forceAcceptKeyChange bool) {
	sourceID, err := uuid.Parse(envelope.Source)
	if err != nil {
		r.emitError(address.Addr{}, envelope.Timestamp, "malformed-source", err)
		return
	}
	addr := address.New(sourceID, envelope.SourceDevice)

	if blocked, err := r.store.IsBlocked(ctx, envelope.Source); err != nil {
		r.emitError(addr, envelope.Timestamp, "keystore", err)
		return
	} else if blocked {
		metrics.RecordReceiveOutcome("blocked")
		return
	}

	if envelope.Type == wire.EnvelopeReceipt {
		metrics.RecordReceiveOutcome("receipt")
		r.receiptBus.Publish(ReceiptEvent{Addr: addr, Timestamp: envelope.Timestamp})
		return
	}

	ciphertext := envelope.Content
	if len(ciphertext) == 0 {
		ciphertext = envelope.LegacyMessage
	}

	cipher := r.ciphers.For(addr.UserID.String(), addr.DeviceID)

	var plaintext []byte
	if envelope.Type == wire.EnvelopePreKeyBundle {
		plaintext, err = cipher.DecryptPreKeyWhisperMessage(ctx, ciphertext)
	} else {
		plaintext, err = cipher.DecryptWhisperMessage(ctx, ciphertext)
	}

	if err != nil {
		r.handleDecryptError(ctx, envelope, addr, err, reentrant, forceAcceptKeyChange)
		return
	}

	unpadded, err := signalproto.UnpadMessage(plaintext)
	if err != nil {
		metrics.RecordReceiveOutcome("error")
		r.emitError(addr, envelope.Timestamp, "unpad", err)
		return
	}

	content, err := wire.DecodeContent(unpadded)
	if err != nil {
		metrics.RecordReceiveOutcome("error")
		r.emitError(addr, envelope.Timestamp, "decode-content", err)
		return
	}

	metrics.RecordReceiveOutcome("message")
	r.dispatchContent(ctx, addr, envelope.Timestamp, content)
}

func (r *Receiver) handleDecryptError(ctx context.Context, envelope *wire.Envelope, addr address.Addr, err error, reentrant, forceAcceptKeyChange bool) {
	if relayerr.IsMessageCounterError(err) {
		metrics.RecordReceiveOutcome("duplicate")
		return
	}

	var idErr *relayerr.IdentityKeyError
	if errors.As(err, &idErr) {
		if forceAcceptKeyChange {
			idErr.Decision().Accept()
		} else {
			r.keychangeBus.Publish(KeyChangeEvent{Addr: addr, IdentityKey: idErr.IdentityKey, Decision: idErr.Decision()})
		}
		metrics.RecordSessionRecovery("identity_change")
		accepted := idErr.Decision().Await()
		if accepted {
			// Persist the accepted pinned identity before retrying so the
			// retried decrypt finds IsTrustedIdentity true instead of
			// raising the same IdentityKeyError again.
			if saveErr := r.store.SaveIdentity(ctx, idErr.Addr, idErr.PinnedIdentity); saveErr != nil {
				log.Printf("receiver: persist accepted identity for %s: %v", idErr.Addr, saveErr)
			}
			if reentrant {
				r.handleEnvelope(ctx, envelope, false, true)
				return
			}
		}
		metrics.RecordReceiveOutcome("keychange")
		return
	}

	var sessErr *relayerr.SessionError
	if errors.As(err, &sessErr) {
		metrics.RecordSessionRecovery("session_error")
		if refreshErr := registration.RefreshPreKeys(ctx, r.store, r.relay, preKeyRefreshMinLevel, preKeyRefreshFill); refreshErr != nil {
			log.Printf("receiver: refresh prekeys after session error from %s: %v", addr, refreshErr)
		}
		if r.recoverer != nil {
			if closeErr := r.recoverer.CloseSession(ctx, addr, true); closeErr != nil {
				log.Printf("receiver: close session for %s after session error: %v", addr, closeErr)
			}
		} else {
			_ = r.store.RemoveSession(ctx, addr)
		}
		return
	}

	metrics.RecordReceiveOutcome("error")
	r.emitError(addr, envelope.Timestamp, "decrypt", err)
}

func (r *Receiver) dispatchContent(ctx context.Context, addr address.Addr, timestamp int64, content *wire.Content) {
	if content.DataMessage != nil {
		r.dispatchDataMessage(ctx, addr, timestamp, content.DataMessage)
	}
	if content.SyncMessage != nil {
		r.dispatchSyncMessage(addr, timestamp, content.SyncMessage)
	}
}

func (r *Receiver) dispatchDataMessage(ctx context.Context, addr address.Addr, timestamp int64, dm *wire.DataMessage) {
	if dm.HasFlag(wire.FlagEndSession) {
		_ = r.store.RemoveAllSessions(ctx, addr.UserID.String())
		r.endSessionBus.Publish(EndSessionEvent{Addr: addr, Timestamp: timestamp})
		return
	}

	payload, err := exchange.Decode(dm.Body)
	if err != nil {
		r.emitError(addr, timestamp, "decode-exchange", err)
		return
	}
	r.messageBus.Publish(MessageEvent{Addr: addr, Timestamp: timestamp, Payload: *payload, Attachments: dm.Attachments})
}

// dispatchSyncMessage handles a syncMessage, which must originate from our
// own account on a different device: a sync is a linked device reporting
// its own outbound/read/request state back to us, not a peer's message, so
// one arriving from any other user id, or claiming to be our own device,
// is forged and dropped rather than trusted.
func (r *Receiver) dispatchSyncMessage(addr address.Addr, timestamp int64, sm *wire.SyncMessage) {
	if !addr.SameUser(r.ourAddr) || addr.DeviceID == r.ourAddr.DeviceID {
		log.Printf("receiver: dropping forged sync message claiming origin %s (our addr %s)", addr, r.ourAddr)
		metrics.RecordReceiveOutcome("foreign-sync")
		return
	}

	if sm.Sent != nil && sm.Sent.Message != nil {
		payload, err := exchange.Decode(sm.Sent.Message.Body)
		if err != nil {
			r.emitError(addr, sm.Sent.Timestamp, "decode-exchange-sync", err)
		} else {
			r.syncBus.Publish(SyncEvent{
				Addr:        addr,
				Timestamp:   sm.Sent.Timestamp,
				Destination: sm.Sent.Destination,
				Payload:     *payload,
				Attachments: sm.Sent.Message.Attachments,
			})
		}
	}
	for _, read := range sm.Read {
		r.readBus.Publish(ReadEvent{
			Addr:      addr,
			Timestamp: timestamp,
			Read:      ReadReceipt{Sender: read.Sender, Timestamp: read.Timestamp},
		})
	}
	if sm.Request != nil {
		r.requestBus.Publish(RequestEvent{Type: sm.Request.Type})
	}
	if sm.Blocked != nil {
		log.Printf("receiver: ignoring deprecated blocked-list sync from %s", addr)
	}
	if sm.Contacts != nil {
		log.Printf("receiver: ignoring deprecated contacts sync from %s", addr)
	}
	if sm.Groups != nil {
		log.Printf("receiver: ignoring deprecated groups sync from %s", addr)
	}
}

func (r *Receiver) emitError(addr address.Addr, timestamp int64, reason string, err error) {
	r.errorBus.Publish(ErrorEvent{Addr: addr, Timestamp: timestamp, Reason: reason, Err: err})
}

// Drain polls the fetch-mode inbox once to exhaustion, an alternative to
// Connect for environments that cannot hold a websocket open. It
// acknowledges each envelope after dispatch and returns once the relay
// reports no more queued messages.
func (r *Receiver) Drain(ctx context.Context) error {
	for {
		envelopes, more, err := r.relay.GetMessages(ctx)
		if err != nil {
			return fmt.Errorf("receiver: fetch messages: %w", err)
		}
		for _, ew := range envelopes {
			data, err := base64.StdEncoding.DecodeString(ew.Content)
			if err != nil {
				r.emitError(address.Addr{}, ew.Timestamp, "decode-base64", err)
				continue
			}
			envelope := &wire.Envelope{
				Source:       ew.Source,
				SourceDevice: ew.SourceDevice,
				Type:         wire.EnvelopeType(ew.Type),
				Timestamp:    ew.Timestamp,
				Content:      data,
			}
			r.handleEnvelope(ctx, envelope, true, false)
			if err := r.relay.DeleteMessage(ctx, ew.Source, ew.Timestamp); err != nil {
				r.emitError(address.Addr{}, ew.Timestamp, "ack", err)
			}
		}
		if !more {
			r.queueEmptyBus.Publish(struct{}{})
			return nil
		}
	}
}
