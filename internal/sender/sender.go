// Package sender implements MessageSender: it builds the versioned
// Exchange payload, resolves distribution through Atlas, fans the
// encrypted send out to every recipient address via a per-address serial
// queue, and mirrors a sync copy to the sender's own other devices.
package sender

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/atlasclient"
	"github.com/forstalabs/librelay-go/internal/events"
	"github.com/forstalabs/librelay-go/internal/exchange"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/metrics"
	"github.com/forstalabs/librelay-go/internal/outgoing"
	"github.com/forstalabs/librelay-go/internal/sendqueue"
	"github.com/forstalabs/librelay-go/internal/signalproto"
	"github.com/forstalabs/librelay-go/internal/wire"
)

// RelayClient is the subset of relayclient.Client MessageSender needs:
// everything OutgoingMessage needs, plus attachment upload.
type RelayClient interface {
	outgoing.RelayClient
	PutAttachment(ctx context.Context, ciphertext []byte) (uint64, error)
}

// AtlasResolver is the subset of atlasclient.Client MessageSender needs
// to turn a tag expression into a recipient address set.
type AtlasResolver interface {
	ResolveTags(ctx context.Context, expression string) (*atlasclient.ResolveTagsResult, error)
}

// Distribution is a resolved recipient set: either supplied directly by
// the caller or obtained from Atlas.ResolveTags.
type Distribution struct {
	// UserIDs are the recipient user ids, before scrubbing the sender's
	// own id out of the set.
	UserIDs []string
	// Expression is the stable "universal" form recorded in the
	// Exchange payload so recipients can see what was resolved.
	Expression string
}

// Attachment is a plaintext file to encrypt and upload alongside a send.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
	Mtime    time.Time
}

// SendOptions configures one MessageSender.Send call.
type SendOptions struct {
	// To is a tag expression resolved via Atlas; ignored if Distribution
	// is set.
	To           string
	Distribution *Distribution

	ThreadID    string
	ThreadType  string
	ThreadTitle string
	MessageType string
	MessageID   string
	MessageRef  string
	UserAgent   string

	Body          []exchange.BodyItem
	Control       string
	Actions       map[string]any
	ActionOptions map[string]any

	Attachments []Attachment

	Flags uint32
	// NoSync suppresses the sync-to-self copy. CloseSession's END_SESSION
	// does not go through Send and never sends a sync copy.
	NoSync                   bool
	ExpirationStartTimestamp int64
}

// SentEvent mirrors outgoing.SentEvent at the Sender layer.
type SentEvent = outgoing.SentEvent

// ErrorEvent mirrors outgoing.ErrorEvent at the Sender layer.
type ErrorEvent = outgoing.ErrorEvent

// KeyChangeEvent mirrors outgoing.KeyChangeEvent at the Sender layer.
type KeyChangeEvent = outgoing.KeyChangeEvent

// Sender drives MessageSender.send: one instance is constructed per
// Client and reused across sends.
type Sender struct {
	store      *keystore.KeyStore
	relay      RelayClient
	atlas      AtlasResolver
	ciphers    signalproto.SessionCipherFactory
	ourAddr    address.Addr
	dispatcher *sendqueue.Dispatcher
	now        func() time.Time

	sentBus      *events.Bus[SentEvent]
	errorBus     *events.Bus[ErrorEvent]
	keychangeBus *events.Bus[KeyChangeEvent]
}

// New constructs a Sender. dispatcher is normally shared with the rest
// of the Client context, since it is the synchronization primitive
// guarding per-address session state.
func New(store *keystore.KeyStore, relay RelayClient, atlas AtlasResolver, ciphers signalproto.SessionCipherFactory, ourAddr address.Addr, dispatcher *sendqueue.Dispatcher) *Sender {
	return &Sender{
		store:        store,
		relay:        relay,
		atlas:        atlas,
		ciphers:      ciphers,
		ourAddr:      ourAddr,
		dispatcher:   dispatcher,
		now:          time.Now,
		sentBus:      events.New[SentEvent](),
		errorBus:     events.New[ErrorEvent](),
		keychangeBus: events.New[KeyChangeEvent](),
	}
}

// OnSent subscribes to sent events from every send this Sender drives,
// including the sync-to-self copy, whose events are published on this
// same bus so the caller sees one unified stream.
func (s *Sender) OnSent(buffer int) (<-chan SentEvent, func()) { return s.sentBus.Subscribe(buffer) }

// OnError subscribes to error events.
func (s *Sender) OnError(buffer int) (<-chan ErrorEvent, func()) { return s.errorBus.Subscribe(buffer) }

// OnKeyChange subscribes to keychange events.
func (s *Sender) OnKeyChange(buffer int) (<-chan KeyChangeEvent, func()) {
	return s.keychangeBus.Subscribe(buffer)
}

// Send builds the Exchange payload described by opts, resolves
// distribution if needed, and fans the encrypted send out to every
// recipient address concurrently (serially per address). It blocks
// until every per-address send has reached a terminal sent/error state,
// then dispatches the sync-to-self copy unless NoSync is set.
func (s *Sender) Send(ctx context.Context, opts SendOptions) error {
	dist, err := s.resolveDistribution(ctx, opts)
	if err != nil {
		return fmt.Errorf("sender: resolve distribution: %w", err)
	}

	meta, pointers, err := s.uploadAttachments(ctx, opts.Attachments)
	if err != nil {
		return fmt.Errorf("sender: upload attachments: %w", err)
	}

	payload := exchange.Payload{
		Version:      exchange.CurrentVersion,
		Sender:       exchange.Sender{UserID: s.ourAddr.UserID.String(), Device: s.ourAddr.DeviceID},
		Distribution: exchange.Distribution{Expression: dist.Expression},
		ThreadID:     opts.ThreadID,
		ThreadType:   opts.ThreadType,
		ThreadTitle:  opts.ThreadTitle,
		MessageType:  opts.MessageType,
		MessageID:    opts.MessageID,
		MessageRef:   opts.MessageRef,
		UserAgent:    opts.UserAgent,
		Data: exchange.Data{
			Body:          opts.Body,
			Control:       opts.Control,
			Actions:       opts.Actions,
			ActionOptions: opts.ActionOptions,
		},
		Attachments: meta,
	}
	body, err := exchange.Encode(payload)
	if err != nil {
		return fmt.Errorf("sender: encode exchange payload: %w", err)
	}

	timestamp := s.now().UnixMilli()
	dataMessage := &wire.DataMessage{
		Body:        body,
		Attachments: pointers,
		Flags:       opts.Flags,
		Timestamp:   timestamp,
	}
	content := (&wire.Content{DataMessage: dataMessage}).Marshal()

	s.fanOut(ctx, scrubSelf(dist.UserIDs, s.ourAddr), content, timestamp)

	if !opts.NoSync {
		s.sendSyncCopy(ctx, opts, dataMessage, timestamp)
	}
	return nil
}

func (s *Sender) resolveDistribution(ctx context.Context, opts SendOptions) (*Distribution, error) {
	if opts.Distribution != nil {
		return opts.Distribution, nil
	}
	result, err := s.atlas.ResolveTags(ctx, opts.To)
	if err != nil {
		return nil, err
	}
	return &Distribution{UserIDs: result.UserIDs, Expression: result.Universal}, nil
}

// scrubSelf removes the sender's own user id from a recipient set,
// comparing by UUID only: this client always means "don't message my
// own account", regardless of which device sent the message.
func scrubSelf(userIDs []string, ourAddr address.Addr) []string {
	self := ourAddr.UserID.String()
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == self {
			continue
		}
		out = append(out, id)
	}
	return out
}

// fanOut enqueues one SendToAddr per recipient on its own per-address
// serial queue and blocks until every one has reached a terminal event,
// forwarding sent/error/keychange events onto the Sender's own buses as
// they arrive.
func (s *Sender) fanOut(ctx context.Context, recipients []string, content []byte, timestamp int64) {
	done := make(chan struct{}, len(recipients))
	for _, uid := range recipients {
		userID, err := uuid.Parse(uid)
		if err != nil {
			s.errorBus.Publish(ErrorEvent{Timestamp: timestamp, Reason: "invalid-recipient", Err: fmt.Errorf("sender: invalid recipient %q: %w", uid, err)})
			done <- struct{}{}
			continue
		}
		addr := address.Bare(userID)
		key := "message-send-job-" + addr.String()
		s.dispatcher.Enqueue(ctx, key, func(ctx context.Context) {
			defer func() { done <- struct{}{} }()
			s.sendOneAddr(ctx, addr, content, timestamp)
		})
	}
	for range recipients {
		<-done
	}
}

func (s *Sender) sendOneAddr(ctx context.Context, addr address.Addr, content []byte, timestamp int64) {
	start := time.Now()
	om := outgoing.New(s.store, s.relay, s.ciphers, s.ourAddr, content, timestamp)
	sentCh, _ := om.OnSent(8)
	errCh, _ := om.OnError(8)
	kcCh, _ := om.OnKeyChange(8)

	om.SendToAddr(ctx, addr)

	result := "sent"
	drainEvents(sentCh, s.sentBus.Publish)
	if len(om.Errors) > 0 {
		result = "error"
	}
	drainEvents(errCh, s.errorBus.Publish)
	drainEvents(kcCh, s.keychangeBus.Publish)
	metrics.RecordSendResult(result)
	metrics.RecordSendLatency(time.Since(start))
}

func (s *Sender) sendSyncCopy(ctx context.Context, opts SendOptions, dataMessage *wire.DataMessage, timestamp int64) {
	syncMsg := &wire.SyncMessage{Sent: &wire.Sent{
		Destination:              opts.ThreadID,
		Timestamp:                timestamp,
		Message:                  dataMessage,
		ExpirationStartTimestamp: opts.ExpirationStartTimestamp,
	}}
	content := (&wire.Content{SyncMessage: syncMsg}).Marshal()

	om := outgoing.New(s.store, s.relay, s.ciphers, s.ourAddr, content, timestamp)
	sentCh, _ := om.OnSent(8)
	errCh, _ := om.OnError(8)

	om.SendToAddr(ctx, address.Bare(s.ourAddr.UserID))

	drainEvents(sentCh, s.sentBus.Publish)
	drainEvents(errCh, s.errorBus.Publish)
}

func drainEvents[T any](ch <-chan T, publish func(T)) {
	for {
		select {
		case ev := <-ch:
			publish(ev)
		default:
			return
		}
	}
}

// CloseSession closes every open session for addr, sends an END_SESSION
// control message, then purges sessions again: the sent END_SESSION may
// have itself reopened a session as a prekey bundle reply in flight.
// Idempotent: calling it twice reaches the same end state both times.
func (s *Sender) CloseSession(ctx context.Context, addr address.Addr, retransmit bool) error {
	if err := s.purgeSessions(ctx, addr); err != nil {
		return fmt.Errorf("sender: close sessions for %s: %w", addr, err)
	}

	payload := exchange.Payload{
		Version: exchange.CurrentVersion,
		Sender:  exchange.Sender{UserID: s.ourAddr.UserID.String(), Device: s.ourAddr.DeviceID},
		MessageType: "control",
		Data: exchange.Data{
			Control:       "closeSession",
			ActionOptions: map[string]any{"retransmit": retransmit},
		},
	}
	body, err := exchange.Encode(payload)
	if err != nil {
		return fmt.Errorf("sender: encode closeSession payload: %w", err)
	}

	timestamp := s.now().UnixMilli()
	content := (&wire.Content{DataMessage: &wire.DataMessage{
		Body:      body,
		Flags:     wire.FlagEndSession,
		Timestamp: timestamp,
	}}).Marshal()

	om := outgoing.New(s.store, s.relay, s.ciphers, s.ourAddr, content, timestamp)
	sentCh, _ := om.OnSent(1)
	errCh, _ := om.OnError(1)
	om.SendToAddr(ctx, addr)

	var sendErr error
	select {
	case <-sentCh:
	case ev := <-errCh:
		sendErr = ev.Err
	}

	if err := s.purgeSessions(ctx, addr); err != nil && sendErr == nil {
		return fmt.Errorf("sender: re-close sessions for %s: %w", addr, err)
	}
	return sendErr
}

func (s *Sender) purgeSessions(ctx context.Context, addr address.Addr) error {
	deviceIDs, err := s.store.GetDeviceIDs(ctx, addr.UserID.String())
	if err != nil {
		return err
	}
	for _, id := range deviceIDs {
		cipher := s.ciphers.For(addr.UserID.String(), id)
		if err := cipher.CloseOpenSession(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) uploadAttachments(ctx context.Context, atts []Attachment) ([]exchange.Attachment, []*wire.AttachmentPointer, error) {
	if len(atts) == 0 {
		return nil, nil, nil
	}
	meta := make([]exchange.Attachment, 0, len(atts))
	pointers := make([]*wire.AttachmentPointer, 0, len(atts))
	for _, a := range atts {
		km, err := signalproto.NewAttachmentKeyMaterial()
		if err != nil {
			return nil, nil, err
		}
		ciphertext, err := km.EncryptAttachment(a.Data)
		if err != nil {
			return nil, nil, err
		}
		id, err := s.relay.PutAttachment(ctx, ciphertext)
		if err != nil {
			return nil, nil, err
		}

		digest := sha256.Sum256(ciphertext)
		key := make([]byte, 0, 64)
		key = append(key, km.AESKey[:]...)
		key = append(key, km.MACKey[:]...)

		pointers = append(pointers, &wire.AttachmentPointer{
			ID:          id,
			ContentType: a.MimeType,
			Key:         key,
			Size:        uint32(len(a.Data)),
			Digest:      digest[:],
		})
		meta = append(meta, exchange.Attachment{
			Name:  a.Name,
			Size:  int64(len(a.Data)),
			Type:  a.MimeType,
			Mtime: a.Mtime.UTC().Format(time.RFC3339),
		})
	}
	return meta, pointers, nil
}
