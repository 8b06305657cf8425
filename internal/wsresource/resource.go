// Package wsresource implements the bidirectional request/response
// framing layer carried over a single websocket connection: outgoing
// requests are matched to responses by a random id, and inbound
// requests are dispatched to a caller-supplied handler that must
// respond exactly once.
package wsresource

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forstalabs/librelay-go/internal/wire"
)

const (
	// CloseIntentional is the close code a caller uses to signal a
	// deliberate shutdown; reconnect logic must not treat it as a drop.
	CloseIntentional = 3000
	// closeKeepAliveTimeout is sent when a keep-alive round-trip never
	// completes.
	closeKeepAliveTimeout = 3001

	keepAliveInterval     = 55 * time.Second
	keepAliveForceTimeout = 1 * time.Second
)

// ErrClosed is returned by SendRequest when the resource is already shut
// down or shuts down before the response arrives.
var ErrClosed = errors.New("wsresource: connection closed")

// RequestHandler processes an inbound REQUEST frame. It must call
// respond exactly once.
type RequestHandler func(verb, path string, body []byte, respond func(status int, message string))

// Resource wraps a single gorilla/websocket connection with
// REQUEST/RESPONSE framing. Incoming frames are dispatched sequentially
// on one internal goroutine, which callers rely on to serialize envelope
// decryption.
type Resource struct {
	conn    *websocket.Conn
	handler RequestHandler

	keepAlivePath string
	keepAliveOn   bool

	mu      sync.Mutex
	pending map[uint64]chan *wire.WebSocketResponseMessage
	closed  bool

	writeMu sync.Mutex

	resetKeepAlive chan struct{}
	done           chan struct{}
	closedByUs     bool
}

// Options configures keep-alive behavior.
type Options struct {
	// KeepAlivePath, if non-empty, enables the 55s keep-alive ping,
	// sent as a GET request to this path.
	KeepAlivePath string
}

// New wraps conn in a Resource. handler may be nil if this side never
// receives inbound requests (e.g. the provisioning websocket client).
func New(conn *websocket.Conn, handler RequestHandler, opts Options) *Resource {
	r := &Resource{
		conn:           conn,
		handler:        handler,
		keepAlivePath:  opts.KeepAlivePath,
		keepAliveOn:    opts.KeepAlivePath != "",
		pending:        make(map[uint64]chan *wire.WebSocketResponseMessage),
		resetKeepAlive: make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	go r.readLoop()
	if r.keepAliveOn {
		go r.keepAliveLoop()
	}
	return r
}

// SendRequest sends a REQUEST frame and blocks until the matching
// RESPONSE frame arrives, ctx is done, or the connection closes.
func (r *Resource) SendRequest(ctx context.Context, verb, path string, body []byte) (*wire.WebSocketResponseMessage, error) {
	id, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("wsresource: generate request id: %w", err)
	}

	respCh := make(chan *wire.WebSocketResponseMessage, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.pending[id] = respCh
	r.mu.Unlock()

	msg := &wire.WebSocketMessage{
		Type: wire.WebSocketMessageRequest,
		Request: &wire.WebSocketRequestMessage{
			Verb: verb,
			Path: path,
			Body: body,
			ID:   id,
		},
	}
	data := msg.Marshal()

	if err := r.writeBinary(data); err != nil {
		r.dropPending(id)
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		r.dropPending(id)
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

func (r *Resource) dropPending(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Resource) writeBinary(data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("wsresource: set write deadline: %w", err)
	}
	return r.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (r *Resource) readLoop() {
	defer close(r.done)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.shutdown()
			return
		}
		r.signalActivity()

		msg, err := wire.DecodeWebSocketMessage(data)
		if err != nil {
			log.Printf("wsresource: dropping unparseable frame: %v", err)
			continue
		}

		switch msg.Type {
		case wire.WebSocketMessageResponse:
			r.dispatchResponse(msg.Response)
		case wire.WebSocketMessageRequest:
			r.dispatchRequest(msg.Request)
		}
	}
}

func (r *Resource) dispatchResponse(resp *wire.WebSocketResponseMessage) {
	if resp == nil {
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// dispatchRequest runs handler synchronously on the read goroutine, so
// inbound requests are handled strictly sequentially.
func (r *Resource) dispatchRequest(req *wire.WebSocketRequestMessage) {
	if req == nil || r.handler == nil {
		return
	}
	var responded bool
	respond := func(status int, message string) {
		if responded {
			return
		}
		responded = true
		out := &wire.WebSocketMessage{
			Type: wire.WebSocketMessageResponse,
			Response: &wire.WebSocketResponseMessage{
				ID:      req.ID,
				Status:  uint32(status),
				Message: message,
			},
		}
		data := out.Marshal()
		if err := r.writeBinary(data); err != nil {
			log.Printf("wsresource: write response: %v", err)
		}
	}
	r.handler(req.Verb, req.Path, req.Body, respond)
}

func (r *Resource) signalActivity() {
	select {
	case r.resetKeepAlive <- struct{}{}:
	default:
	}
}

func (r *Resource) keepAliveLoop() {
	timer := time.NewTimer(keepAliveInterval)
	defer timer.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-r.resetKeepAlive:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(keepAliveInterval)
		case <-timer.C:
			r.sendKeepAlivePing()
			timer.Reset(keepAliveInterval)
		}
	}
}

func (r *Resource) sendKeepAlivePing() {
	ctx, cancel := context.WithTimeout(context.Background(), keepAliveForceTimeout)
	defer cancel()

	respCh := make(chan struct{})
	go func() {
		_, _ = r.SendRequest(ctx, "GET", r.keepAlivePath, nil)
		close(respCh)
	}()

	select {
	case <-respCh:
	case <-time.After(keepAliveForceTimeout):
		r.CloseWithCode(closeKeepAliveTimeout, "keep-alive timeout")
	}
}

// Close shuts down the connection with the intentional close code, so
// reconnect logic treats this as a deliberate disconnect.
func (r *Resource) Close() error {
	return r.CloseWithCode(CloseIntentional, "closing")
}

// CloseWithCode shuts down the connection with an explicit close code.
// Only CloseIntentional (3000) marks the connection as deliberately
// closed; a keep-alive-timeout force-close (3001) leaves
// IntentionallyClosed false so reconnect logic still retries.
func (r *Resource) CloseWithCode(code int, reason string) error {
	if code == CloseIntentional {
		r.mu.Lock()
		r.closedByUs = true
		r.mu.Unlock()
	}

	r.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	r.writeMu.Unlock()
	err := r.conn.Close()
	r.shutdown()
	return err
}

// Done returns a channel closed once the underlying connection has shut
// down, for callers driving a reconnect loop.
func (r *Resource) Done() <-chan struct{} { return r.done }

// IntentionallyClosed reports whether this side closed the connection with
// CloseIntentional (via Close or CloseWithCode), as opposed to a
// keep-alive-timeout force-close or the read loop observing a remote close
// or transport error.
func (r *Resource) IntentionallyClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closedByUs
}

func (r *Resource) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()
}

func randomID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
