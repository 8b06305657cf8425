// Package relayerr defines the error taxonomy shared by every layer of the
// send/receive pipeline: NetworkError, ProtocolError, UnregisteredUserError,
// IdentityKeyError, and the SessionError family. Each type is a sentinel
// struct meant to be matched with errors.As through several wrapping layers.
package relayerr

import (
	"errors"
	"fmt"
)

// NetworkError represents a transport failure before any response was
// received (DNS, timeout, TCP reset, websocket drop).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("relay: network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError represents a non-2xx HTTP response with a server-supplied
// body. Status codes outside the normal HTTP range are coerced to -1 rather
// than rejected, since callers match on Code and an unrecognized status is
// better surfaced as "unknown" than as a separate construction error.
type ProtocolError struct {
	Code int
	Body string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("relay: protocol error %d: %s", e.Code, e.Body)
}

// NewProtocolError builds a ProtocolError, coercing an out-of-range HTTP
// status code to -1.
func NewProtocolError(code int, body string) *ProtocolError {
	if code < 100 || code > 599 {
		code = -1
	}
	return &ProtocolError{Code: code, Body: body}
}

// UnregisteredUserError means an address has no registered devices; it is
// the recoverable form of a ProtocolError{Code: 404} seen while sending.
type UnregisteredUserError struct {
	Addr string
}

func (e *UnregisteredUserError) Error() string {
	return fmt.Sprintf("relay: %s is not registered", e.Addr)
}

// IdentityKeyError reports that a peer's identity public key does not match
// the one this store has pinned. Accepted becomes true once the
// application calls Accept(), at which point the originating operation may
// retry. IdentityKey is the 32-byte public key alone, suitable for display;
// PinnedIdentity is the full blob the trust store actually keys on (identity
// key concatenated with the signing key it was pinned alongside) and is
// what a caller must persist via KeyStore.SaveIdentity on acceptance.
type IdentityKeyError struct {
	Addr           string
	IdentityKey    []byte
	PinnedIdentity []byte
	decision       *KeyChangeDecision
}

func NewIdentityKeyError(addr string, identityKey, pinnedIdentity []byte) *IdentityKeyError {
	return &IdentityKeyError{Addr: addr, IdentityKey: identityKey, PinnedIdentity: pinnedIdentity, decision: NewKeyChangeDecision()}
}

func (e *IdentityKeyError) Error() string {
	return fmt.Sprintf("relay: identity key changed for %s", e.Addr)
}

// Decision returns the one-shot future the caller resolves to accept or
// reject this key change.
func (e *IdentityKeyError) Decision() *KeyChangeDecision { return e.decision }

// Accepted reports whether Decision().Accept() has already been called, for
// callers that want a synchronous check instead of awaiting the channel.
func (e *IdentityKeyError) Accepted() bool { return e.decision.Resolved() && e.decision.WasAccepted() }

// KeyChangeDecision is a one-shot future an application resolves when an
// IdentityKeyError's listener decides whether to trust the new key, as an
// explicit await/resolve pair instead of a mutable accepted flag.
type KeyChangeDecision struct {
	ch       chan bool
	resolved bool
	accepted bool
}

func NewKeyChangeDecision() *KeyChangeDecision {
	return &KeyChangeDecision{ch: make(chan bool, 1)}
}

// Accept marks the key change as trusted. Safe to call at most meaningfully
// once; subsequent calls are no-ops.
func (d *KeyChangeDecision) Accept() { d.resolve(true) }

// Reject marks the key change as untrusted.
func (d *KeyChangeDecision) Reject() { d.resolve(false) }

func (d *KeyChangeDecision) resolve(accepted bool) {
	if d.resolved {
		return
	}
	d.resolved = true
	d.accepted = accepted
	d.ch <- accepted
	close(d.ch)
}

// Await blocks until the decision is resolved and returns whether it was
// accepted.
func (d *KeyChangeDecision) Await() bool {
	accepted, ok := <-d.ch
	if !ok {
		return d.accepted
	}
	return accepted
}

// Resolved reports whether Accept/Reject has already been called.
func (d *KeyChangeDecision) Resolved() bool { return d.resolved }

// WasAccepted reports the resolved value; only meaningful once Resolved().
func (d *KeyChangeDecision) WasAccepted() bool { return d.accepted }

// SessionError is the umbrella for errors surfaced by the Signal session
// primitive: a torn or missing session, a bad prekey bundle, or (via
// MessageCounterError) a replayed/duplicate message.
type SessionError struct {
	Addr string
	Kind SessionErrorKind
	Err  error
}

type SessionErrorKind int

const (
	SessionErrorGeneric SessionErrorKind = iota
	SessionErrorPreKey
	SessionErrorCounter // duplicate / out-of-window message counter
	SessionErrorInit
)

func (e *SessionError) Error() string {
	return fmt.Sprintf("relay: session error (%v) for %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsMessageCounterError reports whether err is a duplicate-message
// SessionError, the case the receiver must log-and-drop rather than recover.
func IsMessageCounterError(err error) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind == SessionErrorCounter
	}
	return false
}

// IsPreKeyError reports whether err concerns a bad/exhausted prekey bundle.
func IsPreKeyError(err error) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind == SessionErrorPreKey
	}
	return false
}
