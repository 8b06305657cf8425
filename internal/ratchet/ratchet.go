// Package ratchet is a reference implementation of the
// signalproto.SessionCipherFactory boundary. The Double Ratchet itself is
// treated elsewhere as an external primitive consumed as a library; this
// package is NOT that library. It is a self-contained, non-wire-compatible
// stand-in built from signalproto's existing X25519/HKDF/AES-CBC
// primitives, grounded in the X3DH key-agreement shape signalproto/keys.go
// already documents, so that internal/client has something concrete to
// wire by default and so tests can exercise send/receive end to end
// without a real libsignal dependency.
//
// Simplifications relative to the real protocol: the per-message ratchet
// only advances a symmetric chain key (HMAC-based KDF chain); it does not
// perform a fresh DH step on every message turn, and it does not support
// out-of-order delivery or skipped-message-key storage. Sessions assume
// in-order delivery within each direction.
package ratchet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/relayerr"
	"github.com/forstalabs/librelay-go/internal/signalproto"
)

var (
	rootKeyInfo  = []byte("librelay ratchet root key")
	chainAInfo   = []byte("librelay ratchet chain A")
	chainBInfo   = []byte("librelay ratchet chain B")
	msgKeyLabel  = byte(0x01)
	chainKDFNext = byte(0x02)
)

// sessionState is the JSON blob persisted via KeyStore.StoreSession. It
// captures enough to resume the symmetric ratchet and to re-derive the
// keys a responder needs to answer a PreKey-type message.
type sessionState struct {
	RootKey        []byte `json:"rootKey"`
	SendChainKey   []byte `json:"sendChainKey"`
	RecvChainKey   []byte `json:"recvChainKey"`
	SendCounter    uint32 `json:"sendCounter"`
	RecvCounter    uint32 `json:"recvCounter"`
	TheirIdentity  []byte `json:"theirIdentity"`
	RegistrationID uint32 `json:"registrationId"`
	IsInitiator    bool   `json:"isInitiator"`

	// PendingPreKeyHeader carries the X3DH bootstrap material the peer
	// needs to open a session we initiated. Present only until the first
	// outgoing message of that session has been encrypted, then cleared.
	PendingPreKeyHeader *preKeyHeader `json:"pendingPreKeyHeader,omitempty"`
}

// preKeyHeader is the session-establishing material attached to the first
// outgoing message of a session we initiated, carried inside a
// CiphertextPreKeyWhisper body.
type preKeyHeader struct {
	BaseKey        []byte  `json:"baseKey"`
	IdentityKey    []byte  `json:"identityKey"`
	SigningKey     []byte  `json:"signingKey"`
	PreKeyID       *uint32 `json:"preKeyId,omitempty"`
	SignedPreKeyID uint32  `json:"signedPreKeyId"`
}

// cipherMessage is the per-message envelope carried inside a
// CiphertextWhisper body.
type cipherMessage struct {
	Counter    uint32 `json:"counter"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	MAC        []byte `json:"mac"`
}

// preKeyMessageBody wraps a cipherMessage with the session-establishing
// material a responder needs, carried inside a CiphertextPreKeyWhisper
// body.
type preKeyMessageBody struct {
	RegistrationID uint32        `json:"registrationId"`
	PreKeyID       *uint32       `json:"preKeyId,omitempty"`
	SignedPreKeyID uint32        `json:"signedPreKeyId"`
	BaseKey        []byte        `json:"baseKey"`
	IdentityKey    []byte        `json:"identityKey"`
	SigningKey     []byte        `json:"signingKey"`
	Message        cipherMessage `json:"message"`
}

// Factory constructs Ciphers backed by store, one per (userID, deviceID).
// It holds an in-memory cache so repeated For() calls for the same peer
// device return the same *Cipher rather than racing on session load/save.
type Factory struct {
	store *keystore.KeyStore

	mu      sync.Mutex
	ciphers map[string]*Cipher
}

// New builds a Factory. store must already hold our installation identity
// (see keystore.KeyStore.SaveOurIdentity), normally written during
// registration.
func New(store *keystore.KeyStore) *Factory {
	return &Factory{store: store, ciphers: map[string]*Cipher{}}
}

func cacheKey(userID string, deviceID uint32) string {
	return fmt.Sprintf("%s.%d", userID, deviceID)
}

// For implements signalproto.SessionCipherFactory.
func (f *Factory) For(userID string, deviceID uint32) signalproto.SessionCipher {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cacheKey(userID, deviceID)
	if c, ok := f.ciphers[key]; ok {
		return c
	}
	c := &Cipher{store: f.store, userID: userID, deviceID: deviceID}
	f.ciphers[key] = c
	return c
}

// Cipher implements signalproto.SessionCipher for a single peer device.
// All state is persisted through the KeyStore so a Cipher is safe to
// recreate across process restarts; the mutex only serializes concurrent
// use of one in-memory instance.
type Cipher struct {
	store    *keystore.KeyStore
	userID   string
	deviceID uint32

	mu sync.Mutex
}

func (c *Cipher) addr() address.Addr {
	u, err := address.Parse(c.userID + "." + fmt.Sprint(c.deviceID))
	if err != nil {
		// userID is already a validated UUID string by the time any
		// caller reaches here (address.Addr.String() round-trips),
		// so this path is unreachable in practice.
		panic(fmt.Sprintf("ratchet: invalid peer address %s.%d: %v", c.userID, c.deviceID, err))
	}
	return u
}

func (c *Cipher) load(ctx context.Context) (*sessionState, bool, error) {
	raw, ok, err := c.store.LoadSession(ctx, c.addr())
	if err != nil || !ok {
		return nil, ok, err
	}
	var st sessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("ratchet: corrupt session state: %w", err)
	}
	return &st, true, nil
}

func (c *Cipher) save(ctx context.Context, st *sessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.store.StoreSession(ctx, c.addr(), raw)
}

// HasOpenSession implements signalproto.SessionCipher.
func (c *Cipher) HasOpenSession(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok, err := c.load(ctx)
	return ok, err
}

// CloseOpenSession implements signalproto.SessionCipher.
func (c *Cipher) CloseOpenSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.RemoveSession(ctx, c.addr())
}

// InitOutgoing implements signalproto.SessionCipher, performing an X3DH
// agreement against bundle and deriving the initial send/recv chains.
func (c *Cipher) InitOutgoing(ctx context.Context, bundle *signalproto.PreKeyBundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ourIdentity, ok, err := c.store.GetOurIdentity(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("ratchet: no installation identity, cannot init session")
	}

	if err := c.checkAndTrustIdentity(ctx, bundle.IdentityKey[:], bundle.SigningKey[:]); err != nil {
		return err
	}

	spk := &signalproto.SignedPreKey{KeyPair: signalproto.KeyPair{Public: bundle.SignedPreKey}, Signature: bundle.Signature}
	if !spk.Verify(bundle.SigningKey) {
		return fmt.Errorf("ratchet: signed prekey signature invalid for %s", c.userID)
	}

	ephemeral, err := signalproto.GenerateKeyPair()
	if err != nil {
		return err
	}

	dh1, err := signalproto.ECDH(ourIdentity.Private, bundle.SignedPreKey)
	if err != nil {
		return fmt.Errorf("ratchet: DH1: %w", err)
	}
	dh2, err := signalproto.ECDH(ephemeral.Private, bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("ratchet: DH2: %w", err)
	}
	dh3, err := signalproto.ECDH(ephemeral.Private, bundle.SignedPreKey)
	if err != nil {
		return fmt.Errorf("ratchet: DH3: %w", err)
	}
	secret := concatSecrets(dh1, dh2, dh3)
	if bundle.PreKeyPublic != nil {
		dh4, err := signalproto.ECDH(ephemeral.Private, *bundle.PreKeyPublic)
		if err != nil {
			return fmt.Errorf("ratchet: DH4: %w", err)
		}
		secret = append(secret, dh4[:]...)
	}

	st, err := deriveRootAndChains(secret, true)
	if err != nil {
		return err
	}
	st.TheirIdentity = append([]byte{}, bundle.IdentityKey[:]...)
	st.RegistrationID = bundle.RegistrationID
	st.PendingPreKeyHeader = &preKeyHeader{
		BaseKey:        append([]byte{}, ephemeral.Public[:]...),
		IdentityKey:    append([]byte{}, ourIdentity.Public[:]...),
		SigningKey:     append([]byte{}, ourIdentity.SigningPublic[:]...),
		PreKeyID:       bundle.PreKeyID,
		SignedPreKeyID: bundle.SignedPreKeyID,
	}

	return c.save(ctx, st)
}

// checkAndTrustIdentity enforces trust-on-first-use identity pinning: the
// first (identityKey, signingKey) pair seen for a userID is trusted
// silently, any later mismatch in either half surfaces as an
// IdentityKeyError for the caller to resolve. The two keys are pinned
// together, not separately, so a relay handing out a substitute signing
// key alongside a genuine identity key (to forge a SignedPreKey signature
// the initiator would otherwise reject) still trips key-change detection.
func (c *Cipher) checkAndTrustIdentity(ctx context.Context, identityKey, signingKey []byte) error {
	pinned := append(append([]byte{}, identityKey...), signingKey...)
	trusted, err := c.store.IsTrustedIdentity(ctx, c.userID, pinned)
	if err != nil {
		return err
	}
	if !trusted {
		return relayerr.NewIdentityKeyError(c.userID, identityKey, pinned)
	}
	return c.store.SaveIdentity(ctx, c.userID, pinned)
}

// Encrypt implements signalproto.SessionCipher.
func (c *Cipher) Encrypt(ctx context.Context, buf []byte) (*signalproto.EncryptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &relayerr.SessionError{Addr: c.userID, Kind: relayerr.SessionErrorInit, Err: errors.New("no open session")}
	}

	msgKey, nextChain := advanceChain(st.SendChainKey)
	iv := msgKey[16:32]
	aesKey := msgKey[0:16]
	macKey := msgKey[32:64]

	ct, err := signalproto.EncryptCBC(aesKey, iv, buf)
	if err != nil {
		return nil, err
	}
	mac := hmacTag(macKey, ct)

	cm := cipherMessage{Counter: st.SendCounter, IV: iv, Ciphertext: ct, MAC: mac}
	st.SendChainKey = nextChain
	st.SendCounter++

	var resultType signalproto.CiphertextType = signalproto.CiphertextWhisper
	var body []byte

	if st.PendingPreKeyHeader != nil {
		// First outbound message of a session we initiated carries the
		// bundle bootstrap material the peer needs to open it.
		body, err = json.Marshal(preKeyMessageBody{
			RegistrationID: st.RegistrationID,
			PreKeyID:       st.PendingPreKeyHeader.PreKeyID,
			SignedPreKeyID: st.PendingPreKeyHeader.SignedPreKeyID,
			BaseKey:        st.PendingPreKeyHeader.BaseKey,
			IdentityKey:    st.PendingPreKeyHeader.IdentityKey,
			SigningKey:     st.PendingPreKeyHeader.SigningKey,
			Message:        cm,
		})
		resultType = signalproto.CiphertextPreKeyWhisper
		st.PendingPreKeyHeader = nil
	} else {
		body, err = json.Marshal(cm)
	}
	if err != nil {
		return nil, err
	}

	if err := c.save(ctx, st); err != nil {
		return nil, err
	}

	return &signalproto.EncryptResult{
		Type:                      resultType,
		Body:                      body,
		DestinationRegistrationID: st.RegistrationID,
	}, nil
}

// DecryptWhisperMessage implements signalproto.SessionCipher.
func (c *Cipher) DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &relayerr.SessionError{Addr: c.userID, Kind: relayerr.SessionErrorInit, Err: errors.New("no open session")}
	}

	var cm cipherMessage
	if err := json.Unmarshal(body, &cm); err != nil {
		return nil, fmt.Errorf("ratchet: malformed whisper message: %w", err)
	}
	return c.decryptWithChain(ctx, st, cm)
}

// DecryptPreKeyWhisperMessage implements signalproto.SessionCipher,
// opening a session from the embedded bootstrap material if one does not
// already exist.
func (c *Cipher) DecryptPreKeyWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pkm preKeyMessageBody
	if err := json.Unmarshal(body, &pkm); err != nil {
		return nil, fmt.Errorf("ratchet: malformed prekey message: %w", err)
	}

	st, ok, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		st, err = c.openResponderSession(ctx, pkm)
		if err != nil {
			return nil, err
		}
	} else if err := c.checkAndTrustIdentity(ctx, pkm.IdentityKey, pkm.SigningKey); err != nil {
		return nil, err
	}

	return c.decryptWithChain(ctx, st, pkm.Message)
}

func (c *Cipher) openResponderSession(ctx context.Context, pkm preKeyMessageBody) (*sessionState, error) {
	ourIdentity, ok, err := c.store.GetOurIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("ratchet: no installation identity, cannot accept session")
	}

	if err := c.checkAndTrustIdentity(ctx, pkm.IdentityKey, pkm.SigningKey); err != nil {
		return nil, err
	}

	signedPreKey, ok, err := c.store.LoadSignedPreKey(ctx, pkm.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &relayerr.SessionError{Addr: c.userID, Kind: relayerr.SessionErrorPreKey, Err: fmt.Errorf("unknown signed prekey %d", pkm.SignedPreKeyID)}
	}

	var theirBaseKey [32]byte
	if len(pkm.BaseKey) != 32 {
		return nil, fmt.Errorf("ratchet: malformed base key")
	}
	copy(theirBaseKey[:], pkm.BaseKey)
	var theirIdentity [32]byte
	if len(pkm.IdentityKey) != 32 {
		return nil, fmt.Errorf("ratchet: malformed identity key")
	}
	copy(theirIdentity[:], pkm.IdentityKey)

	dh1, err := signalproto.ECDH(signedPreKey.Private, theirIdentity)
	if err != nil {
		return nil, fmt.Errorf("ratchet: DH1: %w", err)
	}
	dh2, err := signalproto.ECDH(ourIdentity.Private, theirBaseKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: DH2: %w", err)
	}
	dh3, err := signalproto.ECDH(signedPreKey.Private, theirBaseKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: DH3: %w", err)
	}
	secret := concatSecrets(dh1, dh2, dh3)

	if pkm.PreKeyID != nil {
		preKey, ok, err := c.store.LoadPreKey(ctx, *pkm.PreKeyID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &relayerr.SessionError{Addr: c.userID, Kind: relayerr.SessionErrorPreKey, Err: fmt.Errorf("unknown one-time prekey %d", *pkm.PreKeyID)}
		}
		dh4, err := signalproto.ECDH(preKey.Private, theirBaseKey)
		if err != nil {
			return nil, fmt.Errorf("ratchet: DH4: %w", err)
		}
		secret = append(secret, dh4[:]...)
		if err := c.store.RemovePreKey(ctx, *pkm.PreKeyID); err != nil {
			return nil, err
		}
	}

	st, err := deriveRootAndChains(secret, false)
	if err != nil {
		return nil, err
	}
	st.TheirIdentity = append([]byte{}, pkm.IdentityKey...)
	st.RegistrationID = pkm.RegistrationID
	return st, nil
}

func (c *Cipher) decryptWithChain(ctx context.Context, st *sessionState, cm cipherMessage) ([]byte, error) {
	if cm.Counter != st.RecvCounter {
		return nil, &relayerr.SessionError{
			Addr: c.userID, Kind: relayerr.SessionErrorCounter,
			Err: fmt.Errorf("expected message counter %d, got %d", st.RecvCounter, cm.Counter),
		}
	}

	msgKey, nextChain := advanceChain(st.RecvChainKey)
	aesKey := msgKey[0:16]
	macKey := msgKey[32:64]

	expectedMAC := hmacTag(macKey, cm.Ciphertext)
	if !hmac.Equal(expectedMAC, cm.MAC) {
		return nil, &relayerr.SessionError{Addr: c.userID, Kind: relayerr.SessionErrorGeneric, Err: errors.New("message authentication failed")}
	}

	plaintext, err := signalproto.DecryptCBC(aesKey, cm.IV, cm.Ciphertext)
	if err != nil {
		return nil, err
	}

	st.RecvChainKey = nextChain
	st.RecvCounter++
	if err := c.save(ctx, st); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// --- key derivation helpers ---------------------------------------------

func concatSecrets(parts ...[32]byte) []byte {
	out := make([]byte, 0, len(parts)*32)
	for _, p := range parts {
		out = append(out, p[:]...)
	}
	return out
}

// deriveRootAndChains expands the X3DH master secret into a root key and
// two independent chain keys, assigning send/recv by role so both sides
// of a session agree on which chain carries which direction.
func deriveRootAndChains(secret []byte, isInitiator bool) (*sessionState, error) {
	root, err := signalproto.HKDF(secret, nil, rootKeyInfo, 32)
	if err != nil {
		return nil, err
	}
	chainA, err := signalproto.HKDF(root, nil, chainAInfo, 32)
	if err != nil {
		return nil, err
	}
	chainB, err := signalproto.HKDF(root, nil, chainBInfo, 32)
	if err != nil {
		return nil, err
	}

	st := &sessionState{RootKey: root, IsInitiator: isInitiator}
	if isInitiator {
		st.SendChainKey, st.RecvChainKey = chainA, chainB
	} else {
		st.SendChainKey, st.RecvChainKey = chainB, chainA
	}
	return st, nil
}

// advanceChain derives a 64-byte message key (16 AES + 16 IV + 32 MAC)
// and the next chain key from the current chain key, via two independent
// HMAC-SHA256 taps — the standard symmetric KDF-chain construction.
func advanceChain(chainKey []byte) (msgKey, nextChain []byte) {
	msgKey = hmacTag(chainKey, []byte{msgKeyLabel})
	msgKey, _ = signalproto.HKDF(msgKey, nil, []byte("librelay ratchet message key"), 64)
	nextChain = hmacTag(chainKey, []byte{chainKDFNext})
	return msgKey, nextChain
}

func hmacTag(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
