package keystore

import (
	"context"
	"fmt"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/signalproto"
)

// KeyStore is the domain-level facade over a Backend: it knows the
// well-known state keys, the session/prekey/identity key layouts, and the
// saveIdentity-purges-sessions policy. Constructed once per Client.
type KeyStore struct {
	backend Backend
}

// New wraps backend in a KeyStore.
func New(backend Backend) *KeyStore {
	return &KeyStore{backend: backend}
}

func (k *KeyStore) Initialize(ctx context.Context) error { return k.backend.Initialize(ctx) }
func (k *KeyStore) Shutdown(ctx context.Context) error    { return k.backend.Shutdown(ctx) }

func (k *KeyStore) getValue(ctx context.Context, ns Namespace, key string) (Value, bool, error) {
	raw, ok, err := k.backend.Get(ctx, ns, key)
	if err != nil || !ok {
		return Value{}, ok, err
	}
	var v Value
	if err := v.UnmarshalBinary(raw); err != nil {
		return Value{}, false, err
	}
	return v, true, nil
}

func (k *KeyStore) setValue(ctx context.Context, ns Namespace, key string, v Value) error {
	raw, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return k.backend.Set(ctx, ns, key, raw)
}

// --- State bag -------------------------------------------------------

// GetState reads a single state key, returning (Value{}, false, nil) if unset.
func (k *KeyStore) GetState(ctx context.Context, key string) (Value, bool, error) {
	return k.getValue(ctx, NamespaceState, key)
}

// SetState writes a single state key.
func (k *KeyStore) SetState(ctx context.Context, key string, v Value) error {
	return k.setValue(ctx, NamespaceState, key, v)
}

// RemoveState deletes a single state key.
func (k *KeyStore) RemoveState(ctx context.Context, key string) error {
	return k.backend.Remove(ctx, NamespaceState, key)
}

// --- Identity ----------------------------------------------------------

const stateIdentityPrivate = "identityKeyPrivate"
const stateIdentityPublic = "identityKeyPublic"
const stateSigningSeed = "identitySigningSeed"

// GetOurIdentity returns our own installation identity key pair, or
// ok=false if registration has not happened yet.
func (k *KeyStore) GetOurIdentity(ctx context.Context) (*signalproto.IdentityKeyPair, bool, error) {
	priv, ok, err := k.getValue(ctx, NamespaceState, stateIdentityPrivate)
	if err != nil || !ok {
		return nil, false, err
	}
	pub, ok, err := k.getValue(ctx, NamespaceState, stateIdentityPublic)
	if err != nil || !ok {
		return nil, false, err
	}
	privBytes, err := priv.AsBytes()
	if err != nil {
		return nil, false, err
	}
	pubBytes, err := pub.AsBytes()
	if err != nil {
		return nil, false, err
	}
	if len(privBytes) != 32 || len(pubBytes) != 32 {
		return nil, false, fmt.Errorf("keystore: stored identity key has wrong length")
	}
	idk, err := signalproto.RebuildIdentityKeyPair(privBytes, pubBytes)
	if err != nil {
		return nil, false, err
	}
	return idk, true, nil
}

// SaveOurIdentity persists a freshly generated installation identity.
func (k *KeyStore) SaveOurIdentity(ctx context.Context, idk *signalproto.IdentityKeyPair) error {
	if err := k.setValue(ctx, NamespaceState, stateIdentityPrivate, NewBufferValue(idk.Private[:])); err != nil {
		return err
	}
	return k.setValue(ctx, NamespaceState, stateIdentityPublic, NewBufferValue(idk.Public[:]))
}

// --- PreKeys -------------------------------------------------------

func preKeyPubKey(id uint32) string  { return fmt.Sprintf("%d.pub", id) }
func preKeyPrivKey(id uint32) string { return fmt.Sprintf("%d.priv", id) }

// LoadPreKey fetches a one-time prekey by id, ok=false if absent.
func (k *KeyStore) LoadPreKey(ctx context.Context, id uint32) (*signalproto.PreKey, bool, error) {
	pub, ok, err := k.getValue(ctx, NamespacePreKey, preKeyPubKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	priv, ok, err := k.getValue(ctx, NamespacePreKey, preKeyPrivKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	pubBytes, err := pub.AsBytes()
	if err != nil {
		return nil, false, err
	}
	privBytes, err := priv.AsBytes()
	if err != nil {
		return nil, false, err
	}
	pk := &signalproto.PreKey{ID: id}
	copy(pk.Public[:], pubBytes)
	copy(pk.Private[:], privBytes)
	return pk, true, nil
}

// StorePreKey persists a one-time prekey.
func (k *KeyStore) StorePreKey(ctx context.Context, pk *signalproto.PreKey) error {
	if err := k.setValue(ctx, NamespacePreKey, preKeyPubKey(pk.ID), NewBufferValue(pk.Public[:])); err != nil {
		return err
	}
	return k.setValue(ctx, NamespacePreKey, preKeyPrivKey(pk.ID), NewBufferValue(pk.Private[:]))
}

// RemovePreKey deletes a consumed one-time prekey. Callers should follow
// this with a refresh-level check (SignalClient.refreshPreKeys).
func (k *KeyStore) RemovePreKey(ctx context.Context, id uint32) error {
	if err := k.backend.Remove(ctx, NamespacePreKey, preKeyPubKey(id)); err != nil {
		return err
	}
	return k.backend.Remove(ctx, NamespacePreKey, preKeyPrivKey(id))
}

// MaxPreKeyID returns the next prekey id to allocate, 0 if none have been
// generated yet.
func (k *KeyStore) MaxPreKeyID(ctx context.Context) (uint32, error) {
	v, ok, err := k.getValue(ctx, NamespaceState, "maxPreKeyId")
	if err != nil || !ok {
		return 0, err
	}
	n, err := v.AsNumber()
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// SetMaxPreKeyID persists the next prekey id to allocate.
func (k *KeyStore) SetMaxPreKeyID(ctx context.Context, id uint32) error {
	return k.setValue(ctx, NamespaceState, "maxPreKeyId", NewNumberValue(float64(id)))
}

// --- SignedPreKeys -------------------------------------------------

func signedPreKeyKey(id uint32) string { return fmt.Sprintf("%d", id) }

// LoadSignedPreKey fetches a signed prekey by id.
func (k *KeyStore) LoadSignedPreKey(ctx context.Context, id uint32) (*signalproto.SignedPreKey, bool, error) {
	v, ok, err := k.getValue(ctx, NamespaceSignedPreKey, signedPreKeyKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	raw, err := v.AsBytes()
	if err != nil {
		return nil, false, err
	}
	spk, err := decodeSignedPreKey(id, raw)
	if err != nil {
		return nil, false, err
	}
	return spk, true, nil
}

// StoreSignedPreKey persists a signed prekey.
func (k *KeyStore) StoreSignedPreKey(ctx context.Context, spk *signalproto.SignedPreKey) error {
	return k.setValue(ctx, NamespaceSignedPreKey, signedPreKeyKey(spk.ID), NewBufferValue(encodeSignedPreKey(spk)))
}

// RemoveSignedPreKey deletes a signed prekey by id (used during rotation
// to drop the key at current-2).
func (k *KeyStore) RemoveSignedPreKey(ctx context.Context, id uint32) error {
	return k.backend.Remove(ctx, NamespaceSignedPreKey, signedPreKeyKey(id))
}

func encodeSignedPreKey(spk *signalproto.SignedPreKey) []byte {
	out := make([]byte, 0, 32+32+64)
	out = append(out, spk.Public[:]...)
	out = append(out, spk.Private[:]...)
	out = append(out, spk.Signature[:]...)
	return out
}

func decodeSignedPreKey(id uint32, raw []byte) (*signalproto.SignedPreKey, error) {
	if len(raw) != 32+32+64 {
		return nil, fmt.Errorf("keystore: malformed signed prekey record for id %d", id)
	}
	spk := &signalproto.SignedPreKey{ID: id}
	copy(spk.Public[:], raw[0:32])
	copy(spk.Private[:], raw[32:64])
	copy(spk.Signature[:], raw[64:128])
	return spk, nil
}

// --- Sessions -------------------------------------------------------

func sessionKey(addr address.Addr) string { return addr.String() }

// LoadSession fetches the opaque ratchet-state bytes for a peer device.
func (k *KeyStore) LoadSession(ctx context.Context, addr address.Addr) ([]byte, bool, error) {
	v, ok, err := k.getValue(ctx, NamespaceSession, sessionKey(addr))
	if err != nil || !ok {
		return nil, ok, err
	}
	b, err := v.AsBytes()
	return b, true, err
}

// StoreSession persists opaque ratchet-state bytes for a peer device.
func (k *KeyStore) StoreSession(ctx context.Context, addr address.Addr, state []byte) error {
	return k.setValue(ctx, NamespaceSession, sessionKey(addr), NewBufferValue(state))
}

// RemoveSession deletes session state for exactly one peer device.
func (k *KeyStore) RemoveSession(ctx context.Context, addr address.Addr) error {
	return k.backend.Remove(ctx, NamespaceSession, sessionKey(addr))
}

// RemoveAllSessions deletes every session for every device of a peer
// user, by scanning the session namespace for its UUID prefix.
func (k *KeyStore) RemoveAllSessions(ctx context.Context, userID string) error {
	keys, err := k.backend.Keys(ctx, NamespaceSession, "^"+userID+`\.`)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := k.backend.Remove(ctx, NamespaceSession, key); err != nil {
			return err
		}
	}
	return nil
}

// ClearSessionStore wipes every session for every peer. Called before any
// identity change.
func (k *KeyStore) ClearSessionStore(ctx context.Context) error {
	keys, err := k.backend.Keys(ctx, NamespaceSession, "")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := k.backend.Remove(ctx, NamespaceSession, key); err != nil {
			return err
		}
	}
	return nil
}

// GetDeviceIDs derives the known device ids for a peer user from its
// session keys.
func (k *KeyStore) GetDeviceIDs(ctx context.Context, userID string) ([]uint32, error) {
	keys, err := k.backend.Keys(ctx, NamespaceSession, "^"+userID+`\.`)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(keys))
	for _, key := range keys {
		a, err := address.Parse(key)
		if err != nil {
			continue
		}
		ids = append(ids, a.DeviceID)
	}
	return ids, nil
}

// --- Trusted identities -------------------------------------------

// LoadIdentity returns the last-seen public identity key trusted for a
// peer user, ok=false if no contact has been made yet.
func (k *KeyStore) LoadIdentity(ctx context.Context, userID string) ([]byte, bool, error) {
	v, ok, err := k.getValue(ctx, NamespaceIdentityKey, userID)
	if err != nil || !ok {
		return nil, ok, err
	}
	b, err := v.AsBytes()
	return b, true, err
}

// SaveIdentity trusts pubKey for userID. If a prior key exists and
// differs, every session for userID is purged first.
func (k *KeyStore) SaveIdentity(ctx context.Context, userID string, pubKey []byte) error {
	prior, ok, err := k.LoadIdentity(ctx, userID)
	if err != nil {
		return err
	}
	if ok && !bytesEqual(prior, pubKey) {
		if err := k.RemoveAllSessions(ctx, userID); err != nil {
			return err
		}
	}
	return k.setValue(ctx, NamespaceIdentityKey, userID, NewBufferValue(pubKey))
}

// IsTrustedIdentity reports whether pubKey matches the stored trusted key
// for userID (true, implicitly, on first contact — the caller is
// expected to have just called SaveIdentity in that case).
func (k *KeyStore) IsTrustedIdentity(ctx context.Context, userID string, pubKey []byte) (bool, error) {
	prior, ok, err := k.LoadIdentity(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return bytesEqual(prior, pubKey), nil
}

// RemoveIdentity forgets the trusted key for userID.
func (k *KeyStore) RemoveIdentity(ctx context.Context, userID string) error {
	return k.backend.Remove(ctx, NamespaceIdentityKey, userID)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Blocked ---------------------------------------------------------

// IsBlocked reports whether userID is on the blocked list.
func (k *KeyStore) IsBlocked(ctx context.Context, userID string) (bool, error) {
	return k.backend.Has(ctx, NamespaceBlocked, userID)
}

// SetBlocked adds or removes userID from the blocked list.
func (k *KeyStore) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	if !blocked {
		return k.backend.Remove(ctx, NamespaceBlocked, userID)
	}
	return k.setValue(ctx, NamespaceBlocked, userID, NewBufferValue(nil))
}
