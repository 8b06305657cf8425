package signalproto

import "context"

// PreKeyBundle is the material a session initiator fetches from the relay
// before first contact with a device: a one-time prekey (absent once the
// peer's pool is exhausted) plus the peer's always-present signed prekey
// and identity key.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       uint32
	PreKeyID       *uint32
	PreKeyPublic   *[32]byte
	SignedPreKeyID uint32
	SignedPreKey   [32]byte
	Signature      [64]byte
	IdentityKey    [32]byte
	SigningKey     [32]byte
}

// CiphertextType distinguishes a PreKeyWhisperMessage (session-establishing)
// from a WhisperMessage (established-session) ciphertext, mirroring
// Envelope.Type in internal/wire.
type CiphertextType int

const (
	CiphertextWhisper       CiphertextType = 1
	CiphertextPreKeyWhisper CiphertextType = 3
)

// EncryptResult is the output of SessionCipher.Encrypt: the wire
// ciphertext plus the metadata the relay's /v1/messages payload needs
// alongside it.
type EncryptResult struct {
	Type                      CiphertextType
	Body                      []byte
	DestinationRegistrationID uint32
}

// SessionCipher is the boundary to the Double Ratchet / X3DH primitive,
// consumed here as a dependency rather than implemented in this package:
// callers (internal/outgoing, internal/receiver) hold one SessionCipher
// per (peer user, peer device) and drive it through this interface,
// backed by whatever concrete ratchet implementation is wired in at the
// Client layer.
type SessionCipher interface {
	// HasOpenSession reports whether ratchet state already exists for
	// this peer device.
	HasOpenSession(ctx context.Context) (bool, error)

	// InitOutgoing starts a session from a freshly fetched prekey
	// bundle (X3DH). Returns an IdentityKeyError-shaped error (see
	// internal/relayerr) if the bundle's identity key conflicts with a
	// previously trusted one.
	InitOutgoing(ctx context.Context, bundle *PreKeyBundle) error

	// Encrypt ratchets forward and encrypts buf, which the caller has
	// already padded, into a ciphertext ready for transmission.
	Encrypt(ctx context.Context, buf []byte) (*EncryptResult, error)

	// DecryptWhisperMessage decrypts a CiphertextWhisper body against
	// an already-open session.
	DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error)

	// DecryptPreKeyWhisperMessage decrypts a CiphertextPreKeyWhisper
	// body, opening a session as a side effect if none exists yet.
	DecryptPreKeyWhisperMessage(ctx context.Context, body []byte) ([]byte, error)

	// CloseOpenSession discards ratchet state for this peer device.
	CloseOpenSession(ctx context.Context) error
}

// SessionCipherFactory constructs a SessionCipher for a given peer
// device, backed by the KeyStore's session namespace. Wired at the
// Client layer (see internal/client) so internal/outgoing and
// internal/receiver never depend on a concrete ratchet implementation.
type SessionCipherFactory interface {
	For(userID string, deviceID uint32) SessionCipher
}
