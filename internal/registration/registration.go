// Package registration implements the two account-bootstrap flows: a
// fresh primary-device registration against Atlas, and a secondary
// device linking to an already-registered account over the provisioning
// websocket.
package registration

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/curve25519"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/atlasclient"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/provisioning"
	"github.com/forstalabs/librelay-go/internal/relayclient"
	"github.com/forstalabs/librelay-go/internal/signalproto"
	"github.com/forstalabs/librelay-go/internal/wire"
	"github.com/forstalabs/librelay-go/internal/wsresource"
)

const initialPreKeyCount = 100

// generateRegistrationID returns a random 14-bit id, as real libsignal
// clients do, so the relay can recognize reused installs.
func generateRegistrationID() (uint32, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := uint32(buf[0])<<8 | uint32(buf[1])
	return v & 0x3fff, nil // u14
}

// generatePassword returns the relay Basic-Auth secret: 16 random bytes
// base64-encoded with the two trailing padding characters trimmed,
// yielding the conventional 22-character password.
func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(buf)
	return strings.TrimRight(encoded, "="), nil
}

// generateSignalingKey returns the 52-byte websocket envelope key (32
// AES bytes + 20 HMAC bytes).
func generateSignalingKey() ([]byte, error) {
	return signalproto.RandomBytes(52)
}

// AtlasProvisionClient is the subset of atlasclient.Client registration
// needs: the Atlas-side account provisioning calls. Kept as an
// interface so registration can be tested without a live Atlas client.
type AtlasProvisionClient interface {
	ProvisionAccount(ctx context.Context, req atlasclient.ProvisionAccountRequest) (*atlasclient.ProvisionAccountResponse, error)
	RequestProvisioning(ctx context.Context, secondaryUUID, ephemeralPubBase64 string) error
	AccountUserID() (string, error)
}

// RegisterAccount runs the primary registration flow: generate
// installation parameters, register with Atlas, generate an identity,
// clear any prior session/identity state, and generate and store the
// initial signed prekey and one-time prekeys. The key material is kept
// in store only; RegisterAccount makes no relay call and does not upload
// it.
func RegisterAccount(ctx context.Context, store *keystore.KeyStore, atlas AtlasProvisionClient, name string) (*keystore.KeyStore, error) {
	registrationID, err := generateRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("registration: generate registration id: %w", err)
	}
	password, err := generatePassword()
	if err != nil {
		return nil, fmt.Errorf("registration: generate password: %w", err)
	}
	signalingKey, err := generateSignalingKey()
	if err != nil {
		return nil, fmt.Errorf("registration: generate signaling key: %w", err)
	}

	resp, err := atlas.ProvisionAccount(ctx, atlasclient.ProvisionAccountRequest{
		SignalingKey:    base64.StdEncoding.EncodeToString(signalingKey),
		SupportsSMS:     false,
		FetchesMessages: true,
		RegistrationID:  registrationID,
		Name:            name,
		Password:        password,
	})
	if err != nil {
		return nil, fmt.Errorf("registration: provision account: %w", err)
	}

	identity, err := signalproto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("registration: generate identity: %w", err)
	}

	if err := store.ClearSessionStore(ctx); err != nil {
		return nil, fmt.Errorf("registration: clear session store: %w", err)
	}
	if err := store.SaveOurIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("registration: save identity: %w", err)
	}

	if err := persistAccountState(ctx, store, resp.UserID, resp.DeviceID, resp.ServerURL, password, signalingKey, registrationID); err != nil {
		return nil, err
	}

	if err := generateAndStoreKeys(ctx, store, identity, 0); err != nil {
		return nil, err
	}

	return store, nil
}

func persistAccountState(ctx context.Context, store *keystore.KeyStore, userID string, deviceID uint32, serverURL, password string, signalingKey []byte, registrationID uint32) error {
	sets := []struct {
		key string
		v   keystore.Value
	}{
		{"addr", keystore.NewStringValue(userID)},
		{"deviceId", keystore.NewNumberValue(float64(deviceID))},
		{"serverUrl", keystore.NewStringValue(serverURL)},
		{"username", keystore.NewStringValue(fmt.Sprintf("%s.%d", userID, deviceID))},
		{"password", keystore.NewStringValue(password)},
		{"signalingKey", keystore.NewBufferValue(signalingKey)},
		{"registrationId", keystore.NewNumberValue(float64(registrationID))},
	}
	for _, s := range sets {
		if err := store.SetState(ctx, s.key, s.v); err != nil {
			return fmt.Errorf("registration: persist state %q: %w", s.key, err)
		}
	}
	return nil
}

// generateAndStoreKeys generates a signed prekey and a batch of
// one-time prekeys starting at startID, storing all of them.
func generateAndStoreKeys(ctx context.Context, store *keystore.KeyStore, identity *signalproto.IdentityKeyPair, startID uint32) error {
	signed, err := signalproto.GenerateSignedPreKey(identity, 1)
	if err != nil {
		return fmt.Errorf("registration: generate signed prekey: %w", err)
	}
	if err := store.StoreSignedPreKey(ctx, signed); err != nil {
		return fmt.Errorf("registration: store signed prekey: %w", err)
	}
	if err := store.SetState(ctx, "signedKeyId", keystore.NewNumberValue(float64(signed.ID))); err != nil {
		return fmt.Errorf("registration: persist signed key id: %w", err)
	}

	preKeys, err := signalproto.GeneratePreKeys(startID, initialPreKeyCount)
	if err != nil {
		return fmt.Errorf("registration: generate prekeys: %w", err)
	}
	for i := range preKeys {
		if err := store.StorePreKey(ctx, &preKeys[i]); err != nil {
			return fmt.Errorf("registration: store prekey %d: %w", preKeys[i].ID, err)
		}
	}
	lastID := startID
	if len(preKeys) > 0 {
		lastID = preKeys[len(preKeys)-1].ID + 1
	}
	return store.SetMaxPreKeyID(ctx, lastID)
}

// RefreshClient is the subset of relayclient.Client the top-up path
// needs: check the remaining count, generate and upload more if low.
type RefreshClient interface {
	RefreshPreKeys(ctx context.Context, identity *signalproto.IdentityKeyPair, signed *signalproto.SignedPreKey, startID uint32, minLevel, fill int) ([]signalproto.PreKey, error)
}

// RefreshPreKeys tops up this device's one-time prekey pool when the
// relay reports the remaining count at or below minLevel, whether called
// from the periodic top-up loop or from session-error recovery. It
// persists whatever was generated locally alongside the upload; a no-op
// when the pool is still above minLevel.
func RefreshPreKeys(ctx context.Context, store *keystore.KeyStore, relay RefreshClient, minLevel, fill int) error {
	identity, ok, err := store.GetOurIdentity(ctx)
	if err != nil {
		return fmt.Errorf("registration: load identity: %w", err)
	}
	if !ok {
		return fmt.Errorf("registration: refresh prekeys: no identity registered")
	}

	signedKeyIDVal, ok, err := store.GetState(ctx, "signedKeyId")
	if err != nil {
		return fmt.Errorf("registration: load signed key id: %w", err)
	}
	if !ok {
		return fmt.Errorf("registration: refresh prekeys: no signed key id registered")
	}
	signedKeyID, err := signedKeyIDVal.AsNumber()
	if err != nil {
		return fmt.Errorf("registration: decode signed key id: %w", err)
	}
	signed, ok, err := store.LoadSignedPreKey(ctx, uint32(signedKeyID))
	if err != nil {
		return fmt.Errorf("registration: load signed prekey %d: %w", uint32(signedKeyID), err)
	}
	if !ok {
		return fmt.Errorf("registration: refresh prekeys: signed prekey %d missing", uint32(signedKeyID))
	}

	startID, err := store.MaxPreKeyID(ctx)
	if err != nil {
		return fmt.Errorf("registration: load max prekey id: %w", err)
	}

	preKeys, err := relay.RefreshPreKeys(ctx, identity, signed, startID, minLevel, fill)
	if err != nil {
		return fmt.Errorf("registration: refresh prekeys: %w", err)
	}
	if len(preKeys) == 0 {
		return nil
	}
	for i := range preKeys {
		if err := store.StorePreKey(ctx, &preKeys[i]); err != nil {
			return fmt.Errorf("registration: store refreshed prekey %d: %w", preKeys[i].ID, err)
		}
	}
	return store.SetMaxPreKeyID(ctx, preKeys[len(preKeys)-1].ID+1)
}

// SecondaryHandle lets the caller observe progress and cancel a
// secondary-device linking attempt in flight.
type SecondaryHandle struct {
	Done    <-chan error
	cancel  context.CancelFunc
	Waiting bool
}

// Cancel aborts an in-flight secondary registration by closing the
// provisioning websocket.
func (h *SecondaryHandle) Cancel() {
	h.cancel()
}

// ProvisioningCallback is invoked once the relay has handed back the
// account UUID, before the encrypted identity arrives — the caller may
// render a QR/tsdevice URL from it.
type ProvisioningCallback func(accountUUID string, ephemeralPub [32]byte)

// RegisterDevice runs the secondary linking flow: dial the provisioning
// websocket, wait for the account UUID, optionally auto-request
// provisioning from Atlas, then wait for the encrypted identity and
// complete device registration.
func RegisterDevice(ctx context.Context, store *keystore.KeyStore, relayBaseURL, relayWSURL string, atlas AtlasProvisionClient, autoProvision bool, onUUID ProvisioningCallback) *SecondaryHandle {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	handle := &SecondaryHandle{Done: done, cancel: cancel, Waiting: true}

	go func() {
		done <- runSecondary(runCtx, store, relayBaseURL, relayWSURL, atlas, autoProvision, onUUID)
	}()
	return handle
}

func runSecondary(ctx context.Context, store *keystore.KeyStore, relayBaseURL, relayWSURL string, atlas AtlasProvisionClient, autoProvision bool, onUUID ProvisioningCallback) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayWSURL, nil)
	if err != nil {
		return fmt.Errorf("registration: dial provisioning websocket: %w", err)
	}

	ephemeral, err := signalproto.GenerateKeyPair()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("registration: generate ephemeral key: %w", err)
	}

	result := make(chan *wire.ProvisionEnvelope, 1)
	failure := make(chan error, 1)

	handler := func(verb, path string, body []byte, respond func(status int, message string)) {
		switch {
		case verb == "PUT" && path == "/v1/address":
			uuidMsg, err := wire.DecodeProvisioningUuid(body)
			if err != nil {
				respond(400, "bad provisioning uuid")
				failure <- fmt.Errorf("registration: decode provisioning uuid: %w", err)
				return
			}
			respond(200, "OK")
			if onUUID != nil {
				onUUID(uuidMsg.UUID, ephemeral.Public)
			}
			if autoProvision && atlas != nil {
				go func() {
					_ = atlas.RequestProvisioning(ctx, uuidMsg.UUID, base64.StdEncoding.EncodeToString(ephemeral.Public[:]))
				}()
			}
		case verb == "PUT" && path == "/v1/message":
			env, err := wire.DecodeProvisionEnvelope(body)
			if err != nil {
				respond(400, "bad provision envelope")
				failure <- fmt.Errorf("registration: decode provision envelope: %w", err)
				return
			}
			respond(200, "OK")
			result <- env
		default:
			respond(404, "not found")
		}
	}

	resource := wsresource.New(conn, handler, wsresource.Options{})
	defer resource.Close()

	var env *wire.ProvisionEnvelope
	select {
	case env = <-result:
	case err := <-failure:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	plaintext, err := provisioning.NewCipher().Decrypt(ephemeral.Private, publicKeyFromBytes(env.PublicKey), env.Body)
	if err != nil {
		return fmt.Errorf("registration: decrypt provision envelope: %w", err)
	}
	provMsg, err := wire.DecodeProvisionMessage(plaintext)
	if err != nil {
		return fmt.Errorf("registration: decode provision message: %w", err)
	}

	accountUserID, err := atlas.AccountUserID()
	if err != nil {
		return fmt.Errorf("registration: load account uuid to validate provisioned identity: %w", err)
	}
	addr, parseErr := address.Parse(provMsg.Addr)
	if parseErr != nil || addr.UserID.String() != accountUserID {
		return fmt.Errorf("registration: foreign account sent us an identity key")
	}

	registrationID, err := generateRegistrationID()
	if err != nil {
		return fmt.Errorf("registration: generate registration id: %w", err)
	}
	password, err := generatePassword()
	if err != nil {
		return fmt.Errorf("registration: generate password: %w", err)
	}
	signalingKey, err := generateSignalingKey()
	if err != nil {
		return fmt.Errorf("registration: generate signaling key: %w", err)
	}

	resp, err := relayclient.RegisterDevice(ctx, relayBaseURL, provMsg.ProvisioningCode, relayclient.RegisterDeviceRequest{
		SignalingKey:   base64.StdEncoding.EncodeToString(signalingKey),
		RegistrationID: registrationID,
		Password:       password,
	})
	if err != nil {
		return fmt.Errorf("registration: provision device: %w", err)
	}

	if len(provMsg.IdentityKeyPrivate) != 32 {
		return fmt.Errorf("registration: identity key private has wrong length")
	}
	var privBytes [32]byte
	copy(privBytes[:], provMsg.IdentityKeyPrivate)
	var pubBytes [32]byte
	curve25519.ScalarBaseMult(&pubBytes, &privBytes)
	rebuilt, err := signalproto.RebuildIdentityKeyPair(privBytes[:], pubBytes[:])
	if err != nil {
		return fmt.Errorf("registration: rebuild identity keypair: %w", err)
	}

	if err := store.SaveOurIdentity(ctx, rebuilt); err != nil {
		return fmt.Errorf("registration: save identity: %w", err)
	}
	if err := persistAccountState(ctx, store, provMsg.Addr, resp.DeviceID, "", password, signalingKey, registrationID); err != nil {
		return err
	}
	return generateAndStoreKeys(ctx, store, rebuilt, 0)
}

func publicKeyFromBytes(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
