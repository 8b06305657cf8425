// Package provisioning implements the envelope cipher used to transport a
// primary device's identity key pair to a secondary device during device
// linking.
package provisioning

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/forstalabs/librelay-go/internal/signalproto"
)

var provisioningInfo = []byte("TextSecure Provisioning Message")

const provisioningVersion = 0x01

// ErrBadVersion is returned when a provisioning envelope's version byte
// is not 1.
var ErrBadVersion = errors.New("provisioning: unsupported envelope version")

// ErrBadMAC is returned when a provisioning envelope's MAC does not
// verify; the plaintext is never returned in this case.
var ErrBadMAC = errors.New("provisioning: MAC verification failed")

// Cipher implements the envelope layout [version:1][iv:16][ciphertext:N][mac:32],
// keyed by an ECDH shared secret between a sender ephemeral key and a
// recipient's long-term public key.
type Cipher struct{}

// NewCipher constructs a ProvisioningCipher. It is stateless; the type
// exists to leave room for future construction-time options.
func NewCipher() *Cipher { return &Cipher{} }

func (c *Cipher) deriveKeys(sharedSecret [32]byte) (cipherKey, macKey []byte, err error) {
	okm, err := signalproto.HKDF(sharedSecret[:], make([]byte, 32), provisioningInfo, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("provisioning: derive keys: %w", err)
	}
	return okm[:32], okm[32:], nil
}

// Encrypt builds a ProvisionEnvelope body for recipientPublic: a fresh
// ephemeral key pair is generated, the ECDH shared secret derives the
// cipher/MAC keys, and plaintext is AES-256-CBC + HMAC-SHA256 sealed.
// Returns the ephemeral public key and the envelope body.
func (c *Cipher) Encrypt(recipientPublic [32]byte, plaintext []byte) (ephemeralPublic [32]byte, body []byte, err error) {
	ephemeral, err := signalproto.GenerateKeyPair()
	if err != nil {
		return [32]byte{}, nil, err
	}
	shared, err := signalproto.ECDH(ephemeral.Private, recipientPublic)
	if err != nil {
		return [32]byte{}, nil, err
	}
	cipherKey, macKey, err := c.deriveKeys(shared)
	if err != nil {
		return [32]byte{}, nil, err
	}

	iv, err := signalproto.RandomBytes(aes.BlockSize)
	if err != nil {
		return [32]byte{}, nil, err
	}
	ct, err := signalproto.EncryptCBC(cipherKey, iv, plaintext)
	if err != nil {
		return [32]byte{}, nil, err
	}

	versioned := make([]byte, 0, 1+len(iv)+len(ct))
	versioned = append(versioned, provisioningVersion)
	versioned = append(versioned, iv...)
	versioned = append(versioned, ct...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(versioned)
	body = append(versioned, mac.Sum(nil)...)
	return ephemeral.Public, body, nil
}

// Decrypt reverses Encrypt: recipientPrivate is the receiving device's
// ephemeral private key, ephemeralPublic is the sender's public key
// carried in ProvisionEnvelope.PublicKey.
func (c *Cipher) Decrypt(recipientPrivate [32]byte, ephemeralPublic [32]byte, body []byte) ([]byte, error) {
	if len(body) < 1+aes.BlockSize+sha256.Size {
		return nil, errors.New("provisioning: envelope body too short")
	}
	shared, err := signalproto.ECDH(recipientPrivate, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	cipherKey, macKey, err := c.deriveKeys(shared)
	if err != nil {
		return nil, err
	}

	versioned := body[:len(body)-sha256.Size]
	tag := body[len(body)-sha256.Size:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(versioned)
	if subtle.ConstantTimeCompare(mac.Sum(nil), tag) != 1 {
		return nil, ErrBadMAC
	}

	if versioned[0] != provisioningVersion {
		return nil, fmt.Errorf("%w: got %d", ErrBadVersion, versioned[0])
	}
	iv := versioned[1 : 1+aes.BlockSize]
	ct := versioned[1+aes.BlockSize:]
	return signalproto.DecryptCBC(cipherKey, iv, ct)
}
