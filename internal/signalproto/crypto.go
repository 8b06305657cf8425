package signalproto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var signingSeedInfo = []byte("librelay identity signing key")

func deriveSigningSeed(identityPrivate [32]byte) ([32]byte, error) {
	var seed [32]byte
	kdf := hkdf.New(sha256.New, identityPrivate[:], nil, signingSeedInfo)
	if _, err := io.ReadFull(kdf, seed[:]); err != nil {
		return [32]byte{}, fmt.Errorf("signalproto: derive signing seed: %w", err)
	}
	return seed, nil
}

func ed25519PublicFromSeed(seed [32]byte) []byte {
	return ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)
}

// Sign signs msg with the identity's derived Ed25519 signing key.
func (idk *IdentityKeyPair) Sign(msg []byte) ([]byte, error) {
	priv := ed25519.NewKeyFromSeed(idk.signSeed[:])
	return ed25519.Sign(priv, msg), nil
}

func verifySignature(signingPublic [32]byte, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signingPublic[:]), msg, sig)
}

// HKDF derives outputLength bytes from ikm using HKDF-SHA256 with the
// given salt and info, matching the derivation used throughout the relay
// wire formats (provisioning, attachments).
func HKDF(ikm, salt, info []byte, outputLength int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outputLength)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("signalproto: hkdf: %w", err)
	}
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("signalproto: invalid PKCS#7 padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errors.New("signalproto: invalid PKCS#7 pad length")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("signalproto: invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}

func aesCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func aesCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("signalproto: ciphertext not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// EncryptCBC AES-256-CBC/PKCS#7-encrypts plaintext with key and iv,
// exported for use by internal/provisioning's envelope cipher.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	return aesCBCEncrypt(key, iv, plaintext)
}

// DecryptCBC reverses EncryptCBC.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	return aesCBCDecrypt(key, iv, ciphertext)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("signalproto: random bytes: %w", err)
	}
	return b, nil
}

// PadMessage pads buf with a single 0x80 byte followed by zero-fill up to
// the next multiple of blockSize, hiding the exact message length within
// fixed-size buckets.
func PadMessage(buf []byte, blockSize int) []byte {
	padded := make([]byte, 0, blockSize)
	padded = append(padded, buf...)
	padded = append(padded, 0x80)
	for len(padded)%blockSize != 0 {
		padded = append(padded, 0x00)
	}
	return padded
}

// UnpadMessage reverses PadMessage: scans from the tail for the 0x80
// marker, erroring if the buffer is all zero or the marker byte is
// anything other than 0x80 preceded only by zero bytes.
func UnpadMessage(buf []byte) ([]byte, error) {
	for i := len(buf) - 1; i >= 0; i-- {
		switch buf[i] {
		case 0x00:
			continue
		case 0x80:
			return buf[:i], nil
		default:
			return nil, fmt.Errorf("signalproto: invalid padding byte 0x%02x", buf[i])
		}
	}
	return nil, errors.New("signalproto: buffer contains no padding marker")
}

// EncryptWebSocketMessage implements the websocket-layer envelope
// encryption: AES-256-CBC + HMAC-SHA256 truncated to 10 bytes, keys split
// from a 52-byte signalingKey as signalingKey[0:32] (AES) and
// signalingKey[32:52] (HMAC).
func EncryptWebSocketMessage(signalingKey, plaintext []byte) ([]byte, error) {
	if len(signalingKey) != 52 {
		return nil, fmt.Errorf("signalproto: signaling key must be 52 bytes, got %d", len(signalingKey))
	}
	aesKey := signalingKey[0:32]
	macKey := signalingKey[32:52]

	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ct, err := aesCBCEncrypt(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	msg := make([]byte, 0, 1+len(iv)+len(ct))
	msg = append(msg, 0x01)
	msg = append(msg, iv...)
	msg = append(msg, ct...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(msg)
	tag := mac.Sum(nil)[:10]

	return append(msg, tag...), nil
}

// DecryptWebSocketMessage reverses EncryptWebSocketMessage, verifying the
// truncated HMAC before decrypting.
func DecryptWebSocketMessage(signalingKey, data []byte) ([]byte, error) {
	if len(signalingKey) != 52 {
		return nil, fmt.Errorf("signalproto: signaling key must be 52 bytes, got %d", len(signalingKey))
	}
	if len(data) < 1+aes.BlockSize+10 {
		return nil, errors.New("signalproto: websocket message too short")
	}
	aesKey := signalingKey[0:32]
	macKey := signalingKey[32:52]

	version := data[0]
	if version != 0x01 {
		return nil, fmt.Errorf("signalproto: unsupported envelope version %d", version)
	}
	body := data[:len(data)-10]
	tag := data[len(data)-10:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	expected := mac.Sum(nil)[:10]
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, errors.New("signalproto: websocket message MAC mismatch")
	}

	iv := data[1 : 1+aes.BlockSize]
	ct := data[1+aes.BlockSize : len(data)-10]
	return aesCBCDecrypt(aesKey, iv, ct)
}

// AttachmentKeyMaterial is a random 64-byte key split into an AES key and
// a MAC key, as used for attachment encryption.
type AttachmentKeyMaterial struct {
	AESKey [32]byte
	MACKey [32]byte
}

// NewAttachmentKeyMaterial generates fresh random attachment key material.
func NewAttachmentKeyMaterial() (*AttachmentKeyMaterial, error) {
	b, err := RandomBytes(64)
	if err != nil {
		return nil, err
	}
	km := &AttachmentKeyMaterial{}
	copy(km.AESKey[:], b[:32])
	copy(km.MACKey[:], b[32:])
	return km, nil
}

// EncryptAttachment encrypts plaintext with AES-256-CBC and appends a
// full 32-byte HMAC-SHA256 tag over iv||ciphertext.
func (km *AttachmentKeyMaterial) EncryptAttachment(plaintext []byte) ([]byte, error) {
	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ct, err := aesCBCEncrypt(km.AESKey[:], iv, plaintext)
	if err != nil {
		return nil, err
	}
	body := append(append([]byte{}, iv...), ct...)
	mac := hmac.New(sha256.New, km.MACKey[:])
	mac.Write(body)
	return append(body, mac.Sum(nil)...), nil
}

// DecryptAttachment reverses EncryptAttachment.
func (km *AttachmentKeyMaterial) DecryptAttachment(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize+sha256.Size {
		return nil, errors.New("signalproto: attachment too short")
	}
	body := data[:len(data)-sha256.Size]
	tag := data[len(data)-sha256.Size:]

	mac := hmac.New(sha256.New, km.MACKey[:])
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), tag) != 1 {
		return nil, errors.New("signalproto: attachment MAC mismatch")
	}
	iv := body[:aes.BlockSize]
	ct := body[aes.BlockSize:]
	return aesCBCDecrypt(km.AESKey[:], iv, ct)
}
