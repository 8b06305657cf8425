// Package signalproto implements the cryptographic key material and
// envelope ciphers this client owns directly: identity/pre/signed-pre key
// generation, the double-ratchet session cipher boundary, and the padding
// scheme applied before a Content protobuf is handed to that boundary.
//
// The double-ratchet itself is treated as an external primitive (see
// SessionCipher) — this package never implements the ratchet state
// machine, only the surrounding key lifecycle.
package signalproto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh Curve25519 key pair using a clamped
// random scalar as the private key.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("signalproto: generate key pair: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// ECDH computes the Curve25519 shared secret between priv and pub.
func ECDH(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	curve25519.ScalarMult(&out, &priv, &pub)
	var zero [32]byte
	if out == zero {
		return [32]byte{}, fmt.Errorf("signalproto: ECDH produced the all-zero shared secret")
	}
	return out, nil
}

// IdentityKeyPair is the long-lived installation identity: exactly one
// per installation, created at registration, invalidated only by a fresh
// registration. Alongside the Curve25519 pair used for ECDH (provisioning,
// X3DH by the external ratchet library) it carries an Ed25519 signing key
// derived from the same private scalar, used to sign SignedPreKeys —
// Curve25519 points are Montgomery-form and not directly Ed25519-signable,
// so a derived signing key stands in for the birational (XEdDSA) trick
// real libsignal uses. See DESIGN.md.
type IdentityKeyPair struct {
	KeyPair
	signSeed      [32]byte
	SigningPublic [32]byte
}

// GenerateIdentityKeyPair creates a new identity key pair and its
// associated signing key.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	seed, err := deriveSigningSeed(kp.Private)
	if err != nil {
		return nil, err
	}
	idk := &IdentityKeyPair{KeyPair: kp, signSeed: seed}
	copy(idk.SigningPublic[:], ed25519PublicFromSeed(seed))
	return idk, nil
}

// RebuildIdentityKeyPair reconstructs an IdentityKeyPair from its raw
// stored private/public key bytes (the signing seed is re-derived, not
// stored separately).
func RebuildIdentityKeyPair(priv, pub []byte) (*IdentityKeyPair, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return nil, fmt.Errorf("signalproto: identity key material must be 32 bytes each")
	}
	idk := &IdentityKeyPair{}
	copy(idk.Private[:], priv)
	copy(idk.Public[:], pub)
	seed, err := deriveSigningSeed(idk.Private)
	if err != nil {
		return nil, err
	}
	idk.signSeed = seed
	copy(idk.SigningPublic[:], ed25519PublicFromSeed(seed))
	return idk, nil
}

// PreKeyIDCeiling is the exclusive upper bound for prekey ids (spec: ids
// live in [1, 2^24)).
const PreKeyIDCeiling = 1 << 24

// PreKeyBatchSize is the standard number of one-time prekeys generated
// per refresh.
const PreKeyBatchSize = 100

// PreKey is a one-time prekey consumed by a peer initiating a session.
type PreKey struct {
	ID uint32
	KeyPair
}

// GeneratePreKeys returns count consecutive prekeys starting at startID,
// wrapping back to 1 if the ceiling is reached (ids are never 0).
func GeneratePreKeys(startID uint32, count int) ([]PreKey, error) {
	out := make([]PreKey, 0, count)
	id := startID
	for i := 0; i < count; i++ {
		if id == 0 || id >= PreKeyIDCeiling {
			id = 1
		}
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		out = append(out, PreKey{ID: id, KeyPair: kp})
		id++
	}
	return out, nil
}

// SignedPreKey is a medium-term prekey whose public key is signed by the
// owning identity key, rotated periodically.
type SignedPreKey struct {
	ID uint32
	KeyPair
	Signature [64]byte
}

// GenerateSignedPreKey creates a new signed prekey with the given id,
// signed by identity.
func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32) (*SignedPreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(kp.Public[:])
	if err != nil {
		return nil, err
	}
	spk := &SignedPreKey{ID: id, KeyPair: kp}
	copy(spk.Signature[:], sig)
	return spk, nil
}

// Verify checks a SignedPreKey's signature against the owner's signing
// public key (IdentityKeyPair.SigningPublic).
func (spk *SignedPreKey) Verify(signingPublic [32]byte) bool {
	return verifySignature(signingPublic, spk.Public[:], spk.Signature[:])
}
