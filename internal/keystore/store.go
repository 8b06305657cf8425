// Package keystore implements the namespaced persistent store for
// identity, prekeys, signed prekeys, sessions, per-peer trusted
// identities, and global client state, plus the domain-level helpers
// (loadSession, saveIdentity, ...) built on top of it.
//
// Backend is the pluggable storage interface; three concrete backends are
// provided (fs via SQLite, redis, postgres), selected at runtime by
// RELAY_STORAGE_BACKING (see internal/config). The Backend's job ends at
// "byte buffers round-trip by key within a namespace" — encoding/decoding
// of typed values is handled by Value in this file.
package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Namespace partitions keys by concern.
type Namespace string

const (
	NamespaceState       Namespace = "state"
	NamespaceSession     Namespace = "session"
	NamespacePreKey      Namespace = "prekey"
	NamespaceSignedPreKey Namespace = "signedprekey"
	NamespaceIdentityKey Namespace = "identitykey"
	NamespaceBlocked     Namespace = "blocked"
)

// Backend is the pluggable namespaced key-value abstraction. A missing
// key is reported via the bool return, never an error; Remove on a
// missing key is a no-op. Implementations must be atomic per single
// Get/Set/Remove call; no cross-key transaction is assumed.
type Backend interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, ns Namespace, key string, value []byte) error
	Has(ctx context.Context, ns Namespace, key string) (bool, error)
	Remove(ctx context.Context, ns Namespace, key string) error
	// Keys lists keys in ns whose key matches pattern (a Go regexp); an
	// empty pattern matches everything.
	Keys(ctx context.Context, ns Namespace, pattern string) ([]string, error)
}

// ValueKind tags the logical type carried by a Value, matching the
// {type, data} envelope this store's on-disk representation has always
// used, retained here for bit-compat.
type ValueKind string

const (
	KindBuffer ValueKind = "buffer"
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindRecord ValueKind = "record"
)

// Value is the typed wrapper stored in each namespace; encode/decode
// round-trips each kind exactly, a bijection between a Value and its
// stored bytes.
type Value struct {
	Kind   ValueKind
	Bytes  []byte
	Str    string
	Num    float64
	Record json.RawMessage
}

type wireValue struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewBufferValue wraps a byte slice.
func NewBufferValue(b []byte) Value { return Value{Kind: KindBuffer, Bytes: b} }

// NewStringValue wraps a string.
func NewStringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NewNumberValue wraps a float64 (integers round-trip exactly up to 2^53).
func NewNumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// NewRecordValue wraps an arbitrary JSON-serializable record.
func NewRecordValue(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("keystore: encode record value: %w", err)
	}
	return Value{Kind: KindRecord, Record: raw}, nil
}

// AsBytes returns the wrapped buffer, or an error if Kind != KindBuffer.
func (v Value) AsBytes() ([]byte, error) {
	if v.Kind != KindBuffer {
		return nil, fmt.Errorf("keystore: value is %q, not buffer", v.Kind)
	}
	return v.Bytes, nil
}

// AsString returns the wrapped string, or an error if Kind != KindString.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", fmt.Errorf("keystore: value is %q, not string", v.Kind)
	}
	return v.Str, nil
}

// AsNumber returns the wrapped number, or an error if Kind != KindNumber.
func (v Value) AsNumber() (float64, error) {
	if v.Kind != KindNumber {
		return 0, fmt.Errorf("keystore: value is %q, not number", v.Kind)
	}
	return v.Num, nil
}

// AsRecord decodes the wrapped record into dst.
func (v Value) AsRecord(dst any) error {
	if v.Kind != KindRecord {
		return fmt.Errorf("keystore: value is %q, not record", v.Kind)
	}
	return json.Unmarshal(v.Record, dst)
}

// MarshalBinary implements the on-disk {type,data} envelope.
func (v Value) MarshalBinary() ([]byte, error) {
	wv := wireValue{Type: string(v.Kind)}
	switch v.Kind {
	case KindBuffer:
		wv.Data, _ = json.Marshal(base64.StdEncoding.EncodeToString(v.Bytes))
	case KindString:
		wv.Data, _ = json.Marshal(v.Str)
	case KindNumber:
		wv.Data, _ = json.Marshal(v.Num)
	case KindRecord:
		wv.Data = v.Record
	default:
		return nil, fmt.Errorf("keystore: unknown value kind %q", v.Kind)
	}
	return json.Marshal(wv)
}

// UnmarshalBinary reverses MarshalBinary.
func (v *Value) UnmarshalBinary(data []byte) error {
	var wv wireValue
	if err := json.Unmarshal(data, &wv); err != nil {
		return fmt.Errorf("keystore: decode value envelope: %w", err)
	}
	switch ValueKind(wv.Type) {
	case KindBuffer, "uint8array":
		var b64 string
		if err := json.Unmarshal(wv.Data, &b64); err != nil {
			return fmt.Errorf("keystore: decode buffer value: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("keystore: decode buffer base64: %w", err)
		}
		v.Kind = KindBuffer
		v.Bytes = raw
	case KindString:
		if err := json.Unmarshal(wv.Data, &v.Str); err != nil {
			return fmt.Errorf("keystore: decode string value: %w", err)
		}
		v.Kind = KindString
	case KindNumber:
		if err := json.Unmarshal(wv.Data, &v.Num); err != nil {
			return fmt.Errorf("keystore: decode number value: %w", err)
		}
		v.Kind = KindNumber
	case KindRecord:
		v.Kind = KindRecord
		v.Record = wv.Data
	default:
		return fmt.Errorf("keystore: unknown value kind %q", wv.Type)
	}
	return nil
}
