package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeType enumerates the relay-layer envelope types.
type EnvelopeType uint32

const (
	EnvelopeUnknown      EnvelopeType = 0
	EnvelopeCiphertext   EnvelopeType = 1
	EnvelopePreKeyBundle EnvelopeType = 3
	EnvelopeReceipt      EnvelopeType = 5
)

// Envelope is the outer relay-layer frame: source/device metadata plus
// either a modern "content" protobuf or a legacy plaintext-DataMessage
// encoding.
type Envelope struct {
	Source        string
	SourceDevice  uint32
	Type          EnvelopeType
	Timestamp     int64
	LegacyMessage []byte
	Content       []byte
}

const (
	envSource        protowire.Number = 1
	envSourceDevice  protowire.Number = 2
	envType          protowire.Number = 3
	envTimestamp     protowire.Number = 4
	envLegacyMessage protowire.Number = 5
	envContent       protowire.Number = 6
)

func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendString(b, envSource, e.Source)
	b = appendVarint(b, envSourceDevice, uint64(e.SourceDevice))
	b = appendVarint(b, envType, uint64(e.Type))
	b = appendInt64(b, envTimestamp, e.Timestamp)
	b = appendBytes(b, envLegacyMessage, e.LegacyMessage)
	b = appendBytes(b, envContent, e.Content)
	return b
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envSource:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			e.Source = v
			return n, nil
		case envSourceDevice:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			e.SourceDevice = uint32(v)
			return n, nil
		case envType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			e.Type = EnvelopeType(v)
			return n, nil
		case envTimestamp:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			e.Timestamp = int64(v)
			return n, nil
		case envLegacyMessage:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			e.LegacyMessage = v
			return n, nil
		case envContent:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			e.Content = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return e, nil
}

// DataMessage flag bits.
const (
	FlagEndSession            uint32 = 1
	FlagExpirationTimerUpdate uint32 = 2
)

// AttachmentPointer references an encrypted blob stored out-of-band.
type AttachmentPointer struct {
	ID          uint64
	ContentType string
	Key         []byte
	Size        uint32
	Digest      []byte
}

const (
	attID          protowire.Number = 1
	attContentType protowire.Number = 2
	attKey         protowire.Number = 3
	attSize        protowire.Number = 4
	attDigest      protowire.Number = 5
)

func (a *AttachmentPointer) marshalInto(b []byte) []byte {
	b = appendVarint(b, attID, a.ID)
	b = appendString(b, attContentType, a.ContentType)
	b = appendBytes(b, attKey, a.Key)
	b = appendVarint(b, attSize, uint64(a.Size))
	b = appendBytes(b, attDigest, a.Digest)
	return b
}

func decodeAttachmentPointer(data []byte) (*AttachmentPointer, error) {
	a := &AttachmentPointer{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case attID:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			a.ID = v
			return n, nil
		case attContentType:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			a.ContentType = v
			return n, nil
		case attKey:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			a.Key = v
			return n, nil
		case attSize:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			a.Size = uint32(v)
			return n, nil
		case attDigest:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			a.Digest = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// DataMessage is the "Content.dataMessage" payload: a JSON Exchange body
// plus attachment pointers and control flags.
type DataMessage struct {
	Body        string
	Attachments []*AttachmentPointer
	Flags       uint32
	Timestamp   int64
}

const (
	dmBody        protowire.Number = 1
	dmAttachments protowire.Number = 2
	dmFlags       protowire.Number = 3
	dmTimestamp   protowire.Number = 4
)

func (d *DataMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, dmBody, d.Body)
	for _, a := range d.Attachments {
		var ab []byte
		ab = a.marshalInto(ab)
		b = appendEmbedded(b, dmAttachments, ab)
	}
	b = appendVarint(b, dmFlags, uint64(d.Flags))
	b = appendInt64(b, dmTimestamp, d.Timestamp)
	return b
}

func DecodeDataMessage(data []byte) (*DataMessage, error) {
	d := &DataMessage{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case dmBody:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			d.Body = v
			return n, nil
		case dmAttachments:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			att, err := decodeAttachmentPointer(v)
			if err != nil {
				return 0, err
			}
			d.Attachments = append(d.Attachments, att)
			return n, nil
		case dmFlags:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			d.Flags = uint32(v)
			return n, nil
		case dmTimestamp:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			d.Timestamp = int64(v)
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode data message: %w", err)
	}
	return d, nil
}

// HasFlag reports whether flag bit f is set.
func (d *DataMessage) HasFlag(f uint32) bool { return d.Flags&f != 0 }
