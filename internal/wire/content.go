package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SyncRequestType enumerates SyncMessage.Request.Type values.
type SyncRequestType uint32

const (
	SyncRequestUnknown SyncRequestType = 0
	SyncRequestContact SyncRequestType = 1
	SyncRequestGroups  SyncRequestType = 2
)

// Sent records an outgoing message a linked device should mirror into its
// own conversation view.
type Sent struct {
	Destination              string
	Timestamp                int64
	Message                  *DataMessage
	ExpirationStartTimestamp int64
}

const (
	sentDestination              protowire.Number = 1
	sentTimestamp                protowire.Number = 2
	sentMessage                  protowire.Number = 3
	sentExpirationStartTimestamp protowire.Number = 4
)

func (s *Sent) marshalInto(b []byte) []byte {
	b = appendString(b, sentDestination, s.Destination)
	b = appendInt64(b, sentTimestamp, s.Timestamp)
	if s.Message != nil {
		b = appendEmbedded(b, sentMessage, s.Message.Marshal())
	}
	b = appendInt64(b, sentExpirationStartTimestamp, s.ExpirationStartTimestamp)
	return b
}

func decodeSent(data []byte) (*Sent, error) {
	s := &Sent{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case sentDestination:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			s.Destination = v
			return n, nil
		case sentTimestamp:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			s.Timestamp = int64(v)
			return n, nil
		case sentMessage:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			dm, err := DecodeDataMessage(v)
			if err != nil {
				return 0, err
			}
			s.Message = dm
			return n, nil
		case sentExpirationStartTimestamp:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			s.ExpirationStartTimestamp = int64(v)
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Read is a read-receipt synced to linked devices.
type Read struct {
	Sender    string
	Timestamp int64
}

const (
	readSender    protowire.Number = 1
	readTimestamp protowire.Number = 2
)

func (r *Read) marshalInto(b []byte) []byte {
	b = appendString(b, readSender, r.Sender)
	b = appendInt64(b, readTimestamp, r.Timestamp)
	return b
}

func decodeRead(data []byte) (*Read, error) {
	r := &Read{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case readSender:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			r.Sender = v
			return n, nil
		case readTimestamp:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			r.Timestamp = int64(v)
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Request asks a linked device to resend contact/group sync state.
type Request struct {
	Type SyncRequestType
}

const reqType protowire.Number = 1

func (r *Request) marshalInto(b []byte) []byte {
	return appendVarint(b, reqType, uint64(r.Type))
}

func decodeRequest(data []byte) (*Request, error) {
	r := &Request{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			r.Type = SyncRequestType(v)
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SyncMessage carries state that should be mirrored across a multi-device
// account: messages this account sent, receipts it generated, or a request
// for another device to resend sync state. Blocked/Contacts/Groups are
// never populated by this client on encode; they're decoded as opaque
// bytes only so a receiver can recognize and log them as the deprecated,
// unsupported, legacy contact-list-shaped variants they are, without this
// package needing to understand their payload.
type SyncMessage struct {
	Sent     *Sent
	Read     []*Read
	Request  *Request
	Blocked  []byte
	Contacts []byte
	Groups   []byte
}

const (
	syncSent     protowire.Number = 1
	syncRead     protowire.Number = 2
	syncRequest  protowire.Number = 3
	syncBlocked  protowire.Number = 4
	syncContacts protowire.Number = 5
	syncGroups   protowire.Number = 6
)

func (s *SyncMessage) Marshal() []byte {
	var b []byte
	if s.Sent != nil {
		var sb []byte
		sb = s.Sent.marshalInto(sb)
		b = appendEmbedded(b, syncSent, sb)
	}
	for _, r := range s.Read {
		var rb []byte
		rb = r.marshalInto(rb)
		b = appendEmbedded(b, syncRead, rb)
	}
	if s.Request != nil {
		var qb []byte
		qb = s.Request.marshalInto(qb)
		b = appendEmbedded(b, syncRequest, qb)
	}
	return b
}

func DecodeSyncMessage(data []byte) (*SyncMessage, error) {
	s := &SyncMessage{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case syncSent:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			sent, err := decodeSent(v)
			if err != nil {
				return 0, err
			}
			s.Sent = sent
			return n, nil
		case syncRead:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			read, err := decodeRead(v)
			if err != nil {
				return 0, err
			}
			s.Read = append(s.Read, read)
			return n, nil
		case syncRequest:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			req, err := decodeRequest(v)
			if err != nil {
				return 0, err
			}
			s.Request = req
			return n, nil
		case syncBlocked:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			s.Blocked = v
			return n, nil
		case syncContacts:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			s.Contacts = v
			return n, nil
		case syncGroups:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			s.Groups = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode sync message: %w", err)
	}
	return s, nil
}

// Content is the payload carried inside Envelope.Content: exactly one of
// DataMessage (a direct message) or SyncMessage (multi-device state) is
// normally populated.
type Content struct {
	DataMessage *DataMessage
	SyncMessage *SyncMessage
}

const (
	contentDataMessage protowire.Number = 1
	contentSyncMessage protowire.Number = 2
)

func (c *Content) Marshal() []byte {
	var b []byte
	if c.DataMessage != nil {
		b = appendEmbedded(b, contentDataMessage, c.DataMessage.Marshal())
	}
	if c.SyncMessage != nil {
		b = appendEmbedded(b, contentSyncMessage, c.SyncMessage.Marshal())
	}
	return b
}

func DecodeContent(data []byte) (*Content, error) {
	c := &Content{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case contentDataMessage:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			dm, err := DecodeDataMessage(v)
			if err != nil {
				return 0, err
			}
			c.DataMessage = dm
			return n, nil
		case contentSyncMessage:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			sm, err := DecodeSyncMessage(v)
			if err != nil {
				return 0, err
			}
			c.SyncMessage = sm
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode content: %w", err)
	}
	return c, nil
}
