package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProvisionEnvelope wraps a provisioning cipher's public key and encrypted
// body as exchanged over the provisioning websocket during device linking.
type ProvisionEnvelope struct {
	PublicKey []byte
	Body      []byte
}

const (
	provEnvPublicKey protowire.Number = 1
	provEnvBody      protowire.Number = 2
)

func (p *ProvisionEnvelope) Marshal() []byte {
	var b []byte
	b = appendBytes(b, provEnvPublicKey, p.PublicKey)
	b = appendBytes(b, provEnvBody, p.Body)
	return b
}

func DecodeProvisionEnvelope(data []byte) (*ProvisionEnvelope, error) {
	p := &ProvisionEnvelope{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case provEnvPublicKey:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			p.PublicKey = v
			return n, nil
		case provEnvBody:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			p.Body = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode provision envelope: %w", err)
	}
	return p, nil
}

// ProvisionMessage is the plaintext carried inside a ProvisionEnvelope's
// decrypted body: the identity the new device should adopt.
type ProvisionMessage struct {
	IdentityKeyPrivate []byte
	Addr               string
	ProvisioningCode   string
	UserAgent          string
}

const (
	provMsgIdentityKeyPrivate protowire.Number = 1
	provMsgAddr               protowire.Number = 2
	provMsgProvisioningCode   protowire.Number = 3
	provMsgUserAgent          protowire.Number = 4
)

func (p *ProvisionMessage) Marshal() []byte {
	var b []byte
	b = appendBytes(b, provMsgIdentityKeyPrivate, p.IdentityKeyPrivate)
	b = appendString(b, provMsgAddr, p.Addr)
	b = appendString(b, provMsgProvisioningCode, p.ProvisioningCode)
	b = appendString(b, provMsgUserAgent, p.UserAgent)
	return b
}

func DecodeProvisionMessage(data []byte) (*ProvisionMessage, error) {
	p := &ProvisionMessage{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case provMsgIdentityKeyPrivate:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			p.IdentityKeyPrivate = v
			return n, nil
		case provMsgAddr:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			p.Addr = v
			return n, nil
		case provMsgProvisioningCode:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			p.ProvisioningCode = v
			return n, nil
		case provMsgUserAgent:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			p.UserAgent = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode provision message: %w", err)
	}
	return p, nil
}

// ProvisioningUuid is pushed down the provisioning websocket first, giving
// the requesting (new) device the account UUID it should embed in its
// linking QR/tsdevice URL.
type ProvisioningUuid struct {
	UUID string
}

const provUuidUUID protowire.Number = 1

func (p *ProvisioningUuid) Marshal() []byte {
	return appendString(nil, provUuidUUID, p.UUID)
}

func DecodeProvisioningUuid(data []byte) (*ProvisioningUuid, error) {
	p := &ProvisioningUuid{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case provUuidUUID:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			p.UUID = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode provisioning uuid: %w", err)
	}
	return p, nil
}
