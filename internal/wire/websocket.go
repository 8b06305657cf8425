package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WebSocketMessageType distinguishes a request frame from a response frame
// on the request/response sub-protocol layered over the relay websocket.
type WebSocketMessageType uint32

const (
	WebSocketMessageUnknown  WebSocketMessageType = 0
	WebSocketMessageRequest  WebSocketMessageType = 1
	WebSocketMessageResponse WebSocketMessageType = 2
)

// WebSocketRequestMessage is either an inbound message delivery ("PUT
// /api/v1/message") or an outbound RPC this client issues (keep-alive
// pings use verb "GET" path "/v1/keepalive").
type WebSocketRequestMessage struct {
	Verb string
	Path string
	Body []byte
	ID   uint64
}

const (
	wsReqVerb protowire.Number = 1
	wsReqPath protowire.Number = 2
	wsReqBody protowire.Number = 3
	wsReqID   protowire.Number = 4
)

func (r *WebSocketRequestMessage) marshalInto(b []byte) []byte {
	b = appendString(b, wsReqVerb, r.Verb)
	b = appendString(b, wsReqPath, r.Path)
	b = appendBytes(b, wsReqBody, r.Body)
	b = appendVarint(b, wsReqID, r.ID)
	return b
}

func decodeWebSocketRequestMessage(data []byte) (*WebSocketRequestMessage, error) {
	r := &WebSocketRequestMessage{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case wsReqVerb:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			r.Verb = v
			return n, nil
		case wsReqPath:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			r.Path = v
			return n, nil
		case wsReqBody:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			r.Body = v
			return n, nil
		case wsReqID:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			r.ID = v
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

// WebSocketResponseMessage answers a WebSocketRequestMessage by ID.
type WebSocketResponseMessage struct {
	ID      uint64
	Status  uint32
	Message string
	Body    []byte
}

const (
	wsRespID      protowire.Number = 1
	wsRespStatus  protowire.Number = 2
	wsRespMessage protowire.Number = 3
	wsRespBody    protowire.Number = 4
)

func (r *WebSocketResponseMessage) marshalInto(b []byte) []byte {
	b = appendVarint(b, wsRespID, r.ID)
	b = appendVarint(b, wsRespStatus, uint64(r.Status))
	b = appendString(b, wsRespMessage, r.Message)
	b = appendBytes(b, wsRespBody, r.Body)
	return b
}

func decodeWebSocketResponseMessage(data []byte) (*WebSocketResponseMessage, error) {
	r := &WebSocketResponseMessage{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case wsRespID:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			r.ID = v
			return n, nil
		case wsRespStatus:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			r.Status = uint32(v)
			return n, nil
		case wsRespMessage:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			r.Message = v
			return n, nil
		case wsRespBody:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			r.Body = v
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

// WebSocketMessage is the single outer frame type sent over the relay
// websocket connection; exactly one of Request/Response is populated,
// selected by Type.
type WebSocketMessage struct {
	Type     WebSocketMessageType
	Request  *WebSocketRequestMessage
	Response *WebSocketResponseMessage
}

const (
	wsMsgType     protowire.Number = 1
	wsMsgRequest  protowire.Number = 2
	wsMsgResponse protowire.Number = 3
)

func (m *WebSocketMessage) Marshal() []byte {
	var b []byte
	b = appendVarint(b, wsMsgType, uint64(m.Type))
	if m.Request != nil {
		var rb []byte
		rb = m.Request.marshalInto(rb)
		b = appendEmbedded(b, wsMsgRequest, rb)
	}
	if m.Response != nil {
		var rb []byte
		rb = m.Response.marshalInto(rb)
		b = appendEmbedded(b, wsMsgResponse, rb)
	}
	return b
}

func DecodeWebSocketMessage(data []byte) (*WebSocketMessage, error) {
	m := &WebSocketMessage{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case wsMsgType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			m.Type = WebSocketMessageType(v)
			return n, nil
		case wsMsgRequest:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			req, err := decodeWebSocketRequestMessage(v)
			if err != nil {
				return 0, err
			}
			m.Request = req
			return n, nil
		case wsMsgResponse:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			resp, err := decodeWebSocketResponseMessage(v)
			if err != nil {
				return 0, err
			}
			m.Response = resp
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: decode websocket message: %w", err)
	}
	return m, nil
}
