// Package exchange implements the versioned JSON "Exchange" payload
// nested inside DataMessage.Body: a one-element array of tagged-union
// objects, of which a reader selects the highest version it understands,
// via an explicit decode that tries every element and keeps the best.
package exchange

import (
	"encoding/json"
	"fmt"
)

// CurrentVersion is the highest Exchange payload version this client
// both writes and understands.
const CurrentVersion = 1

// Sender identifies the device that created a payload.
type Sender struct {
	UserID string `json:"userId"`
	Device uint32 `json:"device"`
}

// Distribution carries the stable "universal" form of the tag expression
// Atlas resolved, so a recipient can render or re-resolve it without
// access to the sender's distribution list.
type Distribution struct {
	Expression string `json:"expression"`
}

// BodyItem is one alternate rendering of a message's text.
type BodyItem struct {
	Type  string `json:"type"` // "text/plain" | "text/html"
	Value string `json:"value"`
}

// Attachment is out-of-band file metadata accompanying a payload; the
// encrypted bytes travel separately as a wire.AttachmentPointer.
type Attachment struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Type  string `json:"type"`
	Mtime string `json:"mtime"` // ISO8601
}

// Data carries the message content proper, plus optional control-channel
// extensions (closeSession, client-specific actions).
type Data struct {
	Body          []BodyItem     `json:"body,omitempty"`
	Control       string         `json:"control,omitempty"`
	Actions       map[string]any `json:"actions,omitempty"`
	ActionOptions map[string]any `json:"actionOptions,omitempty"`
}

// Payload is one versioned Exchange element.
type Payload struct {
	Version      int          `json:"version"`
	Sender       Sender       `json:"sender"`
	Distribution Distribution `json:"distribution"`
	ThreadID     string       `json:"threadId"`
	ThreadType   string       `json:"threadType"`
	ThreadTitle  string       `json:"threadTitle,omitempty"`
	MessageType  string       `json:"messageType"`
	MessageID    string       `json:"messageId"`
	MessageRef   string       `json:"messageRef,omitempty"`
	UserAgent    string       `json:"userAgent"`
	Data         Data         `json:"data"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// Encode wraps payload as the single-element versioned array that
// DataMessage.Body carries on the wire.
func Encode(payload Payload) (string, error) {
	data, err := json.Marshal([]Payload{payload})
	if err != nil {
		return "", fmt.Errorf("exchange: encode payload: %w", err)
	}
	return string(data), nil
}

// Decode parses a DataMessage.Body array and returns the
// highest-versioned element this client understands, skipping elements
// from versions newer than CurrentVersion and elements that fail to
// parse at all (a future client may add fields this one can't read).
func Decode(body string) (*Payload, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raws); err != nil {
		return nil, fmt.Errorf("exchange: decode body array: %w", err)
	}

	var best *Payload
	for _, raw := range raws {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.Version > CurrentVersion {
			continue
		}
		if best == nil || p.Version > best.Version {
			copied := p
			best = &copied
		}
	}
	if best == nil {
		return nil, fmt.Errorf("exchange: no supported version found in body")
	}
	return best, nil
}
