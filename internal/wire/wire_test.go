package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e := &Envelope{
		Source:        "11111111-1111-1111-1111-111111111111",
		SourceDevice:  1,
		Type:          EnvelopeCiphertext,
		Timestamp:     1700000000000,
		LegacyMessage: nil,
		Content:       []byte("ciphertext-bytes"),
	}
	got, err := DecodeEnvelope(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEnvelopeZeroFieldsOmitted(t *testing.T) {
	e := &Envelope{}
	b := e.Marshal()
	assert.Empty(t, b)
	got, err := DecodeEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeUnknown, got.Type)
	assert.Equal(t, "", got.Source)
}

func TestDataMessageRoundTripWithAttachments(t *testing.T) {
	dm := &DataMessage{
		Body: `{"hello":"world"}`,
		Attachments: []*AttachmentPointer{
			{ID: 42, ContentType: "image/jpeg", Key: []byte("k1"), Size: 1024, Digest: []byte("d1")},
			{ID: 43, ContentType: "image/png", Key: []byte("k2"), Size: 2048, Digest: []byte("d2")},
		},
		Flags:     FlagExpirationTimerUpdate,
		Timestamp: 1700000000001,
	}
	got, err := DecodeDataMessage(dm.Marshal())
	require.NoError(t, err)
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, dm.Body, got.Body)
	assert.Equal(t, dm.Attachments[0].ContentType, got.Attachments[0].ContentType)
	assert.Equal(t, dm.Attachments[1].Digest, got.Attachments[1].Digest)
	assert.True(t, got.HasFlag(FlagExpirationTimerUpdate))
	assert.False(t, got.HasFlag(FlagEndSession))
}

func TestContentRoundTripDataMessage(t *testing.T) {
	c := &Content{DataMessage: &DataMessage{Body: "hi", Timestamp: 5}}
	got, err := DecodeContent(c.Marshal())
	require.NoError(t, err)
	require.NotNil(t, got.DataMessage)
	assert.Equal(t, "hi", got.DataMessage.Body)
	assert.Nil(t, got.SyncMessage)
}

func TestContentRoundTripSyncMessageSent(t *testing.T) {
	c := &Content{
		SyncMessage: &SyncMessage{
			Sent: &Sent{
				Destination: "22222222-2222-2222-2222-222222222222",
				Timestamp:   99,
				Message:     &DataMessage{Body: "mirrored"},
			},
			Read: []*Read{
				{Sender: "a", Timestamp: 1},
				{Sender: "b", Timestamp: 2},
			},
		},
	}
	got, err := DecodeContent(c.Marshal())
	require.NoError(t, err)
	require.NotNil(t, got.SyncMessage)
	require.NotNil(t, got.SyncMessage.Sent)
	assert.Equal(t, "mirrored", got.SyncMessage.Sent.Message.Body)
	require.Len(t, got.SyncMessage.Read, 2)
	assert.Equal(t, "b", got.SyncMessage.Read[1].Sender)
}

func TestSyncMessageRequestRoundTrip(t *testing.T) {
	sm := &SyncMessage{Request: &Request{Type: SyncRequestContact}}
	got, err := DecodeSyncMessage(sm.Marshal())
	require.NoError(t, err)
	require.NotNil(t, got.Request)
	assert.Equal(t, SyncRequestContact, got.Request.Type)
}

func TestSyncMessageDecodesDeprecatedFieldsAsOpaqueBytes(t *testing.T) {
	var b []byte
	b = appendEmbedded(b, syncBlocked, []byte("blocked-payload"))
	b = appendEmbedded(b, syncContacts, []byte("contacts-payload"))
	b = appendEmbedded(b, syncGroups, []byte("groups-payload"))

	got, err := DecodeSyncMessage(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("blocked-payload"), got.Blocked)
	assert.Equal(t, []byte("contacts-payload"), got.Contacts)
	assert.Equal(t, []byte("groups-payload"), got.Groups)
}

func TestProvisionEnvelopeRoundTrip(t *testing.T) {
	p := &ProvisionEnvelope{PublicKey: []byte("pubkey32bytes"), Body: []byte("encrypted-body")}
	got, err := DecodeProvisionEnvelope(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProvisionMessageRoundTrip(t *testing.T) {
	p := &ProvisionMessage{
		IdentityKeyPrivate: []byte("privkey"),
		Addr:               "33333333-3333-3333-3333-333333333333",
		ProvisioningCode:   "abc123",
		UserAgent:          "librelay-go/1.0",
	}
	got, err := DecodeProvisionMessage(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProvisioningUuidRoundTrip(t *testing.T) {
	p := &ProvisioningUuid{UUID: "44444444-4444-4444-4444-444444444444"}
	got, err := DecodeProvisioningUuid(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p.UUID, got.UUID)
}

func TestWebSocketMessageRequestRoundTrip(t *testing.T) {
	m := &WebSocketMessage{
		Type: WebSocketMessageRequest,
		Request: &WebSocketRequestMessage{
			Verb: "PUT",
			Path: "/api/v1/message",
			Body: []byte("envelope-bytes"),
			ID:   12345,
		},
	}
	got, err := DecodeWebSocketMessage(m.Marshal())
	require.NoError(t, err)
	require.NotNil(t, got.Request)
	assert.Equal(t, WebSocketMessageRequest, got.Type)
	assert.Equal(t, m.Request.Verb, got.Request.Verb)
	assert.Equal(t, m.Request.Path, got.Request.Path)
	assert.Equal(t, m.Request.ID, got.Request.ID)
	assert.Nil(t, got.Response)
}

func TestWebSocketMessageResponseRoundTrip(t *testing.T) {
	m := &WebSocketMessage{
		Type: WebSocketMessageResponse,
		Response: &WebSocketResponseMessage{
			ID:      12345,
			Status:  200,
			Message: "OK",
		},
	}
	got, err := DecodeWebSocketMessage(m.Marshal())
	require.NoError(t, err)
	require.NotNil(t, got.Response)
	assert.EqualValues(t, 200, got.Response.Status)
	assert.Equal(t, "OK", got.Response.Message)
}

func TestDecodeEnvelopeRejectsTruncatedTag(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xff})
	assert.Error(t, err)
}
