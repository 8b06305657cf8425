package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := Payload{
		Version:     CurrentVersion,
		Sender:      Sender{UserID: "user-1", Device: 1},
		Distribution: Distribution{Expression: "@a + @b"},
		ThreadID:    "thread-1",
		ThreadType:  "conversation",
		MessageType: "content",
		MessageID:   "msg-1",
		UserAgent:   "librelay-go",
		Data:        Data{Body: []BodyItem{{Type: "text/plain", Value: "hello"}}},
	}

	body, err := Encode(payload)
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, payload, *decoded)
}

func TestDecodePicksHighestSupportedVersion(t *testing.T) {
	body := `[
		{"version": 1, "sender": {"userId":"u","device":1}, "messageId":"old"},
		{"version": 99, "sender": {"userId":"u","device":1}, "messageId":"future"}
	]`
	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "old", decoded.MessageID)
	assert.Equal(t, 1, decoded.Version)
}

func TestDecodeErrorsWithNoSupportedVersion(t *testing.T) {
	body := `[{"version": 99, "sender": {"userId":"u","device":1}}]`
	_, err := Decode(body)
	assert.Error(t, err)
}

func TestDecodeErrorsOnMalformedBody(t *testing.T) {
	_, err := Decode("not json")
	assert.Error(t, err)
}
