package relayclient

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/signalproto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T) address.Addr {
	t.Helper()
	return address.New(uuid.New(), 1)
}

func TestRegisterKeysSendsBase64Body(t *testing.T) {
	identity, err := signalproto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	signed, err := signalproto.GenerateSignedPreKey(identity, 1)
	require.NoError(t, err)
	preKeys, err := signalproto.GeneratePreKeys(1, 3)
	require.NoError(t, err)

	var gotBody registerKeysRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, pathKeys, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testAddr(t), "password123")
	err = c.RegisterKeys(t.Context(), identity, signed, preKeys)
	require.NoError(t, err)

	assert.Equal(t, base64.StdEncoding.EncodeToString(identity.Public[:]), gotBody.IdentityKey)
	assert.Equal(t, base64.StdEncoding.EncodeToString(identity.SigningPublic[:]), gotBody.SigningKey)
	assert.Len(t, gotBody.PreKeys, 3)
}

func TestGetMyKeysReturnsCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(myKeysResponse{Count: 42})
	}))
	defer srv.Close()

	c := New(srv.URL, testAddr(t), "password123")
	count, err := c.GetMyKeys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestGetKeysForAddrDecodesBundles(t *testing.T) {
	identity, err := signalproto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	signed, err := signalproto.GenerateSignedPreKey(identity, 1)
	require.NoError(t, err)
	preKeys, err := signalproto.GeneratePreKeys(1, 1)
	require.NoError(t, err)

	resp := keysForAddrResponse{
		IdentityKey: base64.StdEncoding.EncodeToString(identity.Public[:]),
		SigningKey:  base64.StdEncoding.EncodeToString(identity.SigningPublic[:]),
		Devices: []deviceBundleWire{
			{
				DeviceID:       1,
				RegistrationID: 9001,
				SignedPreKey: signedPreKeyWire{
					KeyID:     signed.ID,
					PublicKey: base64.StdEncoding.EncodeToString(signed.Public[:]),
					Signature: base64.StdEncoding.EncodeToString(signed.Signature[:]),
				},
				PreKey: &preKeyWire{
					KeyID:     preKeys[0].ID,
					PublicKey: base64.StdEncoding.EncodeToString(preKeys[0].Public[:]),
				},
			},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	addr := testAddr(t)
	c := New(srv.URL, addr, "password123")
	bundles, err := c.GetKeysForAddr(t.Context(), addr, "*")
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, identity.Public, bundles[0].IdentityKey)
	assert.Equal(t, identity.SigningPublic, bundles[0].SigningKey)
	assert.Equal(t, uint32(9001), bundles[0].RegistrationID)
	require.NotNil(t, bundles[0].PreKeyID)
	assert.Equal(t, preKeys[0].ID, *bundles[0].PreKeyID)
}

func TestProtocolErrorCarriesStatusMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, testAddr(t), "password123")
	_, err := c.GetMyKeys(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Address not registered")
}

func TestSendMessagesPutsToDestinationPath(t *testing.T) {
	destination := uuid.New().String()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testAddr(t), "password123")
	err := c.SendMessages(t.Context(), destination, []OutgoingEnvelope{
		{Type: 1, DestinationDeviceID: 1, Content: "ciphertext"},
	}, 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, pathMessages+"/"+destination, gotPath)
}

func TestPutAttachmentAllocatesThenUploads(t *testing.T) {
	var uploadedBody []byte
	uploadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		uploadedBody = data
		w.WriteHeader(http.StatusOK)
	}))
	defer uploadSrv.Close()

	allocSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(attachmentAllocationResponse{ID: 7, Location: uploadSrv.URL})
	}))
	defer allocSrv.Close()

	c := New(allocSrv.URL, testAddr(t), "password123")
	id, err := c.PutAttachment(t.Context(), []byte("ciphertext-bytes"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, []byte("ciphertext-bytes"), uploadedBody)
}

func TestWebSocketURLsUseWSSAndCredentials(t *testing.T) {
	c := New("https://relay.example.com", testAddr(t), "password123")
	msgURL := c.GetMessageWebSocketURL()
	assert.Contains(t, msgURL, "wss://relay.example.com/v1/websocket/")
	assert.Contains(t, msgURL, "password=password123")

	provURL := c.GetProvisioningWebSocketURL()
	assert.Equal(t, "wss://relay.example.com/v1/websocket/provisioning/", provURL)
}
