// Package relayclient wraps the relay server's REST surface: key
// registration, message delivery, attachment storage, and device
// provisioning, all authenticated with HTTP Basic using the
// "UUID.deviceId" convention.
package relayclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/metrics"
	"github.com/forstalabs/librelay-go/internal/provisioning"
	"github.com/forstalabs/librelay-go/internal/relayerr"
	"github.com/forstalabs/librelay-go/internal/signalproto"
	"github.com/forstalabs/librelay-go/internal/wire"
)

const requestTimeout = 30 * time.Second

const (
	pathAccounts     = "/v1/accounts"
	pathDevices      = "/v1/devices"
	pathKeys         = "/v2/keys"
	pathMessages     = "/v1/messages"
	pathAttachments  = "/v1/attachments"
	pathProvisioning = "/v1/provisioning"
)

// statusMessages mirrors the relay's messages-layer status table: every
// JSON endpoint (and RegisterDevice) reports these status codes with the
// friendlier message below; other status codes carry the response body.
var statusMessages = map[int]string{
	http.StatusUnauthorized:          "Invalid auth",
	http.StatusForbidden:             "Invalid code",
	http.StatusNotFound:              "Address not registered",
	http.StatusRequestEntityTooLarge: "Rate limit exceeded",
	http.StatusExpectationFailed:     "Address already registered",
}

// Client is the relay REST client for a single authenticated device.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string // "UUID.deviceId"
	password   string
}

// New constructs a Client scoped to baseURL, authenticated as addr using
// password (the device's registered password, §4.5).
func New(baseURL string, addr address.Addr, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   addr.String(),
		password:   password,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("relayclient: marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &relayerr.NetworkError{Op: method + " " + path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &relayerr.NetworkError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	resp, err := c.do(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &relayerr.NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return relayerr.NewProtocolError(resp.StatusCode, messageFor(resp.StatusCode, data))
	}
	if respBody == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("relayclient: decode response from %s: %w", path, err)
	}
	return nil
}

func messageFor(status int, body []byte) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return string(body)
}

// --- Keys (§4.3, 4.5) --------------------------------------------------

type preKeyWire struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type signedPreKeyWire struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

type registerKeysRequest struct {
	IdentityKey  string           `json:"identityKey"`
	SigningKey   string           `json:"signingKey"`
	SignedPreKey signedPreKeyWire `json:"signedPreKey"`
	PreKeys      []preKeyWire     `json:"preKeys"`
}

// RegisterKeys uploads the identity key, its companion signing key (used
// by peers to verify SignedPreKey.Signature), the current signed prekey,
// and a batch of one-time prekeys.
func (c *Client) RegisterKeys(ctx context.Context, identity *signalproto.IdentityKeyPair, signed *signalproto.SignedPreKey, preKeys []signalproto.PreKey) error {
	req := registerKeysRequest{
		IdentityKey: base64.StdEncoding.EncodeToString(identity.Public[:]),
		SigningKey:  base64.StdEncoding.EncodeToString(identity.SigningPublic[:]),
		SignedPreKey: signedPreKeyWire{
			KeyID:     signed.ID,
			PublicKey: base64.StdEncoding.EncodeToString(signed.Public[:]),
			Signature: base64.StdEncoding.EncodeToString(signed.Signature[:]),
		},
	}
	for _, pk := range preKeys {
		req.PreKeys = append(req.PreKeys, preKeyWire{
			KeyID:     pk.ID,
			PublicKey: base64.StdEncoding.EncodeToString(pk.Public[:]),
		})
	}
	return c.doJSON(ctx, http.MethodPut, pathKeys, req, nil)
}

type myKeysResponse struct {
	Count int `json:"count"`
}

// GetMyKeys returns the remaining one-time prekey count on the relay.
func (c *Client) GetMyKeys(ctx context.Context) (int, error) {
	var resp myKeysResponse
	if err := c.doJSON(ctx, http.MethodGet, pathKeys, nil, &resp); err != nil {
		return 0, err
	}
	metrics.SetPreKeysRemaining(resp.Count)
	return resp.Count, nil
}

type deviceBundleWire struct {
	DeviceID       uint32           `json:"deviceId"`
	RegistrationID uint32           `json:"registrationId"`
	SignedPreKey   signedPreKeyWire `json:"signedPreKey"`
	PreKey         *preKeyWire      `json:"preKey,omitempty"`
}

type keysForAddrResponse struct {
	IdentityKey string             `json:"identityKey"`
	SigningKey  string             `json:"signingKey"`
	Devices     []deviceBundleWire `json:"devices"`
}

// GetKeysForAddr fetches addr's identity key and a prekey bundle for each
// of its devices (or a single device when deviceID != "*"). Each returned
// bundle already carries the shared identity key and signing key (used to
// verify the bundle's SignedPreKey signature).
func (c *Client) GetKeysForAddr(ctx context.Context, addr address.Addr, deviceID string) ([]*signalproto.PreKeyBundle, error) {
	if deviceID == "" {
		deviceID = "*"
	}
	path := fmt.Sprintf("%s/%s/%s", pathKeys, addr.UserID.String(), deviceID)

	var resp keysForAddrResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	identityKey, err := decode32(resp.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("relayclient: decode identity key: %w", err)
	}
	signingKey, err := decode32(resp.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("relayclient: decode signing key: %w", err)
	}

	bundles := make([]*signalproto.PreKeyBundle, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		signedPub, err := decode32(d.SignedPreKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("relayclient: decode signed prekey: %w", err)
		}
		signedSig, err := base64.StdEncoding.DecodeString(d.SignedPreKey.Signature)
		if err != nil {
			return nil, fmt.Errorf("relayclient: decode signed prekey signature: %w", err)
		}
		var sig [64]byte
		copy(sig[:], signedSig)

		bundle := &signalproto.PreKeyBundle{
			RegistrationID: d.RegistrationID,
			DeviceID:       d.DeviceID,
			SignedPreKeyID: d.SignedPreKey.KeyID,
			SignedPreKey:   signedPub,
			Signature:      sig,
			IdentityKey:    identityKey,
			SigningKey:     signingKey,
		}
		if d.PreKey != nil {
			pub, err := decode32(d.PreKey.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("relayclient: decode one-time prekey: %w", err)
			}
			id := d.PreKey.KeyID
			bundle.PreKeyID = &id
			bundle.PreKeyPublic = &pub
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

// RefreshPreKeys checks the remaining prekey count and, if at or below
// minLevel, generates and uploads fill new one-time prekeys starting
// at startID.
func (c *Client) RefreshPreKeys(ctx context.Context, identity *signalproto.IdentityKeyPair, signed *signalproto.SignedPreKey, startID uint32, minLevel, fill int) ([]signalproto.PreKey, error) {
	remaining, err := c.GetMyKeys(ctx)
	if err != nil {
		return nil, err
	}
	if remaining > minLevel {
		return nil, nil
	}
	preKeys, err := signalproto.GeneratePreKeys(startID, fill)
	if err != nil {
		return nil, fmt.Errorf("relayclient: generate prekeys: %w", err)
	}
	if err := c.RegisterKeys(ctx, identity, signed, preKeys); err != nil {
		return nil, err
	}
	return preKeys, nil
}

// --- Devices (§4.5, 4.8) -------------------------------------------------

type deviceInfoWire struct {
	ID uint32 `json:"id"`
}

type getDevicesResponse struct {
	Devices []deviceInfoWire `json:"devices"`
}

// GetDevices lists this account's registered device ids. It exists mainly
// to distinguish an auth failure (401/403) from a network drop when a
// websocket closes unexpectedly.
func (c *Client) GetDevices(ctx context.Context) ([]uint32, error) {
	var resp getDevicesResponse
	if err := c.doJSON(ctx, http.MethodGet, pathDevices, nil, &resp); err != nil {
		return nil, err
	}
	ids := make([]uint32, len(resp.Devices))
	for i, d := range resp.Devices {
		ids[i] = d.ID
	}
	return ids, nil
}

// --- Messages (§4.3, 4.6) ----------------------------------------------

// OutgoingEnvelope is one device-targeted ciphertext within a send.
type OutgoingEnvelope struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"` // base64
}

// SendMessages delivers messages to every device of destination in one
// request.
func (c *Client) SendMessages(ctx context.Context, destination string, messages []OutgoingEnvelope, timestamp int64) error {
	path := pathMessages + "/" + url.PathEscape(destination)
	req := struct {
		Messages  []OutgoingEnvelope `json:"messages"`
		Timestamp int64              `json:"timestamp"`
	}{Messages: messages, Timestamp: timestamp}
	return c.doJSON(ctx, http.MethodPut, path, req, nil)
}

// SendMessage delivers a single envelope to one device.
func (c *Client) SendMessage(ctx context.Context, addr address.Addr, deviceID uint32, message OutgoingEnvelope) error {
	path := fmt.Sprintf("%s/%s/%d", pathMessages, addr.UserID.String(), deviceID)
	return c.doJSON(ctx, http.MethodPut, path, message, nil)
}

// EnvelopeWire is one queued envelope as returned by the fetch-mode
// message endpoint, base64-wrapping the same Envelope protobuf delivered
// over the websocket.
type EnvelopeWire struct {
	Source       string `json:"source"`
	SourceDevice uint32 `json:"sourceDevice"`
	Type         int    `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	Content      string `json:"content"`
}

type getMessagesResponse struct {
	Messages []EnvelopeWire `json:"messages"`
	More     bool           `json:"more"`
}

// GetMessages polls the fetch-mode inbox, an alternative to the websocket
// for MessageReceiver.Drain().
func (c *Client) GetMessages(ctx context.Context) ([]EnvelopeWire, bool, error) {
	var resp getMessagesResponse
	if err := c.doJSON(ctx, http.MethodGet, pathMessages, nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Messages, resp.More, nil
}

// DeleteMessage acknowledges one fetch-mode envelope so it is not
// redelivered.
func (c *Client) DeleteMessage(ctx context.Context, source string, timestamp int64) error {
	path := fmt.Sprintf("%s/%s/%d", pathMessages, url.PathEscape(source), timestamp)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// --- Attachments (§4.3) -------------------------------------------------

type attachmentAllocationResponse struct {
	ID       uint64 `json:"id"`
	Location string `json:"location"`
}

// PutAttachment allocates a signed upload URL and PUTs the ciphertext
// bytes to it, returning the attachment ID to reference in an
// AttachmentPointer.
func (c *Client) PutAttachment(ctx context.Context, ciphertext []byte) (uint64, error) {
	var alloc attachmentAllocationResponse
	if err := c.doJSON(ctx, http.MethodGet, pathAttachments, nil, &alloc); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, alloc.Location, bytes.NewReader(ciphertext))
	if err != nil {
		return 0, &relayerr.NetworkError{Op: "PUT attachment", Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &relayerr.NetworkError{Op: "PUT attachment", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return 0, relayerr.NewProtocolError(resp.StatusCode, string(body))
	}
	return alloc.ID, nil
}

// GetAttachment fetches a signed download URL for id and returns the raw
// ciphertext bytes.
func (c *Client) GetAttachment(ctx context.Context, id uint64) ([]byte, error) {
	path := fmt.Sprintf("%s/%d", pathAttachments, id)
	var alloc attachmentAllocationResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &alloc); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, alloc.Location, nil)
	if err != nil {
		return nil, &relayerr.NetworkError{Op: "GET attachment", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &relayerr.NetworkError{Op: "GET attachment", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &relayerr.NetworkError{Op: "GET attachment", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, relayerr.NewProtocolError(resp.StatusCode, string(data))
	}
	return data, nil
}

// --- Device linking (§4.5) ----------------------------------------------

// LinkDevice encrypts a ProvisionMessage for a secondary device's
// ephemeral public key and delivers it via the relay's provisioning
// endpoint. A 404 response means another primary already handled the
// request and is treated as success.
func (c *Client) LinkDevice(ctx context.Context, secondaryUUID string, ephemeralPub [32]byte, identityPrivate [32]byte, ourAddr address.Addr, provisioningCode string) error {
	plaintext := (&wire.ProvisionMessage{
		IdentityKeyPrivate: identityPrivate[:],
		Addr:               ourAddr.String(),
		ProvisioningCode:   provisioningCode,
	}).Marshal()

	cipher := provisioning.NewCipher()
	senderEphemeralPub, body, err := cipher.Encrypt(ephemeralPub, plaintext)
	if err != nil {
		return fmt.Errorf("relayclient: encrypt provision envelope: %w", err)
	}

	req := struct {
		PublicKey string `json:"publicKey"`
		Body      string `json:"body"`
	}{
		PublicKey: base64.StdEncoding.EncodeToString(senderEphemeralPub[:]),
		Body:      base64.StdEncoding.EncodeToString(body),
	}

	err = c.doJSON(ctx, http.MethodPut, pathProvisioning+"/"+url.PathEscape(secondaryUUID), req, nil)
	var protoErr *relayerr.ProtocolError
	if err != nil {
		if ok := asProtocolError(err, &protoErr); ok && protoErr.Code == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func asProtocolError(err error, target **relayerr.ProtocolError) bool {
	pe, ok := err.(*relayerr.ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}

// RegisterDeviceRequest completes secondary-device linking against the
// relay; unlike every other call here it carries no established
// credentials, since the device doesn't have any yet.
type RegisterDeviceRequest struct {
	SignalingKey   string `json:"signalingKey"`
	RegistrationID uint32 `json:"registrationId"`
	Password       string `json:"password"`
}

// RegisterDeviceResponse carries the device id the relay assigned.
type RegisterDeviceResponse struct {
	DeviceID uint32 `json:"deviceId"`
}

// RegisterDevice PUTs the secondary device's freshly generated
// registration parameters to baseURL, authenticated by provisioningCode
// alone since no account password exists yet.
func RegisterDevice(ctx context.Context, baseURL, provisioningCode string, req RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("relayclient: marshal device registration: %w", err)
	}
	path := pathDevices + "/" + url.PathEscape(provisioningCode)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return nil, &relayerr.NetworkError{Op: "PUT " + path, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: requestTimeout}).Do(httpReq)
	if err != nil {
		return nil, &relayerr.NetworkError{Op: "PUT " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &relayerr.NetworkError{Op: "PUT " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, relayerr.NewProtocolError(resp.StatusCode, messageFor(resp.StatusCode, body))
	}
	var out RegisterDeviceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("relayclient: decode device registration response: %w", err)
	}
	return &out, nil
}

// --- Websocket URLs (§4.3, 4.4) -----------------------------------------

// GetMessageWebSocketURL builds the authenticated message-stream
// websocket URL.
func (c *Client) GetMessageWebSocketURL() string {
	u := c.wsBaseURL() + "/v1/websocket/"
	q := url.Values{}
	q.Set("login", c.username)
	q.Set("password", c.password)
	return u + "?" + q.Encode()
}

// GetProvisioningWebSocketURL builds the unauthenticated provisioning
// websocket URL used by a secondary device before it has credentials.
func (c *Client) GetProvisioningWebSocketURL() string {
	return c.wsBaseURL() + "/v1/websocket/provisioning/"
}

func (c *Client) wsBaseURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://")
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://")
	default:
		return c.baseURL
	}
}

func decode32(s string) ([32]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	if len(data) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 bytes, got %d", len(data))
	}
	var out [32]byte
	copy(out[:], data)
	return out, nil
}
