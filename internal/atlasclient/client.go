// Package atlasclient talks to Atlas, the directory and auth service
// that resolves tag expressions into recipient address sets and issues
// the JWTs this client presents to the relay for registration. Atlas
// itself is an opaque external collaborator; this package only owns
// the HTTP calls and the self-scheduled credential refresh.
package atlasclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forstalabs/librelay-go/internal/metrics"
	"github.com/forstalabs/librelay-go/internal/relayerr"
)

const requestTimeout = 30 * time.Second

// minRefreshInterval is the floor for the self-refresh ticker: a token
// with a zero or already-past expiry would otherwise busy-loop.
const minRefreshInterval = 1 * time.Second

// Reauthenticator is consulted when a scheduled JWT refresh fails,
// giving the application a chance to re-derive credentials (e.g.
// re-run device registration) before the client gives up.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) (jwtToken string, err error)
}

// Claims is the subset of an Atlas-issued JWT this client reads locally
// to schedule its own refresh; Atlas is the token's issuer and verifier,
// so this side parses unverified and only trusts the expiry.
type Claims struct {
	jwt.RegisteredClaims
}

// Client is the Atlas REST client: tag resolution plus JWT lifecycle.
type Client struct {
	httpClient *http.Client
	baseURL    string

	reauth Reauthenticator

	mu          sync.RWMutex
	credential  string
	expiresAt   time.Time
	refreshOnce sync.Once
	cancel      context.CancelFunc
	logger      *log.Logger
}

// New constructs a Client against baseURL. credential is the initial
// JWT (from registration or a prior session); reauth may be nil.
func New(baseURL, credential string, reauth Reauthenticator) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		reauth:     reauth,
		credential: credential,
		logger:     log.New(os.Stderr, "[atlasclient] ", log.LstdFlags),
	}
	if exp, err := expiryOf(credential); err == nil {
		c.expiresAt = exp
	}
	return c
}

// Credential returns the current JWT for use as a bearer token against
// the relay or Atlas.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// AccountUserID returns the account user id this client is authenticated
// as, read from the current credential's subject claim.
func (c *Client) AccountUserID() (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Credential(), claims); err != nil {
		return "", fmt.Errorf("atlasclient: parse credential: %w", err)
	}
	return claims.Subject, nil
}

// ResolveTagsResult is Atlas's answer to a tag expression lookup.
type ResolveTagsResult struct {
	UserIDs   []string `json:"userids"`
	Universal string   `json:"universal"`
}

// ResolveTags asks Atlas to expand a tag expression (e.g. "@a + @b - @c")
// into a concrete set of recipient user ids.
func (c *Client) ResolveTags(ctx context.Context, expression string) (*ResolveTagsResult, error) {
	var result ResolveTagsResult
	if err := c.doJSON(ctx, http.MethodGet, "/v1/directory/user/"+expression, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("atlasclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &relayerr.NetworkError{Op: method + " " + path, Err: err}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Credential())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &relayerr.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &relayerr.NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return relayerr.NewProtocolError(resp.StatusCode, string(data))
	}
	if respBody == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, respBody)
}

type provisionRequestBody struct {
	UUID string `json:"uuid"`
	Key  string `json:"key"`
}

// RequestProvisioning POSTs the secondary device's ephemeral public key
// (base64) to Atlas, prompting the primary device to LinkDevice it.
func (c *Client) RequestProvisioning(ctx context.Context, secondaryUUID, ephemeralPubBase64 string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/provision/request", provisionRequestBody{
		UUID: secondaryUUID,
		Key:  ephemeralPubBase64,
	}, nil)
}

// ProvisionAccountRequest is PUT to Atlas's /v1/provision/account to
// register a brand-new primary installation.
type ProvisionAccountRequest struct {
	SignalingKey    string `json:"signalingKey"`
	SupportsSMS     bool   `json:"supportsSms"`
	FetchesMessages bool   `json:"fetchesMessages"`
	RegistrationID  uint32 `json:"registrationId"`
	Name            string `json:"name"`
	Password        string `json:"password"`
}

// ProvisionAccountResponse is Atlas's reply to a primary registration.
type ProvisionAccountResponse struct {
	UserID    string `json:"userId"`
	DeviceID  uint32 `json:"deviceId"`
	ServerURL string `json:"serverUrl"`
}

// ProvisionAccount registers a new primary device's account with Atlas.
func (c *Client) ProvisionAccount(ctx context.Context, req ProvisionAccountRequest) (*ProvisionAccountResponse, error) {
	var resp ProvisionAccountResponse
	if err := c.doJSON(ctx, http.MethodPut, "/v1/provision/account", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartJWTRefresh begins the self-scheduled refresh loop: a refresh is
// scheduled at expiresAt/2 from now, and each successful refresh
// reschedules itself against the new expiry. Calling it twice is a
// no-op; call Stop to end the loop.
func (c *Client) StartJWTRefresh(ctx context.Context) {
	c.refreshOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.refreshLoop(loopCtx)
	})
}

// Stop ends the self-refresh loop, if running.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) refreshLoop(ctx context.Context) {
	for {
		wait := c.nextRefreshDelay()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.refresh(ctx); err != nil {
			metrics.RecordAtlasJWTRefresh(false)
			c.logger.Printf("JWT refresh failed: %v", err)
			if c.reauth == nil {
				continue
			}
			token, reauthErr := c.reauth.Reauthenticate(ctx)
			if reauthErr != nil {
				c.logger.Printf("re-authentication also failed: %v", reauthErr)
				continue
			}
			if setErr := c.setCredential(token); setErr != nil {
				c.logger.Printf("installing re-authenticated token failed: %v", setErr)
			}
			continue
		}
		metrics.RecordAtlasJWTRefresh(true)
	}
}

func (c *Client) nextRefreshDelay() time.Duration {
	c.mu.RLock()
	exp := c.expiresAt
	c.mu.RUnlock()
	if exp.IsZero() {
		return minRefreshInterval
	}
	remaining := time.Until(exp)
	delay := remaining / 2
	if delay < minRefreshInterval {
		delay = minRefreshInterval
	}
	return delay
}

type refreshResponse struct {
	Token string `json:"token"`
}

func (c *Client) refresh(ctx context.Context) error {
	var resp refreshResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/login/refresh", nil, &resp); err != nil {
		return err
	}
	return c.setCredential(resp.Token)
}

// ForceRefresh requests a new JWT immediately, outside the normal
// expiration/2 schedule, and installs it if successful.
func (c *Client) ForceRefresh(ctx context.Context) error {
	return c.refresh(ctx)
}

func (c *Client) setCredential(token string) error {
	exp, err := expiryOf(token)
	if err != nil {
		return fmt.Errorf("atlasclient: parse refreshed token: %w", err)
	}
	c.mu.Lock()
	c.credential = token
	c.expiresAt = exp
	c.mu.Unlock()
	return nil
}

// expiryOf reads the exp claim without verifying the signature: Atlas
// is the token's issuer, so this side only needs to know when to ask
// for a new one.
func expiryOf(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, fmt.Errorf("atlasclient: empty token")
	}
	parser := jwt.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("atlasclient: token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
