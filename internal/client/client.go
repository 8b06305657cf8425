// Package client assembles the KeyStore, relay/Atlas clients, cipher
// factory, send dispatcher, and the Sender/Receiver pair into a single
// constructed context: one Client owns its KeyStore, SignalClient,
// AtlasClient, and every background task it spawns, handing out
// references rather than relying on package-level globals. Shutdown
// cancels the Atlas JWT refresh and closes the send dispatcher's queues;
// it does not wait for those goroutines to exit.
//
// Open assumes an account has already been registered (internal/registration
// has written the persisted state bag); a caller bootstrapping a
// brand-new installation runs registration.RegisterAccount or
// registration.RegisterDevice against a bare KeyStore first, then calls
// Open to wire the rest of the pipeline on top of the state it left behind.
package client

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay-go/internal/address"
	"github.com/forstalabs/librelay-go/internal/atlasclient"
	"github.com/forstalabs/librelay-go/internal/config"
	"github.com/forstalabs/librelay-go/internal/keystore"
	"github.com/forstalabs/librelay-go/internal/ratchet"
	"github.com/forstalabs/librelay-go/internal/receiver"
	"github.com/forstalabs/librelay-go/internal/registration"
	"github.com/forstalabs/librelay-go/internal/registry"
	"github.com/forstalabs/librelay-go/internal/relayclient"
	"github.com/forstalabs/librelay-go/internal/sender"
	"github.com/forstalabs/librelay-go/internal/sendqueue"
	"github.com/forstalabs/librelay-go/internal/signalproto"
)

const (
	preKeyRefreshMinLevel = 10
	preKeyRefreshFill     = 100
)

// Client owns every long-lived piece of the messaging pipeline for one
// registered device: the KeyStore, the relay and Atlas REST clients, the
// per-address send dispatcher, and the Sender/Receiver pair built on top
// of them. Construct one with Open and call Shutdown when done.
type Client struct {
	cfg *config.Config

	store   *keystore.KeyStore
	relay   *relayclient.Client
	atlas   *atlasclient.Client
	ciphers signalproto.SessionCipherFactory
	queue   *sendqueue.Dispatcher
	sender  *sender.Sender
	receiver *receiver.Receiver
	resolver *registry.Resolver

	addr address.Addr
}

// Open reads the state bag a prior registration.RegisterAccount or
// registration.RegisterDevice call left in store, opens the backend
// config.Load selected, and wires the Sender/Receiver/background-task
// graph on top of it. It fails if no account has been registered yet.
func Open(ctx context.Context, cfg *config.Config) (*Client, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("client: open storage backend: %w", err)
	}
	store := keystore.New(backend)
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("client: initialize storage backend: %w", err)
	}

	addr, password, serverURL, signalingKey, err := loadAccountState(ctx, store)
	if err != nil {
		_ = store.Shutdown(ctx)
		return nil, err
	}

	var resolver *registry.Resolver
	if cfg.ConsulURL != "" {
		resolver, err = registry.NewResolver(cfg.ConsulURL)
		if err != nil {
			log.Printf("client: consul registry unavailable, using static URLs: %v", err)
			resolver = nil
		}
	}

	relayURL := resolveURL(resolver, "relay", firstNonEmpty(serverURL, cfg.RelayURL))
	atlasURL := resolveURL(resolver, "atlas", cfg.AtlasURL)

	credentialVal, ok, err := store.GetState(ctx, "atlasCredential")
	if err != nil {
		_ = store.Shutdown(ctx)
		return nil, fmt.Errorf("client: load atlas credential: %w", err)
	}
	var credential string
	if ok {
		credential, err = credentialVal.AsString()
		if err != nil {
			_ = store.Shutdown(ctx)
			return nil, fmt.Errorf("client: decode atlas credential: %w", err)
		}
	}

	// An operator-configured Vault mount overrides the keystore-persisted
	// password/credential with secrets-at-rest fetched fresh at startup,
	// rather than trusting whatever registration happened to write to
	// local storage.
	if vault, vaultErr := cfg.OpenVault(); vaultErr != nil {
		log.Printf("client: vault unavailable, using keystore-persisted secrets: %v", vaultErr)
	} else if vault != nil {
		if v, getErr := vault.Get(ctx, "password"); getErr == nil && v != "" {
			password = v
		}
		if v, getErr := vault.Get(ctx, "atlasCredential"); getErr == nil && v != "" {
			credential = v
		}
	}

	relay := relayclient.New(relayURL, addr, password)
	atlas := atlasclient.New(atlasURL, credential, nil)
	atlas.StartJWTRefresh(ctx)

	ciphers := ratchet.New(store)
	queue := sendqueue.New(sendqueue.DefaultIdleReap)
	snd := sender.New(store, relay, atlas, ciphers, addr, queue)
	rcv := receiver.New(store, relay, ciphers, addr, signalingKey)
	rcv.SetRecoverer(snd)

	return &Client{
		cfg:      cfg,
		store:    store,
		relay:    relay,
		atlas:    atlas,
		ciphers:  ciphers,
		queue:    queue,
		sender:   snd,
		receiver: rcv,
		resolver: resolver,
		addr:     addr,
	}, nil
}

func loadAccountState(ctx context.Context, store *keystore.KeyStore) (addr address.Addr, password, serverURL string, signalingKey []byte, err error) {
	addrVal, ok, err := store.GetState(ctx, "addr")
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: load addr: %w", err)
	}
	if !ok {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: no registered account in storage; run registration.RegisterAccount or RegisterDevice first")
	}
	userIDStr, err := addrVal.AsString()
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: decode addr: %w", err)
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: parse addr %q: %w", userIDStr, err)
	}

	deviceIDVal, ok, err := store.GetState(ctx, "deviceId")
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: load deviceId: %w", err)
	}
	if !ok {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: no deviceId in storage")
	}
	deviceIDNum, err := deviceIDVal.AsNumber()
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: decode deviceId: %w", err)
	}

	passwordVal, ok, err := store.GetState(ctx, "password")
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: load password: %w", err)
	}
	if !ok {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: no password in storage")
	}
	password, err = passwordVal.AsString()
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: decode password: %w", err)
	}

	serverURLVal, ok, err := store.GetState(ctx, "serverUrl")
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: load serverUrl: %w", err)
	}
	if ok {
		serverURL, err = serverURLVal.AsString()
		if err != nil {
			return address.Addr{}, "", "", nil, fmt.Errorf("client: decode serverUrl: %w", err)
		}
	}

	signalingKeyVal, ok, err := store.GetState(ctx, "signalingKey")
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: load signalingKey: %w", err)
	}
	if !ok {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: no signalingKey in storage")
	}
	signalingKey, err = signalingKeyVal.AsBytes()
	if err != nil {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: decode signalingKey: %w", err)
	}
	if len(signalingKey) != 52 {
		return address.Addr{}, "", "", nil, fmt.Errorf("client: signalingKey has wrong length %d", len(signalingKey))
	}

	return address.New(userID, uint32(deviceIDNum)), password, serverURL, signalingKey, nil
}

func openBackend(cfg *config.Config) (keystore.Backend, error) {
	switch cfg.StorageBacking {
	case config.BackingRedis:
		return keystore.NewRedisBackend(cfg.RedisURL, cfg.StorageLabel)
	case config.BackingPostgres:
		return keystore.NewPostgresBackend(cfg.PostgresURL, cfg.StorageLabel)
	case config.BackingFS:
		return keystore.NewSQLiteBackend(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("client: unknown storage backing %q", cfg.StorageBacking)
	}
}

func resolveURL(resolver *registry.Resolver, serviceName, fallback string) string {
	if resolver == nil {
		return fallback
	}
	url, err := resolver.ResolveURL(serviceName)
	if err != nil {
		log.Printf("client: resolve %s via consul: %v, falling back to %s", serviceName, err, fallback)
		return fallback
	}
	return url
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Store returns the KeyStore backing this Client.
func (c *Client) Store() *keystore.KeyStore { return c.store }

// Relay returns the relay REST client.
func (c *Client) Relay() *relayclient.Client { return c.relay }

// Atlas returns the Atlas directory/auth client.
func (c *Client) Atlas() *atlasclient.Client { return c.atlas }

// Sender returns the MessageSender for this account.
func (c *Client) Sender() *sender.Sender { return c.sender }

// Receiver returns the MessageReceiver for this account.
func (c *Client) Receiver() *receiver.Receiver { return c.receiver }

// Addr returns this device's own address.
func (c *Client) Addr() address.Addr { return c.addr }

// MaintainPreKeys runs a background top-up loop that checks the relay's
// remaining one-time-prekey count every interval and refreshes the pool
// when it drops low, independent of the reactive top-up the receive path
// triggers on a session error. It runs until ctx is cancelled.
func (c *Client) MaintainPreKeys(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registration.RefreshPreKeys(ctx, c.store, c.relay, preKeyRefreshMinLevel, preKeyRefreshFill); err != nil {
				log.Printf("client: prekey top-up failed: %v", err)
			}
		}
	}
}

// Shutdown stops the background tasks this Client owns and closes the
// storage backend. It cancels the Atlas JWT refresh without waiting for
// the refresh goroutine to exit, and shuts down the send dispatcher,
// which waits for its reaper but not for queued jobs to finish. A
// MaintainPreKeys loop runs on the caller's ctx and is not stopped here.
func (c *Client) Shutdown(ctx context.Context) error {
	c.atlas.Stop()
	c.queue.Shutdown()
	return c.store.Shutdown(ctx)
}
