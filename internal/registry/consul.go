// Package registry resolves relay and Atlas service addresses through
// Consul's health-checked service catalog, rather than pinning the
// client to a single static URL.
package registry

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/hashicorp/consul/api"
)

// ErrNoHealthyInstances is returned when a service has no passing
// health checks registered in Consul.
var ErrNoHealthyInstances = errors.New("registry: no healthy instances")

// Resolver discovers healthy instances of the relay and Atlas services
// via Consul, falling back to the static URLs a Config supplies when
// Consul itself is unreachable.
type Resolver struct {
	client *api.Client
}

// NewResolver connects to the Consul agent at addr.
func NewResolver(addr string) (*Resolver, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("registry: create consul client: %w", err)
	}
	return &Resolver{client: client}, nil
}

// ResolveURL picks a healthy instance of serviceName and returns its
// base URL (scheme defaults to https unless the service registered
// with the "insecure" tag).
func (r *Resolver) ResolveURL(serviceName string) (string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("registry: query %s: %w", serviceName, err)
	}
	if len(services) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoHealthyInstances, serviceName)
	}

	entry := services[rand.Intn(len(services))]
	scheme := "https"
	for _, tag := range entry.Service.Tags {
		if tag == "insecure" {
			scheme = "http"
		}
	}
	addr := entry.Service.Address
	if addr == "" {
		addr = entry.Node.Address
	}
	return fmt.Sprintf("%s://%s:%d", scheme, addr, entry.Service.Port), nil
}

// Watch blocks on Consul's long-poll query interface and invokes
// callback every time the healthy instance set for serviceName
// changes. It runs until ctx-equivalent caller cancellation is
// signaled by closing stop.
func (r *Resolver) Watch(serviceName string, stop <-chan struct{}, callback func([]string)) {
	var lastIndex uint64

	for {
		select {
		case <-stop:
			return
		default:
		}

		services, meta, err := r.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("registry: watch %s failed: %v", serviceName, err)
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		addrs := make([]string, 0, len(services))
		for _, svc := range services {
			addrs = append(addrs, fmt.Sprintf("%s:%d", svc.Service.Address, svc.Service.Port))
		}
		callback(addrs)
	}
}
