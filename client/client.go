// Package client is the high-level caller API: given a logical service
// name, discover a live instance through the registry, acquire a pooled,
// load-balanced connection to it, and issue the request through the async
// bridge. It replaces the teacher's Client (registry.Discover → Balancer.Pick
// → getTransport → transport.Send, all re-implemented per call) with one
// that delegates connection reuse and selection to pool.Pool, keeping only
// the discovery-to-address resolution the teacher's Call did inline.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"ipcfabric/config"
	"ipcfabric/frame"
	"ipcfabric/gateway"
	"ipcfabric/pool"
	"ipcfabric/registry"
)

// Caller satisfies gateway.HubCaller, so an out-of-tree HTTP gateway can
// depend on that narrow interface instead of this whole package.
var _ gateway.HubCaller = (*Caller)(nil)

// ErrServiceUnavailable is returned when the registry has no live entry for
// the requested service.
var ErrServiceUnavailable = errors.New("client: service unavailable")

// Caller is a registry-aware RPC client. One Caller can reach many
// services; it keeps one pool.Pool per resolved (host, port) endpoint.
type Caller struct {
	reg     registry.Registry
	poolCfg config.PoolConfig

	mu    sync.Mutex
	pools map[string]*pool.Pool
}

// NewCaller creates a Caller that resolves services through reg and pools
// connections per poolCfg.
func NewCaller(reg registry.Registry, poolCfg config.PoolConfig) *Caller {
	return &Caller{
		reg:     reg,
		poolCfg: poolCfg,
		pools:   make(map[string]*pool.Pool),
	}
}

// Call discovers a live instance of service, acquires a pooled connection
// to it, and issues a REQUEST frame for method carrying payload, returning
// the matching RESPONSE frame's payload.
func (c *Caller) Call(service, method string, payload []byte, timeout time.Duration) ([]byte, error) {
	return c.CallWithAffinity(service, method, payload, "", timeout)
}

// CallWithAffinity is Call with an affinity key (spec §4.6
// metadata["affinity_key"]): the pool's consistent_hash balancer, when
// configured, routes every call sharing the same key to the same pooled
// connection, giving cache affinity for stateful workers.
func (c *Caller) CallWithAffinity(service, method string, payload []byte, affinityKey string, timeout time.Duration) ([]byte, error) {
	entries, err := c.reg.Discover(service, false)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, service)
	}

	// Registry.Discover does not guarantee order; picking entries[0] is
	// fine here because loadbalance.Balancer already does the real
	// per-request selection once the target endpoint has a pool of
	// connections to choose among.
	entry := entries[0]
	addr := fmt.Sprintf("%s:%d", entry.Address, entry.Port)

	p, err := c.poolFor(addr)
	if err != nil {
		return nil, err
	}

	f := &frame.Frame{
		Kind:    frame.KindRequest,
		Service: service,
		Method:  method,
		Payload: payload,
	}
	if affinityKey != "" {
		f.Metadata = map[string]string{"affinity_key": affinityKey}
	}

	resp, err := p.Call(f, timeout)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Caller) poolFor(addr string) (*pool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	p, err := pool.New(addr, c.poolCfg, nil)
	if err != nil {
		return nil, err
	}
	c.pools[addr] = p
	return p, nil
}

// Close shuts down every pool the Caller opened.
func (c *Caller) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*pool.Pool)
	c.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	return nil
}
