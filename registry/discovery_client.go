package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"ipcfabric/frame"
)

// DiscoveryClient is a framing-B client against a hub's discovery endpoint
// (spec §6). It keeps one persistent connection, redialing lazily on the
// next call after a failure.
type DiscoveryClient struct {
	addr    string
	dialTTL time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewDiscoveryClient creates a client that dials addr on first use.
func NewDiscoveryClient(addr string) *DiscoveryClient {
	return &DiscoveryClient{addr: addr, dialTTL: 5 * time.Second}
}

// Close drops the underlying connection, if any.
func (c *DiscoveryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *DiscoveryClient) call(method string, params interface{}) (discoveryResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return discoveryResponse{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, c.dialTTL)
		if err != nil {
			return discoveryResponse{}, err
		}
		c.conn = conn
	}

	req := &frame.DiscoveryRequest{MsgID: uuid.NewString(), Method: method, Params: body}
	if err := frame.EncodeDiscoveryRequest(c.conn, req); err != nil {
		c.conn.Close()
		c.conn = nil
		return discoveryResponse{}, err
	}

	raw, err := frame.DecodeDiscoveryResponse(c.conn)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return discoveryResponse{}, err
	}

	var resp discoveryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return discoveryResponse{}, err
	}
	if resp.Error != nil {
		return resp, fmt.Errorf("discovery: %v", resp.Error)
	}
	return resp, nil
}

// Register issues a register request carrying svc.
func (c *DiscoveryClient) Register(svc ServiceInfo) error {
	_, err := c.call("register", registerParams{Action: "register", Service: svc, Name: svc.Name, ID: svc.ID})
	return err
}

// Deregister issues a deregister request for instance id.
func (c *DiscoveryClient) Deregister(id string) error {
	_, err := c.call("deregister", deregisterParams{ID: id})
	return err
}

// Discover issues a discover request for name.
func (c *DiscoveryClient) Discover(name string) ([]ServiceInfo, error) {
	resp, err := c.call("discover", discoverParams{Name: name})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	var out []ServiceInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NetworkRegistry implements Registry over a DiscoveryClient, so a Registrar
// can register against a hub living in a different process instead of
// holding a Go reference to its in-memory Registry (spec §4.3: "the entire
// point of framing B"). Watch is not part of the wire contract spec §6
// names (only register/deregister/discover), so it reports no events;
// SetStatus re-sends the cached ServiceInfo with the new status, mirroring
// how original_source/python-ipc/discovery/registrar.py's _monitor_health
// pushes a health transition by re-registering.
type NetworkRegistry struct {
	client *DiscoveryClient

	mu       sync.Mutex
	lastSent map[string]ServiceInfo // instance id -> last registered ServiceInfo
}

// NewNetworkRegistry creates a Registry that speaks framing B to the
// discovery endpoint at addr.
func NewNetworkRegistry(addr string) *NetworkRegistry {
	return &NetworkRegistry{
		client:   NewDiscoveryClient(addr),
		lastSent: make(map[string]ServiceInfo),
	}
}

// Close drops the underlying connection.
func (n *NetworkRegistry) Close() error { return n.client.Close() }

func (n *NetworkRegistry) Register(entry Entry, ttl time.Duration) error {
	status := entry.Status
	if status == "" {
		status = StatusHealthy
	}
	svc := ServiceInfo{
		ID:        entry.InstanceID,
		Name:      entry.ServiceName,
		Address:   entry.Address,
		Port:      entry.Port,
		Metadata:  entry.Metadata,
		Status:    string(status),
		ExpireAt:  time.Now().Add(ttl).UTC().Format(time.RFC3339),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := n.client.Register(svc); err != nil {
		return err
	}
	n.mu.Lock()
	n.lastSent[entry.InstanceID] = svc
	n.mu.Unlock()
	return nil
}

func (n *NetworkRegistry) Deregister(serviceName, instanceID string) error {
	n.mu.Lock()
	delete(n.lastSent, instanceID)
	n.mu.Unlock()
	return n.client.Deregister(instanceID)
}

func (n *NetworkRegistry) Discover(serviceName string, includeUnhealthy bool) ([]Entry, error) {
	infos, err := n.client.Discover(serviceName)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(infos))
	for _, svc := range infos {
		if Status(svc.Status) == StatusUnhealthy && !includeUnhealthy {
			continue
		}
		expiresAt, _ := time.Parse(time.RFC3339, svc.ExpireAt)
		out = append(out, Entry{
			ServiceName:    svc.Name,
			InstanceID:     svc.ID,
			Address:        svc.Address,
			Port:           svc.Port,
			Metadata:       svc.Metadata,
			Status:         Status(svc.Status),
			LeaseExpiresAt: expiresAt,
		})
	}
	return out, nil
}

// Watch is unsupported over the network boundary: spec §6 names only
// register/deregister/discover, so there is no wire event to relay. The
// returned channel never delivers anything; the cancel func is a no-op.
func (n *NetworkRegistry) Watch(serviceName string) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

func (n *NetworkRegistry) SetStatus(serviceName, instanceID string, status Status) error {
	n.mu.Lock()
	svc, ok := n.lastSent[instanceID]
	n.mu.Unlock()
	if !ok {
		return errors.New("registry: unknown instance for status update")
	}

	svc.Status = string(status)
	svc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := n.client.Register(svc); err != nil {
		return err
	}

	n.mu.Lock()
	n.lastSent[instanceID] = svc
	n.mu.Unlock()
	return nil
}

var _ Registry = (*NetworkRegistry)(nil)
