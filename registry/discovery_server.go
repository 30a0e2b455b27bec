// discovery_server.go implements the service-discovery network endpoint
// (spec §4.3 "the registrar is the caller-side glue" / §6 "Discovery
// request (framing B)"): the only way a worker or caller process in a
// different process from the hub can reach the Registry. It is grounded in
// frame/framing_b.go's codec (already exercised in isolation by
// framing_b_test.go) and in original_source/python-ipc/discovery/
// discovery.py's register_service/deregister_service/discover dispatch,
// translated from asyncio coroutines into one goroutine per accepted
// connection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"ipcfabric/frame"
)

// ServiceInfo is the wire shape of one registry entry at the discovery
// boundary (spec §6): {id, name, address, port, metadata, status,
// expire_at, updated_at}, the latter two RFC3339 with a trailing "Z".
type ServiceInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	Metadata  map[string]string `json:"metadata"`
	Status    string            `json:"status"`
	ExpireAt  string            `json:"expire_at"`
	UpdatedAt string            `json:"updated_at"`
}

type registerParams struct {
	Action  string      `json:"action"`
	Service ServiceInfo `json:"service"`
	Name    string      `json:"name"`
	ID      string      `json:"id"`
}

type deregisterParams struct {
	ID string `json:"id"`
}

type discoverParams struct {
	Name string `json:"name"`
}

// discoveryResponse is spec §6's "Error envelope": `{"error": ..., "result":
// ...}` with error==nil meaning success.
type discoveryResponse struct {
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

const defaultRegisterTTL = 30 * time.Second

// DiscoveryServer exposes a Registry over framing B. A registrar in a
// separate process dials it instead of holding a Go reference to the
// Registry; this is what lets a worker register against a hub it only
// knows by (host, port) (spec §6's whole reason for a second framing).
type DiscoveryServer struct {
	reg Registry
	log *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	idIndex  map[string]string // instance id -> service name, since deregister's wire payload carries only an id

	shuttingDown chan struct{}
	wg           sync.WaitGroup
}

// NewDiscoveryServer creates a DiscoveryServer dispatching register,
// deregister, and discover requests against reg. log may be nil.
func NewDiscoveryServer(reg Registry, log *zap.Logger) *DiscoveryServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &DiscoveryServer{
		reg:          reg,
		log:          log,
		idIndex:      make(map[string]string),
		shuttingDown: make(chan struct{}),
	}
}

// Addr returns the bound listener address, or nil before ListenAndServe has
// started listening.
func (s *DiscoveryServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds addr and serves framing-B discovery requests until
// ctx is cancelled or Shutdown is called.
func (s *DiscoveryServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("discovery endpoint listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shuttingDown:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops the accept loop and waits for in-flight connections to
// finish their current request.
func (s *DiscoveryServer) Shutdown() error {
	select {
	case <-s.shuttingDown:
	default:
		close(s.shuttingDown)
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *DiscoveryServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shuttingDown:
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		req, err := frame.DecodeDiscoveryRequest(conn)
		if err != nil {
			return
		}

		body := s.dispatch(req)
		raw, err := json.Marshal(body)
		if err != nil {
			return
		}
		if err := frame.EncodeDiscoveryResponse(conn, raw); err != nil {
			return
		}
	}
}

func (s *DiscoveryServer) dispatch(req *frame.DiscoveryRequest) discoveryResponse {
	switch req.Method {
	case "register":
		return s.handleRegister(req.Params)
	case "deregister":
		return s.handleDeregister(req.Params)
	case "discover":
		return s.handleDiscover(req.Params)
	default:
		return discoveryResponse{Error: fmt.Sprintf("unknown discovery method %q", req.Method)}
	}
}

func (s *DiscoveryServer) handleRegister(raw []byte) discoveryResponse {
	var p registerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return discoveryResponse{Error: err.Error()}
	}

	svc := p.Service
	if svc.Name == "" {
		svc.Name = p.Name
	}
	if svc.ID == "" {
		svc.ID = p.ID
	}
	if svc.Name == "" || svc.ID == "" {
		return discoveryResponse{Error: "register requires service.name and service.id"}
	}

	ttl := defaultRegisterTTL
	if svc.ExpireAt != "" {
		if expiresAt, err := time.Parse(time.RFC3339, svc.ExpireAt); err == nil {
			if remaining := time.Until(expiresAt); remaining > 0 {
				ttl = remaining
			}
		}
	}

	status := StatusHealthy
	if svc.Status != "" {
		status = Status(svc.Status)
	}

	entry := Entry{
		ServiceName: svc.Name,
		InstanceID:  svc.ID,
		Address:     svc.Address,
		Port:        svc.Port,
		Metadata:    svc.Metadata,
		Status:      status,
	}
	if err := s.reg.Register(entry, ttl); err != nil {
		return discoveryResponse{Error: err.Error()}
	}

	s.mu.Lock()
	s.idIndex[svc.ID] = svc.Name
	s.mu.Unlock()

	return discoveryResponse{Result: map[string]string{"id": svc.ID}}
}

func (s *DiscoveryServer) handleDeregister(raw []byte) discoveryResponse {
	var p deregisterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return discoveryResponse{Error: err.Error()}
	}

	s.mu.Lock()
	name, ok := s.idIndex[p.ID]
	delete(s.idIndex, p.ID)
	s.mu.Unlock()
	if !ok {
		return discoveryResponse{Result: map[string]bool{"ok": true}}
	}

	if err := s.reg.Deregister(name, p.ID); err != nil {
		return discoveryResponse{Error: err.Error()}
	}
	return discoveryResponse{Result: map[string]bool{"ok": true}}
}

func (s *DiscoveryServer) handleDiscover(raw []byte) discoveryResponse {
	var p discoverParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return discoveryResponse{Error: err.Error()}
	}

	entries, err := s.reg.Discover(p.Name, false)
	if err != nil {
		return discoveryResponse{Error: err.Error()}
	}

	out := make([]ServiceInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ServiceInfo{
			ID:        e.InstanceID,
			Name:      e.ServiceName,
			Address:   e.Address,
			Port:      e.Port,
			Metadata:  e.Metadata,
			Status:    string(e.Status),
			ExpireAt:  e.LeaseExpiresAt.UTC().Format(time.RFC3339),
			UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}
	return discoveryResponse{Result: out}
}
