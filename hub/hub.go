// Package hub implements the broker dispatcher (spec §4.2): the accept
// loop, per-session reader, service registry wiring, request/response
// correlation, heartbeat reaper, and graceful shutdown drain. It
// generalizes the teacher's server.Server — which dispatched requests to
// in-process reflect.Call handlers — into a pure router that forwards
// Frames between caller and worker sessions without ever looking inside the
// payload (spec §9 design note 1: "re-architect as a static capability set
// per session ... dispatch is a hash-map lookup").
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ipcfabric/config"
	"ipcfabric/frame"
	"ipcfabric/registry"
)

// registerPayload is the JSON body of a REGISTER frame (spec §6).
type registerPayload struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// Hub is the broker: it listens on (host, port) and serves. Besides
// ListenAndServe its public surface is Addr, ListenAndServeDiscovery,
// DiscoveryAddr and Shutdown.
type Hub struct {
	cfg config.HubConfig
	reg registry.Registry
	log *zap.Logger

	listener  net.Listener
	discovery *registry.DiscoveryServer

	mu        sync.Mutex
	sessions  map[string]*Session
	byService map[string]*Session

	shuttingDown chan struct{}
	drained      chan struct{}
	wg           sync.WaitGroup
}

// New creates a Hub over reg using cfg. The same reg backs both the
// framing-A REGISTER path handled inline below and the framing-B discovery
// endpoint ListenAndServeDiscovery binds, so a worker in this process and a
// registrar dialing in from another process observe one consistent
// registry (spec §4.3/§6).
func New(cfg config.HubConfig, reg registry.Registry, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		cfg:          cfg,
		reg:          reg,
		log:          log,
		discovery:    registry.NewDiscoveryServer(reg, log),
		sessions:     make(map[string]*Session),
		byService:    make(map[string]*Session),
		shuttingDown: make(chan struct{}),
		drained:      make(chan struct{}),
	}
}

// Addr returns the bound listener address, or nil before ListenAndServe has
// started listening. Mainly useful in tests that bind to port 0.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ListenAndServe binds (cfg.Host, cfg.Port) and runs the accept loop until
// ctx is cancelled or Shutdown is called.
func (h *Hub) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	h.log.Info("hub listening", zap.String("addr", addr))

	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-h.shuttingDown:
		}
	}()

	h.wg.Add(1)
	go h.reapHeartbeats(ctx)
	h.wg.Add(1)
	go h.reapRoutes(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-h.shuttingDown:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

// ListenAndServeDiscovery binds cfg.DiscoveryPort and serves the framing-B
// service-discovery endpoint (spec §4.3/§6) until ctx is cancelled or
// Shutdown is called. Run it alongside ListenAndServe, in its own
// goroutine; the two share no state but the same Registry.
func (h *Hub) ListenAndServeDiscovery(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.DiscoveryPort)
	return h.discovery.ListenAndServe(ctx, addr)
}

// DiscoveryAddr returns the discovery endpoint's bound address, or nil
// before ListenAndServeDiscovery has started listening.
func (h *Hub) DiscoveryAddr() net.Addr {
	return h.discovery.Addr()
}

// Shutdown stops the accept loop, notifies every session, and waits up to
// cfg.DrainTimeout for in-flight work before forcing closes (spec §4.2).
func (h *Hub) Shutdown() error {
	close(h.shuttingDown)
	if h.listener != nil {
		h.listener.Close()
	}
	_ = h.discovery.Shutdown()

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.writeFrame(&frame.Frame{Kind: frame.KindError, Metadata: map[string]string{"shutdown": "true"}})
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(h.cfg.DrainTimeout):
		h.mu.Lock()
		for _, s := range h.sessions {
			_ = s.close()
		}
		h.mu.Unlock()
	}
	return nil
}

func (h *Hub) handleConn(conn net.Conn) {
	defer h.wg.Done()

	sess := newSession(uuid.NewString(), conn, h.cfg.MaxFrameBytes)
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()

	defer h.closeSession(sess, ErrUnavailable)

	for {
		f, err := sess.readFrame()
		if err != nil {
			return
		}
		h.dispatch(sess, f)
	}
}

func (h *Hub) dispatch(sess *Session, f *frame.Frame) {
	switch f.Kind {
	case frame.KindRegister:
		h.handleRegister(sess, f)
	case frame.KindRequest:
		h.handleRequest(sess, f)
	case frame.KindResponse, frame.KindError:
		h.handleResponse(sess, f)
	case frame.KindHeartbeat:
		sess.touchHeartbeat()
		if len(f.CorrelationID) > 0 {
			_ = sess.writeFrame(&frame.Frame{Kind: frame.KindHeartbeat, CorrelationID: f.CorrelationID})
		}
	}
}

func (h *Hub) handleRegister(sess *Session, f *frame.Frame) {
	var payload registerPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil || payload.Name == "" {
		h.respondError(sess, f, "invalid register payload")
		return
	}

	methods := parseMethods(payload.Metadata)
	instanceID := uuid.NewString()

	h.mu.Lock()
	older, hadOlder := h.byService[payload.Name]
	h.byService[payload.Name] = sess
	h.mu.Unlock()

	sess.markRegistered(payload.Name, methods)

	if err := h.reg.Register(registry.Entry{
		ServiceName: payload.Name,
		InstanceID:  instanceID,
		Metadata:    payload.Metadata,
		Status:      registry.StatusHealthy,
	}, h.cfg.ServiceTTL); err != nil {
		h.log.Warn("registry update failed", zap.Error(err))
	}

	if hadOlder && older != sess {
		h.supersede(older)
	}

	ack, _ := json.Marshal(map[string]string{"id": instanceID})
	_ = sess.writeFrame(&frame.Frame{
		Kind:          frame.KindResponse,
		CorrelationID: f.CorrelationID,
		Payload:       ack,
	})
}

func parseMethods(metadata map[string]string) map[string]struct{} {
	raw, ok := metadata["methods"]
	if !ok {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}
	methods := make(map[string]struct{}, len(names))
	for _, n := range names {
		methods[n] = struct{}{}
	}
	return methods
}

// supersede closes older after completing its in-flight routed requests
// with SUPERSEDED (spec §4.2, scenario 4).
func (h *Hub) supersede(older *Session) {
	older.routesMu.Lock()
	routes := older.routes
	older.routes = make(map[string]*routeEntry)
	older.routesMu.Unlock()

	for correlationID, re := range routes {
		payload, _ := json.Marshal(map[string]string{"error": ErrSuperseded.Error()})
		_ = re.caller.writeFrame(&frame.Frame{
			Kind:          frame.KindResponse,
			CorrelationID: []byte(correlationID),
			Metadata:      map[string]string{"error": "true"},
			Payload:       payload,
		})
	}

	h.closeSession(older, ErrSuperseded)
}

func (h *Hub) handleRequest(caller *Session, f *frame.Frame) {
	h.mu.Lock()
	worker, ok := h.byService[f.Service]
	h.mu.Unlock()

	if !ok || worker.State() != StateRegistered {
		h.respondUnavailable(caller, f)
		return
	}
	if !worker.HasMethod(f.Method) {
		h.respondError(caller, f, ErrMethodNotFound.Error())
		return
	}

	worker.addRoute(string(f.CorrelationID), caller)
	if err := worker.writeFrame(f); err != nil {
		worker.takeRoute(string(f.CorrelationID))
		h.respondUnavailable(caller, f)
	}
}

func (h *Hub) handleResponse(workerSess *Session, f *frame.Frame) {
	caller, ok := workerSess.takeRoute(string(f.CorrelationID))
	if !ok {
		h.log.Debug("orphan response dropped", zap.ByteString("correlation_id", f.CorrelationID))
		return
	}
	_ = caller.writeFrame(f)
}

func (h *Hub) respondUnavailable(caller *Session, f *frame.Frame) {
	payload, _ := json.Marshal(map[string]string{"error": "service unavailable"})
	_ = caller.writeFrame(&frame.Frame{
		Kind:          frame.KindResponse,
		CorrelationID: f.CorrelationID,
		Metadata:      map[string]string{"error": "true"},
		Payload:       payload,
	})
}

func (h *Hub) respondError(sess *Session, f *frame.Frame, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	_ = sess.writeFrame(&frame.Frame{
		Kind:          frame.KindResponse,
		CorrelationID: f.CorrelationID,
		Metadata:      map[string]string{"error": "true"},
		Payload:       payload,
	})
}

func (h *Hub) closeSession(sess *Session, reason error) {
	h.mu.Lock()
	delete(h.sessions, sess.ID)
	if h.byService[sess.ServiceName()] == sess {
		delete(h.byService, sess.ServiceName())
	}
	h.mu.Unlock()

	sess.routesMu.Lock()
	routes := sess.routes
	sess.routes = nil
	sess.routesMu.Unlock()

	for correlationID, re := range routes {
		payload, _ := json.Marshal(map[string]string{"error": reason.Error()})
		_ = re.caller.writeFrame(&frame.Frame{
			Kind:          frame.KindResponse,
			CorrelationID: []byte(correlationID),
			Metadata:      map[string]string{"error": "true"},
			Payload:       payload,
		})
	}

	_ = sess.close()
}

func (h *Hub) reapHeartbeats(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shuttingDown:
			return
		case <-ticker.C:
			h.mu.Lock()
			stale := make([]*Session, 0)
			for _, s := range h.sessions {
				if time.Since(s.lastHeartbeatTime()) > h.cfg.SessionTimeout {
					stale = append(stale, s)
				}
			}
			h.mu.Unlock()

			for _, s := range stale {
				h.log.Info("heartbeat lost", zap.String("session_id", s.ID))
				h.closeSession(s, ErrHeartbeatLost)
			}
		}
	}
}

func (h *Hub) reapRoutes(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.RequestTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shuttingDown:
			return
		case <-ticker.C:
			h.mu.Lock()
			sessions := make([]*Session, 0, len(h.sessions))
			for _, s := range h.sessions {
				sessions = append(sessions, s)
			}
			h.mu.Unlock()

			for _, s := range sessions {
				for _, er := range s.expireRoutes(h.cfg.RequestTimeout) {
					h.log.Debug("route timed out", zap.String("session_id", s.ID), zap.String("correlation_id", er.correlationID))
					payload, _ := json.Marshal(map[string]string{"error": ErrTimeout.Error()})
					_ = er.caller.writeFrame(&frame.Frame{
						Kind:          frame.KindResponse,
						CorrelationID: []byte(er.correlationID),
						Metadata:      map[string]string{"error": "true"},
						Payload:       payload,
					})
				}
			}
		}
	}
}
