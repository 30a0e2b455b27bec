// session.go models one accepted TCP connection at the hub (spec §3
// "Session"). It generalizes the teacher's per-connection handling in
// server/server.go (handleConn's writeMu-guarded writer) to carry the
// registered service name, method table, heartbeat clock, and outbound
// routing table spec §3/§4.2 require.
package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ipcfabric/frame"
)

// State is a Session's lifecycle stage (spec §3).
type State int32

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

// Session is one accepted connection at the hub.
type Session struct {
	ID       string
	conn     net.Conn
	writeMu  sync.Mutex // serializes writes so large payloads never interleave
	maxFrame int

	state State // accessed only via atomic

	mu          sync.Mutex
	serviceName string
	methods     map[string]struct{}
	registeredAt time.Time

	lastHeartbeat atomic.Int64 // unix nanoseconds

	// routes tracks outbound correlation_id -> waiting caller session, used
	// when this session is a worker currently processing a forwarded
	// request. The map has no size limit.
	routesMu sync.Mutex
	routes   map[string]*routeEntry
}

type routeEntry struct {
	caller    *Session
	createdAt time.Time
}

// newSession wraps conn as a freshly accepted, unregistered Session.
func newSession(id string, conn net.Conn, maxFrame int) *Session {
	s := &Session{
		ID:       id,
		conn:     conn,
		maxFrame: maxFrame,
		routes:   make(map[string]*routeEntry),
	}
	s.state = StateUnregistered
	s.lastHeartbeat.Store(time.Now().UnixNano())
	return s
}

func (s *Session) State() State {
	return State(atomic.LoadInt32((*int32)(&s.state)))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32((*int32)(&s.state), int32(st))
}

// markRegistered transitions UNREGISTERED -> REGISTERED (spec §3).
func (s *Session) markRegistered(serviceName string, methods map[string]struct{}) {
	s.mu.Lock()
	s.serviceName = serviceName
	s.methods = methods
	s.registeredAt = time.Now()
	s.mu.Unlock()
	s.setState(StateRegistered)
}

func (s *Session) ServiceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceName
}

func (s *Session) HasMethod(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.methods == nil {
		return true // workers that don't advertise methods accept anything
	}
	_, ok := s.methods[method]
	return ok
}

func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

func (s *Session) lastHeartbeatTime() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// writeFrame serializes f onto the connection under the per-session write
// lock (spec §5: "writes to the same socket are serialized by a per-session
// queue").
func (s *Session) writeFrame(f *frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.EncodeA(s.conn, f, s.maxFrame)
}

func (s *Session) readFrame() (*frame.Frame, error) {
	return frame.DecodeA(s.conn, s.maxFrame)
}

func (s *Session) addRoute(correlationID string, caller *Session) {
	s.routesMu.Lock()
	s.routes[correlationID] = &routeEntry{caller: caller, createdAt: time.Now()}
	s.routesMu.Unlock()
}

func (s *Session) takeRoute(correlationID string) (*Session, bool) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	re, ok := s.routes[correlationID]
	if !ok {
		return nil, false
	}
	delete(s.routes, correlationID)
	return re.caller, true
}

// expiredRoute pairs a timed-out correlation id with the caller session that
// was waiting on it, so the dispatcher can deliver a TIMEOUT response.
type expiredRoute struct {
	correlationID string
	caller        *Session
}

// expireRoutes removes routes older than timeout, returning the expired
// entries so the caller can be notified with TIMEOUT (spec §4.2 "Routing
// entries age out after request_timeout").
func (s *Session) expireRoutes(timeout time.Duration) []expiredRoute {
	cutoff := time.Now().Add(-timeout)
	s.routesMu.Lock()
	defer s.routesMu.Unlock()

	var expired []expiredRoute
	for id, re := range s.routes {
		if re.createdAt.Before(cutoff) {
			expired = append(expired, expiredRoute{correlationID: id, caller: re.caller})
			delete(s.routes, id)
		}
	}
	return expired
}

func (s *Session) close() error {
	s.setState(StateClosed)
	return s.conn.Close()
}
