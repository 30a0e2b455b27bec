package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"ipcfabric/config"
	"ipcfabric/frame"
	"ipcfabric/loadbalance"
)

// ErrNoAvailableConnection is returned by Acquire when no connection can be
// selected or created (spec §4.4 "NO_AVAILABLE_CONNECTION").
var ErrNoAvailableConnection = errors.New("pool: no available connection")

// Outcome tells Release whether the connection's last use succeeded, so the
// pool can decide whether to keep or discard it (spec §4.4 "release(conn,
// outcome)").
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
)

// Stats is a snapshot of pool counts and aggregate statistics
// (spec §4.4 "stats()").
type Stats struct {
	Total         int
	Idle          int
	Busy          int
	Error         int
	TotalRequests int64
	TotalErrors   int64
}

// Pool is a caller-side cache of connections to a single endpoint, with
// load balancing and auto-scaling (spec §4.4). It replaces the teacher's
// channel-based transport.ConnPool with the full lifecycle spec.md
// describes while reusing bridge.Bridge (itself grounded in the teacher's
// transport.ClientTransport) for each connection's multiplexed I/O.
type Pool struct {
	addr    string
	cfg     config.PoolConfig
	dial    func(ctx context.Context, addr string) (net.Conn, error)
	balance loadbalance.Balancer

	mu      sync.Mutex
	conns   map[string]*Connection
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Pool dialing addr, pre-warming it to cfg.MinSize
// connections, and starting the auto-scaler and health loop.
func New(addr string, cfg config.PoolConfig, dial func(ctx context.Context, addr string) (net.Conn, error)) (*Pool, error) {
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		addr:    addr,
		cfg:     cfg,
		dial:    dial,
		balance: balancer,
		conns:   make(map[string]*Connection),
		stop:    make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		if _, err := p.createLocked(); err != nil {
			break
		}
	}

	p.wg.Add(2)
	go p.autoScaleLoop()
	go p.healthLoop()
	return p, nil
}

// createLocked dials a new connection within cfg.ConnectionTimeout, retrying
// transient failures up to three times (spec §7: "retry connection creation
// up to three times on transient failure" is recovered locally inside the
// pool), and adds it to the pool. Callers must hold p.mu.
func (p *Pool) createLocked() (*Connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := p.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	c := newConnection(uuid.NewString(), conn, frame.DefaultMaxFrameBytes)
	p.conns[c.ID()] = c
	return c, nil
}

func (p *Pool) dialWithRetry(ctx context.Context) (net.Conn, error) {
	op := func() (net.Conn, error) {
		conn, err := p.dial(ctx, p.addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return backoff.Retry(ctx, op, backoff.WithMaxTries(3))
}

// Acquire selects an IDLE connection via the configured balancer,
// transitioning it to BUSY, or synchronously creates one if total < max_size
// (spec §4.4).
func (p *Pool) Acquire() (*Connection, error) {
	return p.acquire("")
}

// acquire is Acquire with an optional affinity key (spec §4.6
// metadata["affinity_key"]): when key is non-empty and the configured
// balancer implements loadbalance.KeyedBalancer, selection is routed
// through PickForKey instead of Pick so the same key lands on the same
// connection across calls.
func (p *Pool) acquire(affinityKey string) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool: closed")
	}

	candidates := p.idleCandidatesLocked()
	if len(candidates) > 0 {
		var picked loadbalance.Candidate
		var err error
		if affinityKey != "" {
			if kb, ok := p.balance.(loadbalance.KeyedBalancer); ok {
				picked, err = kb.PickForKey(candidates, affinityKey)
			} else {
				picked, err = p.balance.Pick(candidates)
			}
		} else {
			picked, err = p.balance.Pick(candidates)
		}
		if err == nil {
			if conn, ok := p.conns[picked.ID()]; ok && conn.markBusy() {
				p.mu.Unlock()
				return conn, nil
			}
		}
	}

	if len(p.conns) >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, ErrNoAvailableConnection
	}

	conn, err := p.createLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAvailableConnection, err)
	}
	if !conn.markBusy() {
		return nil, ErrNoAvailableConnection
	}
	return conn, nil
}

// Release returns conn to the pool; outcome=OutcomeError removes it
// (spec §4.4 "release").
func (p *Pool) Release(conn *Connection, outcome Outcome) {
	if outcome == OutcomeError {
		conn.setState(StateError)
		p.removeAndClose(conn)
		return
	}
	conn.mu.Lock()
	conn.idleSince = time.Now()
	conn.mu.Unlock()
	conn.setState(StateIdle)
}

// Call acquires a connection, issues f through its bridge with timeout, and
// releases the connection (error outcome on failure). If f.Metadata carries
// an "affinity_key", acquisition is routed through that key (spec §4.6).
func (p *Pool) Call(f *frame.Frame, timeout time.Duration) (*frame.Frame, error) {
	conn, err := p.acquire(f.Metadata["affinity_key"])
	if err != nil {
		return nil, err
	}
	resp, err := conn.request(f, timeout)
	if err != nil {
		p.Release(conn, OutcomeError)
		return nil, err
	}
	p.Release(conn, OutcomeOK)
	return resp, nil
}

func (p *Pool) idleCandidatesLocked() []loadbalance.Candidate {
	candidates := make([]loadbalance.Candidate, 0, len(p.conns))
	for _, c := range p.conns {
		if c.State() == StateIdle {
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// Stats returns a snapshot of pool counts and aggregate statistics
// (spec §4.4 "stats()").
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	for _, c := range p.conns {
		s.Total++
		switch c.State() {
		case StateIdle:
			s.Idle++
		case StateBusy:
			s.Busy++
		case StateError:
			s.Error++
		}
		c.mu.Lock()
		s.TotalRequests += c.totalRequests
		s.TotalErrors += c.totalErrors
		c.mu.Unlock()
	}
	return s
}

// Close stops the management loops and closes every connection
// (spec §4.4 "close()"). Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	for _, c := range conns {
		c.close()
	}
	return nil
}

func (p *Pool) removeAndClose(conn *Connection) {
	p.mu.Lock()
	delete(p.conns, conn.ID())
	p.mu.Unlock()
	conn.close()
}

// autoScaleLoop runs every cfg.AutoScaleInterval (default 5s), growing the
// pool under sustained load and shrinking it when idle (spec §4.4
// "Auto-scaler").
func (p *Pool) autoScaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.AutoScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.autoScaleOnce()
		}
	}
}

func (p *Pool) autoScaleOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	total := len(p.conns)
	var active, idleCount int
	var idleConns []*Connection
	for _, c := range p.conns {
		if c.State() == StateBusy {
			active++
		}
		if c.State() == StateIdle {
			idleCount++
			idleConns = append(idleConns, c)
		}
	}

	usage := 1.0
	if total > 0 {
		usage = float64(active) / float64(total)
	}

	if usage > p.cfg.ScaleUpThreshold && total < p.cfg.MaxSize {
		toCreate := p.cfg.ScaleStep
		if room := p.cfg.MaxSize - total; room < toCreate {
			toCreate = room
		}
		for i := 0; i < toCreate; i++ {
			if _, err := p.createLocked(); err != nil {
				break
			}
		}
		return
	}

	if idleCount > p.cfg.ScaleDownIdleThreshold && total > p.cfg.MinSize {
		toClose := idleCount - 1
		if room := total - p.cfg.MinSize; room < toClose {
			toClose = room
		}
		if toClose <= 0 {
			return
		}
		sort.Slice(idleConns, func(i, j int) bool {
			return idleConns[i].CreatedAt().After(idleConns[j].CreatedAt())
		})
		for i := 0; i < toClose; i++ {
			c := idleConns[i]
			delete(p.conns, c.ID())
			go c.close()
		}
	}
}

// healthLoop runs every cfg.HealthCheckInterval, evicting idle-too-long,
// too-old, and errored connections, and tracking a heartbeat RTT moving
// average (spec §4.4 "Health loop").
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.healthOnce()
		}
	}
}

func (p *Pool) healthOnce() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var toEvict []*Connection
	for _, c := range p.conns {
		switch {
		case c.State() == StateIdle && c.idleDuration() > p.cfg.IdleTimeout:
			toEvict = append(toEvict, c)
		case c.ageSince() > p.cfg.MaxLifetime:
			toEvict = append(toEvict, c)
		case c.State() == StateError:
			toEvict = append(toEvict, c)
		}
	}
	for _, c := range toEvict {
		delete(p.conns, c.ID())
	}
	survivors := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		if c.State() == StateIdle {
			survivors = append(survivors, c)
		}
	}
	p.mu.Unlock()

	for _, c := range toEvict {
		go c.close()
	}
	for _, c := range survivors {
		go p.probeHeartbeat(c)
	}
}

// probeHeartbeat issues a HEARTBEAT frame with a 500ms timeout, dropping
// the connection on failure and otherwise folding the RTT sample into
// avg_rtt (spec §4.4).
func (p *Pool) probeHeartbeat(c *Connection) {
	start := time.Now()
	_, err := c.bridge.Call(&frame.Frame{Kind: frame.KindHeartbeat}, 500*time.Millisecond)
	if err != nil {
		p.removeAndClose(c)
		return
	}
	c.recordRTT(time.Since(start))
}
