// Package bridge implements the caller async bridge (spec §4.6): the
// per-connection table of pending requests, correlated by correlation_id,
// with a periodic sweeper for deadline expiry and best-effort cancellation.
// It generalizes the teacher's transport.ClientTransport — whose sync.Map
// pending table and dedicated recvLoop goroutine multiplexed RPCMessage
// replies over one socket — to Frame/Framing A and to the issue/on_response
// /on_error/sweeper/cancel operation set spec §4.6 names explicitly, plus
// the 10,000-pending cap and OVERLOADED fast-fail it requires.
package bridge

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"ipcfabric/frame"
)

// MaxPending is the default cap on concurrent pending requests per bridge
// (spec §4.6).
const MaxPending = 10000

var (
	// ErrOverloaded is returned by Issue when MaxPending pending requests
	// are already outstanding.
	ErrOverloaded = errors.New("bridge: overloaded")
	// ErrTimeout marks a completion swept for exceeding its deadline.
	ErrTimeout = errors.New("bridge: timeout")
	// ErrCancelled marks a completion from an explicit Cancel call.
	ErrCancelled = errors.New("bridge: cancelled")
	// ErrClosed marks every pending completion when the bridge is closed.
	ErrClosed = errors.New("bridge: closed")
)

// Result is what a pending request resolves to: the matching RESPONSE
// frame, or an error (ErrTimeout, ErrCancelled, ErrClosed, or a transport
// failure).
type Result struct {
	Frame *frame.Frame
	Err   error
}

type pendingEntry struct {
	ch       chan Result
	deadline time.Time
}

// Bridge owns one socket's write side and its pending-request table. A
// background goroutine reads responses off the socket and routes them by
// correlation_id; another sweeps expired entries every second.
type Bridge struct {
	conn          net.Conn
	maxFrameBytes int
	maxPending    int

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wraps conn and starts its recv loop and sweeper immediately.
func New(conn net.Conn, maxFrameBytes int) *Bridge {
	b := &Bridge{
		conn:          conn,
		maxFrameBytes: maxFrameBytes,
		maxPending:    MaxPending,
		pending:       make(map[string]*pendingEntry),
		stop:          make(chan struct{}),
	}
	b.wg.Add(2)
	go b.recvLoop()
	go b.sweepLoop()
	return b
}

// Issue generates a correlation_id if f.CorrelationID is empty, registers
// the pending entry, and writes f to the connection (spec §4.6 "issue").
// The returned channel receives exactly one Result.
func (b *Bridge) Issue(f *frame.Frame, deadline time.Time) (<-chan Result, error) {
	if len(f.CorrelationID) == 0 {
		f.CorrelationID = []byte(uuid.NewString())
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		return nil, ErrOverloaded
	}
	entry := &pendingEntry{ch: make(chan Result, 1), deadline: deadline}
	b.pending[string(f.CorrelationID)] = entry
	b.mu.Unlock()

	b.writeMu.Lock()
	err := frame.EncodeA(b.conn, f, b.maxFrameBytes)
	b.writeMu.Unlock()
	if err != nil {
		b.complete(string(f.CorrelationID), Result{Err: err})
		return nil, err
	}

	return entry.ch, nil
}

// Call is the common synchronous convenience over Issue: send f and block
// for its matching response or timeout.
func (b *Bridge) Call(f *frame.Frame, timeout time.Duration) (*frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	ch, err := b.Issue(f, deadline)
	if err != nil {
		return nil, err
	}
	r := <-ch
	return r.Frame, r.Err
}

// Cancel removes the pending entry and completes it locally with
// ErrCancelled (spec §4.6 "cancel"). It does not itself send a
// cancellation frame — callers that want the best-effort upstream notice
// should send one before calling Cancel.
func (b *Bridge) Cancel(correlationID string) bool {
	return b.complete(correlationID, Result{Err: ErrCancelled})
}

func (b *Bridge) complete(correlationID string, r Result) bool {
	b.mu.Lock()
	entry, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- r
	return true
}

// recvLoop reads Framing A frames off conn and routes them to their
// pending entry by correlation_id (spec §4.6 "on_response"/"on_error").
func (b *Bridge) recvLoop() {
	defer b.wg.Done()
	for {
		f, err := frame.DecodeA(b.conn, b.maxFrameBytes)
		if err != nil {
			b.failAll(err)
			return
		}
		if f.Metadata["error"] == "true" {
			b.complete(string(f.CorrelationID), Result{Err: fmt.Errorf("bridge: %s", string(f.Payload))})
			continue
		}
		b.complete(string(f.CorrelationID), Result{Frame: f})
	}
}

// sweepLoop completes and removes entries past their deadline with
// ErrTimeout every second (spec §4.6 "sweeper").
func (b *Bridge) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			var expired []string
			for id, e := range b.pending {
				if !e.deadline.IsZero() && e.deadline.Before(now) {
					expired = append(expired, id)
				}
			}
			b.mu.Unlock()
			for _, id := range expired {
				b.complete(id, Result{Err: ErrTimeout})
			}
		}
	}
}

func (b *Bridge) failAll(cause error) {
	b.mu.Lock()
	entries := b.pending
	b.pending = make(map[string]*pendingEntry)
	b.mu.Unlock()

	for _, e := range entries {
		e.ch <- Result{Err: cause}
	}
}

// Pending returns the current number of outstanding requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops the sweep loop and fails every pending request with
// ErrClosed. It does not close the underlying conn, so the recv loop runs
// until that conn fails or is closed by its owner. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.failAll(ErrClosed)
}
