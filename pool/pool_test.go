package pool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"ipcfabric/config"
	"ipcfabric/frame"
)

// startEchoServer accepts connections and, for every frame received, replies
// with a RESPONSE/HEARTBEAT frame carrying the same correlation_id — enough
// for the pool's Acquire/Call/heartbeat-probe paths to exercise real I/O.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					f, err := frame.DecodeA(c, frame.DefaultMaxFrameBytes)
					if err != nil {
						return
					}
					kind := frame.KindResponse
					if f.Kind == frame.KindHeartbeat {
						kind = frame.KindHeartbeat
					}
					if err := frame.EncodeA(c, &frame.Frame{
						Kind:          kind,
						CorrelationID: f.CorrelationID,
						Payload:       []byte("ok"),
					}, frame.DefaultMaxFrameBytes); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func testPoolConfig() config.PoolConfig {
	cfg := config.DefaultPoolConfig()
	cfg.MinSize = 2
	cfg.MaxSize = 4
	cfg.ConnectionTimeout = time.Second
	cfg.AutoScaleInterval = 50 * time.Millisecond
	cfg.HealthCheckInterval = 50 * time.Millisecond
	cfg.IdleTimeout = time.Hour
	cfg.MaxLifetime = time.Hour
	cfg.Balancer = "round_robin"
	return cfg
}

func TestNewPrewarmsToMinSize(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	p, err := New(addr, testPoolConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	stats := p.Stats()
	if stats.Total != 2 || stats.Idle != 2 {
		t.Fatalf("expected 2 prewarmed idle connections, got %+v", stats)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	p, err := New(addr, testPoolConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	conn, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conn.State() != StateBusy {
		t.Fatalf("expected BUSY after acquire, got %v", conn.State())
	}

	p.Release(conn, OutcomeOK)
	if conn.State() != StateIdle {
		t.Fatalf("expected IDLE after release, got %v", conn.State())
	}
}

func TestCallRoundTripsThroughEchoServer(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	p, err := New(addr, testPoolConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	resp, err := p.Call(&frame.Frame{Kind: frame.KindRequest, Service: "math", Method: "add"}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Payload) != "ok" {
		t.Fatalf("expected ok payload, got %q", resp.Payload)
	}
}

func TestAcquireGrowsUpToMaxSizeThenFails(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	cfg := testPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	p, err := New(addr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	acquired := make([]*Connection, 0)
	for i := 0; i < cfg.MaxSize; i++ {
		c, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		acquired = append(acquired, c)
	}

	if _, err := p.Acquire(); err != ErrNoAvailableConnection {
		t.Fatalf("expected ErrNoAvailableConnection at max_size, got %v", err)
	}

	for _, c := range acquired {
		p.Release(c, OutcomeOK)
	}
}

func TestReleaseWithErrorOutcomeRemovesConnection(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	cfg := testPoolConfig()
	cfg.MinSize = 1
	p, err := New(addr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	before := p.Stats().Total
	conn, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	p.Release(conn, OutcomeError)

	time.Sleep(20 * time.Millisecond)
	after := p.Stats().Total
	if after != before-1 {
		t.Fatalf("expected pool to shrink by one after error release, before=%d after=%d", before, after)
	}
}

func TestCloseIsIdempotentAndStopsLoops(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	p, err := New(addr, testPoolConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}

	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected Acquire to fail after Close")
	}
}

func TestCallWithAffinityKeyReusesSameConnection(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	cfg := testPoolConfig()
	cfg.MinSize = 4
	cfg.MaxSize = 4
	cfg.Balancer = "consistent_hash"
	p, err := New(addr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var connIDs []string
	for i := 0; i < 5; i++ {
		conn, err := p.acquire("tenant-7")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		connIDs = append(connIDs, conn.ID())
		p.Release(conn, OutcomeOK)
	}

	for i := 1; i < len(connIDs); i++ {
		if connIDs[i] != connIDs[0] {
			t.Fatalf("expected every acquire for the same affinity key to reuse connection %s, got %s at index %d", connIDs[0], connIDs[i], i)
		}
	}
}

func TestDialTimeoutSurfacesAsNoAvailableConnection(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 0
	cfg.ConnectionTimeout = 50 * time.Millisecond

	p, err := New("127.0.0.1:1", cfg, func(ctx context.Context, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.Acquire(); !errors.Is(err, ErrNoAvailableConnection) {
		t.Fatalf("expected ErrNoAvailableConnection when dialing always times out, got %v", err)
	}
}
