package bridge

import (
	"net"
	"testing"
	"time"

	"ipcfabric/frame"
)

func TestIssueAndOnResponseRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	b := New(clientConn, frame.DefaultMaxFrameBytes)
	defer b.Close()

	go func() {
		req, err := frame.DecodeA(serverConn, frame.DefaultMaxFrameBytes)
		if err != nil {
			return
		}
		_ = frame.EncodeA(serverConn, &frame.Frame{
			Kind:          frame.KindResponse,
			CorrelationID: req.CorrelationID,
			Payload:       []byte("pong"),
		}, frame.DefaultMaxFrameBytes)
	}()

	resp, err := b.Call(&frame.Frame{Kind: frame.KindRequest, Service: "math", Method: "ping"}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Payload) != "pong" {
		t.Fatalf("expected pong, got %q", resp.Payload)
	}
}

func TestOnErrorFrameCompletesWithError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	b := New(clientConn, frame.DefaultMaxFrameBytes)
	defer b.Close()

	go func() {
		req, err := frame.DecodeA(serverConn, frame.DefaultMaxFrameBytes)
		if err != nil {
			return
		}
		_ = frame.EncodeA(serverConn, &frame.Frame{
			Kind:          frame.KindResponse,
			CorrelationID: req.CorrelationID,
			Metadata:      map[string]string{"error": "true"},
			Payload:       []byte("boom"),
		}, frame.DefaultMaxFrameBytes)
	}()

	_, err := b.Call(&frame.Frame{Kind: frame.KindRequest, Service: "math", Method: "ping"}, time.Second)
	if err == nil {
		t.Fatal("expected error completion")
	}
}

func TestSweeperTimesOutExpiredEntries(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	go discardForever(serverConn)

	b := New(clientConn, frame.DefaultMaxFrameBytes)
	defer b.Close()

	ch, err := b.Issue(&frame.Frame{Kind: frame.KindRequest, Service: "math", Method: "slow"}, time.Now().Add(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-ch:
		if r.Err != ErrTimeout {
			t.Fatalf("expected ErrTimeout, got %v", r.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("sweeper never fired")
	}
}

func TestCancelCompletesLocally(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	go discardForever(serverConn)

	b := New(clientConn, frame.DefaultMaxFrameBytes)
	defer b.Close()

	f := &frame.Frame{Kind: frame.KindRequest, CorrelationID: []byte("corr-cancel"), Service: "math", Method: "slow"}
	ch, err := b.Issue(f, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if !b.Cancel("corr-cancel") {
		t.Fatal("expected Cancel to find the pending entry")
	}

	select {
	case r := <-ch:
		if r.Err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel never completed the pending request")
	}
}

func TestIssueFailsOverloadedAtCap(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	go discardForever(serverConn)

	b := New(clientConn, frame.DefaultMaxFrameBytes)
	b.maxPending = 2
	defer b.Close()

	for i := 0; i < 2; i++ {
		if _, err := b.Issue(&frame.Frame{Kind: frame.KindRequest, Service: "math", Method: "slow"}, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
	}
	if _, err := b.Issue(&frame.Frame{Kind: frame.KindRequest, Service: "math", Method: "slow"}, time.Now().Add(time.Minute)); err != ErrOverloaded {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
}

// discardForever reads and drops frames so the writer side never blocks
// on net.Pipe's unbuffered semantics.
func discardForever(conn net.Conn) {
	for {
		if _, err := frame.DecodeA(conn, frame.DefaultMaxFrameBytes); err != nil {
			return
		}
	}
}
