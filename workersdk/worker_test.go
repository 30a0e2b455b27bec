package workersdk

import (
	"context"
	"net"
	"testing"
	"time"

	"ipcfabric/config"
	"ipcfabric/frame"
	"ipcfabric/hub"
	"ipcfabric/middleware"
	"ipcfabric/registry"
)

func dialRaw(h *hub.Hub) (net.Conn, error) {
	return net.Dial("tcp", h.Addr().String())
}

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func startTestHub(t *testing.T) (*hub.Hub, func()) {
	t.Helper()
	cfg := config.DefaultHubConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.RequestTimeout = 2 * time.Second

	h := hub.New(cfg, registry.New(), nil)
	go h.ListenAndServe(context.Background())

	deadline := time.Now().Add(time.Second)
	for h.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("hub never started listening")
		}
		time.Sleep(time.Millisecond)
	}
	return h, func() { _ = h.Shutdown() }
}

func TestWorkerRegistersAndServesRequest(t *testing.T) {
	h, stop := startTestHub(t)
	defer stop()

	w, err := Dial(h.Addr().String(), "math", &Arith{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer w.Close()
	go w.Serve()

	caller, err := dialRaw(h)
	if err != nil {
		t.Fatalf("dial caller: %v", err)
	}
	defer caller.Close()

	payload := []byte(`{"A":10,"B":5}`)
	if err := frame.EncodeA(caller, &frame.Frame{
		Kind:          frame.KindRequest,
		CorrelationID: []byte("c1"),
		Service:       "math",
		Method:        "Add",
		Payload:       payload,
	}, frame.DefaultMaxFrameBytes); err != nil {
		t.Fatalf("encode request: %v", err)
	}

	caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := frame.DecodeA(caller, frame.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Metadata["error"] == "true" {
		t.Fatalf("unexpected error response: %s", string(resp.Payload))
	}
	if string(resp.Payload) != `{"Result":15}` {
		t.Fatalf("expected {\"Result\":15}, got %s", string(resp.Payload))
	}
}

func TestWorkerReturnsMethodNotFound(t *testing.T) {
	h, stop := startTestHub(t)
	defer stop()

	w, err := Dial(h.Addr().String(), "math", &Arith{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer w.Close()
	go w.Serve()

	caller, err := dialRaw(h)
	if err != nil {
		t.Fatalf("dial caller: %v", err)
	}
	defer caller.Close()

	if err := frame.EncodeA(caller, &frame.Frame{
		Kind:          frame.KindRequest,
		CorrelationID: []byte("c2"),
		Service:       "math",
		Method:        "Subtract",
	}, frame.DefaultMaxFrameBytes); err != nil {
		t.Fatalf("encode request: %v", err)
	}

	caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := frame.DecodeA(caller, frame.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Metadata["error"] != "true" {
		t.Fatalf("expected method-not-found error, got %+v", resp)
	}
}

func TestWorkerWithMiddleware(t *testing.T) {
	h, stop := startTestHub(t)
	defer stop()

	rejectAll := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *frame.Frame) *frame.Frame {
			return &frame.Frame{
				Kind:     frame.KindResponse,
				Metadata: map[string]string{"error": "true"},
				Payload:  []byte(`{"error":"rejected by middleware"}`),
			}
		}
	}

	w, err := Dial(h.Addr().String(), "math", &Arith{}, WithMiddleware(rejectAll))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer w.Close()
	go w.Serve()

	caller, err := dialRaw(h)
	if err != nil {
		t.Fatalf("dial caller: %v", err)
	}
	defer caller.Close()

	if err := frame.EncodeA(caller, &frame.Frame{
		Kind:          frame.KindRequest,
		CorrelationID: []byte("c3"),
		Service:       "math",
		Method:        "Add",
		Payload:       []byte(`{"A":1,"B":1}`),
	}, frame.DefaultMaxFrameBytes); err != nil {
		t.Fatalf("encode request: %v", err)
	}

	caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := frame.DecodeA(caller, frame.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Metadata["error"] != "true" {
		t.Fatalf("expected middleware to short-circuit with an error, got %+v", resp)
	}
}
