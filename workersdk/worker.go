// worker.go implements the worker side of the connection the hub accepts:
// dial the hub, REGISTER the advertised service and its method list, then
// read REQUEST frames in a loop and dispatch each to a registered Go method
// through the middleware chain, generalizing the teacher's
// server.Server.handleConn/handleRequest (one reader goroutine, one
// goroutine per in-flight request, a per-connection write mutex) from the
// server accepting connections to a worker initiating one.
package workersdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"ipcfabric/frame"
	"ipcfabric/middleware"
)

// registerPayload mirrors hub.registerPayload (spec §6 REGISTER payload).
type registerPayload struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// Worker dials a hub, registers one service, and serves REQUEST frames for
// it until Close or the hub sends a shutdown notice.
type Worker struct {
	conn net.Conn
	log  *zap.Logger

	svc         *service
	serviceName string

	handler middleware.HandlerFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup

	heartbeatPeriod time.Duration
	stop            chan struct{}
	closeOnce       sync.Once
}

// Option configures a Worker at construction.
type Option func(*Worker)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithMiddleware wraps the business dispatch in mws, outermost first,
// matching middleware.Chain's composition order.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(w *Worker) {
		if len(mws) > 0 {
			w.handler = middleware.Chain(mws...)(w.handler)
		}
	}
}

// WithHeartbeatPeriod overrides the default 10s heartbeat interval.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(w *Worker) { w.heartbeatPeriod = d }
}

// Dial connects to addr, registers rcvr's RPC-compatible methods under
// serviceName, and returns a Worker ready to Serve.
func Dial(addr, serviceName string, rcvr any, opts ...Option) (*Worker, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newWorker(conn, serviceName, rcvr, opts...)
}

func newWorker(conn net.Conn, serviceName string, rcvr any, opts ...Option) (*Worker, error) {
	svc, err := newService(rcvr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	w := &Worker{
		conn:            conn,
		log:             zap.NewNop(),
		svc:             svc,
		serviceName:     serviceName,
		heartbeatPeriod: 10 * time.Second,
		stop:            make(chan struct{}),
	}
	w.handler = w.businessHandler
	for _, opt := range opts {
		opt(w)
	}

	if err := w.register(); err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) register() error {
	methodsJSON, _ := json.Marshal(w.svc.methodNames())
	payload, err := json.Marshal(registerPayload{
		Name:     w.serviceName,
		Metadata: map[string]string{"methods": string(methodsJSON)},
	})
	if err != nil {
		return err
	}

	if err := w.writeFrame(&frame.Frame{Kind: frame.KindRegister, Payload: payload}); err != nil {
		return err
	}

	w.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack, err := frame.DecodeA(w.conn, frame.DefaultMaxFrameBytes)
	w.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("workersdk: register ack: %w", err)
	}
	if ack.Metadata["error"] == "true" {
		return fmt.Errorf("workersdk: register rejected: %s", string(ack.Payload))
	}
	return nil
}

// Serve reads frames until the connection closes or the hub signals
// shutdown, dispatching each REQUEST in its own goroutine so a slow method
// never blocks the rest of the connection (spec §9 note on cooperative
// concurrency; matches the teacher's "dispatch to a new goroutine" comment).
func (w *Worker) Serve() error {
	defer w.wg.Wait()

	go w.heartbeatLoop()

	for {
		f, err := frame.DecodeA(w.conn, frame.DefaultMaxFrameBytes)
		if err != nil {
			return err
		}

		switch f.Kind {
		case frame.KindRequest:
			w.wg.Add(1)
			go w.handleRequest(f)
		case frame.KindError:
			if f.Metadata["shutdown"] == "true" {
				w.log.Info("hub requested shutdown", zap.String("service", w.serviceName))
				return nil
			}
		case frame.KindHeartbeat:
			// the hub echoes only heartbeats that carry a correlation id,
			// which this worker's do not; nothing to do.
		}
	}
}

func (w *Worker) handleRequest(req *frame.Frame) {
	defer w.wg.Done()
	resp := w.handler(context.Background(), req)
	resp.CorrelationID = req.CorrelationID
	if resp.Kind == 0 {
		resp.Kind = frame.KindResponse
	}
	if err := w.writeFrame(resp); err != nil {
		w.log.Warn("write response failed", zap.Error(err))
	}
}

// businessHandler looks up req.Method on the registered service, unmarshals
// the JSON payload into the method's argument type, invokes it via
// reflection, and marshals the reply — the same flow as the teacher's
// Server.businessHandler, minus the "Service.Method" string-splitting (the
// hub already routes by req.Service, so req.Method alone selects the
// method here).
func (w *Worker) businessHandler(ctx context.Context, req *frame.Frame) *frame.Frame {
	mt, ok := w.svc.method[req.Method]
	if !ok {
		return &frame.Frame{
			Kind:     frame.KindResponse,
			Metadata: map[string]string{"error": "true"},
			Payload:  []byte(fmt.Sprintf(`{"error":"method not found: %s"}`, req.Method)),
		}
	}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return &frame.Frame{
				Kind:     frame.KindResponse,
				Metadata: map[string]string{"error": "true"},
				Payload:  []byte(fmt.Sprintf(`{"error":%q}`, err.Error())),
			}
		}
	}

	callErr := w.svc.call(mt, argv, replyv)
	body, err := json.Marshal(replyv.Interface())
	if err != nil {
		body = []byte(`{}`)
	}

	resp := &frame.Frame{Kind: frame.KindResponse, Payload: body}
	if callErr != nil {
		resp.Metadata = map[string]string{"error": "true"}
		resp.Payload = []byte(fmt.Sprintf(`{"error":%q}`, callErr.Error()))
	}
	return resp
}

func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.writeFrame(&frame.Frame{Kind: frame.KindHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (w *Worker) writeFrame(f *frame.Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return frame.EncodeA(w.conn, f, frame.DefaultMaxFrameBytes)
}

// Close stops the heartbeat loop and closes the underlying connection,
// causing Serve to return. Idempotent.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() { close(w.stop) })
	return w.conn.Close()
}
