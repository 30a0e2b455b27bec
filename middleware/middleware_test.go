package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"ipcfabric/frame"
)

func echoHandler(ctx context.Context, req *frame.Frame) *frame.Frame {
	return &frame.Frame{
		Kind:          frame.KindResponse,
		CorrelationID: req.CorrelationID,
		Payload:       []byte("ok"),
	}
}

func slowHandler(ctx context.Context, req *frame.Frame) *frame.Frame {
	time.Sleep(200 * time.Millisecond)
	return &frame.Frame{
		Kind:          frame.KindResponse,
		CorrelationID: req.CorrelationID,
		Payload:       []byte("ok"),
	}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)

	req := &frame.Frame{Service: "Arith", Method: "Add"}
	resp := handler(context.Background(), req)

	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(resp.Payload))
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	req := &frame.Frame{Service: "Arith", Method: "Add"}
	resp := handler(context.Background(), req)

	if isError(resp) {
		t.Fatalf("expect no error, got '%s'", errorMessage(resp))
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	req := &frame.Frame{Service: "Arith", Method: "Add"}
	resp := handler(context.Background(), req)

	if !isError(resp) || errorMessage(resp) != "request timed out" {
		t.Fatalf("expect timeout error, got '%+v'", resp)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 calls pass, the 3rd is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &frame.Frame{Service: "Arith", Method: "Add"}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if isError(resp) {
			t.Fatalf("request %d should pass, got error: %s", i, errorMessage(resp))
		}
	}

	resp := handler(context.Background(), req)
	if !isError(resp) || errorMessage(resp) != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: '%+v'", resp)
	}
}

func TestRetryOnTimeoutError(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, req *frame.Frame) *frame.Frame {
		attempts++
		if attempts < 3 {
			return errorFrame(req, "timeout waiting for worker")
		}
		return echoHandler(ctx, req)
	}

	handler := RetryMiddleware(5, time.Millisecond, nil)(flaky)
	resp := handler(context.Background(), &frame.Frame{Service: "Arith", Method: "Add"})
	if isError(resp) {
		t.Fatalf("expect eventual success, got '%s'", errorMessage(resp))
	}
	if attempts != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts)
	}
}

func TestRetryDoesNotRetryNonRetryableError(t *testing.T) {
	attempts := 0
	alwaysBadInput := func(ctx context.Context, req *frame.Frame) *frame.Frame {
		attempts++
		return errorFrame(req, "method not found")
	}

	handler := RetryMiddleware(5, time.Millisecond, nil)(alwaysBadInput)
	resp := handler(context.Background(), &frame.Frame{Service: "Arith", Method: "Add"})
	if !isError(resp) {
		t.Fatal("expect error response")
	}
	if attempts != 1 {
		t.Fatalf("expect exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestChain(t *testing.T) {
	chained := Chain(LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond))
	handler := chained(echoHandler)

	req := &frame.Frame{Service: "Arith", Method: "Add"}
	resp := handler(context.Background(), req)

	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if isError(resp) {
		t.Fatalf("expect no error, got '%s'", errorMessage(resp))
	}
}
