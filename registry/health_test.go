package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHealthCheckerPublishesHealthy(t *testing.T) {
	h := NewHealthChecker()
	defer h.Close()

	updates, unsubscribe := h.Subscribe(4)
	defer unsubscribe()

	h.AddCheck("ping", func(ctx context.Context) error { return nil }, CheckConfig{
		Interval: 20 * time.Millisecond,
		Timeout:  time.Second,
		Retries:  1,
	})

	select {
	case u := <-updates:
		if u.Result != CheckHealthy {
			t.Fatalf("expected HEALTHY, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health update")
	}
}

func TestHealthCheckerRetriesThenUnhealthy(t *testing.T) {
	h := NewHealthChecker()
	defer h.Close()

	updates, unsubscribe := h.Subscribe(4)
	defer unsubscribe()

	calls := 0
	h.AddCheck("flaky", func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	}, CheckConfig{Interval: time.Hour, Timeout: 50 * time.Millisecond, Retries: 2})

	select {
	case u := <-updates:
		if u.Result != CheckUnhealthy {
			t.Fatalf("expected UNHEALTHY, got %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for unhealthy update")
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", calls)
	}
}

func TestHealthCheckerRemoveCheckForgetsResult(t *testing.T) {
	h := NewHealthChecker()
	defer h.Close()

	h.AddCheck("ping", func(ctx context.Context) error { return nil }, CheckConfig{
		Interval: 20 * time.Millisecond, Timeout: time.Second, Retries: 1,
	})
	h.RemoveCheck("ping")

	if _, ok := h.Result("ping"); ok {
		t.Fatal("expected result forgotten after RemoveCheck")
	}
}
