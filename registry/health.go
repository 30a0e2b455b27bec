// health.go implements the health checker (spec §4.3, §3 "Health Check"),
// grounded in original_source/python-ipc/discovery/health.py's
// add_check/_run_check loop: initial delay, then interval-scheduled probes
// with bounded retries and synchronous, non-blocking publish to subscribers.
package registry

import (
	"context"
	"sync"
	"time"
)

// CheckResult mirrors spec §3's {UNKNOWN, HEALTHY, UNHEALTHY}.
type CheckResult string

const (
	CheckUnknown   CheckResult = "UNKNOWN"
	CheckHealthy   CheckResult = "HEALTHY"
	CheckUnhealthy CheckResult = "UNHEALTHY"
)

// ProbeFunc is a user-supplied health probe; it returns an error on failure.
type ProbeFunc func(ctx context.Context) error

// CheckConfig configures one named health check (spec §3 "Health Check").
type CheckConfig struct {
	Interval     time.Duration
	Timeout      time.Duration
	Retries      int
	InitialDelay time.Duration
}

// DefaultCheckConfig mirrors health.py's HealthCheck dataclass defaults.
func DefaultCheckConfig() CheckConfig {
	return CheckConfig{Interval: 10 * time.Second, Timeout: 5 * time.Second, Retries: 3}
}

// CheckUpdate is delivered to HealthChecker subscribers on every publish.
type CheckUpdate struct {
	Name      string
	Result    CheckResult
	Err       error
	CheckedAt time.Time
}

// HealthChecker runs named probes on independent schedules and publishes
// results synchronously. A subscriber that blocks is dropped rather than
// stalling the checker (spec §4.3: "subscribers must not block the
// checker; the checker may drop the subscriber on blocking").
type HealthChecker struct {
	mu          sync.Mutex
	subscribers map[chan CheckUpdate]struct{}
	results     map[string]CheckUpdate
	cancels     map[string]context.CancelFunc
}

// NewHealthChecker returns an idle HealthChecker; call AddCheck to start
// probing.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		subscribers: make(map[chan CheckUpdate]struct{}),
		results:     make(map[string]CheckUpdate),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Subscribe registers a channel to receive every CheckUpdate. The returned
// func unsubscribes.
func (h *HealthChecker) Subscribe(buffer int) (<-chan CheckUpdate, func()) {
	ch := make(chan CheckUpdate, buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
}

// AddCheck starts a probing loop for name, replacing any prior check with
// the same name.
func (h *HealthChecker) AddCheck(name string, probe ProbeFunc, cfg CheckConfig) {
	h.RemoveCheck(name)

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancels[name] = cancel
	h.results[name] = CheckUpdate{Name: name, Result: CheckUnknown, CheckedAt: time.Now()}
	h.mu.Unlock()

	go h.runLoop(ctx, name, probe, cfg)
}

// RemoveCheck stops and forgets the named check.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	if cancel, ok := h.cancels[name]; ok {
		cancel()
		delete(h.cancels, name)
	}
	delete(h.results, name)
	h.mu.Unlock()
}

// Result returns the most recent result for name.
func (h *HealthChecker) Result(name string) (CheckUpdate, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.results[name]
	return u, ok
}

// Close stops every running check.
func (h *HealthChecker) Close() {
	h.mu.Lock()
	for _, cancel := range h.cancels {
		cancel()
	}
	h.cancels = make(map[string]context.CancelFunc)
	h.results = make(map[string]CheckUpdate)
	h.mu.Unlock()
}

func (h *HealthChecker) runLoop(ctx context.Context, name string, probe ProbeFunc, cfg CheckConfig) {
	if cfg.Interval <= 0 {
		cfg = DefaultCheckConfig()
	}
	if cfg.InitialDelay > 0 {
		select {
		case <-time.After(cfg.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publish(h.runOnce(ctx, name, probe, cfg))
		}
	}
}

func (h *HealthChecker) runOnce(ctx context.Context, name string, probe ProbeFunc, cfg CheckConfig) CheckUpdate {
	var lastErr error
	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := probe(probeCtx)
		cancel()

		if err == nil {
			return CheckUpdate{Name: name, Result: CheckHealthy, CheckedAt: time.Now()}
		}
		lastErr = err

		if attempt < retries-1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return CheckUpdate{Name: name, Result: CheckUnhealthy, Err: ctx.Err(), CheckedAt: time.Now()}
			}
		}
	}

	return CheckUpdate{Name: name, Result: CheckUnhealthy, Err: lastErr, CheckedAt: time.Now()}
}

func (h *HealthChecker) publish(update CheckUpdate) {
	h.mu.Lock()
	h.results[update.Name] = update
	subs := make([]chan CheckUpdate, 0, len(h.subscribers))
	for ch := range h.subscribers {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
		}
	}
}
