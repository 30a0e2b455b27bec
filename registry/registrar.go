// registrar.go implements the caller-side registration agent (spec §4.3
// "The registrar is the caller-side glue"), grounded in
// original_source/python-ipc/discovery/registrar.py's ServiceRegistrar:
// register, attach health checks, renew on a service_ttl/3 cadence, and
// re-register (idempotent on instance_id) if a renewal fails.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ServiceDescription is what a caller hands the registrar to register one
// logical worker instance.
type ServiceDescription struct {
	Name     string
	Address  string
	Port     int
	Metadata map[string]string
	TTL      time.Duration
}

// Registrar keeps a registry entry renewed and wires health-check results
// into the registry's status field.
type Registrar struct {
	reg    Registry
	health *HealthChecker
	log    *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistrar creates a Registrar over reg, creating its own HealthChecker
// if one isn't supplied. log may be nil, in which case renewal failures are
// dropped silently rather than logged.
func NewRegistrar(reg Registry, health *HealthChecker, log *zap.Logger) *Registrar {
	if health == nil {
		health = NewHealthChecker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registrar{reg: reg, health: health, log: log, cancels: make(map[string]context.CancelFunc)}
}

// Register registers desc, returning the assigned instance ID. It starts a
// background renewal loop that re-registers every TTL/3 (spec §4.3) and, if
// checks is non-empty, a goroutine that mirrors health-check outcomes into
// the registry's Status field.
func (r *Registrar) Register(desc ServiceDescription, checks map[string]ProbeFunc) (string, error) {
	instanceID := uuid.NewString()
	if desc.TTL <= 0 {
		desc.TTL = 30 * time.Second
	}

	entry := Entry{
		ServiceName: desc.Name,
		InstanceID:  instanceID,
		Address:     desc.Address,
		Port:        desc.Port,
		Metadata:    desc.Metadata,
		Status:      StatusHealthy,
	}
	if err := r.reg.Register(entry, desc.TTL); err != nil {
		return "", err
	}

	for name, probe := range checks {
		r.health.AddCheck(desc.Name+"/"+instanceID+"/"+name, probe, DefaultCheckConfig())
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[instanceID] = cancel
	r.mu.Unlock()
	go r.renewLoop(ctx, entry, desc.TTL)
	if len(checks) > 0 {
		go r.statusLoop(ctx, desc.Name, instanceID)
	}

	return instanceID, nil
}

// Deregister stops renewal/health monitoring and removes the entry.
func (r *Registrar) Deregister(serviceName, instanceID string) error {
	r.mu.Lock()
	if cancel, ok := r.cancels[instanceID]; ok {
		cancel()
		delete(r.cancels, instanceID)
	}
	r.mu.Unlock()
	return r.reg.Deregister(serviceName, instanceID)
}

func (r *Registrar) renewLoop(ctx context.Context, entry Entry, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			op := func() (struct{}, error) {
				return struct{}{}, r.reg.Register(entry, ttl)
			}
			if _, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3)); err != nil {
				r.log.Warn("registrar: renewal failed",
					zap.String("service", entry.ServiceName),
					zap.String("instance_id", entry.InstanceID),
					zap.Error(err))
			}
		}
	}
}

func (r *Registrar) statusLoop(ctx context.Context, serviceName, instanceID string) {
	updates, unsubscribe := r.health.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			status := StatusUnknown
			switch u.Result {
			case CheckHealthy:
				status = StatusHealthy
			case CheckUnhealthy:
				status = StatusUnhealthy
			}
			if status != StatusUnknown {
				_ = r.reg.SetStatus(serviceName, instanceID, status)
			}
		}
	}
}
