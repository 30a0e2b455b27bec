// Package config holds the explicit configuration structs passed into
// constructors across ipcfabric (spec §9 design note 2: "replace [singleton
// config loaders] with an explicit HubConfig / PoolConfig value passed into
// constructors; no process-wide state").
//
// Defaults are loaded through koanf, layering a confmap.Provider of
// defaults under an env.Provider so environment variables named in spec §6
// (NEO_IPC_HOST, NEO_IPC_PORT, DISCOVERY_PORT, ETCD_PREFIX) override the
// documented defaults without any file parsing.
package config

import (
	"strconv"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// HubConfig configures the dispatcher (spec §4.2).
type HubConfig struct {
	Host             string
	Port             int
	DiscoveryPort    int
	ETCDPrefix       string
	SessionTimeout   time.Duration
	RequestTimeout   time.Duration
	HeartbeatPeriod  time.Duration
	DrainTimeout     time.Duration
	MaxFrameBytes    int
	ServiceTTL       time.Duration
}

// DefaultHubConfig returns the defaults named throughout spec §3, §4.2, §6.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Host:            "localhost",
		Port:            9999,
		DiscoveryPort:   9090,
		ETCDPrefix:      "/services",
		SessionTimeout:  90 * time.Second,
		RequestTimeout:  30 * time.Second,
		HeartbeatPeriod: 15 * time.Second,
		DrainTimeout:    10 * time.Second,
		MaxFrameBytes:   10 * 1024 * 1024,
		ServiceTTL:      30 * time.Second,
	}
}

// LoadHubConfig layers environment overrides (NEO_IPC_HOST, NEO_IPC_PORT,
// DISCOVERY_PORT, ETCD_PREFIX) on top of DefaultHubConfig() using koanf.
func LoadHubConfig() (HubConfig, error) {
	cfg := DefaultHubConfig()

	k := koanf.New(".")
	defaults := map[string]interface{}{
		"host":           cfg.Host,
		"port":           cfg.Port,
		"discovery_port": cfg.DiscoveryPort,
		"etcd_prefix":    cfg.ETCDPrefix,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return cfg, err
	}

	envMap := map[string]string{
		"NEO_IPC_HOST":  "host",
		"NEO_IPC_PORT":  "port",
		"DISCOVERY_PORT": "discovery_port",
		"ETCD_PREFIX":   "etcd_prefix",
	}
	provider := env.ProviderWithValue("", ".", func(rawKey, value string) (string, interface{}) {
		key, ok := envMap[rawKey]
		if !ok {
			return "", nil
		}
		return key, value
	})
	if err := k.Load(provider, nil); err != nil {
		return cfg, err
	}

	cfg.Host = k.String("host")
	cfg.ETCDPrefix = k.String("etcd_prefix")
	if p := k.String("port"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			cfg.Port = n
		}
	}
	if p := k.String("discovery_port"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			cfg.DiscoveryPort = n
		}
	}
	return cfg, nil
}

// PoolConfig configures a connection pool (spec §4.4).
type PoolConfig struct {
	MinSize                int
	MaxSize                int
	ConnectionTimeout      time.Duration
	IdleTimeout            time.Duration
	MaxLifetime            time.Duration
	HealthCheckInterval    time.Duration
	Balancer               string
	ScaleUpThreshold       float64
	ScaleStep              int
	ScaleDownIdleThreshold int
	AutoScaleInterval      time.Duration
}

// DefaultPoolConfig returns the defaults spec §4.4 names.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:                5,
		MaxSize:                20,
		ConnectionTimeout:      5 * time.Second,
		IdleTimeout:            60 * time.Second,
		MaxLifetime:            3600 * time.Second,
		HealthCheckInterval:    30 * time.Second,
		Balancer:               "weighted_response_time",
		ScaleUpThreshold:       0.7,
		ScaleStep:              2,
		ScaleDownIdleThreshold: 2,
		AutoScaleInterval:      5 * time.Second,
	}
}
