// Package config provides the YAML configuration schema, loader, watcher and
// store driver registry of the mcprouter daemon.
//
// Every component keeps its own option struct ([registry.Options],
// [routing.Config], [resilience.BreakerConfig], [resilience.Options],
// [preference.Options]); this package only nests them under one document so a
// single file configures the whole control plane. Zero values fall back to
// each component's defaults.
package config

import (
	"time"

	"github.com/MrWong99/mcprouter/internal/discovery"
	"github.com/MrWong99/mcprouter/internal/preference"
	"github.com/MrWong99/mcprouter/internal/registry"
	"github.com/MrWong99/mcprouter/internal/resilience"
	"github.com/MrWong99/mcprouter/internal/routing"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the persistence backend of the registry.
type StoreDriver string

const (
	StoreNone     StoreDriver = ""
	StoreMemory   StoreDriver = "memory"
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
)

// Config is the root of the daemon configuration file. Load it with [Load]
// or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Store     StoreConfig     `yaml:"store"`

	Registry       registry.Options                  `yaml:"registry"`
	Router         routing.Config                    `yaml:"router"`
	Strategies     map[string]routing.StrategyConfig `yaml:"strategies"`
	CircuitBreaker resilience.BreakerConfig          `yaml:"circuit_breaker"`
	Resilience     resilience.Options                `yaml:"resilience"`
	Preference     preference.Options                `yaml:"preference"`

	// Servers are connected by the discovery host at start-up.
	Servers []discovery.ServerSpec `yaml:"servers"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz, /statusz and /metrics. Empty
	// disables the HTTP listener.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig configures the OpenTelemetry providers.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// SampleInterval is the period of stdio process sampling. Default 15s.
	SampleInterval time.Duration `yaml:"sample_interval"`

	// InstanceID is reported as service.instance.id. Empty picks a random id.
	InstanceID string `yaml:"instance_id"`

	// TraceSampleRatio in (0,1) samples that share of traces; 0 samples all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// StoreConfig selects and configures the registry persistence backend.
// Persistence is active only when Driver is set and
// registry.enable_persistence is true.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// DSN is the PostgreSQL connection string for the postgres driver.
	DSN string `yaml:"dsn"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`
}
