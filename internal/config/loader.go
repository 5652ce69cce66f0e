package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/mcprouter/internal/routing"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// strategyNames lists the names the router registers at construction.
func strategyNames() []string {
	var names []string
	for _, s := range routing.BuiltinStrategies() {
		names = append(names, s.Name())
	}
	return names
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure. Unknown per-tool or per-agent strategy
// names only warn because the router falls back to its default for them.
func Validate(cfg *Config) error {
	var errs []error
	known := strategyNames()

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}
	if cfg.Telemetry.SampleInterval < 0 {
		errs = append(errs, fmt.Errorf("telemetry.sample_interval must not be negative"))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0,1]", r))
	}

	switch cfg.Store.Driver {
	case StoreNone, StoreMemory:
	case StorePostgres:
		if cfg.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required when driver is postgres"))
		}
	case StoreSQLite:
		if cfg.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required when driver is sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, postgres, sqlite", cfg.Store.Driver))
	}
	if cfg.Registry.EnablePersistence && cfg.Store.Driver == StoreNone {
		slog.Warn("registry.enable_persistence is set but no store.driver is configured; persistence stays off")
	}

	if err := cfg.Registry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	if err := cfg.Router.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if s := cfg.Router.DefaultStrategy; s != "" && !slices.Contains(known, s) {
		errs = append(errs, fmt.Errorf("router.default_strategy %q is unknown; valid values: %v", s, known))
	}
	warnUnknownStrategies("router.tool_strategies", cfg.Router.ToolStrategies, known)
	warnUnknownStrategies("router.agent_strategies", cfg.Router.AgentStrategies, known)

	for name, sc := range cfg.Strategies {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("strategies.%s: unknown strategy", name))
			continue
		}
		if err := sc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("strategies.%s: %w", name, err))
		}
	}

	if err := cfg.CircuitBreaker.WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("circuit_breaker: %w", err))
	}
	if err := cfg.Resilience.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resilience: %w", err))
	}
	if err := cfg.Preference.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("preference: %w", err))
	}

	seen := make(map[string]int, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if srv.ID == "" {
			continue
		}
		if prev, ok := seen[srv.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of servers[%d]", prefix, srv.ID, prev))
		}
		seen[srv.ID] = i
	}

	return errors.Join(errs...)
}

func warnUnknownStrategies(field string, overrides map[string]string, known []string) {
	for key, name := range overrides {
		if !slices.Contains(known, name) {
			slog.Warn("unknown strategy override; the default strategy will be used",
				"field", field, "key", key, "strategy", name)
		}
	}
}
