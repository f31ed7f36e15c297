// Package config loads and validates dispatchd's YAML configuration:
// the dispatcher core's tunables (spec.md §6), the transport and control
// API listen addresses, and the settings/tasks that seed the reference
// build engine. Adapted from the teacher's internal/config.Load, stripped
// of multi-file directory discovery and plugin/route/webhook grafting —
// this service reads exactly one file.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the config file at path, filling in any unset
// field from Defaults(). Environment variable references of the form
// ${VAR} in string fields are interpolated before validation, matching
// the teacher's convention for keeping secrets out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	interpolateConfig(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Dispatch.RequestQueueCapacity <= 0 {
		return fmt.Errorf("dispatch.request_queue_capacity must be positive")
	}
	if cfg.Dispatch.WorkRawCapacity <= 0 {
		return fmt.Errorf("dispatch.work_raw_capacity must be positive")
	}
	if cfg.Dispatch.DeferredStartupCapacity <= 0 {
		return fmt.Errorf("dispatch.deferred_startup_capacity must be positive")
	}
	if cfg.Dispatch.BootPollInterval <= 0 {
		return fmt.Errorf("dispatch.boot_poll_interval must be positive")
	}
	switch cfg.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level %q is not one of debug|info|warn|error", cfg.Service.LogLevel)
	}

	seen := map[[2]string]struct{}{}
	for _, s := range cfg.Build.Settings {
		key := [2]string{s.Module, s.Name}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("build.settings: duplicate key %s:%s", s.Module, s.Name)
		}
		seen[key] = struct{}{}
	}
	for _, t := range cfg.Build.Tasks {
		key := [2]string{t.Module, t.Name}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("build.tasks: duplicate key %s:%s (collides with a setting or another task)", t.Module, t.Name)
		}
		seen[key] = struct{}{}
	}

	for _, tok := range cfg.Control.Auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("control.auth.tokens: token value must not be empty")
		}
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateConfig rewrites every string-valued leaf that contains a
// ${VAR} reference in place, substituting the environment variable's
// value (or leaving a missing one untouched).
func interpolateConfig(cfg *Config) {
	cfg.Audit.Path = interpolate(cfg.Audit.Path)
	cfg.Transport.Listen = interpolate(cfg.Transport.Listen)
	cfg.Control.Listen = interpolate(cfg.Control.Listen)
	for i, tok := range cfg.Control.Auth.Tokens {
		cfg.Control.Auth.Tokens[i].Token = interpolate(tok.Token)
	}
	for i, s := range cfg.Build.Settings {
		cfg.Build.Settings[i].Value = interpolate(s.Value)
	}
	for i, t := range cfg.Build.Tasks {
		cfg.Build.Tasks[i].Command = interpolate(t.Command)
	}
}

func interpolate(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		name := envRef.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}
