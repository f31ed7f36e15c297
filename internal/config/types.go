package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML (un)marshaling that accepts the
// usual Go duration strings ("1s", "500ms"), since yaml.v3 has no native
// support for time.Duration's underlying int64 representation.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the complete dispatchd configuration, covering the
// dispatcher core's tunables (spec.md §6) plus the ambient transport,
// control API, and audit settings SPEC_FULL.md adds. Shape follows the
// teacher's Config/ServiceConfig/APIConfig split.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Transport TransportConfig `yaml:"transport"`
	Control   ControlConfig   `yaml:"control,omitempty"`
	Audit     AuditConfig     `yaml:"audit,omitempty"`
	Build     BuildConfig     `yaml:"build,omitempty"`
}

// ServiceConfig defines core service-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DispatchConfig carries spec.md §6's enumerated dispatcher-core fields.
type DispatchConfig struct {
	RequestQueueCapacity    int      `yaml:"request_queue_capacity"`
	WorkRawCapacity         int      `yaml:"work_raw_capacity"`
	DeferredStartupCapacity int      `yaml:"deferred_startup_capacity"`
	BootPollInterval        Duration `yaml:"boot_poll_interval"`
}

// TransportConfig defines the client-facing WebSocket listener.
type TransportConfig struct {
	Listen string `yaml:"listen"`
}

// ControlConfig defines the administrative HTTP API: health, metrics,
// and the SSE event firehose.
type ControlConfig struct {
	Listen string     `yaml:"listen"`
	Auth   AuthConfig `yaml:"auth"`
}

// AuthConfig defines bearer tokens and their scopes for the Control API.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig defines one bearer token and the scopes it grants.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// AuditConfig defines the audit log's SQLite backing store.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// BuildConfig seeds the reference in-memory build engine at startup.
type BuildConfig struct {
	Settings []SettingSeed `yaml:"settings,omitempty"`
	Tasks    []TaskSeed    `yaml:"tasks,omitempty"`
}

// SettingSeed defines one initial setting value.
type SettingSeed struct {
	Module string `yaml:"module"`
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
}

// TaskSeed defines one initial task and its rendered command.
type TaskSeed struct {
	Module  string `yaml:"module"`
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// Defaults returns a Config matching spec.md §6 and SPEC_FULL.md §6's
// defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "dispatchd",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Dispatch: DispatchConfig{
			RequestQueueCapacity:    4096,
			WorkRawCapacity:         10,
			DeferredStartupCapacity: 64,
			BootPollInterval:        Duration(time.Second),
		},
		Transport: TransportConfig{
			Listen: "127.0.0.1:7420",
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:7421",
		},
		Audit: AuditConfig{
			Path: "./data/audit.db",
		},
	}
}
