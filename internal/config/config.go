// Package config loads and validates childrend's on-disk configuration:
// the backend fleet it multiplexes to and the multiplexer's own
// tunables. Configuration is YAML via gopkg.in/yaml.v3, validated via
// github.com/go-playground/validator/v10.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BackendConfig is one configured downstream filter.
type BackendConfig struct {
	Name            string   `yaml:"name" validate:"required"`
	Network         string   `yaml:"network" validate:"required,oneof=tcp tcp4 tcp6 unix"`
	Address         string   `yaml:"address" validate:"required"`
	LaunchCommand   []string `yaml:"launchCommand,omitempty"`
	ConnectTimeout  Duration `yaml:"connectTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty"`
	EOMTimeout      Duration `yaml:"eomTimeout,omitempty"`
	OfferedActions  uint32   `yaml:"offeredActions"`
	OfferedProtocol uint32   `yaml:"offeredProtocol"`
}

// Config is childrend's full on-disk configuration.
type Config struct {
	// Listen is the address/path the multiplexer's own milter.Server binds
	// to for incoming MTA connections ("tcp://host:port" or "unix:///path").
	Listen string `yaml:"listen" validate:"required"`

	// Backends is the fleet this multiplexer fans every command out to.
	Backends []BackendConfig `yaml:"backends" validate:"required,min=1,dive"`

	// RetryDelay is the delay before the one permitted retry of a failed
	// backend connect attempt (default 5s).
	RetryDelay Duration `yaml:"retryDelay,omitempty"`

	// PrivilegeMode, when true, lets the multiplexer start a backend's
	// LaunchCommand before retrying a failed connect.
	PrivilegeMode bool `yaml:"privilegeMode,omitempty"`

	// Unavailable is the status signalled for a stage when every backend
	// has been expired before it resolves: "temporary-failure" or
	// "accept".
	Unavailable string `yaml:"unavailable,omitempty" validate:"omitempty,oneof=temporary-failure accept"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// LogFormat selects the slog handler: "text" or "json".
	LogFormat string `yaml:"logFormat,omitempty" validate:"omitempty,oneof=text json"`
}

// Duration is a time.Duration that unmarshals from YAML's natural
// "5s"/"500ms" string form instead of requiring a raw nanosecond integer.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

var validate = validator.New()

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with childrend's baseline tunables, to be
// overlaid by whatever the on-disk file sets.
func Default() *Config {
	return &Config{
		RetryDelay:  Duration(5 * time.Second),
		Unavailable: "temporary-failure",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}
