// Package config provides configuration parsing and validation for the proxy.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol names accepted in ListenerConfig.Protocol.
const (
	ProtocolSOCKS5      = "socks5"
	ProtocolSOCKS4      = "socks4"
	ProtocolHTTPConnect = "http-connect"
)

// Config is the complete proxy configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Dial      DialConfig       `yaml:"dial"`
	Listeners []ListenerConfig `yaml:"listeners"`
}

// LogConfig controls the process-wide structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the optional Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DialConfig controls outbound connection behavior shared by every listener.
type DialConfig struct {
	// BindAddresses is an optional pool of local source addresses used
	// round-robin for outbound dials (see internal/dialpool).
	BindAddresses []string      `yaml:"bind_addresses"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ListenerConfig defines one protocol listener.
type ListenerConfig struct {
	Protocol string `yaml:"protocol"` // socks5, socks4, http-connect
	Address  string `yaml:"address"`

	// Username/Password apply to socks5 and http-connect; both must be
	// set together or both left empty.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// UserID applies to socks4 only.
	UserID string `yaml:"userid"`
}

// Default returns a Config with default values: logging to stderr at info
// level, metrics disabled, no dial pool, and no listeners configured.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
		Listeners: []ListenerConfig{},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR}/$VAR
// environment references before unmarshaling, then validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns, including ${VAR:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	for _, raw := range c.Dial.BindAddresses {
		if net.ParseIP(raw) == nil {
			errs = append(errs, fmt.Sprintf("dial.bind_addresses: invalid IP address: %s", raw))
		}
	}
	if c.Dial.ConnectTimeout < 0 {
		errs = append(errs, "dial.connect_timeout must not be negative")
	}

	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener must be configured")
	}

	seenAddrs := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
			continue
		}
		if seenAddrs[l.Address] {
			errs = append(errs, fmt.Sprintf("listeners[%d]: duplicate listen address %s", i, l.Address))
		}
		seenAddrs[l.Address] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateListener(l ListenerConfig) error {
	switch l.Protocol {
	case ProtocolSOCKS5, ProtocolSOCKS4, ProtocolHTTPConnect:
	default:
		return fmt.Errorf("invalid protocol: %s (must be socks5, socks4, or http-connect)", l.Protocol)
	}

	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(l.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", l.Address, err)
	}

	if l.Protocol == ProtocolSOCKS4 {
		if l.Username != "" || l.Password != "" {
			return fmt.Errorf("username/password do not apply to socks4; use userid")
		}
		return nil
	}

	if l.UserID != "" {
		return fmt.Errorf("userid only applies to socks4")
	}
	if (l.Username == "") != (l.Password == "") {
		return fmt.Errorf("username and password must both be set or both be empty")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with listener passwords redacted,
// safe to log or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	for i := range redacted.Listeners {
		if redacted.Listeners[i].Password != "" {
			redacted.Listeners[i].Password = redactedValue
		}
	}
	return redacted
}

// String returns a YAML representation of the config with sensitive values
// redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}
