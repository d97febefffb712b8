// Package config provides configuration parsing and validation for
// relayfan's handler tree.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one relayfan process: where
// to bind, how to resolve domains, the handler tree, and which handler
// is the entry point.
type Config struct {
	Bind     string         `yaml:"bind"`
	DNS      DNSConfig      `yaml:"dns"`
	Log      LogConfig      `yaml:"log"`
	Handlers []HandlerEntry `yaml:"handlers"`
	Root     string         `yaml:"root"`
}

// DNSConfig configures the shared resolver used by direct and
// socks5udp handlers.
type DNSConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HandlerEntry describes one node in the handler tree. Kind selects
// which fields are meaningful; unused fields for a given kind are
// ignored.
type HandlerEntry struct {
	Tag  string `yaml:"tag"`
	Kind string `yaml:"kind"`

	// Leaf fields.
	Address string `yaml:"address"` // redirect, socks5udp
	Port    uint16 `yaml:"port"`    // redirect, socks5udp
	Bind    string `yaml:"bind"`    // direct, socks5udp

	// Composite fields.
	Actors        []string      `yaml:"actors"`         // tryall, failover
	DelayBaseMS   int           `yaml:"delay_base_ms"`  // tryall
	FailTimeout   time.Duration `yaml:"fail_timeout"`   // failover
	HealthCheck   bool          `yaml:"health_check"`   // failover
	CheckInterval time.Duration `yaml:"check_interval"` // failover
	Failover      bool          `yaml:"failover"`        // failover
	ProbeHost     string        `yaml:"probe_host"`      // failover
	ProbePort     uint16        `yaml:"probe_port"`      // failover

	// ProbeThrottleRate, if nonzero, bounds how many health-check cycles
	// this failover handler may start per second. Each failover entry
	// gets its own limiter; the rate is not shared with other failover
	// handlers. ProbeThrottleBurst sets the limiter's burst size,
	// defaulting to 1 if unset.
	ProbeThrottleRate  float64 `yaml:"probe_throttle_rate"`  // failover
	ProbeThrottleBurst int     `yaml:"probe_throttle_burst"` // failover
}

// Handler kind discriminators, matched against HandlerEntry.Kind.
const (
	KindDirect    = "direct"
	KindRedirect  = "redirect"
	KindSocks5UDP = "socks5udp"
	KindTryAll    = "tryall"
	KindFailover  = "failover"
)

// Default returns a minimally usable configuration: bind to all
// interfaces, resolve via public DNS, info-level text logging, and an
// empty handler tree (callers must still supply handlers + root).
func Default() *Config {
	return &Config{
		Bind: "0.0.0.0",
		DNS: DNSConfig{
			Servers: []string{"1.1.1.1:53", "8.8.8.8:53"},
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads, parses, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} /
// $VAR environment references first, then validates the result.
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

// Validate checks referential and field-level integrity, aggregating
// every problem found instead of failing on the first one.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level invalid: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("log.format invalid: %s (must be text or json)", c.Log.Format))
	}
	if len(c.DNS.Servers) == 0 {
		errs = append(errs, "dns.servers must list at least one server")
	}

	seen := make(map[string]bool, len(c.Handlers))
	for i, h := range c.Handlers {
		if h.Tag == "" {
			errs = append(errs, fmt.Sprintf("handlers[%d]: tag is required", i))
			continue
		}
		if seen[h.Tag] {
			errs = append(errs, fmt.Sprintf("handlers[%d]: duplicate tag %q", i, h.Tag))
		}
		seen[h.Tag] = true

		if err := validateEntry(h, seen); err != nil {
			errs = append(errs, fmt.Sprintf("handlers[%d] (%s): %v", i, h.Tag, err))
		}
		for _, a := range h.Actors {
			if a == h.Tag {
				errs = append(errs, fmt.Sprintf("handlers[%d] (%s): cannot list itself as an actor", i, h.Tag))
			}
		}
	}

	if c.Root == "" {
		errs = append(errs, "root is required")
	} else if !seen[c.Root] {
		errs = append(errs, fmt.Sprintf("root %q does not name any defined handler", c.Root))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateEntry checks the fields relevant to h.Kind. seen is the set
// of tags defined so far, used to reject forward references in actors.
func validateEntry(h HandlerEntry, seen map[string]bool) error {
	switch h.Kind {
	case KindDirect:
		return nil
	case KindRedirect:
		if h.Address == "" {
			return fmt.Errorf("redirect requires address")
		}
		if h.Port == 0 {
			return fmt.Errorf("redirect requires a nonzero port")
		}
	case KindSocks5UDP:
		if h.Address == "" {
			return fmt.Errorf("socks5udp requires address")
		}
		if h.Port == 0 {
			return fmt.Errorf("socks5udp requires a nonzero port")
		}
	case KindTryAll:
		if len(h.Actors) == 0 {
			return fmt.Errorf("tryall requires at least one actor")
		}
		if err := validateActorRefs(h.Actors, seen); err != nil {
			return err
		}
	case KindFailover:
		if len(h.Actors) == 0 {
			return fmt.Errorf("failover requires at least one actor")
		}
		if err := validateActorRefs(h.Actors, seen); err != nil {
			return err
		}
		if h.ProbeThrottleRate < 0 {
			return fmt.Errorf("probe_throttle_rate must not be negative")
		}
	default:
		return fmt.Errorf("unknown kind %q", h.Kind)
	}
	return nil
}

// validateActorRefs rejects any actor tag not already defined earlier
// in the handler list, preventing accidental cycles.
func validateActorRefs(actors []string, seen map[string]bool) error {
	for _, a := range actors {
		if !seen[a] {
			return fmt.Errorf("actor %q is not a previously defined handler", a)
		}
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
