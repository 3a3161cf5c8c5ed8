// Package config loads warden configuration from ~/.warden/config.yaml and
// WARDEN_* environment variables into one typed struct, resolved and
// validated once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/instance"
)

// Defaults applied when neither file nor environment supplies a value.
const (
	DefaultBackend            = backend.VariantNone
	DefaultImageRef           = "warden-base"
	DefaultGatewayBasePort    = 18789
	DefaultControllerBasePort = 8080
	DefaultInstanceCount      = 1
	DefaultSnapshotRetention  = 5
)

// Config holds every externally supplied setting. Loaded once; no other
// package reads the environment or config file directly.
type Config struct {
	// Backend is the isolation variant new instances are provisioned
	// with: "none", "nested", "vm", or "microvm".
	Backend string `yaml:"backend"`

	// ImageRef is the container image or base VM image new instances
	// are created from.
	ImageRef string `yaml:"image_ref"`

	// GatewayBasePort and ControllerBasePort are the first ports the
	// allocator tries; collisions scan upward from here.
	GatewayBasePort    int `yaml:"gateway_base_port"`
	ControllerBasePort int `yaml:"controller_base_port"`

	// InstanceCount is the target number of concurrently running
	// instances, used only for advisory resource sizing.
	InstanceCount int `yaml:"instance_count"`

	// SnapshotRetention is the number of snapshots kept per instance.
	SnapshotRetention int `yaml:"snapshot_retention"`
}

// fileConfig mirrors Config but keeps legacy yaml keys alongside their
// replacements so old config files keep working. Alias resolution happens
// here and nowhere else.
type fileConfig struct {
	Config `yaml:",inline"`

	// Renamed in an earlier release: variant -> backend,
	// keep_snapshots -> snapshot_retention.
	Variant       string `yaml:"variant"`
	KeepSnapshots int    `yaml:"keep_snapshots"`
}

// envAliases maps legacy environment variable names to current ones. The
// current name wins when both are set.
var envAliases = map[string]string{
	"WARDEN_VARIANT":        "WARDEN_BACKEND",
	"WARDEN_KEEP_SNAPSHOTS": "WARDEN_SNAPSHOT_RETENTION",
}

// Path returns the config file location.
func Path() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".warden", "config.yaml")
}

// Load reads config.yaml (if present), overlays environment variables, and
// validates the result. A missing file yields pure defaults. Invalid
// settings are rejected here, before any side effect.
func Load() (*Config, error) {
	cfg := &Config{
		Backend:            DefaultBackend,
		ImageRef:           DefaultImageRef,
		GatewayBasePort:    DefaultGatewayBasePort,
		ControllerBasePort: DefaultControllerBasePort,
		InstanceCount:      DefaultInstanceCount,
		SnapshotRetention:  DefaultSnapshotRetention,
	}

	if err := loadFile(cfg); err != nil {
		return nil, err
	}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config) error {
	data, err := os.ReadFile(Path()) //nolint:gosec // G304: path is ~/.warden/config.yaml
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config.yaml: %w", err)
	}

	var fc fileConfig
	fc.Config = *cfg
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return instance.NewConfigError("parse config.yaml: %v", err)
	}

	*cfg = fc.Config
	if cfg.Backend == DefaultBackend && fc.Variant != "" {
		cfg.Backend = fc.Variant
	}
	if cfg.SnapshotRetention == DefaultSnapshotRetention && fc.KeepSnapshots != 0 {
		cfg.SnapshotRetention = fc.KeepSnapshots
	}
	return nil
}

func loadEnv(cfg *Config) error {
	get := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		for old, current := range envAliases {
			if current == key {
				return os.Getenv(old)
			}
		}
		return ""
	}

	if v := get("WARDEN_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := get("WARDEN_IMAGE"); v != "" {
		cfg.ImageRef = v
	}

	intVars := []struct {
		key string
		dst *int
	}{
		{"WARDEN_GATEWAY_PORT", &cfg.GatewayBasePort},
		{"WARDEN_CONTROLLER_PORT", &cfg.ControllerBasePort},
		{"WARDEN_INSTANCE_COUNT", &cfg.InstanceCount},
		{"WARDEN_SNAPSHOT_RETENTION", &cfg.SnapshotRetention},
	}
	for _, iv := range intVars {
		v := get(iv.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return instance.NewConfigError("%s: %q is not a number", iv.key, v)
		}
		*iv.dst = n
	}
	return nil
}

func (c *Config) validate() error {
	if !slices.Contains(backend.KnownVariants, c.Backend) {
		return instance.NewConfigError("unknown backend %q (valid: %v)", c.Backend, backend.KnownVariants)
	}
	for _, port := range []int{c.GatewayBasePort, c.ControllerBasePort} {
		if port < 1 || port > 65535 {
			return instance.NewConfigError("port %d out of range 1-65535", port)
		}
	}
	if c.GatewayBasePort == c.ControllerBasePort {
		return instance.NewConfigError("gateway and controller base ports must differ (both %d)", c.GatewayBasePort)
	}
	if c.InstanceCount < 1 {
		return instance.NewConfigError("instance_count must be at least 1, got %d", c.InstanceCount)
	}
	if c.SnapshotRetention < 1 {
		return instance.NewConfigError("snapshot_retention must be at least 1, got %d", c.SnapshotRetention)
	}
	return nil
}
