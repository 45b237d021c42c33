package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fortifleet/fortifleet/pkg/device"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/fortifleet/fortifleet/pkg/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "fortifleet.yaml"

// Environment variables that override file settings.
const (
	EnvDatabasePath = "FORTIFLEET_DB"
	EnvLogLevel     = "FORTIFLEET_LOG_LEVEL"
)

var validate = validator.New()

// Config is the FortiFleet application configuration.
type Config struct {
	// DataDir holds the database and credential key when their paths are relative.
	DataDir string `yaml:"data_dir" validate:"required"`

	Database    DatabaseConfig    `yaml:"database"`
	Engine      EngineConfig      `yaml:"engine"`
	Device      DeviceConfig      `yaml:"device"`
	Naming      NamingConfig      `yaml:"naming"`
	Policy      PolicyConfig      `yaml:"policy"`
	Inventory   InventoryConfig   `yaml:"inventory"`
	Credentials CredentialsConfig `yaml:"credentials"`
	API         APIConfig         `yaml:"api"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path           string `yaml:"path" validate:"required"`
	AuditRetention int    `yaml:"audit_retention" validate:"gte=1"`
	MaxOpenConns   int    `yaml:"max_open_conns" validate:"gte=0"`
}

// EngineConfig configures the fan-out executor.
type EngineConfig struct {
	// MaxParallel bounds concurrent targets. Zero means unbounded.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`

	// TargetTimeout bounds one target's whole chain. Zero means no bound.
	TargetTimeout time.Duration `yaml:"target_timeout" validate:"gte=0"`
}

// DeviceConfig configures the appliance REST client.
type DeviceConfig struct {
	LightTimeout time.Duration `yaml:"light_timeout" validate:"gt=0"`
	HeavyTimeout time.Duration `yaml:"heavy_timeout" validate:"gt=0"`
	ReadRetries  int           `yaml:"read_retries" validate:"gte=0,lte=10"`

	// InsecureTLS accepts self-signed appliance certificates.
	InsecureTLS bool `yaml:"insecure_tls"`

	// DefaultVDOM is assigned to targets added without one.
	DefaultVDOM string `yaml:"default_vdom"`
}

// NamingConfig selects the member naming transform.
type NamingConfig struct {
	// Script is a Starlark file defining transform(raw). Empty keeps names unchanged.
	Script  string        `yaml:"script"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// PolicyConfig configures the operation guard.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
	Watch   bool     `yaml:"watch"`
}

// InventoryConfig configures the YAML target inventory.
type InventoryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// CredentialsConfig configures credential sealing at rest.
type CredentialsConfig struct {
	// KeyFile holds the hex-encoded sealing key. Empty stores keys in clear.
	KeyFile string `yaml:"key_file"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Listen          string        `yaml:"listen" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Database: DatabaseConfig{
			Path:           "fortifleet.db",
			AuditRetention: stores.DefaultAuditRetention,
		},
		Device: DeviceConfig{
			LightTimeout: device.DefaultLightTimeout,
			HeavyTimeout: device.DefaultHeavyTimeout,
			ReadRetries:  device.DefaultReadRetries,
			InsecureTLS:  true,
			DefaultVDOM:  "root",
		},
		Naming: NamingConfig{
			Timeout: time.Second,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Credentials: CredentialsConfig{
			KeyFile: "credentials.key",
		},
		API: APIConfig{
			Listen:          "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path on top of the defaults. A missing file
// is not an error when path is DefaultPath or empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != "" && path != DefaultPath
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDatabasePath)); v != "" {
		c.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Device.HeavyTimeout < c.Device.LightTimeout {
		return fmt.Errorf("invalid config: device.heavy_timeout (%v) is shorter than device.light_timeout (%v)",
			c.Device.HeavyTimeout, c.Device.LightTimeout)
	}
	if c.Policy.Watch && len(c.Policy.Paths) == 0 {
		return fmt.Errorf("invalid config: policy.watch requires policy.paths")
	}
	if c.Inventory.Watch && c.Inventory.Path == "" {
		return fmt.Errorf("invalid config: inventory.watch requires inventory.path")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// DatabasePath returns the database path resolved against DataDir.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Database.Path)
}

// KeyFilePath returns the credential key path resolved against DataDir, or ""
// when sealing is disabled.
func (c *Config) KeyFilePath() string {
	if c.Credentials.KeyFile == "" {
		return ""
	}
	return c.resolve(c.Credentials.KeyFile)
}

func (c *Config) resolve(path string) string {
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// StoreConfig returns the store settings. The sealer is attached by the caller.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:           c.DatabasePath(),
		MaxOpenConns:   c.Database.MaxOpenConns,
		AuditRetention: c.Database.AuditRetention,
	}
}

// DeviceOptions returns the client options for the device settings.
func (c *Config) DeviceOptions() []device.Option {
	return []device.Option{
		device.WithTimeouts(c.Device.LightTimeout, c.Device.HeavyTimeout),
		device.WithReadRetries(c.Device.ReadRetries, 0),
		device.WithInsecureTLS(c.Device.InsecureTLS),
	}
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
