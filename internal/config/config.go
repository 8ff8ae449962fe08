package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when a duration field is empty.
const (
	DefaultRemoteTimeout   = 5 * time.Second
	DefaultProviderTimeout = 30 * time.Second
	DefaultSyncInterval    = 5 * time.Minute
	DefaultHealthInterval  = 30 * time.Second
	DefaultEmbeddedPort    = 5433
	DefaultOpsListen       = "127.0.0.1:8088"
)

// Config represents the main configuration for quotekeeper.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Local      LocalConfig      `toml:"local"`
	Remote     RemoteConfig     `toml:"remote"`
	Providers  []ProviderConfig `toml:"providers"`
	Sync       SyncConfig       `toml:"sync"`
	Encryption EncryptionConfig `toml:"encryption"`
	Ops        OpsConfig        `toml:"ops"`
}

// LocalConfig configures the local durable store.
type LocalConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// RemoteConfig configures the shared store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type    string `toml:"type"` // "postgres", "embedded" or "none"
	DSN     string `toml:"dsn,omitempty"`
	Timeout string `toml:"timeout,omitempty"` // e.g. "5s"

	// Embedded-specific fields (only used when Type == "embedded")
	EmbeddedPort    int    `toml:"embedded_port,omitempty"`
	EmbeddedDataDir string `toml:"embedded_data_dir,omitempty"`
}

// ProviderConfig represents configuration for an attachment provider.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ProviderConfig struct {
	Type    string `toml:"type"` // "s3", "filesystem" or "memory"
	Name    string `toml:"name"`
	Role    string `toml:"role"` // "cloud" or "emergency"
	Timeout string `toml:"timeout,omitempty"`
	Sealed  bool   `toml:"sealed,omitempty"` // encrypt objects with the configured age key

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"` // for S3-compatible services
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// SyncConfig configures the background scheduler.
type SyncConfig struct {
	Interval       string `toml:"interval,omitempty"`
	HealthInterval string `toml:"health_interval,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used by sealed providers.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// OpsConfig configures the ops HTTP surface started by "serve".
type OpsConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// NewConfig creates a new Config with the provided values and defaults.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Local: LocalConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Remote: RemoteConfig{
			Type:    "none",
			Timeout: DefaultRemoteTimeout.String(),
		},
		Providers: []ProviderConfig{
			{
				Type:   "filesystem",
				Name:   "emergency",
				Role:   "emergency",
				FSRoot: filepath.Join(baseDir, "attachments"),
			},
		},
		Sync: SyncConfig{
			Interval:       DefaultSyncInterval.String(),
			HealthInterval: DefaultHealthInterval.String(),
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "quotekeeper.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "quotekeeper.key"),
		},
		Ops: OpsConfig{Listen: DefaultOpsListen},
	}
}

// TimeoutDuration returns the remote operation timeout.
func (c RemoteConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("remote.timeout", c.Timeout, DefaultRemoteTimeout)
}

// Port returns the embedded server port.
func (c RemoteConfig) Port() int {
	if c.EmbeddedPort == 0 {
		return DefaultEmbeddedPort
	}
	return c.EmbeddedPort
}

// TimeoutDuration returns the per-call provider timeout.
func (c ProviderConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("providers["+c.Name+"].timeout", c.Timeout, DefaultProviderTimeout)
}

// IntervalDuration returns the periodic sync interval.
func (c SyncConfig) IntervalDuration() (time.Duration, error) {
	return parseDuration("sync.interval", c.Interval, DefaultSyncInterval)
}

// HealthIntervalDuration returns the periodic health check interval.
func (c SyncConfig) HealthIntervalDuration() (time.Duration, error) {
	return parseDuration("sync.health_interval", c.HealthInterval, DefaultHealthInterval)
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, s)
	}
	return d, nil
}

// Validate checks the tagged unions and durations.
func (c *Config) Validate() error {
	switch c.Local.Type {
	case "sqlite":
		if c.Local.DataDir == "" {
			return fmt.Errorf("local.data_dir required for sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown local type: %q", c.Local.Type)
	}

	switch c.Remote.Type {
	case "postgres":
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn required for postgres remote")
		}
	case "embedded":
		if c.Remote.EmbeddedDataDir == "" {
			return fmt.Errorf("remote.embedded_data_dir required for embedded remote")
		}
	case "none", "":
	default:
		return fmt.Errorf("unknown remote type: %q", c.Remote.Type)
	}
	if _, err := c.Remote.TimeoutDuration(); err != nil {
		return err
	}

	names := make(map[string]bool)
	emergency := 0
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider of type %q has no name", p.Type)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider name: %q", p.Name)
		}
		names[p.Name] = true

		switch p.Role {
		case "cloud":
		case "emergency":
			emergency++
		default:
			return fmt.Errorf("provider %q: unknown role %q", p.Name, p.Role)
		}
		if _, err := p.TimeoutDuration(); err != nil {
			return err
		}
	}
	if emergency > 1 {
		return fmt.Errorf("at most one emergency provider allowed, got %d", emergency)
	}

	if _, err := c.Sync.IntervalDuration(); err != nil {
		return err
	}
	if _, err := c.Sync.HealthIntervalDuration(); err != nil {
		return err
	}
	return nil
}

// ApplyEnv overrides config values from the environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if dsn := getenv("QK_REMOTE_DSN"); dsn != "" {
		c.Remote.DSN = dsn
		if c.Remote.Type == "" || c.Remote.Type == "none" {
			c.Remote.Type = "postgres"
		}
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold S3 credentials.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
