package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		HostID:  "office-1",
		BaseDir: "/home/user/.local/share/quotekeeper",
		LogDir:  "/home/user/.local/share/quotekeeper/log",
		Local:   LocalConfig{Type: "sqlite", DataDir: "/home/user/.local/share/quotekeeper/db"},
		Remote:  RemoteConfig{Type: "postgres", DSN: "postgres://qk@db/quotes", Timeout: "3s"},
		Providers: []ProviderConfig{
			{Type: "s3", Name: "primary", Role: "cloud", S3Bucket: "quotes", S3Region: "eu-west-1", Sealed: true},
			{Type: "filesystem", Name: "usb", Role: "emergency", FSRoot: "/mnt/usb/quotes"},
		},
		Sync: SyncConfig{Interval: "10m", HealthInterval: "1m"},
		Encryption: EncryptionConfig{
			PublicKeyPath:  "/keys/quotekeeper.pub",
			PrivateKeyPath: "/keys/quotekeeper.key",
		},
		Ops: OpsConfig{Listen: ":9000"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.Remote.DSN != original.Remote.DSN {
		t.Errorf("Remote.DSN = %q, want %q", got.Remote.DSN, original.Remote.DSN)
	}
	if len(got.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(got.Providers))
	}
	if !got.Providers[0].Sealed {
		t.Error("Providers[0].Sealed = false, want true")
	}
	if got.Providers[1].FSRoot != "/mnt/usb/quotes" {
		t.Errorf("Providers[1].FSRoot = %q, want %q", got.Providers[1].FSRoot, "/mnt/usb/quotes")
	}
	if got.Sync.Interval != "10m" {
		t.Errorf("Sync.Interval = %q, want %q", got.Sync.Interval, "10m")
	}
	if got.Ops.Listen != ":9000" {
		t.Errorf("Ops.Listen = %q, want %q", got.Ops.Listen, ":9000")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/qk")

	if cfg.LogDir != "/data/qk/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/qk/log")
	}
	if cfg.Local.Type != "sqlite" || cfg.Local.DataDir != "/data/qk/db" {
		t.Errorf("Local = %+v, want sqlite in /data/qk/db", cfg.Local)
	}
	if cfg.Remote.Type != "none" {
		t.Errorf("Remote.Type = %q, want none", cfg.Remote.Type)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Role != "emergency" {
		t.Errorf("Providers = %+v, want one emergency provider", cfg.Providers)
	}
	if cfg.Encryption.PublicKeyPath != "/data/qk/keys/quotekeeper.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestDurations(t *testing.T) {
	t.Run("defaults when empty", func(t *testing.T) {
		var cfg Config
		d, err := cfg.Sync.IntervalDuration()
		if err != nil {
			t.Fatalf("IntervalDuration() error = %v", err)
		}
		if d != DefaultSyncInterval {
			t.Errorf("IntervalDuration() = %v, want %v", d, DefaultSyncInterval)
		}
		d, err = cfg.Remote.TimeoutDuration()
		if err != nil {
			t.Fatalf("TimeoutDuration() error = %v", err)
		}
		if d != DefaultRemoteTimeout {
			t.Errorf("TimeoutDuration() = %v, want %v", d, DefaultRemoteTimeout)
		}
	})

	t.Run("parses configured value", func(t *testing.T) {
		p := ProviderConfig{Name: "s3", Timeout: "1500ms"}
		d, err := p.TimeoutDuration()
		if err != nil {
			t.Fatalf("TimeoutDuration() error = %v", err)
		}
		if d != 1500*time.Millisecond {
			t.Errorf("TimeoutDuration() = %v, want 1.5s", d)
		}
	})

	t.Run("rejects garbage and non-positive values", func(t *testing.T) {
		for _, v := range []string{"soon", "0s", "-1m"} {
			s := SyncConfig{HealthInterval: v}
			if _, err := s.HealthIntervalDuration(); err == nil {
				t.Errorf("HealthIntervalDuration(%q) expected error", v)
			}
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown local type", func(c *Config) { c.Local.Type = "redis" }, "unknown local type"},
		{"sqlite without data dir", func(c *Config) { c.Local.DataDir = "" }, "data_dir required"},
		{"postgres without dsn", func(c *Config) { c.Remote.Type = "postgres" }, "remote.dsn required"},
		{"embedded without data dir", func(c *Config) { c.Remote.Type = "embedded" }, "embedded_data_dir required"},
		{"unknown remote type", func(c *Config) { c.Remote.Type = "mysql" }, "unknown remote type"},
		{"bad role", func(c *Config) { c.Providers[0].Role = "backup" }, "unknown role"},
		{"duplicate name", func(c *Config) {
			c.Providers = append(c.Providers, ProviderConfig{Type: "memory", Name: "emergency", Role: "cloud"})
		}, "duplicate provider name"},
		{"two emergency providers", func(c *Config) {
			c.Providers = append(c.Providers, ProviderConfig{Type: "memory", Name: "other", Role: "emergency"})
		}, "at most one emergency provider"},
		{"bad interval", func(c *Config) { c.Sync.Interval = "often" }, "invalid sync.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("h", "/data/qk")
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{"QK_REMOTE_DSN": "postgres://env@db/quotes"}
	cfg := NewConfig("h", "/data/qk")

	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Remote.DSN != "postgres://env@db/quotes" {
		t.Errorf("Remote.DSN = %q, want value from environment", cfg.Remote.DSN)
	}
	if cfg.Remote.Type != "postgres" {
		t.Errorf("Remote.Type = %q, want postgres", cfg.Remote.Type)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "quotekeeper.toml")

		if err := Init(path, NewConfig("h1", dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "quotekeeper.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "quotekeeper.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Local = LocalConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
		if got.Local.Type != "memory" {
			t.Errorf("Local.Type = %q, want memory", got.Local.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/quotekeeper.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
