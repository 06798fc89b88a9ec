package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/dockhand" {
		t.Fatalf("unexpected data dir %q", cfg.DataDir)
	}
	if cfg.ServicesDir != filepath.Join(cfg.DataDir, "services.d") {
		t.Fatalf("services dir not derived: %q", cfg.ServicesDir)
	}
	if cfg.Monitor.Retries != 3 {
		t.Fatalf("unexpected retry ceiling %d", cfg.Monitor.Retries)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dockhand.yaml")
	contents := `
dataDir: /tmp/stack
firewall:
  mode: restrict
  lanSubnet: 10.0.0.0/24
monitor:
  retries: 5
  retryDelay: 30s
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DOCKHAND_FIREWALL_MODE", "custom")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/tmp/stack" {
		t.Fatalf("file override ignored: %q", cfg.DataDir)
	}
	if cfg.Firewall.Mode != "custom" {
		t.Fatalf("env should override file, got %q", cfg.Firewall.Mode)
	}
	if cfg.Firewall.LANSubnet != "10.0.0.0/24" {
		t.Fatalf("lan subnet not loaded: %q", cfg.Firewall.LANSubnet)
	}
	if cfg.Monitor.RetryDelay != 30*time.Second {
		t.Fatalf("retry delay not loaded: %v", cfg.Monitor.RetryDelay)
	}
	if cfg.SnapshotPath != "/tmp/stack/state.env" {
		t.Fatalf("snapshot path not derived: %q", cfg.SnapshotPath)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.VPN.Subnet = "not-a-prefix" },
		func(c *Config) { c.VPN.Subnet = "fd00::/64" },
		func(c *Config) { c.Firewall.Mode = "paranoid" },
		func(c *Config) { c.Firewall.LANSubnet = "192.168.1.1" },
		func(c *Config) { c.Monitor.Retries = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		cfg.fillDerived()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation failure", i)
		}
	}
}
