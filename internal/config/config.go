// Package config holds the orchestrator configuration. The effective
// configuration is built exactly once at startup and passed by reference;
// the override order is flag > environment > file > default.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "DOCKHAND_"

// Config is the root configuration object.
type Config struct {
	DataDir      string `yaml:"dataDir"`
	ServicesDir  string `yaml:"servicesDir"`
	SnapshotPath string `yaml:"snapshotPath"`
	HistoryPath  string `yaml:"historyPath"`
	LockPath     string `yaml:"lockPath"`
	DockerBin    string `yaml:"dockerBin"`
	StatusAddr   string `yaml:"statusAddr"`

	Log      Log      `yaml:"log"`
	VPN      VPN      `yaml:"vpn"`
	Firewall Firewall `yaml:"firewall"`
	Monitor  Monitor  `yaml:"monitor"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Log controls logger construction.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// VPN configures the WireGuard remote-access subsystem.
type VPN struct {
	Dir          string `yaml:"dir"`
	Subnet       string `yaml:"subnet"`
	EndpointHost string `yaml:"endpointHost"`
	ListenPort   int    `yaml:"listenPort"`
	DNS          string `yaml:"dns"`
	// ServiceName identifies the VPN endpoint service; it is always
	// exempt from firewall restriction.
	ServiceName string `yaml:"serviceName"`
}

// Firewall configures reachability policy.
type Firewall struct {
	Mode            string   `yaml:"mode"`
	CustomServices  []string `yaml:"customServices"`
	LANSubnet       string   `yaml:"lanSubnet"`
	VPNSubnet       string   `yaml:"vpnSubnet"`
	DockerSubnet    string   `yaml:"dockerSubnet"`
	ProxiedServices []string `yaml:"proxiedServices"`
}

// Monitor configures the health monitor and auto-repair loop.
type Monitor struct {
	Schedule           string        `yaml:"schedule"`
	Retries            int           `yaml:"retries"`
	RetryDelay         time.Duration `yaml:"retryDelay"`
	DiagnosticsCmd     string        `yaml:"diagnosticsCmd"`
	DiagnosticsTimeout time.Duration `yaml:"diagnosticsTimeout"`
}

// Metrics configures optional pushgateway publishing.
type Metrics struct {
	PushURL string `yaml:"pushURL"`
	Job     string `yaml:"job"`
}

// Default returns the built-in defaults rooted at dataDir.
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/dockhand",
		DockerBin:  "docker",
		StatusAddr: "127.0.0.1:9410",
		Log:        Log{Level: "info"},
		VPN: VPN{
			Subnet:      "10.8.0.0/24",
			ListenPort:  51820,
			DNS:         "1.1.1.1",
			ServiceName: "wireguard",
		},
		Firewall: Firewall{
			Mode:         "open",
			LANSubnet:    "192.168.1.0/24",
			VPNSubnet:    "10.8.0.0/24",
			DockerSubnet: "172.17.0.0/16",
		},
		Monitor: Monitor{
			Schedule:           "@every 5m",
			Retries:            3,
			RetryDelay:         10 * time.Second,
			DiagnosticsTimeout: 60 * time.Second,
		},
		Metrics: Metrics{Job: "dockhand"},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if present), then DOCKHAND_* environment overrides. Flag overrides
// are applied afterwards by the command layer.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.fillDerived()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := envValue("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := envValue("SERVICES_DIR"); v != "" {
		c.ServicesDir = v
	}
	if v := envValue("DOCKER_BIN"); v != "" {
		c.DockerBin = v
	}
	if v := envValue("STATUS_ADDR"); v != "" {
		c.StatusAddr = v
	}
	if v := envValue("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := envValue("VPN_SUBNET"); v != "" {
		c.VPN.Subnet = v
	}
	if v := envValue("VPN_ENDPOINT_HOST"); v != "" {
		c.VPN.EndpointHost = v
	}
	if v := envValue("VPN_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.VPN.ListenPort = port
		}
	}
	if v := envValue("FIREWALL_MODE"); v != "" {
		c.Firewall.Mode = v
	}
	if v := envValue("LAN_SUBNET"); v != "" {
		c.Firewall.LANSubnet = v
	}
	if v := envValue("METRICS_PUSH_URL"); v != "" {
		c.Metrics.PushURL = v
	}
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

// fillDerived completes paths that default relative to DataDir.
func (c *Config) fillDerived() {
	if c.ServicesDir == "" {
		c.ServicesDir = filepath.Join(c.DataDir, "services.d")
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = filepath.Join(c.DataDir, "state.env")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(c.DataDir, "history.db")
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.DataDir, "dockhand.lock")
	}
	if c.VPN.Dir == "" {
		c.VPN.Dir = filepath.Join(c.DataDir, "wireguard")
	}
	if c.Firewall.VPNSubnet == "" {
		c.Firewall.VPNSubnet = c.VPN.Subnet
	}
}

// RebaseDataDir moves the state root and re-derives every path that
// defaults under it. Used by the --data-dir flag override.
func (c *Config) RebaseDataDir(dir string) {
	c.DataDir = dir
	c.ServicesDir = ""
	c.SnapshotPath = ""
	c.HistoryPath = ""
	c.LockPath = ""
	c.VPN.Dir = ""
	c.fillDerived()
}

// Validate checks fields whose malformation should stop the run early.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("dataDir is required")
	}
	subnet, err := netip.ParsePrefix(c.VPN.Subnet)
	if err != nil {
		return fmt.Errorf("vpn.subnet %q: %w", c.VPN.Subnet, err)
	}
	if !subnet.Addr().Is4() {
		return fmt.Errorf("vpn.subnet %q: IPv4 prefix required", c.VPN.Subnet)
	}
	for _, pair := range []struct {
		name  string
		value string
	}{
		{"firewall.lanSubnet", c.Firewall.LANSubnet},
		{"firewall.vpnSubnet", c.Firewall.VPNSubnet},
		{"firewall.dockerSubnet", c.Firewall.DockerSubnet},
	} {
		if _, err := netip.ParsePrefix(pair.value); err != nil {
			return fmt.Errorf("%s %q: %w", pair.name, pair.value, err)
		}
	}
	switch strings.TrimSpace(c.Firewall.Mode) {
	case "open", "restrict", "custom":
	default:
		return fmt.Errorf("firewall.mode %q: must be open, restrict or custom", c.Firewall.Mode)
	}
	if c.Monitor.Retries <= 0 {
		return fmt.Errorf("monitor.retries must be positive")
	}
	return nil
}
