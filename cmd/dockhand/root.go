package main

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dockhand/internal/config"
	"dockhand/internal/firewall"
	"dockhand/internal/history"
	"dockhand/internal/lifecycle"
	"dockhand/internal/lockfile"
	"dockhand/internal/logging"
	"dockhand/internal/runtime"
	"dockhand/internal/state"
	"dockhand/internal/synth"
	"dockhand/internal/wireguard"
)

var (
	// Global flags
	cfgFile     string
	dataDirFlag string
	logJSONFlag bool
	verboseFlag bool
)

// Built by the persistent pre-run, shared by every command.
var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dockhand",
	Short: "Declarative single-host container orchestrator",
	Long: `Dockhand reads per-service descriptor files and brings a single host to
the declared state: it synthesizes container launch commands, provisions
WireGuard remote access, enforces firewall reachability policy, and runs a
self-healing monitor that restarts unhealthy services.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if dataDirFlag != "" {
			loaded.RebaseDataDir(dataDirFlag)
		}
		if logJSONFlag {
			loaded.Log.JSON = true
		}
		if verboseFlag {
			loaded.Log.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		log, err := logging.New(logging.Options{Level: loaded.Log.Level, JSON: loaded.Log.JSON})
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		cfg = loaded
		logger = log
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits with a class-specific code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dockhand:", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/dockhand/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "override the state directory")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log-json", false, "emit JSON logs")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "debug logging")
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: re-run with sudo", errRootRequired)
	}
	return nil
}

func acquireLock() (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(cfg.LockPath)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func newDocker() *runtime.Docker {
	return runtime.NewDocker(cfg.DockerBin)
}

func stateStore() *state.Store {
	return state.NewStore(cfg.SnapshotPath)
}

func openHistory() *history.Store {
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Warn("history database unavailable", zap.Error(err))
		return nil
	}
	return store
}

func newSynthesizer() *synth.Synthesizer {
	return synth.New(synth.DefaultMapping(), cfg.Firewall.ProxiedServices, logger)
}

func newController(docker *runtime.Docker, hist *history.Store) *lifecycle.Controller {
	return lifecycle.New(docker, newSynthesizer(), runtime.SystemRunner(), hist, logger)
}

func newFirewallEngine(backend firewall.Backend) (*firewall.Engine, error) {
	subnets, err := trustedSubnets()
	if err != nil {
		return nil, err
	}
	return firewall.NewEngine(subnets, cfg.VPN.ServiceName, backend, logger)
}

func trustedSubnets() (firewall.TrustedSubnets, error) {
	var subnets firewall.TrustedSubnets
	var err error
	if subnets.LAN, err = netip.ParsePrefix(cfg.Firewall.LANSubnet); err != nil {
		return subnets, fmt.Errorf("lan subnet: %w", err)
	}
	if subnets.VPN, err = netip.ParsePrefix(cfg.Firewall.VPNSubnet); err != nil {
		return subnets, fmt.Errorf("vpn subnet: %w", err)
	}
	if subnets.Docker, err = netip.ParsePrefix(cfg.Firewall.DockerSubnet); err != nil {
		return subnets, fmt.Errorf("docker subnet: %w", err)
	}
	return subnets, nil
}

func newWireGuardManager() (*wireguard.Manager, error) {
	subnet, err := netip.ParsePrefix(cfg.VPN.Subnet)
	if err != nil {
		return nil, fmt.Errorf("vpn subnet: %w", err)
	}
	return wireguard.NewManager(wireguard.Options{
		Dir:          cfg.VPN.Dir,
		Subnet:       subnet,
		EndpointHost: cfg.VPN.EndpointHost,
		ListenPort:   cfg.VPN.ListenPort,
		DNS:          cfg.VPN.DNS,
	}, logger)
}

func newPassID() string {
	return uuid.NewString()
}
