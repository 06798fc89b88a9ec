package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dockhand/internal/descriptor"
	"dockhand/internal/firewall"
	"dockhand/internal/history"
	"dockhand/internal/metrics"
	"dockhand/internal/runtime"
)

var upPortFlags []string

var upCmd = &cobra.Command{
	Use:   "up [service...]",
	Short: "Deploy the declared service set",
	Long: `Reads every descriptor under the services directory, synthesizes the
container launch commands, and deploys them in order. With arguments, only
the named services are deployed. The firewall policy is re-applied and the
desired-state snapshot updated after a successful pass.

Host port overrides given with --port persist in the snapshot and are
re-applied on every later pass until overridden again.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringArrayVar(&upPortFlags, "port", nil,
		"override a service's published host port (service:port, repeatable)")
	rootCmd.AddCommand(upCmd)
}

func runUp(_ *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	docker := newDocker()
	if err := docker.Ping(); err != nil {
		return err
	}
	lock, err := acquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	descs, skipped, err := descriptor.Discover(cfg.ServicesDir)
	if err != nil {
		return fmt.Errorf("discover descriptors: %w", err)
	}
	for name, reason := range skipped {
		logger.Warn("descriptor skipped", zap.String("service", name), zap.Error(reason))
	}
	if len(args) > 0 {
		descs, err = selectServices(descs, skipped, args)
		if err != nil {
			return err
		}
	}
	if len(descs) == 0 {
		return fmt.Errorf("no deployable descriptors in %s", cfg.ServicesDir)
	}

	store := stateStore()
	snap, quarantined, err := store.Load()
	if err != nil {
		return err
	}
	if quarantined != "" {
		logger.Warn("unreadable snapshot quarantined", zap.String("path", quarantined))
	}
	if err := mergePortOverrides(snap.PortOverrides, upPortFlags, descs); err != nil {
		return err
	}

	hist := openHistory()
	if hist != nil {
		defer hist.Close()
	}
	passID := newPassID()
	recordPass(hist, passID, history.KindPassStart, fmt.Sprintf("deploying %d services", len(descs)))

	m := metrics.New()
	ctrl := newController(docker, hist)
	ctrl.SetPortOverrides(snap.PortOverrides)
	if err := ctrl.DeployAll(passID, descs); err != nil {
		m.PassesTotal.WithLabelValues("failed").Inc()
		recordPass(hist, passID, history.KindPassEnd, "aborted: "+err.Error())
		pushMetrics(m)
		return err
	}
	m.DeploysTotal.WithLabelValues("ok").Add(float64(len(descs)))

	if err := applyFirewall(docker, hist, passID, descs, snap.PortOverrides); err != nil {
		logger.Warn("firewall apply incomplete", zap.Error(err))
	}

	snap.SelectedServices = snap.SelectedServices[:0]
	for _, d := range descs {
		snap.SelectedServices = append(snap.SelectedServices, d.Name)
	}
	snap.FirewallMode = cfg.Firewall.Mode
	snap.CustomFirewall = append([]string(nil), cfg.Firewall.CustomServices...)
	if err := store.Save(snap); err != nil {
		return fmt.Errorf("persist desired state: %w", err)
	}

	m.PassesTotal.WithLabelValues("ok").Inc()
	m.ServicesSelected.Set(float64(len(descs)))
	recordPass(hist, passID, history.KindPassEnd, "ok")
	pushMetrics(m)
	logger.Info("deployment pass complete", zap.Int("services", len(descs)))
	return nil
}

// selectServices filters discovered descriptors to the requested names.
// Naming a skipped descriptor surfaces its validation failure; naming an
// unknown service is a usage error.
func selectServices(descs []*descriptor.Descriptor, skipped map[string]error, names []string) ([]*descriptor.Descriptor, error) {
	byName := make(map[string]*descriptor.Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}
	var selected []*descriptor.Descriptor
	for _, name := range names {
		if d, ok := byName[name]; ok {
			selected = append(selected, d)
			continue
		}
		if reason, ok := skipped[name]; ok {
			return nil, fmt.Errorf("service %s: %w", name, reason)
		}
		return nil, fmt.Errorf("%w: unknown service %q", errUsage, name)
	}
	return selected, nil
}

func applyFirewall(docker *runtime.Docker, hist *history.Store, passID string, descs []*descriptor.Descriptor, overrides map[string]int) error {
	mode, err := firewall.ParseMode(cfg.Firewall.Mode)
	if err != nil {
		return err
	}
	backend := firewall.Detect(docker.Runner(), logger)
	engine, err := newFirewallEngine(backend)
	if err != nil {
		return err
	}
	rules := engine.Plan(mode, servicePorts(descs, overrides), cfg.Firewall.CustomServices)
	if err := engine.Apply(rules); err != nil {
		return err
	}
	recordPass(hist, passID, history.KindFirewall,
		fmt.Sprintf("mode %s, %d rules via %s", mode, len(rules), engine.BackendName()))
	return nil
}

// servicePorts extracts each service's declared host ports for firewall
// planning, with persisted overrides replacing the first published port.
// Malformed entries were already warned about during synthesis.
func servicePorts(descs []*descriptor.Descriptor, overrides map[string]int) []firewall.ServicePort {
	var ports []firewall.ServicePort
	for _, desc := range descs {
		first := true
		for _, key := range []string{"port", "ports"} {
			value, ok := desc.Get(key)
			if !ok {
				continue
			}
			for _, entry := range strings.Split(value, ",") {
				sp, err := parsePortSpec(desc.Name, entry)
				if err != nil {
					continue
				}
				if first {
					if port, ok := overrides[desc.Name]; ok && port > 0 {
						sp.Port = port
					}
					first = false
				}
				ports = append(ports, sp)
			}
		}
	}
	return ports
}

func parsePortSpec(service, entry string) (firewall.ServicePort, error) {
	sp := firewall.ServicePort{Name: service, Proto: "tcp"}
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return sp, fmt.Errorf("empty port entry")
	}
	if idx := strings.Index(entry, "/"); idx >= 0 {
		sp.Proto = strings.ToLower(entry[idx+1:])
		entry = entry[:idx]
	}
	host := entry
	if idx := strings.Index(entry, ":"); idx >= 0 {
		host = entry[:idx]
	}
	if _, err := fmt.Sscanf(host, "%d", &sp.Port); err != nil {
		return sp, fmt.Errorf("port %q: %w", host, err)
	}
	if sp.Port < 1 || sp.Port > 65535 {
		return sp, fmt.Errorf("port %d out of range", sp.Port)
	}
	return sp, nil
}

// mergePortOverrides folds --port flags into the persisted override map.
// Each entry must name a discovered service.
func mergePortOverrides(overrides map[string]int, flags []string, descs []*descriptor.Descriptor) error {
	if len(flags) == 0 {
		return nil
	}
	known := make(map[string]bool, len(descs))
	for _, d := range descs {
		known[d.Name] = true
	}
	for _, entry := range flags {
		service, portRaw, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(service) == "" {
			return fmt.Errorf("%w: --port %q: want service:port", errUsage, entry)
		}
		port, err := strconv.Atoi(strings.TrimSpace(portRaw))
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: --port %q: invalid port", errUsage, entry)
		}
		if !known[service] {
			return fmt.Errorf("%w: --port %q: unknown service", errUsage, entry)
		}
		overrides[service] = port
	}
	return nil
}

func recordPass(hist *history.Store, passID, kind, detail string) {
	if hist == nil {
		return
	}
	if err := hist.Record(passID, kind, "", detail); err != nil {
		logger.Warn("history record failed", zap.Error(err))
	}
}

func pushMetrics(m *metrics.Metrics) {
	pusher := metrics.NewPusher(m, cfg.Metrics.PushURL, cfg.Metrics.Job, logger)
	_ = pusher.Push()
}
