package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dockhand/internal/descriptor"
	"dockhand/internal/firewall"
)

var firewallCmd = &cobra.Command{
	Use:   "firewall",
	Short: "Inspect and apply reachability policy",
}

var firewallApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the configured firewall mode to all declared services",
	Args:  cobra.NoArgs,
	RunE:  runFirewallApply,
}

var firewallStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the detected backend and the planned rule set",
	Args:  cobra.NoArgs,
	RunE:  runFirewallStatus,
}

func init() {
	firewallCmd.AddCommand(firewallApplyCmd, firewallStatusCmd)
	rootCmd.AddCommand(firewallCmd)
}

func runFirewallApply(_ *cobra.Command, _ []string) error {
	if err := requireRoot(); err != nil {
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

	store := stateStore()
	snap, _, err := store.Load()
	if err != nil {
		return err
	}

	hist := openHistory()
	if hist != nil {
		defer hist.Close()
	}
	if err := applyFirewall(newDocker(), hist, newPassID(), descs, snap.PortOverrides); err != nil {
		return err
	}

	snap.FirewallMode = cfg.Firewall.Mode
	snap.CustomFirewall = append([]string(nil), cfg.Firewall.CustomServices...)
	return store.Save(snap)
}

func runFirewallStatus(cmd *cobra.Command, _ []string) error {
	descs, _, err := descriptor.Discover(cfg.ServicesDir)
	if err != nil {
		return fmt.Errorf("discover descriptors: %w", err)
	}
	snap, _, err := stateStore().Load()
	if err != nil {
		return err
	}
	mode, err := firewall.ParseMode(cfg.Firewall.Mode)
	if err != nil {
		return err
	}
	backend := firewall.Detect(newDocker().Runner(), logger)
	engine, err := newFirewallEngine(backend)
	if err != nil {
		return err
	}
	rules := engine.Plan(mode, servicePorts(descs, snap.PortOverrides), cfg.Firewall.CustomServices)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mode:    %s\n", mode)
	fmt.Fprintf(out, "backend: %s\n", engine.BackendName())
	if len(rules) == 0 {
		fmt.Fprintln(out, "no restrictions planned")
		return nil
	}
	for _, rule := range rules {
		fmt.Fprintf(out, "allow %-20s port %5d/%-3s from %-6s %s\n",
			rule.Service, rule.Port, rule.Proto, rule.Class, rule.Source)
	}
	return nil
}
