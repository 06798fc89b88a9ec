package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"dockhand/internal/firewall"
	"dockhand/internal/health"
	"dockhand/internal/state"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run one diagnostics pass and report failures",
	Long: `Checks the host environment (runtime daemon, firewall backend, lock,
snapshot) and runs the configured diagnostics command plus runtime state
checks for the selected services. Exits zero when nothing is wrong, so
external schedulers can gate on it.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	var failures []string

	docker := newDocker()
	daemonUp := true
	if err := docker.Ping(); err != nil {
		daemonUp = false
		failures = append(failures, err.Error())
	}

	snap := state.Empty()
	if loaded, quarantined, err := stateStore().Load(); err != nil {
		failures = append(failures, "snapshot unreadable: "+err.Error())
	} else {
		snap = loaded
		if quarantined != "" {
			failures = append(failures, "snapshot was corrupt and has been quarantined: "+quarantined)
		}
	}

	if mode, err := firewall.ParseMode(cfg.Firewall.Mode); err != nil {
		failures = append(failures, err.Error())
	} else if mode != firewall.ModeOpen {
		if backend := firewall.Detect(docker.Runner(), logger); backend == nil {
			failures = append(failures, fmt.Sprintf("firewall mode %s configured but no backend available", mode))
		}
	}

	if lock, err := acquireLock(); err != nil {
		failures = append(failures, "advisory lock unavailable: "+err.Error())
	} else {
		_ = lock.Release()
	}

	if manager, err := newWireGuardManager(); err == nil {
		if clients, err := manager.ListClients(); err == nil && len(clients) > 0 {
			if _, err := exec.LookPath("wg"); err != nil {
				failures = append(failures, fmt.Sprintf("%d VPN clients provisioned but wg binary not found", len(clients)))
			}
		}
	}

	if daemonUp {
		diag := health.NewDiagnostics(cfg.Monitor.DiagnosticsCmd, docker.Runner(), docker, logger)
		diag.Timeout = cfg.Monitor.DiagnosticsTimeout
		report, err := diag.Run(snap.SelectedServices)
		if err != nil {
			return err
		}
		failures = append(failures, report.Failures...)
	}

	out := cmd.OutOrStdout()
	if len(failures) == 0 {
		fmt.Fprintf(out, "ok: %d services healthy\n", len(snap.SelectedServices))
		return nil
	}
	for _, failure := range failures {
		fmt.Fprintf(out, "FAIL %s\n", failure)
	}
	return fmt.Errorf("%d failures detected", len(failures))
}
