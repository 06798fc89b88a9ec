package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dockhand/internal/history"
)

var downCmd = &cobra.Command{
	Use:   "down [service...]",
	Short: "Stop and remove deployed services",
	Long: `Tears down the services recorded in the desired-state snapshot, or only
the named subset. Missing containers are tolerated; the snapshot is updated
to drop whatever was removed.`,
	RunE: runDown,
}

func init() {
	rootCmd.AddCommand(downCmd)
}

func runDown(_ *cobra.Command, args []string) error {
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

	store := stateStore()
	snap, quarantined, err := store.Load()
	if err != nil {
		return err
	}
	if quarantined != "" {
		logger.Warn("unreadable snapshot quarantined", zap.String("path", quarantined))
	}

	targets := snap.SelectedServices
	if len(args) > 0 {
		targets = args
	}
	if len(targets) == 0 {
		logger.Info("nothing to tear down")
		return nil
	}

	hist := openHistory()
	if hist != nil {
		defer hist.Close()
	}
	passID := newPassID()
	recordPass(hist, passID, history.KindPassStart, fmt.Sprintf("tearing down %d services", len(targets)))

	ctrl := newController(docker, hist)
	failed, teardownErr := ctrl.Teardown(passID, targets)

	snap.SelectedServices = remainingServices(snap.SelectedServices, targets, failed)
	if err := store.Save(snap); err != nil {
		return fmt.Errorf("persist desired state: %w", err)
	}

	if teardownErr != nil {
		recordPass(hist, passID, history.KindPassEnd, "incomplete: "+teardownErr.Error())
		return teardownErr
	}
	recordPass(hist, passID, history.KindPassEnd, "ok")
	logger.Info("teardown complete", zap.Int("services", len(targets)))
	return nil
}

// remainingServices drops the torn-down targets from the selected set while
// keeping services whose teardown failed: they are still deployed and the
// monitor must keep watching them.
func remainingServices(selected, targets, failed []string) []string {
	removed := make(map[string]bool, len(targets))
	for _, svc := range targets {
		removed[svc] = true
	}
	for _, svc := range failed {
		removed[svc] = false
	}
	var remaining []string
	for _, svc := range selected {
		if !removed[svc] {
			remaining = append(remaining, svc)
		}
	}
	return remaining
}
