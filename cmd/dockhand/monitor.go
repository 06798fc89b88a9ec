package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dockhand/internal/health"
	"dockhand/internal/history"
	"dockhand/internal/lockfile"
	"dockhand/internal/metrics"
	"dockhand/internal/runtime"
	"dockhand/internal/server"
)

var monitorOnce bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch deployed services and auto-repair unhealthy ones",
	Long: `Runs health passes on the configured schedule: diagnostics, failure
classification, and bounded-retry restarts of unhealthy containers. Also
watches the services directory for descriptor changes and serves a local
status endpoint. With --once, runs a single pass and exits.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "run a single health pass and exit")
	rootCmd.AddCommand(monitorCmd)
}

// monitor bundles the collaborators of the health loop.
type monitor struct {
	docker  *runtime.Docker
	hist    *history.Store
	metrics *metrics.Metrics
	pusher  *metrics.Pusher
	logger  *zap.Logger

	// mu serializes passes triggered by the schedule, the descriptor
	// watcher, and the startup run.
	mu sync.Mutex
}

func runMonitor(_ *cobra.Command, _ []string) error {
	docker := newDocker()
	if err := docker.Ping(); err != nil {
		return err
	}

	hist := openHistory()
	if hist != nil {
		defer hist.Close()
	}
	m := metrics.New()
	mon := &monitor{
		docker:  docker,
		hist:    hist,
		metrics: m,
		pusher:  metrics.NewPusher(m, cfg.Metrics.PushURL, cfg.Metrics.Job, logger),
		logger:  logger,
	}

	if monitorOnce {
		return mon.pass()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Monitor.Schedule, func() {
		if err := mon.pass(); err != nil {
			logger.Warn("health pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Monitor.Schedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	watcher, err := watchDescriptors(mon)
	if err != nil {
		logger.Warn("descriptor watch unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	statusSrv := server.New(cfg.StatusAddr, server.NewProvider(stateStore(), docker), m.Registry(), logger)
	statusSrv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("monitor started",
		zap.String("schedule", cfg.Monitor.Schedule),
		zap.String("status", cfg.StatusAddr))

	// First pass immediately; the schedule covers the rest.
	if err := mon.pass(); err != nil {
		logger.Warn("health pass failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("monitor stopping")
	return nil
}

// pass runs one diagnostics + repair cycle over the selected services. At
// most one pass runs at a time, and a pass yields to a bootstrap holding the
// advisory lock rather than restarting containers mid-deployment.
func (m *monitor) pass() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, err := lockfile.Acquire(cfg.LockPath)
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			m.logger.Info("orchestration lock held, skipping health pass")
			return nil
		}
		return err
	}
	defer lock.Release()

	snap, quarantined, err := stateStore().Load()
	if err != nil {
		return err
	}
	if quarantined != "" {
		m.logger.Warn("unreadable snapshot quarantined", zap.String("path", quarantined))
	}

	if m.hist != nil {
		if err := m.hist.Cleanup(); err != nil {
			m.logger.Warn("history cleanup failed", zap.Error(err))
		}
	}
	if manager, err := newWireGuardManager(); err == nil {
		if clients, err := manager.ListClients(); err == nil {
			m.metrics.VPNClientsProvision.Set(float64(len(clients)))
		}
	}

	if len(snap.SelectedServices) == 0 {
		m.logger.Debug("no services selected, skipping health pass")
		return nil
	}

	passID := newPassID()
	diag := health.NewDiagnostics(cfg.Monitor.DiagnosticsCmd, m.docker.Runner(), m.docker, m.logger)
	diag.Timeout = cfg.Monitor.DiagnosticsTimeout
	report, err := diag.Run(snap.SelectedServices)
	if err != nil {
		m.record(passID, history.KindDiagnostic, "", "diagnostics failed: "+err.Error())
		return err
	}
	m.metrics.DiagnosticFailures.Add(float64(len(report.Failures)))
	if report.Empty() {
		m.record(passID, history.KindDiagnostic, "", "all services healthy")
		m.push()
		return nil
	}
	m.record(passID, history.KindDiagnostic, "",
		fmt.Sprintf("%d failures: %s", len(report.Failures), strings.Join(report.Failures, "; ")))

	classifier := health.ForServices(snap.SelectedServices)
	repairer := health.NewRepairer(m.docker, classifier, health.Policy{
		Attempts: cfg.Monitor.Retries,
		Delay:    cfg.Monitor.RetryDelay,
	}, m.logger)
	result := repairer.Repair(report)

	for service, outcome := range result.Outcomes {
		m.metrics.RepairsTotal.WithLabelValues(string(outcome)).Inc()
		m.record(passID, history.KindRepair, service, string(outcome))
	}
	for _, failure := range result.Unclassified {
		m.logger.Warn("failure matched no known service", zap.String("failure", failure))
	}

	m.push()
	return nil
}

func (m *monitor) record(passID, kind, service, detail string) {
	if m.hist == nil {
		return
	}
	if err := m.hist.Record(passID, kind, service, detail); err != nil {
		m.logger.Warn("history record failed", zap.Error(err))
	}
}

func (m *monitor) push() {
	_ = m.pusher.Push()
}

// watchDescriptors triggers a health pass when a descriptor file changes,
// so a manual edit is validated before the next scheduled run.
func watchDescriptors(mon *monitor) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(cfg.ServicesDir); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".conf" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				mon.logger.Info("descriptor changed, running health pass",
					zap.String("file", filepath.Base(event.Name)))
				if err := mon.pass(); err != nil {
					mon.logger.Warn("health pass failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				mon.logger.Warn("descriptor watch error", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}
