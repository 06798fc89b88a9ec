package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"dockhand/internal/config"
	"dockhand/internal/history"
	"dockhand/internal/lockfile"
	"dockhand/internal/metrics"
	"dockhand/internal/runtime"
	"dockhand/internal/state"
)

const inspectFormat = "{{.State.Status}} {{if .State.Health}}{{.State.Health.Status}}{{end}}"

func newTestMonitor(t *testing.T, mock *runtime.MockRunner) *monitor {
	t.Helper()
	cfg = config.Default()
	cfg.RebaseDataDir(t.TempDir())
	logger = zap.NewNop()
	m := metrics.New()
	return &monitor{
		docker:  runtime.NewDockerWithRunner("docker", mock),
		metrics: m,
		pusher:  metrics.NewPusher(m, "", cfg.Metrics.Job, logger),
		logger:  logger,
	}
}

func TestHealthPassSkipsWhileLockHeld(t *testing.T) {
	mock := &runtime.MockRunner{}
	mon := newTestMonitor(t, mock)

	lock, err := lockfile.Acquire(cfg.LockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if err := mon.pass(); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(mock.OutputCalls) != 0 || len(mock.RunCalls) != 0 {
		t.Fatalf("runtime touched while lock held: %v %v", mock.OutputCalls, mock.RunCalls)
	}
}

func TestHealthPassRunsHousekeepingAndDiagnostics(t *testing.T) {
	mock := &runtime.MockRunner{Outputs: map[string]string{
		"docker inspect --format " + inspectFormat + " webapp": "running healthy",
	}}
	mon := newTestMonitor(t, mock)

	snap := state.Empty()
	snap.SelectedServices = []string{"webapp"}
	if err := state.NewStore(cfg.SnapshotPath).Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	clientDir := filepath.Join(cfg.VPN.Dir, "clients", "laptop")
	if err := os.MkdirAll(clientDir, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(clientDir, "address"), []byte("10.8.0.2\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		t.Fatalf("Open history: %v", err)
	}
	defer hist.Close()
	mon.hist = hist

	if err := mon.pass(); err != nil {
		t.Fatalf("pass: %v", err)
	}

	inspected := false
	for _, call := range mock.OutputCalls {
		if call == "docker inspect --format "+inspectFormat+" webapp" {
			inspected = true
		}
	}
	if !inspected {
		t.Fatalf("selected service never inspected: %v", mock.OutputCalls)
	}
	if got := testutil.ToFloat64(mon.metrics.VPNClientsProvision); got != 1 {
		t.Fatalf("provisioned clients gauge = %v, want 1", got)
	}
}
