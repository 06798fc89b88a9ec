package health

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"dockhand/internal/runtime"
)

func TestParseToolOutputExtractsFailureLines(t *testing.T) {
	output := `
checking services...
OK portal responded in 40ms
FAIL: radar probe timed out
fail sonar tcp check refused
garbage line without marker
FAIL
`
	got := ParseToolOutput(output)
	want := []string{"radar probe timed out", "sonar tcp check refused"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestParseToolOutputToleratesGarbage(t *testing.T) {
	for _, output := range []string{"", "\n\n", "no markers here", "\x00\x01binary"} {
		if got := ParseToolOutput(output); len(got) != 0 {
			t.Fatalf("expected no failures for %q, got %v", output, got)
		}
	}
}

func TestDiagnosticsRunMergesToolAndRuntimeFailures(t *testing.T) {
	mock := &runtime.MockRunner{Outputs: map[string]string{
		"sh -c /opt/diag.sh":  "FAIL: radar probe timed out\n",
		inspectCall("radar"):  "running unhealthy",
		inspectCall("portal"): "running healthy",
	}}
	docker := runtime.NewDockerWithRunner("docker", mock)
	diag := NewDiagnostics("/opt/diag.sh", mock, docker, nil)

	report, err := diag.Run([]string{"radar", "portal"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("expected tool + runtime failure, got %v", report.Failures)
	}
}

func TestDiagnosticsRunZeroFailures(t *testing.T) {
	mock := &runtime.MockRunner{Outputs: map[string]string{
		"sh -c /opt/diag.sh": "all good\n",
		inspectCall("app"):   "running",
	}}
	docker := runtime.NewDockerWithRunner("docker", mock)
	diag := NewDiagnostics("/opt/diag.sh", mock, docker, nil)

	report, err := diag.Run([]string{"app"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Empty() {
		t.Fatalf("expected empty report, got %v", report.Failures)
	}
}

// deadlineRunner records whether the tool run carried a deadline.
type deadlineRunner struct {
	*runtime.MockRunner
	sawDeadline bool
}

func (d *deadlineRunner) OutputContext(ctx context.Context, name string, args ...string) ([]byte, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.MockRunner.Output(name, args...)
}

func TestDiagnosticsTimeoutBoundsToolRun(t *testing.T) {
	runner := &deadlineRunner{MockRunner: &runtime.MockRunner{Outputs: map[string]string{
		"sh -c /opt/diag.sh": "all good\n",
	}}}
	diag := NewDiagnostics("/opt/diag.sh", runner, nil, nil)
	diag.Timeout = time.Minute

	if _, err := diag.Run(nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !runner.sawDeadline {
		t.Fatal("tool run carried no deadline despite a configured timeout")
	}
}

func TestDiagnosticsRunInvalidWhenToolEmitsNothingAndErrors(t *testing.T) {
	mock := &runtime.MockRunner{
		OutputErr: func(call string) error { return errors.New("exec format error") },
	}
	diag := NewDiagnostics("/opt/diag.sh", mock, nil, nil)
	if _, err := diag.Run(nil); !errors.Is(err, ErrDiagnosticsInvalid) {
		t.Fatalf("expected ErrDiagnosticsInvalid, got %v", err)
	}
}
