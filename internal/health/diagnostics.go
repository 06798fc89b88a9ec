// Package health runs periodic diagnostics and repairs unhealthy services
// with bounded restarts. It never creates containers; repair is restart-only.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dockhand/internal/runtime"
)

// ErrDiagnosticsInvalid indicates the external diagnostics tool produced
// nothing usable at all (distinct from a report listing zero failures).
var ErrDiagnosticsInvalid = errors.New("diagnostics output invalid")

// failurePrefix marks actionable lines in diagnostics output.
const failurePrefix = "FAIL"

// Report is the structured failure list from one diagnostics run.
type Report struct {
	Failures []string
}

// Empty reports whether no actionable failures were found.
func (r Report) Empty() bool { return len(r.Failures) == 0 }

// Diagnostics collects failures from the external diagnostics command and
// from the runtime's own health states.
type Diagnostics struct {
	command string
	runner  runtime.Runner
	docker  *runtime.Docker
	logger  *zap.Logger

	// Timeout bounds one run of the external tool. Zero means unbounded.
	Timeout time.Duration
}

// contextRunner is implemented by runners that can bound a command.
type contextRunner interface {
	OutputContext(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewDiagnostics builds a diagnostics step. command may be empty, in which
// case only runtime health states are consulted.
func NewDiagnostics(command string, runner runtime.Runner, docker *runtime.Docker, logger *zap.Logger) *Diagnostics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Diagnostics{command: command, runner: runner, docker: docker, logger: logger}
}

// Run executes the diagnostics step for the selected services. Empty,
// partial, or malformed tool output degrades to "no actionable failures";
// only a tool that errors without emitting anything is reported as invalid.
func (d *Diagnostics) Run(selected []string) (Report, error) {
	var report Report

	if strings.TrimSpace(d.command) != "" {
		out, err := d.toolOutput()
		if err != nil && len(strings.TrimSpace(string(out))) == 0 {
			return Report{}, fmt.Errorf("%w: %s: %v", ErrDiagnosticsInvalid, d.command, err)
		}
		report.Failures = append(report.Failures, ParseToolOutput(string(out))...)
	}

	if d.docker != nil {
		for _, service := range selected {
			state, err := d.docker.ContainerState(service)
			if err != nil {
				d.logger.Warn("health inspect failed", zap.String("service", service), zap.Error(err))
				continue
			}
			switch state {
			case runtime.StateUnhealthy:
				report.Failures = append(report.Failures, fmt.Sprintf("container %s reports unhealthy", service))
			case runtime.StateExited:
				report.Failures = append(report.Failures, fmt.Sprintf("container %s is not running", service))
			case runtime.StateMissing:
				report.Failures = append(report.Failures, fmt.Sprintf("container %s is missing", service))
			}
		}
	}
	return report, nil
}

// toolOutput runs the diagnostics command, bounded by Timeout when the
// runner supports cancellation.
func (d *Diagnostics) toolOutput() ([]byte, error) {
	if d.Timeout > 0 {
		if cr, ok := d.runner.(contextRunner); ok {
			ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
			defer cancel()
			return cr.OutputContext(ctx, "sh", "-c", d.command)
		}
	}
	return d.runner.Output("sh", "-c", d.command)
}

// ParseToolOutput extracts failure lines from free-form diagnostics output.
// Lines beginning with FAIL (any case, optional colon) are failures; every
// other line is ignored, so partial or malformed output never aborts a pass.
func ParseToolOutput(output string) []string {
	var failures []string
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, failurePrefix) {
			continue
		}
		rest := strings.TrimSpace(line[len(failurePrefix):])
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		if rest != "" {
			failures = append(failures, rest)
		}
	}
	return failures
}
