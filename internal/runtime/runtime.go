// Package runtime wraps the container runtime CLI. The runtime itself is an
// external collaborator; every operation here shells out through a small
// Runner interface so tests can record and script invocations.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrRuntimeMissing indicates the runtime binary is absent or the daemon is
// unreachable; this is a shared-infrastructure failure that aborts the run.
var ErrRuntimeMissing = errors.New("container runtime unavailable")

// Runner abstracts process execution for testability.
type Runner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// SystemRunner returns the Runner backed by os/exec.
func SystemRunner() Runner {
	return execRunner{}
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (execRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// OutputContext runs the command under ctx, killing it on expiry.
func (execRunner) OutputContext(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// State is a container's observed runtime state.
type State string

const (
	StateMissing   State = "missing"
	StateRunning   State = "running"
	StateExited    State = "exited"
	StateUnhealthy State = "unhealthy"
	StateUnknown   State = "unknown"
)

// Docker drives the docker CLI.
type Docker struct {
	bin    string
	runner Runner
	// dialTimeout bounds the host port probe.
	dialTimeout time.Duration
}

// NewDocker creates a Docker wrapper using the system runner.
func NewDocker(bin string) *Docker {
	return NewDockerWithRunner(bin, nil)
}

// NewDockerWithRunner creates a Docker wrapper with a custom runner for tests.
func NewDockerWithRunner(bin string, runner Runner) *Docker {
	if strings.TrimSpace(bin) == "" {
		bin = "docker"
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &Docker{bin: bin, runner: runner, dialTimeout: 500 * time.Millisecond}
}

// Runner exposes the underlying command runner for collaborators that
// shell out to other host tools.
func (d *Docker) Runner() Runner {
	return d.runner
}

// Ping verifies the runtime binary exists and the daemon answers.
func (d *Docker) Ping() error {
	if _, err := d.runner.Output(d.bin, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("%w: %s daemon did not answer: %v (is the daemon running and do you have permission?)", ErrRuntimeMissing, d.bin, err)
	}
	return nil
}

// ContainerState inspects the named container: running, exited, unhealthy
// (running with a failing health check), or missing.
func (d *Docker) ContainerState(name string) (State, error) {
	out, err := d.runner.Output(d.bin, "inspect", "--format",
		"{{.State.Status}} {{if .State.Health}}{{.State.Health.Status}}{{end}}", name)
	if err != nil {
		// Inspect fails with a "No such object" diagnostic for missing
		// containers; anything the daemon answers for counts as missing.
		combined := strings.ToLower(string(out) + " " + err.Error())
		if strings.Contains(combined, "no such") {
			return StateMissing, nil
		}
		return StateUnknown, fmt.Errorf("inspect %s: %w", name, err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return StateUnknown, nil
	}
	status := fields[0]
	health := ""
	if len(fields) > 1 {
		health = fields[1]
	}
	switch {
	case status == "running" && health == "unhealthy":
		return StateUnhealthy, nil
	case status == "running":
		return StateRunning, nil
	case status == "exited", status == "created", status == "dead":
		return StateExited, nil
	default:
		return StateUnknown, nil
	}
}

// Stop stops the named container. A missing container is a silent no-op.
func (d *Docker) Stop(name string) error {
	state, err := d.ContainerState(name)
	if err != nil {
		return err
	}
	if state == StateMissing {
		return nil
	}
	if err := d.runner.Run(d.bin, "stop", name); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// Remove force-removes the named container. Missing is a silent no-op.
func (d *Docker) Remove(name string) error {
	state, err := d.ContainerState(name)
	if err != nil {
		return err
	}
	if state == StateMissing {
		return nil
	}
	if err := d.runner.Run(d.bin, "rm", "-f", name); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Start starts an existing stopped container.
func (d *Docker) Start(name string) error {
	if err := d.runner.Run(d.bin, "start", name); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

// Restart restarts an existing container.
func (d *Docker) Restart(name string) error {
	if err := d.runner.Run(d.bin, "restart", name); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	return nil
}

// Launch runs a detached container with the given name and synthesized
// arguments (flags, image, trailing command).
func (d *Docker) Launch(name string, args []string) error {
	full := append([]string{"run", "-d", "--name", name}, args...)
	if out, err := d.runner.Output(d.bin, full...); err != nil {
		return fmt.Errorf("run %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RunningContainers lists container names the daemon reports as running.
func (d *Docker) RunningContainers() ([]string, error) {
	out, err := d.runner.Output(d.bin, "ps", "--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names, nil
}

// HostPortBound probes whether a TCP port is already bound on the host.
// Used for the pre-launch conflict warning; a probe failure means "free".
func (d *Docker) HostPortBound(port int) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), d.dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
