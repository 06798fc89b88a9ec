// Package lifecycle brings the selected service set to its desired running
// state. Deployment is sequential and deliberately not parallelized across
// services; a failed launch aborts the whole pass.
package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dockhand/internal/descriptor"
	"dockhand/internal/history"
	"dockhand/internal/runtime"
	"dockhand/internal/synth"
)

// Controller orchestrates per-service container lifecycle operations.
type Controller struct {
	docker  *runtime.Docker
	synth   *synth.Synthesizer
	hooks   runtime.Runner
	history *history.Store
	logger  *zap.Logger
	// overrides remap the published host port per service.
	overrides map[string]int
}

// New creates a lifecycle controller. history may be nil (recording skipped).
func New(docker *runtime.Docker, synthesizer *synth.Synthesizer, hooks runtime.Runner, hist *history.Store, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		docker:  docker,
		synth:   synthesizer,
		hooks:   hooks,
		history: hist,
		logger:  logger,
	}
}

// SetPortOverrides remaps the published host port of the named services for
// subsequent deploys. The container side of the mapping is untouched.
func (c *Controller) SetPortOverrides(overrides map[string]int) {
	c.overrides = overrides
}

// DeployAll deploys every descriptor in order. The first failure aborts the
// pass; partial deployments must not continue silently.
func (c *Controller) DeployAll(passID string, descs []*descriptor.Descriptor) error {
	for _, desc := range descs {
		if err := c.Deploy(passID, desc); err != nil {
			return fmt.Errorf("deploy %s: %w", desc.Name, err)
		}
	}
	return nil
}

// Deploy replaces the service's container with one launched from its
// descriptor, then runs the declared post-start hook.
func (c *Controller) Deploy(passID string, desc *descriptor.Descriptor) error {
	cmd, err := c.synth.Synthesize(desc)
	if err != nil {
		return err
	}
	if port, ok := c.overrides[desc.Name]; ok && port > 0 {
		overridePublishedPort(cmd.Args, port)
		c.logger.Info("host port overridden",
			zap.String("service", desc.Name), zap.Int("port", port))
	}

	if err := c.docker.Stop(desc.Name); err != nil {
		return fmt.Errorf("stop existing: %w", err)
	}
	if err := c.docker.Remove(desc.Name); err != nil {
		return fmt.Errorf("remove existing: %w", err)
	}

	for _, port := range hostPorts(cmd.Args) {
		if c.docker.HostPortBound(port) {
			c.logger.Warn("declared host port already bound",
				zap.String("service", desc.Name),
				zap.Int("port", port))
		}
	}

	if err := c.docker.Launch(desc.Name, cmd.Args); err != nil {
		c.record(passID, history.KindDeploy, desc.Name, "launch failed: "+err.Error())
		return fmt.Errorf("launch: %w", err)
	}

	if hook := desc.Value("post_start"); hook != "" {
		if err := c.hooks.Run("sh", "-c", hook); err != nil {
			c.record(passID, history.KindDeploy, desc.Name, "post-start hook failed: "+err.Error())
			return fmt.Errorf("post-start hook: %w", err)
		}
	}

	c.logger.Info("service deployed", zap.String("service", desc.Name))
	c.record(passID, history.KindDeploy, desc.Name, "deployed")
	return nil
}

// Teardown stops and removes every named service. Missing containers are
// tolerated; errors are collected per service rather than aborting. The
// returned slice names the services still deployed after the attempt, so
// callers can keep them in the desired state.
func (c *Controller) Teardown(passID string, services []string) ([]string, error) {
	var failed []string
	for _, svc := range services {
		if err := c.docker.Stop(svc); err != nil {
			c.logger.Warn("stop failed", zap.String("service", svc), zap.Error(err))
			failed = append(failed, svc)
			continue
		}
		if err := c.docker.Remove(svc); err != nil {
			c.logger.Warn("remove failed", zap.String("service", svc), zap.Error(err))
			failed = append(failed, svc)
			continue
		}
		c.record(passID, history.KindDeploy, svc, "torn down")
	}
	if len(failed) > 0 {
		return failed, fmt.Errorf("teardown incomplete: %s", strings.Join(failed, ", "))
	}
	return nil, nil
}

// Start starts the named container. A missing container is reported in the
// returned state, not treated as an error.
func (c *Controller) Start(name string) (runtime.State, error) {
	st, err := c.docker.ContainerState(name)
	if err != nil {
		return runtime.StateUnknown, err
	}
	if st == runtime.StateMissing {
		return st, nil
	}
	if st == runtime.StateRunning {
		return st, nil
	}
	if err := c.docker.Start(name); err != nil {
		return st, err
	}
	return runtime.StateRunning, nil
}

// Stop stops the named container, tolerating a missing one.
func (c *Controller) Stop(name string) (runtime.State, error) {
	st, err := c.docker.ContainerState(name)
	if err != nil {
		return runtime.StateUnknown, err
	}
	if st == runtime.StateMissing {
		return st, nil
	}
	if err := c.docker.Stop(name); err != nil {
		return st, err
	}
	return runtime.StateExited, nil
}

// Restart restarts the named container, tolerating a missing one.
func (c *Controller) Restart(name string) (runtime.State, error) {
	st, err := c.docker.ContainerState(name)
	if err != nil {
		return runtime.StateUnknown, err
	}
	if st == runtime.StateMissing {
		return st, nil
	}
	if err := c.docker.Restart(name); err != nil {
		return st, err
	}
	return runtime.StateRunning, nil
}

// Remove stops and removes the named container, tolerating a missing one.
func (c *Controller) Remove(name string) (runtime.State, error) {
	st, err := c.docker.ContainerState(name)
	if err != nil {
		return runtime.StateUnknown, err
	}
	if st == runtime.StateMissing {
		return st, nil
	}
	if err := c.docker.Stop(name); err != nil {
		return st, err
	}
	if err := c.docker.Remove(name); err != nil {
		return st, err
	}
	return runtime.StateMissing, nil
}

// Status reports the container state for the named service.
func (c *Controller) Status(name string) (runtime.State, error) {
	return c.docker.ContainerState(name)
}

func (c *Controller) record(passID, kind, service, detail string) {
	if c.history == nil {
		return
	}
	if err := c.history.Record(passID, kind, service, detail); err != nil {
		c.logger.Warn("history record failed", zap.Error(err))
	}
}

// overridePublishedPort rewrites the host side of the first -p mapping.
func overridePublishedPort(args []string, port int) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-p" {
			continue
		}
		spec := args[i+1]
		if idx := strings.Index(spec, ":"); idx >= 0 {
			args[i+1] = strconv.Itoa(port) + spec[idx:]
		}
		return
	}
}

// hostPorts extracts the host-side ports from -p flag values.
func hostPorts(args []string) []int {
	var ports []int
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-p" {
			continue
		}
		spec := args[i+1]
		host := spec
		if idx := strings.Index(spec, ":"); idx >= 0 {
			host = spec[:idx]
		}
		if port, err := strconv.Atoi(host); err == nil {
			ports = append(ports, port)
		}
	}
	return ports
}
