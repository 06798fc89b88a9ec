package firewall

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dockhand/internal/runtime"
)

// Backend is the opaque allow/deny-by-port-and-source capability this
// package consumes. The packet filter itself is never reimplemented.
type Backend interface {
	Name() string
	EnsureAllow(rule Rule) error
	EnsureDeny(port int, proto string) error
}

// Detect walks the fallback chain: ufw when installed and self-reporting
// active, then raw iptables, then nothing.
func Detect(runner runtime.Runner, logger *zap.Logger) Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	ufw := &UFWBackend{runner: runner}
	if ufw.active() {
		return ufw
	}
	ipt := &IPTablesBackend{runner: runner}
	if ipt.available() {
		return ipt
	}
	logger.Warn("neither ufw nor iptables usable; firewall policy will not be enforced")
	return nil
}

// UFWBackend drives the ufw front-end.
type UFWBackend struct {
	runner runtime.Runner
}

// NewUFWBackend creates a ufw backend with a custom runner for tests.
func NewUFWBackend(runner runtime.Runner) *UFWBackend {
	return &UFWBackend{runner: runner}
}

func (b *UFWBackend) Name() string { return "ufw" }

func (b *UFWBackend) active() bool {
	out, err := b.runner.Output("ufw", "status")
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Status: active")
}

// EnsureAllow adds the allow rule unless an equivalent one is listed.
func (b *UFWBackend) EnsureAllow(rule Rule) error {
	if b.hasRule(fmt.Sprintf("%d/%s", rule.Port, rule.Proto), "ALLOW", rule.Source.String()) {
		return nil
	}
	if err := b.runner.Run("ufw", "allow", "proto", rule.Proto,
		"from", rule.Source.String(), "to", "any", "port", strconv.Itoa(rule.Port)); err != nil {
		return fmt.Errorf("ufw allow: %w", err)
	}
	return nil
}

// EnsureDeny appends the catch-all deny for the port.
func (b *UFWBackend) EnsureDeny(port int, proto string) error {
	spec := fmt.Sprintf("%d/%s", port, proto)
	if b.hasRule(spec, "DENY", "Anywhere") {
		return nil
	}
	if err := b.runner.Run("ufw", "deny", spec); err != nil {
		return fmt.Errorf("ufw deny: %w", err)
	}
	return nil
}

func (b *UFWBackend) hasRule(portSpec, action, source string) bool {
	out, err := b.runner.Output("ufw", "status")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[0] == portSpec && fields[1] == action && strings.Contains(line, source) {
			return true
		}
	}
	return false
}

// IPTablesBackend drives iptables directly when ufw is absent.
type IPTablesBackend struct {
	runner runtime.Runner
}

// NewIPTablesBackend creates an iptables backend with a custom runner.
func NewIPTablesBackend(runner runtime.Runner) *IPTablesBackend {
	return &IPTablesBackend{runner: runner}
}

func (b *IPTablesBackend) Name() string { return "iptables" }

func (b *IPTablesBackend) available() bool {
	_, err := b.runner.Output("iptables", "--version")
	return err == nil
}

// EnsureAllow probes with -C before appending, so repeated runs are no-ops.
func (b *IPTablesBackend) EnsureAllow(rule Rule) error {
	args := []string{"INPUT", "-p", rule.Proto,
		"-s", rule.Source.String(),
		"--dport", strconv.Itoa(rule.Port), "-j", "ACCEPT"}
	if err := b.runner.Run("iptables", append([]string{"-C"}, args...)...); err == nil {
		return nil
	}
	if err := b.runner.Run("iptables", append([]string{"-A"}, args...)...); err != nil {
		return fmt.Errorf("iptables accept: %w", err)
	}
	return nil
}

// EnsureDeny appends the trailing drop for the port.
func (b *IPTablesBackend) EnsureDeny(port int, proto string) error {
	args := []string{"INPUT", "-p", proto,
		"--dport", strconv.Itoa(port), "-j", "DROP"}
	if err := b.runner.Run("iptables", append([]string{"-C"}, args...)...); err == nil {
		return nil
	}
	if err := b.runner.Run("iptables", append([]string{"-A"}, args...)...); err != nil {
		return fmt.Errorf("iptables drop: %w", err)
	}
	return nil
}
