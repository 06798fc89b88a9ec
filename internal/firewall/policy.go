// Package firewall derives per-service reachability rules and applies them
// through the best available packet-filter backend. Firewalling is
// best-effort hardening: a host without any backend gets a warning, never a
// failed launch.
package firewall

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go4.org/netipx"
)

// Mode selects the restriction policy.
type Mode string

const (
	// ModeOpen applies no restriction rules.
	ModeOpen Mode = "open"
	// ModeRestrict restricts every selected service to trusted subnets.
	ModeRestrict Mode = "restrict"
	// ModeCustom restricts only an explicitly listed subset.
	ModeCustom Mode = "custom"
)

// ParseMode validates a mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.TrimSpace(raw)) {
	case ModeOpen:
		return ModeOpen, nil
	case ModeRestrict:
		return ModeRestrict, nil
	case ModeCustom:
		return ModeCustom, nil
	default:
		return "", fmt.Errorf("unknown firewall mode %q", raw)
	}
}

// SubnetClass names a trusted source range.
type SubnetClass string

const (
	ClassLAN    SubnetClass = "lan"
	ClassVPN    SubnetClass = "vpn"
	ClassDocker SubnetClass = "docker"
)

// Rule is one derived allow rule: reach service's port/proto from source.
// Rules are derived fresh each run and never persisted.
type Rule struct {
	Service string
	Port    int
	Proto   string
	Class   SubnetClass
	Source  netip.Prefix
}

// ServicePort is a service's declared reachable endpoint.
type ServicePort struct {
	Name  string
	Port  int
	Proto string
}

// TrustedSubnets are the source ranges granted access under restriction.
type TrustedSubnets struct {
	LAN    netip.Prefix
	VPN    netip.Prefix
	Docker netip.Prefix
}

// Validate checks the prefixes and returns the canonical trusted set.
// netipx folds overlapping or adjacent ranges so duplicate allow rules are
// never derived from overlapping configuration.
func (t TrustedSubnets) Validate() error {
	var builder netipx.IPSetBuilder
	for _, p := range []netip.Prefix{t.LAN, t.VPN, t.Docker} {
		if !p.IsValid() {
			return fmt.Errorf("invalid trusted subnet %v", p)
		}
		builder.AddPrefix(p)
	}
	if _, err := builder.IPSet(); err != nil {
		return fmt.Errorf("build trusted subnet set: %w", err)
	}
	return nil
}

func (t TrustedSubnets) classes() []struct {
	class  SubnetClass
	prefix netip.Prefix
} {
	return []struct {
		class  SubnetClass
		prefix netip.Prefix
	}{
		{ClassLAN, t.LAN},
		{ClassVPN, t.VPN},
		{ClassDocker, t.Docker},
	}
}

// Engine derives and applies policy.
type Engine struct {
	subnets TrustedSubnets
	// vpnEndpoint is never restricted; it is the only remote-access path.
	vpnEndpoint string
	backend     Backend
	logger      *zap.Logger
}

// NewEngine builds an Engine. backend may be nil (warn-and-noop).
func NewEngine(subnets TrustedSubnets, vpnEndpoint string, backend Backend, logger *zap.Logger) (*Engine, error) {
	if err := subnets.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		subnets:     subnets,
		vpnEndpoint: strings.TrimSpace(vpnEndpoint),
		backend:     backend,
		logger:      logger,
	}, nil
}

// Plan derives the rule set for the given mode and services. The VPN
// endpoint service is always excluded from restriction.
func (e *Engine) Plan(mode Mode, services []ServicePort, custom []string) []Rule {
	if mode == ModeOpen {
		return nil
	}

	restricted := make(map[string]struct{}, len(custom))
	for _, name := range custom {
		restricted[strings.TrimSpace(name)] = struct{}{}
	}

	var rules []Rule
	for _, svc := range services {
		if svc.Name == e.vpnEndpoint {
			continue
		}
		if mode == ModeCustom {
			if _, listed := restricted[svc.Name]; !listed {
				continue
			}
		}
		if svc.Port <= 0 {
			continue
		}
		proto := strings.ToLower(strings.TrimSpace(svc.Proto))
		if proto == "" {
			proto = "tcp"
		}
		for _, entry := range e.subnets.classes() {
			rules = append(rules, Rule{
				Service: svc.Name,
				Port:    svc.Port,
				Proto:   proto,
				Class:   entry.class,
				Source:  entry.prefix,
			})
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Service != rules[j].Service {
			return rules[i].Service < rules[j].Service
		}
		if rules[i].Port != rules[j].Port {
			return rules[i].Port < rules[j].Port
		}
		return rules[i].Class < rules[j].Class
	})
	return rules
}

// Apply ensures every planned allow rule plus the per-port default-deny.
// Equivalent existing rules are detected by the backend, so repeated runs
// never accumulate duplicates. With no backend this logs one warning and
// returns nil.
func (e *Engine) Apply(rules []Rule) error {
	if e.backend == nil {
		e.logger.Warn("no firewall backend available; skipping policy enforcement")
		return nil
	}
	seenPorts := make(map[string]struct{})
	for _, rule := range rules {
		if err := e.backend.EnsureAllow(rule); err != nil {
			return fmt.Errorf("allow %s port %d from %s: %w", rule.Service, rule.Port, rule.Source, err)
		}
		portKey := fmt.Sprintf("%d/%s", rule.Port, rule.Proto)
		if _, done := seenPorts[portKey]; done {
			continue
		}
		seenPorts[portKey] = struct{}{}
		if err := e.backend.EnsureDeny(rule.Port, rule.Proto); err != nil {
			return fmt.Errorf("default-deny port %s: %w", portKey, err)
		}
	}
	return nil
}

// BackendName reports the active backend for diagnostics output.
func (e *Engine) BackendName() string {
	if e.backend == nil {
		return "none"
	}
	return e.backend.Name()
}
