// Package synth translates declarative service descriptors into container
// launch arguments via a static table of typed option handlers.
package synth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dockhand/internal/descriptor"
)

// Suppressed host ports for services routed through the reverse proxy.
var proxySuppressedPorts = map[string]struct{}{"80": {}, "443": {}}

// ErrNoImage marks a descriptor that reached synthesis without an image.
var ErrNoImage = errors.New("descriptor has no image")

// ResolvedCommand is the ordered token sequence for one service launch.
// It is ephemeral; callers hand it to the runtime and discard it.
type ResolvedCommand struct {
	Service string
	// Args are the tokens following `run -d --name <service>`: flags,
	// then the image reference, then any trailing command tokens.
	Args []string
}

// Synthesizer builds ResolvedCommands from descriptors.
type Synthesizer struct {
	mapping Mapping
	logger  *zap.Logger
	// proxied marks services whose ingress ports 80/443 are suppressed.
	proxied map[string]struct{}
}

// New creates a Synthesizer with the given mapping. proxiedServices lists
// services whose web ports are owned by the reverse proxy.
func New(mapping Mapping, proxiedServices []string, logger *zap.Logger) *Synthesizer {
	if mapping == nil {
		mapping = DefaultMapping()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	proxied := make(map[string]struct{}, len(proxiedServices))
	for _, name := range proxiedServices {
		proxied[strings.TrimSpace(name)] = struct{}{}
	}
	return &Synthesizer{mapping: mapping, logger: logger, proxied: proxied}
}

// Synthesize produces the launch arguments for one descriptor. A malformed
// single option degrades to a warning and is skipped; only a missing image
// fails the whole service.
func (s *Synthesizer) Synthesize(desc *descriptor.Descriptor) (*ResolvedCommand, error) {
	if strings.TrimSpace(desc.Value("image")) == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoImage, desc.Name)
	}

	suppressWeb := s.suppressesWebPorts(desc)
	image := ""
	var flags []string
	var trailing []string

	for _, opt := range desc.Options {
		handler := s.mapping.Resolve(opt.Key)
		switch handler.Kind {
		case KindDirect:
			image = strings.TrimSpace(opt.Value)
		case KindFlag:
			for _, value := range splitList(opt.Value) {
				flags = append(flags, handler.Flag, value)
			}
		case KindFlagWhole:
			flags = append(flags, handler.Flag, strings.TrimSpace(opt.Value))
		case KindPort:
			tokens, err := expandPorts(handler.Flag, opt.Value, suppressWeb)
			if err != nil {
				s.warnSkip(desc.Name, opt, err)
				continue
			}
			flags = append(flags, tokens...)
		case KindVolume:
			tokens, err := expandVolumes(handler.Flag, opt.Value)
			if err != nil {
				s.warnSkip(desc.Name, opt, err)
				continue
			}
			flags = append(flags, tokens...)
		case KindEnv:
			tokens, err := expandEnv(handler.Flag, opt.Value)
			if err != nil {
				s.warnSkip(desc.Name, opt, err)
				continue
			}
			flags = append(flags, tokens...)
		case KindLabel:
			tokens, err := expandLabels(handler.Flag, opt.Value)
			if err != nil {
				s.warnSkip(desc.Name, opt, err)
				continue
			}
			flags = append(flags, tokens...)
		case KindBool:
			if opt.Value == "true" {
				flags = append(flags, handler.Flag)
			}
		case KindTrailing:
			trailing = append(trailing, strings.Fields(opt.Value)...)
		case KindIgnore:
			// Metadata only.
		default:
			s.logger.Warn("unmapped descriptor option",
				zap.String("service", desc.Name),
				zap.String("option", opt.Key))
		}
	}

	args := make([]string, 0, len(flags)+1+len(trailing))
	args = append(args, flags...)
	args = append(args, image)
	args = append(args, trailing...)
	return &ResolvedCommand{Service: desc.Name, Args: args}, nil
}

func (s *Synthesizer) suppressesWebPorts(desc *descriptor.Descriptor) bool {
	if _, ok := s.proxied[desc.Name]; ok {
		return true
	}
	domain, declared := desc.Get("proxy_domain")
	return declared && strings.TrimSpace(domain) != ""
}

func (s *Synthesizer) warnSkip(service string, opt descriptor.Option, err error) {
	s.logger.Warn("skipping malformed option",
		zap.String("service", service),
		zap.String("option", opt.Key),
		zap.String("value", opt.Value),
		zap.Error(err))
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		items = append(items, trimmed)
	}
	return items
}

// expandPorts normalizes port shorthands: "80" (same host and container
// port), "8080:80", and "8080:80/udp" or "8080:80:udp".
func expandPorts(flag, value string, suppressWeb bool) ([]string, error) {
	var tokens []string
	for _, entry := range splitList(value) {
		normalized, hostPort, err := normalizePort(entry)
		if err != nil {
			return nil, err
		}
		if suppressWeb {
			if _, owned := proxySuppressedPorts[hostPort]; owned {
				continue
			}
		}
		tokens = append(tokens, flag, normalized)
	}
	return tokens, nil
}

func normalizePort(entry string) (normalized, hostPort string, err error) {
	proto := ""
	body := entry
	if idx := strings.Index(body, "/"); idx >= 0 {
		proto = strings.ToLower(strings.TrimSpace(body[idx+1:]))
		body = body[:idx]
	}

	parts := strings.Split(body, ":")
	switch len(parts) {
	case 1:
		parts = []string{parts[0], parts[0]}
	case 2:
	case 3:
		// host:container:proto shorthand.
		if proto != "" {
			return "", "", fmt.Errorf("port %q: duplicate protocol", entry)
		}
		proto = strings.ToLower(strings.TrimSpace(parts[2]))
		parts = parts[:2]
	default:
		return "", "", fmt.Errorf("port %q: too many fields", entry)
	}

	for _, part := range parts {
		port, convErr := strconv.Atoi(strings.TrimSpace(part))
		if convErr != nil || port < 1 || port > 65535 {
			return "", "", fmt.Errorf("port %q: invalid port number %q", entry, part)
		}
	}
	if proto != "" && proto != "tcp" && proto != "udp" {
		return "", "", fmt.Errorf("port %q: unsupported protocol %q", entry, proto)
	}

	normalized = strings.TrimSpace(parts[0]) + ":" + strings.TrimSpace(parts[1])
	if proto != "" {
		normalized += "/" + proto
	}
	return normalized, strings.TrimSpace(parts[0]), nil
}

// expandVolumes normalizes volume shorthands: name or host path, optional
// container path and mode.
func expandVolumes(flag, value string) ([]string, error) {
	var tokens []string
	for _, entry := range splitList(value) {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("volume %q: want source:target[:mode]", entry)
		}
		for _, part := range parts {
			if strings.TrimSpace(part) == "" {
				return nil, fmt.Errorf("volume %q: empty field", entry)
			}
		}
		tokens = append(tokens, flag, entry)
	}
	return tokens, nil
}

// expandEnv normalizes KEY=VALUE declarations, expanding ${VAR} references
// against the process environment unless the value is volume-path shaped.
func expandEnv(flag, value string) ([]string, error) {
	var tokens []string
	for _, entry := range splitList(value) {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("env %q: want KEY=VALUE", entry)
		}
		tokens = append(tokens, flag, descriptor.ExpandVariables(entry))
	}
	return tokens, nil
}

func expandLabels(flag, value string) ([]string, error) {
	var tokens []string
	for _, entry := range splitList(value) {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("label %q: want key=value", entry)
		}
		tokens = append(tokens, flag, entry)
	}
	return tokens, nil
}
