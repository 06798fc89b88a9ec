// Package state persists the desired-state snapshot: a shell-sourceable
// key=value file with array values rendered as (a b c). The snapshot is the
// single shared mutable resource between orchestration passes; writes are
// atomic and last-write-wins.
package state

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// versionKey marks the current snapshot format. Files without it (or
	// carrying an older marker) are quarantined, never misapplied.
	versionKey     = "DOCKHAND_STATE_VERSION"
	currentVersion = "2"
)

var (
	assignPattern = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)=(.*)$`)
	// legacyMarkers identify snapshot formats this version cannot source.
	legacyMarkers = []*regexp.Regexp{
		regexp.MustCompile(`^CONFIG_VERSION=`),
		regexp.MustCompile(`^STACK_STATE_V1\b`),
	}
)

// Snapshot is the persisted subset of resolved configuration.
type Snapshot struct {
	SelectedServices []string
	PortOverrides    map[string]int
	IPAssignments    map[string]string
	FirewallMode     string
	CustomFirewall   []string
}

// Empty returns a snapshot with initialized maps.
func Empty() *Snapshot {
	return &Snapshot{
		PortOverrides: make(map[string]int),
		IPAssignments: make(map[string]string),
	}
}

// Store loads and saves snapshots at a fixed path.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore creates a snapshot store at path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Load reads the snapshot. A missing file yields an empty snapshot. A legacy
// or corrupt file is renamed aside with a timestamp and an empty snapshot is
// returned together with the quarantine path.
func (s *Store) Load() (*Snapshot, string, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Empty(), "", nil
		}
		return nil, "", err
	}

	snap, parseErr := parse(file)
	file.Close()
	if parseErr != nil {
		quarantined, qErr := s.quarantine()
		if qErr != nil {
			return nil, "", fmt.Errorf("quarantine snapshot: %v (parse error: %w)", qErr, parseErr)
		}
		return Empty(), quarantined, nil
	}
	return snap, "", nil
}

// Save atomically writes the snapshot.
func (s *Store) Save(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, []byte(render(snap)), 0o644)
}

func (s *Store) quarantine() (string, error) {
	stamp := s.now().UTC().Format("20060102-150405")
	target := s.path + ".quarantine-" + stamp
	if err := os.Rename(s.path, target); err != nil {
		return "", err
	}
	return target, nil
}

func parse(file *os.File) (*Snapshot, error) {
	snap := Empty()
	sawVersion := false

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, marker := range legacyMarkers {
			if marker.MatchString(line) {
				return nil, fmt.Errorf("line %d: legacy snapshot marker", lineNum)
			}
		}
		matches := assignPattern.FindStringSubmatch(line)
		if len(matches) != 3 {
			return nil, fmt.Errorf("line %d: not a sourceable assignment", lineNum)
		}
		key, raw := matches[1], strings.TrimSpace(matches[2])

		switch key {
		case versionKey:
			if raw != currentVersion {
				return nil, fmt.Errorf("line %d: unsupported snapshot version %q", lineNum, raw)
			}
			sawVersion = true
		case "SELECTED_SERVICES":
			items, err := parseArray(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			snap.SelectedServices = items
		case "FIREWALL_MODE":
			snap.FirewallMode = strings.Trim(raw, `"`)
		case "FIREWALL_CUSTOM_SERVICES":
			items, err := parseArray(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			snap.CustomFirewall = items
		case "PORT_OVERRIDES":
			items, err := parseArray(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			for _, item := range items {
				service, port, err := splitOverride(item)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNum, err)
				}
				snap.PortOverrides[service] = port
			}
		case "IP_ASSIGNMENTS":
			items, err := parseArray(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			for _, item := range items {
				client, addr, ok := strings.Cut(item, ":")
				if !ok || client == "" || addr == "" {
					return nil, fmt.Errorf("line %d: malformed assignment %q", lineNum, item)
				}
				snap.IPAssignments[client] = addr
			}
		default:
			// Unknown keys are forward-compatible; a future version may
			// have written them.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawVersion {
		return nil, fmt.Errorf("missing %s marker", versionKey)
	}
	return snap, nil
}

func render(snap *Snapshot) string {
	var b strings.Builder
	b.WriteString("# dockhand desired-state snapshot. Generated; safe to source.\n")
	fmt.Fprintf(&b, "%s=%s\n", versionKey, currentVersion)
	fmt.Fprintf(&b, "SELECTED_SERVICES=%s\n", renderArray(snap.SelectedServices))
	fmt.Fprintf(&b, "FIREWALL_MODE=%q\n", snap.FirewallMode)
	fmt.Fprintf(&b, "FIREWALL_CUSTOM_SERVICES=%s\n", renderArray(snap.CustomFirewall))

	overrides := make([]string, 0, len(snap.PortOverrides))
	for service, port := range snap.PortOverrides {
		overrides = append(overrides, fmt.Sprintf("%s:%d", service, port))
	}
	sort.Strings(overrides)
	fmt.Fprintf(&b, "PORT_OVERRIDES=%s\n", renderArray(overrides))

	assignments := make([]string, 0, len(snap.IPAssignments))
	for client, addr := range snap.IPAssignments {
		assignments = append(assignments, client+":"+addr)
	}
	sort.Strings(assignments)
	fmt.Fprintf(&b, "IP_ASSIGNMENTS=%s\n", renderArray(assignments))
	return b.String()
}

func renderArray(items []string) string {
	return "(" + strings.Join(items, " ") + ")"
}

func parseArray(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "(") || !strings.HasSuffix(trimmed, ")") {
		return nil, fmt.Errorf("malformed array %q", raw)
	}
	inner := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	if inner == "" {
		return nil, nil
	}
	return strings.Fields(inner), nil
}

func splitOverride(item string) (string, int, error) {
	service, portRaw, ok := strings.Cut(item, ":")
	if !ok || service == "" {
		return "", 0, fmt.Errorf("malformed port override %q", item)
	}
	var port int
	if _, err := fmt.Sscanf(portRaw, "%d", &port); err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("malformed port override %q", item)
	}
	return service, port, nil
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
