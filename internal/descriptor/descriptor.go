// Package descriptor discovers and parses per-service configuration
// descriptors: one file per service, newline-delimited key=value pairs.
package descriptor

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const descriptorExt = ".conf"

var (
	keyValuePattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)=(.*)$`)
	namePattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
	variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// ErrValidation marks descriptors that fail required-field validation.
var ErrValidation = errors.New("descriptor validation")

// Option is one declared key=value pair. Order of declaration is preserved.
type Option struct {
	Key   string
	Value string
}

// Descriptor is the parsed, immutable form of one service descriptor file.
type Descriptor struct {
	Name    string
	Path    string
	Options []Option

	values map[string]string
}

// Get returns the last declared value for key and whether it was declared.
func (d *Descriptor) Get(key string) (string, bool) {
	v, ok := d.values[strings.ToLower(key)]
	return v, ok
}

// Value returns the value for key or "".
func (d *Descriptor) Value(key string) string {
	v, _ := d.Get(key)
	return v
}

// Bool reports whether key is declared with the literal value "true".
func (d *Descriptor) Bool(key string) bool {
	return d.Value(key) == "true"
}

// ValidateName checks a service name for filesystem and container-name safety.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid service name %q", ErrValidation, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid service name %q", ErrValidation, name)
	}
	return nil
}

// Discover loads every *.conf descriptor under dir, sorted by service name.
// A descriptor that fails to parse poisons only itself: it is returned in the
// skipped map and the rest of the batch loads normally.
func Discover(dir string) ([]*Descriptor, map[string]error, error) {
	skipped := make(map[string]error)
	found := make(map[string]*Descriptor)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), descriptorExt) {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), descriptorExt)
		desc, parseErr := Parse(path)
		if parseErr != nil {
			skipped[name] = parseErr
			return nil
		}
		found[desc.Name] = desc
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("discover descriptors in %s: %w", dir, err)
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, found[name])
	}
	return ordered, skipped, nil
}

// Parse reads and validates a single descriptor file. The service name is the
// file base name without extension.
func Parse(path string) (*Descriptor, error) {
	name := strings.TrimSuffix(filepath.Base(path), descriptorExt)
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	desc := &Descriptor{
		Name:   name,
		Path:   path,
		values: make(map[string]string),
	}

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		matches := keyValuePattern.FindStringSubmatch(line)
		if len(matches) != 3 {
			return nil, fmt.Errorf("%w: %s line %d: not a key=value pair", ErrValidation, path, lineNum)
		}
		key := strings.ToLower(strings.TrimSpace(matches[1]))
		value := strings.Trim(strings.TrimSpace(matches[2]), `"'`)
		desc.Options = append(desc.Options, Option{Key: key, Value: value})
		desc.values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(desc.Value("image")) == "" {
		return nil, fmt.Errorf("%w: %s: required key image is missing", ErrValidation, name)
	}
	return desc, nil
}

// ExpandVariables expands ${VAR} references in value against the process
// environment. Values shaped like volume paths are left untouched so host
// paths containing literal dollar signs survive synthesis.
func ExpandVariables(value string) string {
	if looksLikeVolumePath(value) {
		return value
	}
	return variablePattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := variablePattern.FindStringSubmatch(ref)[1]
		if resolved, ok := os.LookupEnv(name); ok {
			return resolved
		}
		return ref
	})
}

func looksLikeVolumePath(value string) bool {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "/") && !strings.HasPrefix(trimmed, "./") && !strings.HasPrefix(trimmed, "~/") {
		return false
	}
	return strings.Contains(trimmed, ":")
}
