package health

import (
	"sort"
	"strings"
)

// Classifier maps a free-text diagnostic failure to a service identifier.
// It is isolated behind an interface so structured diagnostics can replace
// the substring heuristic without touching the repair loop.
type Classifier interface {
	Classify(failure string) (service string, ok bool)
}

// Pattern binds a lowercase substring to the service it identifies.
type Pattern struct {
	Substring string
	Service   string
}

// SubstringClassifier matches failures by substring with deterministic
// precedence: the longest matching substring wins, and on equal length the
// earlier table entry wins.
type SubstringClassifier struct {
	patterns []Pattern
}

// NewSubstringClassifier builds a classifier from an explicit pattern table.
func NewSubstringClassifier(patterns []Pattern) *SubstringClassifier {
	normalized := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		substr := strings.ToLower(strings.TrimSpace(p.Substring))
		if substr == "" || strings.TrimSpace(p.Service) == "" {
			continue
		}
		normalized = append(normalized, Pattern{Substring: substr, Service: p.Service})
	}
	return &SubstringClassifier{patterns: normalized}
}

// ForServices builds the default classifier for a service set: each service
// name is its own pattern. Longer names rank above shorter ones so a service
// named "app-db" is never shadowed by one named "app".
func ForServices(names []string) *SubstringClassifier {
	patterns := make([]Pattern, 0, len(names))
	for _, name := range names {
		patterns = append(patterns, Pattern{Substring: name, Service: name})
	}
	// Stable sort preserves declaration order among equal lengths.
	sort.SliceStable(patterns, func(i, j int) bool {
		return len(patterns[i].Substring) > len(patterns[j].Substring)
	})
	return NewSubstringClassifier(patterns)
}

// Classify resolves a failure line to a service.
func (c *SubstringClassifier) Classify(failure string) (string, bool) {
	needle := strings.ToLower(failure)
	best := -1
	bestLen := 0
	for i, p := range c.patterns {
		if !strings.Contains(needle, p.Substring) {
			continue
		}
		if len(p.Substring) > bestLen {
			best = i
			bestLen = len(p.Substring)
		}
	}
	if best < 0 {
		return "", false
	}
	return c.patterns[best].Service, true
}
