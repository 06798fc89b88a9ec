package runtime

import (
	"context"
	"strings"
)

// MockRunner is a test helper recording invocations and scripting results.
type MockRunner struct {
	RunCalls    []string
	OutputCalls []string

	// RunErr returns the error for a joined command line; nil means success.
	RunErr func(call string) error
	// Outputs maps a joined command line to its scripted output. Unmatched
	// calls fall back to OutputErr or empty success.
	Outputs   map[string]string
	OutputErr func(call string) error
}

func (m *MockRunner) Run(name string, args ...string) error {
	call := join(name, args)
	m.RunCalls = append(m.RunCalls, call)
	if m.RunErr != nil {
		return m.RunErr(call)
	}
	return nil
}

func (m *MockRunner) Output(name string, args ...string) ([]byte, error) {
	call := join(name, args)
	m.OutputCalls = append(m.OutputCalls, call)
	if m.Outputs != nil {
		if out, ok := m.Outputs[call]; ok {
			return []byte(out), nil
		}
	}
	if m.OutputErr != nil {
		if err := m.OutputErr(call); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// OutputContext ignores the context; scripted results never block.
func (m *MockRunner) OutputContext(_ context.Context, name string, args ...string) ([]byte, error) {
	return m.Output(name, args...)
}

func join(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
