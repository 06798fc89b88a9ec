package main

import (
	"errors"
	"fmt"
	"testing"

	"dockhand/internal/descriptor"
	"dockhand/internal/health"
	"dockhand/internal/lockfile"
	"dockhand/internal/runtime"
	"dockhand/internal/wireguard"
)

func TestExitCodesDistinctPerFailureClass(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("something broke"), exitGeneral},
		{fmt.Errorf("%w: unknown service", errUsage), exitUsage},
		{fmt.Errorf("ping: %w", runtime.ErrRuntimeMissing), exitDependency},
		{fmt.Errorf("%w: re-run with sudo", errRootRequired), exitRootRequired},
		{fmt.Errorf("service x: %w", descriptor.ErrValidation), exitDescriptor},
		{fmt.Errorf("add client: %w", wireguard.ErrPoolExhausted), exitPoolExhaust},
		{fmt.Errorf("doctor: %w", health.ErrDiagnosticsInvalid), exitDiagnostics},
		{fmt.Errorf("up: %w", lockfile.ErrLocked), exitLockHeld},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
