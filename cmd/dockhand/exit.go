package main

import (
	"errors"

	"dockhand/internal/descriptor"
	"dockhand/internal/health"
	"dockhand/internal/lockfile"
	"dockhand/internal/runtime"
	"dockhand/internal/wireguard"
)

// Exit codes are stable so schedulers and CI can branch on failure class.
const (
	exitOK           = 0
	exitGeneral      = 1
	exitUsage        = 2
	exitDependency   = 3
	exitRootRequired = 4
	exitDescriptor   = 5
	exitPoolExhaust  = 6
	exitDiagnostics  = 7
	exitLockHeld     = 8
)

var (
	errRootRequired = errors.New("root privileges required")
	errUsage        = errors.New("invalid usage")
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, runtime.ErrRuntimeMissing):
		return exitDependency
	case errors.Is(err, errRootRequired):
		return exitRootRequired
	case errors.Is(err, descriptor.ErrValidation):
		return exitDescriptor
	case errors.Is(err, wireguard.ErrPoolExhausted):
		return exitPoolExhaust
	case errors.Is(err, health.ErrDiagnosticsInvalid):
		return exitDiagnostics
	case errors.Is(err, lockfile.ErrLocked):
		return exitLockHeld
	default:
		return exitGeneral
	}
}
