// Dockhand is a declarative orchestrator for a single-host container
// deployment. It reads per-service descriptor files and brings the host to
// the declared state: container launches, WireGuard remote access, firewall
// policy, and a self-healing monitor loop.
//
// Usage:
//
//	# Deploy every descriptor under the services directory
//	dockhand up
//
//	# Deploy a subset
//	dockhand up webapp cache
//
//	# Tear the deployment down
//	dockhand down
//
//	# Manage one service's container
//	dockhand service restart webapp
//
//	# Provision VPN remote access
//	dockhand client add laptop
//
//	# Run the health monitor as a daemon
//	dockhand monitor
//
//	# One diagnostics pass for schedulers
//	dockhand doctor
package main

func main() {
	Execute()
}
