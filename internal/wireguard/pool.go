package wireguard

import (
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

// ErrPoolExhausted indicates no free address remains in the subnet. The
// allocator fails closed: no wraparound, no reuse of live addresses.
var ErrPoolExhausted = errors.New("vpn address pool exhausted")

// serverOffset is the host offset reserved for the tunnel server itself.
const serverOffset = 1

// lowestFreeAddr scans the allocated set and returns the lowest unused host
// address in subnet, skipping the network address and the server address.
func lowestFreeAddr(subnet netip.Prefix, allocated []netip.Addr) (netip.Addr, error) {
	used := make(map[netip.Addr]struct{}, len(allocated))
	for _, addr := range allocated {
		used[addr.Unmap()] = struct{}{}
	}

	r := netipx.RangeOfPrefix(subnet)
	if !r.IsValid() {
		return netip.Addr{}, fmt.Errorf("invalid subnet %s", subnet)
	}
	last := r.To()

	addr := r.From()
	for offset := 0; ; offset++ {
		if addr == last {
			// The broadcast address closes the scan.
			return netip.Addr{}, fmt.Errorf("%w: no free address in %s", ErrPoolExhausted, subnet)
		}
		if offset > serverOffset {
			if _, taken := used[addr]; !taken {
				return addr, nil
			}
		}
		addr = addr.Next()
	}
}

// ServerAddr returns the tunnel server's own address inside subnet.
func ServerAddr(subnet netip.Prefix) netip.Addr {
	addr := netipx.RangeOfPrefix(subnet).From()
	for i := 0; i < serverOffset; i++ {
		addr = addr.Next()
	}
	return addr
}
