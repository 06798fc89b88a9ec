package wireguard

import (
	"errors"
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q: %v", s, err)
	}
	return p
}

func TestLowestFreeAddrFillsGaps(t *testing.T) {
	subnet := mustPrefix(t, "10.8.0.0/24")
	allocated := []netip.Addr{
		netip.MustParseAddr("10.8.0.2"),
		netip.MustParseAddr("10.8.0.3"),
		netip.MustParseAddr("10.8.0.5"),
	}
	addr, err := lowestFreeAddr(subnet, allocated)
	if err != nil {
		t.Fatalf("lowestFreeAddr failed: %v", err)
	}
	if addr.String() != "10.8.0.4" {
		t.Fatalf("expected 10.8.0.4, got %s", addr)
	}
}

func TestLowestFreeAddrStartsAfterServer(t *testing.T) {
	subnet := mustPrefix(t, "10.8.0.0/24")
	addr, err := lowestFreeAddr(subnet, nil)
	if err != nil {
		t.Fatalf("lowestFreeAddr failed: %v", err)
	}
	if addr.String() != "10.8.0.2" {
		t.Fatalf("first client must be .2 (server holds .1), got %s", addr)
	}
}

func TestLowestFreeAddrNeverReturnsAllocated(t *testing.T) {
	subnet := mustPrefix(t, "10.8.0.0/24")
	var allocated []netip.Addr
	for i := 0; i < 50; i++ {
		addr, err := lowestFreeAddr(subnet, allocated)
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		for _, taken := range allocated {
			if addr == taken {
				t.Fatalf("address %s returned twice", addr)
			}
		}
		allocated = append(allocated, addr)
	}
}

func TestLowestFreeAddrFailsClosedWhenExhausted(t *testing.T) {
	subnet := mustPrefix(t, "10.8.0.0/24")
	var allocated []netip.Addr
	addr := netip.MustParseAddr("10.8.0.2")
	for addr.String() != "10.8.0.255" {
		allocated = append(allocated, addr)
		addr = addr.Next()
	}
	if _, err := lowestFreeAddr(subnet, allocated); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestServerAddr(t *testing.T) {
	subnet := mustPrefix(t, "10.8.0.0/24")
	if got := ServerAddr(subnet).String(); got != "10.8.0.1" {
		t.Fatalf("expected 10.8.0.1, got %s", got)
	}
}
