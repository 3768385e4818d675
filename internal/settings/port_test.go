package settings

import (
	"errors"
	"net"
	"testing"
)

// occupyPort binds a loopback listener and returns its port.
func occupyPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) uint16 {
	t.Helper()
	port, err := requestOpenPort()
	if err != nil {
		t.Fatalf("requestOpenPort: %v", err)
	}
	return port
}

func TestResolveExternalPortFixedOccupied(t *testing.T) {
	busy := occupyPort(t)

	_, err := ResolveExternalPort(PortFixed, busy)
	if !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("err = %v; want ErrPortUnavailable", err)
	}
}

func TestResolveExternalPortFixedFree(t *testing.T) {
	port := freePort(t)

	got, err := ResolveExternalPort(PortFixed, port)
	if err != nil {
		t.Fatalf("ResolveExternalPort: %v", err)
	}
	if got != port {
		t.Errorf("port = %d; want %d", got, port)
	}
}

func TestResolveExternalPortRandomAvoidsBusyPort(t *testing.T) {
	busy := occupyPort(t)

	got, err := ResolveExternalPort(PortRandom, busy)
	if err != nil {
		t.Fatalf("ResolveExternalPort: %v", err)
	}
	if got == busy || got == 0 {
		t.Errorf("port = %d; want a free port other than %d", got, busy)
	}
}

func TestResolveExternalPortAllowFallback(t *testing.T) {
	t.Run("occupied falls back", func(t *testing.T) {
		busy := occupyPort(t)
		got, err := ResolveExternalPort(PortAllowFallback, busy)
		if err != nil {
			t.Fatalf("ResolveExternalPort: %v", err)
		}
		if got == busy {
			t.Errorf("port = %d; want fallback", got)
		}
		if !localPortAvailable(got) {
			t.Errorf("fallback port %d is not free", got)
		}
	})

	t.Run("free is kept", func(t *testing.T) {
		port := freePort(t)
		got, err := ResolveExternalPort(PortAllowFallback, port)
		if err != nil {
			t.Fatalf("ResolveExternalPort: %v", err)
		}
		if got != port {
			t.Errorf("port = %d; want %d unchanged", got, port)
		}
	})
}

func TestResolveExternalPortUnknownStrategy(t *testing.T) {
	if _, err := ResolveExternalPort("sometimes", 9090); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestPortStrategyUnmarshalText(t *testing.T) {
	var s PortStrategy
	if err := s.UnmarshalText([]byte("random")); err != nil || s != PortRandom {
		t.Fatalf("UnmarshalText(random) = %q, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("")); err != nil || s != DefaultPortStrategy {
		t.Fatalf("UnmarshalText(\"\") = %q, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Fatal("expected error for bogus strategy")
	}
}
