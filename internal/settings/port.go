package settings

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// PortStrategy declares how the external-controller port is chosen before
// the core starts.
type PortStrategy string

const (
	// PortFixed requires the configured port to be free.
	PortFixed PortStrategy = "fixed"
	// PortRandom always asks the OS for a free port.
	PortRandom PortStrategy = "random"
	// PortAllowFallback keeps the configured port when free and otherwise
	// asks the OS for one.
	PortAllowFallback PortStrategy = "allow_fallback"
)

// DefaultPortStrategy is used when settings leave the strategy unset.
const DefaultPortStrategy = PortAllowFallback

// ErrPortUnavailable indicates a fixed port is already bound.
var ErrPortUnavailable = errors.New("settings: port unavailable")

var (
	portAvailableFn = localPortAvailable
	requestPortFn   = requestOpenPort
)

// ResolveExternalPort turns a strategy and a desired port into a concrete
// port number.
func ResolveExternalPort(strategy PortStrategy, port uint16) (uint16, error) {
	switch strategy {
	case PortFixed:
		if !portAvailableFn(port) {
			return 0, fmt.Errorf("%w: %d", ErrPortUnavailable, port)
		}
		return port, nil
	case PortRandom:
		return requestPortFn()
	case PortAllowFallback, "":
		if port != 0 && portAvailableFn(port) {
			return port, nil
		}
		return requestPortFn()
	default:
		return 0, fmt.Errorf("settings: unknown port strategy %q", strategy)
	}
}

// UnmarshalText validates strategy names.
func (s *PortStrategy) UnmarshalText(text []byte) error {
	switch v := PortStrategy(text); v {
	case PortFixed, PortRandom, PortAllowFallback:
		*s = v
		return nil
	case "":
		*s = DefaultPortStrategy
		return nil
	default:
		return fmt.Errorf("settings: unknown port strategy %q", string(text))
	}
}

func localPortAvailable(port uint16) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func requestOpenPort() (uint16, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("settings: request open port: %w", err)
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("settings: release port check listener: %w", err)
	}
	if !ok {
		return 0, errors.New("settings: request open port: unexpected address type")
	}
	return uint16(addr.Port), nil
}
