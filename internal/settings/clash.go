package settings

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/nupi-ai/corevisor/internal/config"
)

const clashConfigHeader = "# corevisor core settings"

// DefaultMixedPort is the mixed (http+socks) listener used by templates.
const DefaultMixedPort = 7890

const defaultTunDeviceIP = "198.18.0.2"

// GuardFields are top-level keys owned by corevisor. They are taken from the
// clash config and re-applied after every enhancement chain so profile
// content cannot move the listeners or the controller.
var GuardFields = []string{
	"mode",
	"port",
	"socks-port",
	"mixed-port",
	"allow-lan",
	"log-level",
	"ipv6",
	"secret",
	"external-controller",
}

// ValidFields are top-level keys the core understands besides GuardFields.
// Output is filtered to GuardFields+ValidFields when clash field filtering is
// enabled.
var ValidFields = []string{
	"rules",
	"rule-providers",
	"proxies",
	"proxy-groups",
	"proxy-providers",
	"hosts",
	"dns",
	"tun",
	"profile",
	"sniffer",
	"geodata-mode",
	"geox-url",
	"tcp-concurrent",
	"find-process-mode",
	"global-client-fingerprint",
	"unified-delay",
	"redir-port",
	"tproxy-port",
	"bind-address",
	"interface-name",
	"routing-mark",
	"external-ui",
	"experimental",
	"listeners",
	"sub-rules",
	"authentication",
}

// ClashConfig is the core-facing settings aggregate persisted as clash.yaml.
type ClashConfig struct {
	Values config.Mapping
}

// DefaultClashConfig returns the clash config written on first run.
func DefaultClashConfig() ClashConfig {
	return ClashConfig{Values: config.Mapping{
		"mixed-port":          DefaultMixedPort,
		"log-level":           "info",
		"allow-lan":           false,
		"mode":                "rule",
		"external-controller": net.JoinHostPort("127.0.0.1", strconv.Itoa(int(DefaultCoreVariant.DefaultControllerPort()))),
		"secret":              "",
	}}
}

// LoadClashConfig reads path, falling back to defaults when missing or
// unreadable.
func LoadClashConfig(path string) ClashConfig {
	m, err := config.ReadMapping(path)
	if err != nil {
		if !errors.Is(err, config.ErrFileNotFound) {
			log.Printf("[Settings] %v; using defaults", err)
		}
		return DefaultClashConfig()
	}
	return ClashConfig{Values: m}
}

// Save writes the config to path.
func (c ClashConfig) Save(path string) error {
	if err := config.SaveYAML(path, c.Values, clashConfigHeader); err != nil {
		return fmt.Errorf("settings: save clash config: %w", err)
	}
	return nil
}

// Clone returns a deep copy.
func (c ClashConfig) Clone() ClashConfig {
	return ClashConfig{Values: config.CloneMapping(c.Values)}
}

// Patch overwrites top-level keys with the values in patch.
func (c *ClashConfig) Patch(patch config.Mapping) {
	if c.Values == nil {
		c.Values = config.Mapping{}
	}
	for k, v := range config.CloneMapping(patch) {
		c.Values[k] = v
	}
}

// MixedPort returns the mixed listener port or DefaultMixedPort.
func (c ClashConfig) MixedPort() uint16 {
	if p, ok := PortValue(c.Values["mixed-port"]); ok && p != 0 {
		return p
	}
	return DefaultMixedPort
}

// ControllerAddr returns the external-controller host:port with wildcard
// hosts rewritten to loopback so it can be dialed.
func (c ClashConfig) ControllerAddr() string {
	raw, _ := c.Values["external-controller"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return raw
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// ControllerPort returns the external-controller port, if any.
func (c ClashConfig) ControllerPort() (uint16, bool) {
	raw, _ := c.Values["external-controller"].(string)
	_, port, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return PortValue(port)
}

// Secret returns the controller bearer secret.
func (c ClashConfig) Secret() string {
	s, _ := c.Values["secret"].(string)
	return s
}

// Mode returns the routing mode, defaulting to "rule".
func (c ClashConfig) Mode() string {
	if m, ok := c.Values["mode"].(string); ok && m != "" {
		return m
	}
	return "rule"
}

// TunDeviceIP derives the tun device address from dns.fake-ip-range: the
// address after the range's first host. Falls back to 198.18.0.2.
func (c ClashConfig) TunDeviceIP() string {
	dns, _ := c.Values["dns"].(map[string]any)
	rng, _ := dns["fake-ip-range"].(string)
	if rng == "" {
		return defaultTunDeviceIP
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(rng))
	if err != nil {
		return defaultTunDeviceIP
	}
	next := prefix.Addr().Next()
	if !next.IsValid() || !prefix.Contains(next) {
		return defaultTunDeviceIP
	}
	return next.String()
}

// PrepareExternalControllerPort resolves the controller port for the next
// start and stores it back into the config.
func (c *ClashConfig) PrepareExternalControllerPort(strategy PortStrategy, variant CoreVariant) error {
	if c.Values == nil {
		c.Values = config.Mapping{}
	}
	host := "127.0.0.1"
	desired := variant.DefaultControllerPort()

	if raw, _ := c.Values["external-controller"].(string); strings.TrimSpace(raw) != "" {
		h, p, err := net.SplitHostPort(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("settings: parse external-controller %q: %w", raw, err)
		}
		if h != "" {
			host = h
		}
		if port, ok := PortValue(p); ok {
			desired = port
		}
	}

	port, err := ResolveExternalPort(strategy, desired)
	if err != nil {
		return fmt.Errorf("settings: prepare external controller: %w", err)
	}
	if port != desired {
		log.Printf("[Settings] external controller port %d unavailable, using %d", desired, port)
	}
	c.Values["external-controller"] = net.JoinHostPort(host, strconv.Itoa(int(port)))
	return nil
}

// RandomizeMixedPort assigns an OS-chosen free port to mixed-port.
func (c *ClashConfig) RandomizeMixedPort() error {
	port, err := ResolveExternalPort(PortRandom, 0)
	if err != nil {
		return fmt.Errorf("settings: randomize mixed port: %w", err)
	}
	if c.Values == nil {
		c.Values = config.Mapping{}
	}
	c.Values["mixed-port"] = int(port)
	return nil
}

// PortValue converts a decoded YAML/JSON scalar into a port number.
func PortValue(v any) (uint16, bool) {
	var n int64
	switch val := v.(type) {
	case int:
		n = int64(val)
	case int64:
		n = val
	case uint64:
		if val > math.MaxUint16 {
			return 0, false
		}
		n = int64(val)
	case uint16:
		return val, true
	case float64:
		if val != math.Trunc(val) {
			return 0, false
		}
		n = int64(val)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if n < 0 || n > math.MaxUint16 {
		return 0, false
	}
	return uint16(n), true
}
