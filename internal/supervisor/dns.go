package supervisor

// DNSConfigurator points the system resolver at the tun device while tun
// mode is active.
type DNSConfigurator interface {
	Set(ip string) error
	Reset() error
}

// DefaultDNSConfigurator returns the platform configurator, or nil where
// the core manages DNS itself.
func DefaultDNSConfigurator() DNSConfigurator {
	return platformDNS()
}
