//go:build !darwin

package supervisor

func platformDNS() DNSConfigurator {
	return nil
}
