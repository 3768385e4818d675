//go:build darwin

package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
)

// networkSetupDNS drives networksetup for one network service.
type networkSetupDNS struct {
	service string
}

func platformDNS() DNSConfigurator {
	return &networkSetupDNS{service: "Wi-Fi"}
}

func (n *networkSetupDNS) Set(ip string) error {
	return n.run(ip)
}

func (n *networkSetupDNS) Reset() error {
	return n.run("Empty")
}

func (n *networkSetupDNS) run(value string) error {
	out, err := exec.Command("networksetup", "-setdnsservers", n.service, value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("supervisor: networksetup %s: %w: %s", value, err, strings.TrimSpace(string(out)))
	}
	return nil
}
