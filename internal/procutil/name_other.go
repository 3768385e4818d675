//go:build !linux && !windows

package procutil

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcessName returns the executable name of pid.
func ProcessName(pid int) (string, error) {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return "", fmt.Errorf("procutil: process name %d: %w", pid, err)
	}
	name := strings.TrimSpace(string(out))
	if name == "" {
		return "", fmt.Errorf("procutil: process name %d: no such process", pid)
	}
	return filepath.Base(name), nil
}
