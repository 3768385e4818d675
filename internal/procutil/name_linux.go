//go:build linux

package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProcessName returns the executable name of pid.
func ProcessName(pid int) (string, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return "", fmt.Errorf("procutil: process name %d: %w", pid, err)
	}
	return strings.TrimSpace(string(data)), nil
}
