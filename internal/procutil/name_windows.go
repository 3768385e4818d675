//go:build windows

package procutil

import (
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProcessName returns the executable name of pid.
func ProcessName(pid int) (string, error) {
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/FO", "CSV", "/NH").Output()
	if err != nil {
		return "", fmt.Errorf("procutil: process name %d: %w", pid, err)
	}
	record, err := csv.NewReader(strings.NewReader(string(out))).Read()
	if err != nil || len(record) < 2 || record[1] != strconv.Itoa(pid) {
		return "", fmt.Errorf("procutil: process name %d: no such process", pid)
	}
	return record[0], nil
}
