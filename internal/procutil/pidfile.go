package procutil

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WritePIDFile records pid at path.
func WritePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("procutil: write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid stored at path. A missing file yields 0 and
// no error.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("procutil: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("procutil: parse pid file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile deletes path, ignoring a missing file.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("procutil: remove pid file: %w", err)
	}
	return nil
}
