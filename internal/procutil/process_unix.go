//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// GracefulTerminate sends SIGTERM to the process for graceful shutdown.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// TerminateByPID sends SIGTERM to the process identified by pid.
func TerminateByPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// KillByPID sends SIGKILL to the process identified by pid.
func KillByPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// IsProcessAlive checks whether a process with the given pid is still running.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
