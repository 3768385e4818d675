package procutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestIsProcessAlive_Self(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Fatal("IsProcessAlive should return true for own process")
	}
}

func TestIsProcessAlive_InvalidPID(t *testing.T) {
	// Use a very large PID that is well beyond any realistic pid_max on any OS.
	if IsProcessAlive(1<<30 - 1) {
		t.Fatal("IsProcessAlive should return false for non-existent PID")
	}
	if IsProcessAlive(0) {
		t.Fatal("IsProcessAlive should return false for pid 0")
	}
}

// longRunningCmd returns a cross-platform exec.Cmd that blocks until killed.
func longRunningCmd() *exec.Cmd {
	if runtime.GOOS == "windows" {
		// "waitfor" blocks indefinitely (signal name will never arrive).
		return exec.Command("waitfor", "CorevisorTestSignalNeverSent", "/T", "300")
	}
	return exec.Command("sleep", "300")
}

func TestGracefulTerminate(t *testing.T) {
	cmd := longRunningCmd()
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start subprocess: %v", err)
	}

	if err := GracefulTerminate(cmd.Process); err != nil {
		t.Fatalf("GracefulTerminate returned error: %v", err)
	}

	// Wait for the process to exit so we don't leave zombies.
	_ = cmd.Wait()

	// Give OS a moment to reap the process.
	time.Sleep(50 * time.Millisecond)

	if IsProcessAlive(cmd.Process.Pid) {
		t.Fatal("process should not be alive after GracefulTerminate")
	}
}

func TestKillByPID(t *testing.T) {
	cmd := longRunningCmd()
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start subprocess: %v", err)
	}
	pid := cmd.Process.Pid

	if err := KillByPID(pid); err != nil {
		t.Fatalf("KillByPID returned error: %v", err)
	}

	_ = cmd.Wait()
	time.Sleep(50 * time.Millisecond)

	if IsProcessAlive(pid) {
		t.Fatal("process should not be alive after KillByPID")
	}
}

func TestProcessName(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sleep is not available")
	}
	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start subprocess: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	name, err := ProcessName(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("ProcessName: %v", err)
	}
	if !strings.Contains(name, "sleep") {
		t.Fatalf("ProcessName = %q; want sleep", name)
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.pid")

	pid, err := ReadPIDFile(path)
	if err != nil || pid != 0 {
		t.Fatalf("ReadPIDFile(missing) = %d, %v", pid, err)
	}

	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err = ReadPIDFile(path)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPIDFile = %d, %v", pid, err)
	}

	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile twice: %v", err)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
