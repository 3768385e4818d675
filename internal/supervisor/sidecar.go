package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nupi-ai/corevisor/internal/procutil"
)

// DefaultStopTimeout bounds the wait between SIGTERM and SIGKILL.
const DefaultStopTimeout = 5 * time.Second

var (
	// ErrBinaryMissing indicates the core binary does not exist.
	ErrBinaryMissing = errors.New("supervisor: core binary not found")
	// ErrCoreKilled indicates the core was killed after the graceful timeout.
	ErrCoreKilled = errors.New("supervisor: core killed after graceful shutdown timeout")
)

type sidecarBackend struct {
	stopTimeout time.Duration
}

// NewSidecarBackend launches the core as a direct child process.
func NewSidecarBackend(stopTimeout time.Duration) Backend {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &sidecarBackend{stopTimeout: stopTimeout}
}

func (b *sidecarBackend) Mode() Mode { return ModeSidecar }

func (b *sidecarBackend) Start(_ context.Context, spec LaunchSpec) (Handle, error) {
	binary, err := resolveBinary(spec.Binary)
	if err != nil {
		return nil, err
	}

	// Not exec.CommandContext: the process outlives the start request and
	// stop needs SIGTERM before SIGKILL.
	cmd := exec.Command(binary, spec.Args()...)
	cmd.Dir = spec.Home
	cmd.Stdout = orDiscard(spec.Stdout)
	cmd.Stderr = orDiscard(spec.Stderr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", spec.Variant, err)
	}

	h := &sidecarHandle{
		cmd:         cmd,
		done:        make(chan struct{}),
		stopTimeout: b.stopTimeout,
	}
	go h.wait()
	return h, nil
}

func resolveBinary(binary string) (string, error) {
	if strings.TrimSpace(binary) == "" {
		return "", fmt.Errorf("%w: empty path", ErrBinaryMissing)
	}
	if !strings.ContainsRune(binary, filepath.Separator) && !strings.ContainsRune(binary, '/') {
		path, err := exec.LookPath(binary)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBinaryMissing, binary)
		}
		return path, nil
	}
	if _, err := os.Stat(binary); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrBinaryMissing, binary)
		}
		return "", fmt.Errorf("supervisor: stat core binary: %w", err)
	}
	return binary, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

type sidecarHandle struct {
	cmd         *exec.Cmd
	done        chan struct{}
	err         error
	stopTimeout time.Duration
}

func (h *sidecarHandle) wait() {
	h.err = h.cmd.Wait()
	close(h.done)
}

func (h *sidecarHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *sidecarHandle) Done() <-chan struct{} { return h.done }

func (h *sidecarHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *sidecarHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	pid := h.cmd.Process.Pid

	select {
	case <-h.done:
		return normalizeExitError(h.err, false)
	default:
	}

	if err := procutil.GracefulTerminate(h.cmd.Process); err != nil && errors.Is(err, os.ErrProcessDone) {
		<-h.done
		return normalizeExitError(h.err, false)
	}

	timeout := h.stopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return normalizeExitError(h.err, false)
	case <-timer.C:
		log.Printf("[Supervisor] core pid=%d did not exit within %v, force-killing", pid, timeout)
	case <-ctx.Done():
		log.Printf("[Supervisor] context cancelled while stopping core pid=%d, force-killing", pid)
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("supervisor: kill core: %w", err)
	}

	select {
	case <-h.done:
		return normalizeExitError(h.err, true)
	case <-time.After(h.stopTimeout):
		return fmt.Errorf("supervisor: core pid=%d still running after kill", pid)
	}
}

// normalizeExitError treats exit statuses seen during a requested stop as
// success unless the process had to be killed.
func normalizeExitError(err error, forceKilled bool) error {
	if forceKilled {
		return ErrCoreKilled
	}
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
