package coreapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/settings"
)

// ErrConfigInvalid is returned when the core rejects a configuration.
var ErrConfigInvalid = errors.New("coreapi: config invalid")

// Checker runs the core in validate-only mode.
type Checker struct {
	// BinDir holds the core binaries. Empty resolves names against PATH.
	BinDir string
	// Home is passed as the core's data directory.
	Home string
	// Output, when set, receives every raw output line of a failed check.
	Output func(line string)
}

// CheckConfig validates the config at path with the given core variant.
// Rejections wrap ErrConfigInvalid with the parsed reason; failures to run
// the binary at all are returned as-is.
func (c *Checker) CheckConfig(ctx context.Context, variant settings.CoreVariant, path string) error {
	bin := config.BinaryPath(c.BinDir, variant.BinaryName())
	cmd := exec.CommandContext(ctx, bin, variant.CheckArgs(c.Home, path)...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("coreapi: run %s check: %w", variant, err)
	}

	raw := string(out)
	if c.Output != nil {
		for _, line := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
			c.Output(line)
		}
	}

	reason := ParseCheckOutput(raw)
	if reason == "" {
		reason = exitErr.Error()
	}
	log.Printf("[Core] %s rejected %s: %s", variant, path, reason)
	return fmt.Errorf("%w: %s", ErrConfigInvalid, reason)
}
