package supervisor

import (
	"context"
	"io"

	"github.com/nupi-ai/corevisor/internal/settings"
)

// LaunchSpec describes one core instance.
type LaunchSpec struct {
	Variant    settings.CoreVariant
	Binary     string
	Home       string
	ConfigPath string
	LogFile    string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Args returns the run arguments for the spec.
func (s LaunchSpec) Args() []string {
	return s.Variant.RunArgs(s.Home, s.ConfigPath)
}

// Handle controls one running core instance.
type Handle interface {
	PID() int
	// Done is closed once the instance has exited.
	Done() <-chan struct{}
	// Err reports why the instance exited. Only valid after Done.
	Err() error
	Stop(ctx context.Context) error
}

// Backend launches core instances through one control path.
type Backend interface {
	Mode() Mode
	Start(ctx context.Context, spec LaunchSpec) (Handle, error)
}
