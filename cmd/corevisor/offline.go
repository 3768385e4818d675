package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/config/store"
	"github.com/nupi-ai/corevisor/internal/coreapi"
	"github.com/nupi-ai/corevisor/internal/registry"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Generate the runtime config and validate it with the core",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	cmd.Flags().String("core-dir", "", "Directory holding core binaries (default <home>/bin)")
	return cmd
}

func newGenerateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Write the runtime config without starting the core",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
}

// openRegistry opens the profile store and registry under --home and
// generates the runtime config. The caller closes the returned store.
func openRegistry(ctx context.Context, cmd *cobra.Command) (*registry.Registry, *store.Store, error) {
	home, _ := cmd.Flags().GetString("home")
	paths, err := config.EnsureDirs(home)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}
	st, err := store.Open(store.Options{Path: paths.ProfilesDB})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open profile store: %w", err)
	}
	reg, err := registry.Open(paths, st)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := reg.Generate(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return reg, st, nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	ctx := cmd.Context()

	reg, st, err := openRegistry(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	path, err := reg.WriteFile(registry.CheckFile)
	if err != nil {
		return err
	}

	coreDir, _ := cmd.Flags().GetString("core-dir")
	if coreDir == "" {
		coreDir = reg.Paths().BinDir
	}
	variant := reg.Settings.Working().Core()
	checker := &coreapi.Checker{
		BinDir: config.ExpandPath(coreDir),
		Home:   reg.Paths().Home,
		Output: func(line string) { warnf("%s", line) },
	}
	if err := checker.CheckConfig(ctx, variant, path); err != nil {
		return err
	}
	return out.Success(fmt.Sprintf("%s accepts %s", variant, path), map[string]any{
		"core": variant,
		"path": path,
	})
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	ctx := cmd.Context()

	reg, st, err := openRegistry(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := reg.WriteFiles(ctx); err != nil {
		return err
	}
	return out.Success("Wrote "+reg.Paths().Runtime, map[string]any{
		"runtime": reg.Paths().Runtime,
		"check":   reg.Paths().Check,
	})
}
