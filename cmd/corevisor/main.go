package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/corevisor/internal/server"
	"github.com/nupi-ai/corevisor/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "corevisor",
		Short:         "Supervise the mihomo proxy core and its configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := rootCmd.PersistentFlags()
	flags.String("home", "", "Data directory (default $COREVISOR_HOME or ~/.corevisor)")
	flags.String("addr", server.DefaultAddr, "Daemon API address used by client commands")
	flags.Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(
		newRunCommand(),
		newCheckCommand(),
		newGenerateCommand(),
		newStatusCommand(),
		newRestartCommand(),
		newChangeCoreCommand(),
		newReloadCommand(),
		newSetCommand(),
		newLogsCommand(),
		newProfilesCommand(),
		newVersionCommand(),
	)
	return rootCmd
}
