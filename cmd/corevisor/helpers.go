package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/corevisor/internal/client"
	"github.com/nupi-ai/corevisor/internal/config"
)

// OutputFormatter handles output in JSON or human-readable format.
type OutputFormatter struct {
	jsonMode bool
	w        io.Writer
}

// newOutputFormatter creates a formatter based on the command's --json flag.
func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode, w: cmd.OutOrStdout()}
}

// Print writes data as indented JSON, or as-is when it is a string.
func (f *OutputFormatter) Print(data any) error {
	if s, ok := data.(string); ok && !f.jsonMode {
		fmt.Fprintln(f.w, s)
		return nil
	}
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(f.w, string(jsonBytes))
	return nil
}

// Success outputs a success message.
func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		output := map[string]any{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Fprintln(f.w, message)
	return nil
}

func homePaths(cmd *cobra.Command) config.Paths {
	home, _ := cmd.Flags().GetString("home")
	return config.GetPaths(home)
}

// daemonClient prefers an explicit --addr over COREVISOR_ADDR.
func daemonClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	if cmd.Flags().Changed("addr") {
		return client.New(addr)
	}
	return client.FromEnv(addr)
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
