package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/coreapi"
	"github.com/nupi-ai/corevisor/internal/corelog"
	"github.com/nupi-ai/corevisor/internal/server"
	"github.com/nupi-ai/corevisor/internal/settings"
	"github.com/nupi-ai/corevisor/internal/supervisor"
	"github.com/nupi-ai/corevisor/internal/version"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the core status reported by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := daemonClient(cmd).Status(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd, status)
		},
	}
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := daemonClient(cmd).Restart(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd, status)
		},
	}
}

func newChangeCoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "change-core <mihomo|mihomo-alpha>",
		Short: "Switch the core variant, keeping the old one if the config is rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := daemonClient(cmd).ChangeCore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd, status)
		},
	}
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Regenerate the runtime config and push it to the running core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := daemonClient(cmd).Reload(cmd.Context()); err != nil {
				return err
			}
			return newOutputFormatter(cmd).Success("Configuration reloaded", nil)
		},
	}
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value> [<key> <value>...]",
		Short: "Patch clash settings (values are parsed as YAML)",
		Example: `  corevisor set mixed-port 7891
  corevisor set mode rule log-level info
  corevisor set tun '{enable: true}'`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected key/value pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parsePatchArgs(args)
			if err != nil {
				return err
			}
			if err := daemonClient(cmd).PatchClash(cmd.Context(), patch); err != nil {
				return err
			}
			return newOutputFormatter(cmd).Success("Clash settings updated", map[string]any{"patch": patch})
		},
	}
}

// parsePatchArgs turns key/value pairs into a patch, decoding each value as
// YAML so numbers, booleans and nested mappings keep their types.
func parsePatchArgs(args []string) (config.Mapping, error) {
	patch := config.Mapping{}
	for i := 0; i+1 < len(args); i += 2 {
		key := strings.TrimSpace(args[i])
		if key == "" {
			return nil, fmt.Errorf("empty key at position %d", i+1)
		}
		var value any
		if err := yaml.Unmarshal([]byte(args[i+1]), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		patch[key] = value
	}
	return patch, nil
}

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print buffered core logs",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}
	cmd.Flags().IntP("tail", "n", 0, "Only show the last N lines")
	cmd.Flags().BoolP("follow", "f", false, "Keep streaming new lines")
	cmd.Flags().Bool("core", false, "Stream directly from the core's controller instead of the daemon buffer")
	cmd.Flags().String("level", "info", "Minimum level for --core streams")
	return cmd
}

// coreClient talks to the core's external controller using the address and
// secret from clash.yaml.
func coreClient(cmd *cobra.Command) *coreapi.Client {
	clash := settings.LoadClashConfig(homePaths(cmd).Clash)
	return coreapi.NewClient(clash.ControllerAddr(), clash.Secret())
}

func runLogs(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	c := daemonClient(cmd)
	tail, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	emit := func(line corelog.Line) {
		if out.jsonMode {
			_ = out.Print(line)
			return
		}
		fmt.Fprintln(out.w, formatLogLine(line))
	}

	if direct, _ := cmd.Flags().GetBool("core"); !follow && !direct {
		lines, err := c.Logs(cmd.Context(), tail)
		if err != nil {
			return err
		}
		for _, line := range lines {
			emit(line)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if direct, _ := cmd.Flags().GetBool("core"); direct {
		level, _ := cmd.Flags().GetString("level")
		err := coreClient(cmd).StreamLogs(ctx, level, func(msg coreapi.LogMessage) {
			emit(corelog.Line{Time: time.Now(), Stream: "core", Level: msg.Type, Message: msg.Payload})
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return c.FollowLogs(ctx, tail, emit)
}

func formatLogLine(line corelog.Line) string {
	var b strings.Builder
	if !line.Time.IsZero() {
		b.WriteString(line.Time.Local().Format(time.TimeOnly))
		b.WriteByte(' ')
	}
	if line.Level != "" {
		b.WriteString("[" + line.Level + "] ")
	}
	b.WriteString(line.Message)
	return b.String()
}

type statusView struct {
	server.StatusResponse
	CoreVersion string `json:"core_version,omitempty"`
}

func printStatus(cmd *cobra.Command, status server.StatusResponse) error {
	out := newOutputFormatter(cmd)
	view := statusView{StatusResponse: status}
	if status.State == supervisor.StateRunning {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		if info, err := coreClient(cmd).Version(ctx); err == nil {
			view.CoreVersion = info.Version
		}
		cancel()
	}
	if out.jsonMode {
		return out.Print(view)
	}

	fmt.Fprintf(out.w, "State:    %s\n", status.State)
	fmt.Fprintf(out.w, "Core:     %s\n", status.Core)
	if view.CoreVersion != "" {
		fmt.Fprintf(out.w, "Version:  %s\n", view.CoreVersion)
	}
	if status.Mode != "" {
		fmt.Fprintf(out.w, "Mode:     %s\n", status.Mode)
	}
	if status.PID > 0 {
		fmt.Fprintf(out.w, "PID:      %d\n", status.PID)
	}
	if !status.StartedAt.IsZero() {
		fmt.Fprintf(out.w, "Uptime:   %s\n", time.Since(status.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(out.w, "Restarts: %d\n", status.Restarts)
	if status.LastError != "" {
		fmt.Fprintf(out.w, "Error:    %s\n", status.LastError)
	}
	if w := version.CheckDaemonMismatch(status.Version); w != "" {
		warnf("%s", w)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := version.String()

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	status, daemonErr := daemonClient(cmd).Status(ctx)

	if out.jsonMode {
		data := map[string]any{"client": clientVersion}
		if daemonErr != nil {
			data["daemon"] = nil
			data["daemon_error"] = daemonErr.Error()
		} else {
			data["daemon"] = status.Version
			if w := version.CheckDaemonMismatch(status.Version); w != "" {
				data["mismatch"] = true
				data["warning"] = w
			}
		}
		return out.Print(data)
	}

	fmt.Fprintf(out.w, "Client: %s\n", version.FormatVersion(clientVersion))
	if daemonErr != nil {
		fmt.Fprintf(out.w, "Daemon: unavailable (%v)\n", daemonErr)
		return nil
	}
	fmt.Fprintf(out.w, "Daemon: %s\n", version.FormatVersion(status.Version))
	if w := version.CheckDaemonMismatch(status.Version); w != "" {
		fmt.Fprintln(out.w, w)
	}
	return nil
}
