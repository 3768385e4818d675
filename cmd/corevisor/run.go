package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/config/store"
	"github.com/nupi-ai/corevisor/internal/registry"
	"github.com/nupi-ai/corevisor/internal/server"
	"github.com/nupi-ai/corevisor/internal/supervisor"
	"github.com/nupi-ai/corevisor/internal/version"
	"github.com/nupi-ai/corevisor/internal/watch"
)

const (
	storeWatchInterval = time.Second
	shutdownTimeout    = 15 * time.Second
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: start the core and serve the control API",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	cmd.Flags().String("listen", server.DefaultAddr, "Control API listen address")
	cmd.Flags().String("core-dir", "", "Directory holding core binaries (default <home>/bin)")
	cmd.Flags().String("service-addr", defaultServiceAddr(), "Helper service address; empty disables service mode")
	cmd.Flags().Bool("no-watch", false, "Do not reload when profile files change")
	return cmd
}

func defaultServiceAddr() string {
	if runtime.GOOS == "windows" {
		return supervisor.DefaultServiceAddr
	}
	return ""
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	home, _ := cmd.Flags().GetString("home")
	paths, err := config.EnsureDirs(home)
	if err != nil {
		return fmt.Errorf("failed to prepare data directory: %w", err)
	}
	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	st, err := store.Open(store.Options{Path: paths.ProfilesDB})
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	defer st.Close()

	reg, err := registry.Open(paths, st)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	coreDir, _ := cmd.Flags().GetString("core-dir")
	if coreDir == "" {
		coreDir = paths.BinDir
	}
	opts := supervisor.Options{
		Registry:     reg,
		DNS:          supervisor.DefaultDNSConfigurator(),
		BinDir:       config.ExpandPath(coreDir),
		EchoCoreLogs: terminal.IsTerminal(int(os.Stdout.Fd())),
	}
	if addr, _ := cmd.Flags().GetString("service-addr"); addr != "" {
		opts.Service = supervisor.NewServiceBackend(addr)
	}
	sup, err := supervisor.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	listen, _ := cmd.Flags().GetString("listen")
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Init(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.New(sup).Serve(ctx, ln); err != nil {
			errChan <- err
		}
	}()

	reload := func(ctx context.Context) error {
		if err := sup.UpdateConfig(ctx); err != nil {
			log.Printf("[Daemon] reload failed: %v", err)
			return err
		}
		return nil
	}

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		if err := startWatchers(ctx, paths, st, reload); err != nil {
			log.Printf("[Daemon] profile watching disabled: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	notifyDaemonSignals(sigChan)

	log.Printf("corevisor %s started (PID: %d)", version.FormatVersion(version.String()), os.Getpid())
	log.Printf("Control API: http://%s", ln.Addr())

loop:
	for {
		select {
		case sig := <-sigChan:
			if isReloadSignal(sig) {
				log.Printf("Received %s, reloading configuration", sig)
				_ = reload(ctx)
				continue
			}
			log.Printf("Received signal %s, shutting down...", sig)
			break loop
		case err := <-errChan:
			log.Printf("Server error: %v", err)
			cancel()
			closeSupervisor(sup)
			return err
		}
	}

	cancel()
	closeSupervisor(sup)
	log.Println("Daemon stopped")
	return nil
}

func closeSupervisor(sup *supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Close(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}

// startWatchers reloads the core config when profile files change on disk
// or another process edits the profile store.
func startWatchers(ctx context.Context, paths config.Paths, st *store.Store, reload func(context.Context) error) error {
	events, err := st.Watch(ctx, storeWatchInterval)
	if err != nil {
		return fmt.Errorf("watch profile store: %w", err)
	}
	go func() {
		for ev := range events {
			if ev.Changed() {
				log.Printf("[Watch] profile store changed")
				_ = reload(ctx)
			}
		}
	}()

	w, err := watch.NewProfileWatcher(paths.ProfilesDir, watch.DefaultDebounce, reload)
	if err != nil {
		return err
	}
	go func() {
		defer w.Close()
		w.Run(ctx)
	}()
	return nil
}

func setupLogging(paths config.Paths) error {
	logPath := filepath.Join(paths.Logs, "corevisor.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== corevisor starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
