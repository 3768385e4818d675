// Package supervisor owns the lifecycle of the external proxy core: launching
// it through the sidecar or service path, validating and hot-reloading its
// configuration, and recovering it after unexpected exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/coreapi"
	"github.com/nupi-ai/corevisor/internal/corelog"
	"github.com/nupi-ai/corevisor/internal/procutil"
	"github.com/nupi-ai/corevisor/internal/registry"
	"github.com/nupi-ai/corevisor/internal/settings"
)

const (
	// DefaultSettleDelay separates stopping an old instance from starting
	// the next one so its ports are released.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultRecoveryDelay is the wait before the first recovery attempt.
	DefaultRecoveryDelay = 6666 * time.Millisecond
	// DefaultMaxRecoveryDelay caps the recovery backoff.
	DefaultMaxRecoveryDelay = time.Minute

	coreLogFileName = "core.log"
)

// restartKeys are clash keys the running core only picks up on restart.
var restartKeys = []string{
	"mixed-port",
	"port",
	"socks-port",
	"redir-port",
	"tproxy-port",
	"external-controller",
	"secret",
	"tun",
}

// ConfigChecker validates a generated config with a core variant.
type ConfigChecker interface {
	CheckConfig(ctx context.Context, variant settings.CoreVariant, path string) error
}

// ConfigPusher asks a running core to reload its config file.
type ConfigPusher interface {
	PushConfig(ctx context.Context, path string) error
}

// Options configures a Supervisor. Only Registry is required.
type Options struct {
	Registry *registry.Registry

	// Checker defaults to a coreapi.Checker over BinDir.
	Checker ConfigChecker
	// NewPusher builds a pusher for the controller address and secret.
	// Defaults to coreapi.NewClient.
	NewPusher func(addr, secret string) ConfigPusher
	// Sidecar defaults to NewSidecarBackend.
	Sidecar Backend
	// Service is optional; when nil service mode is unavailable.
	Service Backend
	// DNS is optional; used only in tun mode.
	DNS DNSConfigurator
	// Logs receives core output. A buffer is created when nil.
	Logs *corelog.Buffer

	// BinDir holds the core binaries. Empty resolves names against PATH.
	BinDir string
	// EchoCoreLogs copies core output to the process log.
	EchoCoreLogs bool

	SettleDelay      time.Duration
	RecoveryDelay    time.Duration
	MaxRecoveryDelay time.Duration
	StopTimeout      time.Duration
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State     State                `json:"state"`
	Mode      Mode                 `json:"mode,omitempty"`
	PID       int                  `json:"pid,omitempty"`
	Core      settings.CoreVariant `json:"core"`
	Restarts  int                  `json:"restarts"`
	StartedAt time.Time            `json:"started_at,omitzero"`
	LastError string               `json:"last_error,omitempty"`
}

// instance is one launched core together with the writers feeding its
// output.
type instance struct {
	handle  Handle
	mode    Mode
	closers []io.Closer
}

func (i *instance) close() {
	for _, c := range i.closers {
		_ = c.Close()
	}
}

// Supervisor runs at most one core instance at a time.
type Supervisor struct {
	reg       *registry.Registry
	checker   ConfigChecker
	newPusher func(addr, secret string) ConfigPusher
	sidecar   Backend
	service   Backend
	dns       DNSConfigurator
	logs      *corelog.Buffer
	opts      Options

	// opMu serializes lifecycle operations. Blocking work runs under it.
	opMu sync.Mutex

	// mu guards the fields below and is only held for swaps and reads.
	mu        sync.Mutex
	current   *instance
	mode      Mode
	state     State
	desired   bool
	restarts  int
	startedAt time.Time
	lastErr   string

	// recovering is true while a recovery loop owns the restart.
	recovering bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a supervisor. Nothing is started until Init or Start.
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errors.New("supervisor: registry is required")
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.RecoveryDelay == 0 {
		opts.RecoveryDelay = DefaultRecoveryDelay
	}
	if opts.MaxRecoveryDelay == 0 {
		opts.MaxRecoveryDelay = DefaultMaxRecoveryDelay
	}
	if opts.MaxRecoveryDelay < opts.RecoveryDelay {
		opts.MaxRecoveryDelay = opts.RecoveryDelay
	}

	logs := opts.Logs
	if logs == nil {
		logs = corelog.NewBuffer(corelog.DefaultCapacity)
	}

	checker := opts.Checker
	if checker == nil {
		checker = &coreapi.Checker{
			BinDir: opts.BinDir,
			Home:   opts.Registry.Paths().Home,
			Output: func(line string) {
				logs.Append(corelog.Line{Stream: "check", Level: "error", Message: line})
			},
		}
	}

	newPusher := opts.NewPusher
	if newPusher == nil {
		newPusher = func(addr, secret string) ConfigPusher {
			return coreapi.NewClient(addr, secret)
		}
	}

	sidecar := opts.Sidecar
	if sidecar == nil {
		sidecar = NewSidecarBackend(opts.StopTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		reg:       opts.Registry,
		checker:   checker,
		newPusher: newPusher,
		sidecar:   sidecar,
		service:   opts.Service,
		dns:       opts.DNS,
		logs:      logs,
		opts:      opts,
		state:     StateStopped,
		ctx:       ctx,
		cancel:    cancel,
	}
	coreState.Set(StateStopped.stateValue())
	return s, nil
}

// Registry returns the configuration registry the supervisor generates from.
func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// Logs returns the buffer receiving core output.
func (s *Supervisor) Logs() *corelog.Buffer {
	return s.logs
}

// Init kills a core left over from a previous run and starts a fresh one in
// the background.
func (s *Supervisor) Init(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	pidPath := s.reg.Paths().PidFile
	pid, err := procutil.ReadPIDFile(pidPath)
	if err != nil {
		log.Printf("[Supervisor] %v", err)
	} else if pid > 0 {
		killStaleCore(pid)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Start(s.ctx); err != nil {
			log.Printf("[Supervisor] initial start failed: %v", err)
		}
	}()
	return nil
}

func killStaleCore(pid int) {
	if pid == os.Getpid() || !procutil.IsProcessAlive(pid) {
		return
	}
	name, err := procutil.ProcessName(pid)
	if err != nil {
		log.Printf("[Supervisor] inspect stale pid %d: %v", pid, err)
		return
	}
	lower := strings.ToLower(name)
	if !strings.Contains(lower, "mihomo") && !strings.Contains(lower, "clash") {
		return
	}
	log.Printf("[Supervisor] killing stale core %s (pid %d)", name, pid)
	if err := procutil.KillByPID(pid); err != nil {
		log.Printf("[Supervisor] kill stale core: %v", err)
	}
}

// Start (re)launches the core with freshly generated config.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.startLocked(ctx)
	s.finishRuntime(err)
	return err
}

// Restart validates the current config and relaunches the core. A rejected
// config leaves the running instance untouched.
func (s *Supervisor) Restart(ctx context.Context) error {
	log.Printf("[Supervisor] restart requested")

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.validateLocked(ctx); err != nil {
		s.reg.Runtime.Discard()
		return fmt.Errorf("supervisor: restart: %w", err)
	}
	err := s.startLocked(ctx)
	s.finishRuntime(err)
	return err
}

// Stop terminates the running core. Recovery is not attempted afterwards.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

// ChangeCore validates the current config with variant and, only if it
// passes, restarts on variant and commits the choice. A failed validation
// leaves the running instance untouched.
func (s *Supervisor) ChangeCore(ctx context.Context, variant settings.CoreVariant) error {
	if !variant.IsMihomoFamily() {
		return fmt.Errorf("supervisor: change core: unsupported variant %q", variant)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	log.Printf("[Supervisor] changing core to %s", variant)
	s.reg.Settings.Edit(func(a *settings.AppSettings) {
		v := variant
		a.ClashCore = &v
	})

	if err := s.validateLocked(ctx); err != nil {
		s.reg.Settings.Discard()
		s.reg.Runtime.Discard()
		return fmt.Errorf("supervisor: change core to %s: %w", variant, err)
	}

	s.logs.Clear()
	if err := s.startLocked(ctx); err != nil {
		s.reg.Settings.Discard()
		s.reg.Runtime.Discard()
		s.scheduleRecovery()
		return fmt.Errorf("supervisor: change core to %s: %w", variant, err)
	}

	s.reg.Settings.Apply()
	s.reg.Runtime.Apply()
	if err := s.reg.SaveSettings(); err != nil {
		log.Printf("[Supervisor] %v", err)
	}
	return nil
}

// UpdateConfig regenerates and validates the config and pushes it to the
// running core without restarting it. When no core is running the new config
// is only written for the next start.
func (s *Supervisor) UpdateConfig(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.updateLocked(ctx)
}

// PatchClash merges patch into the clash config. Keys the core only reads at
// startup trigger a restart; everything else is hot reloaded. The patch is
// committed and saved only when that succeeds.
func (s *Supervisor) PatchClash(ctx context.Context, patch config.Mapping) error {
	if len(patch) == 0 {
		return nil
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.reg.Clash.Edit(func(c *settings.ClashConfig) { c.Patch(patch) })

	var err error
	if needsRestart(patch) {
		if err = s.validateLocked(ctx); err != nil {
			s.reg.Runtime.Discard()
		} else {
			err = s.startLocked(ctx)
			s.finishRuntime(err)
			if err != nil {
				s.reg.Clash.Discard()
				s.scheduleRecovery()
				return fmt.Errorf("supervisor: patch clash: %w", err)
			}
		}
	} else {
		err = s.updateLocked(ctx)
	}
	if err != nil {
		s.reg.Clash.Discard()
		return fmt.Errorf("supervisor: patch clash: %w", err)
	}

	s.reg.Clash.Apply()
	if err := s.reg.SaveClash(); err != nil {
		log.Printf("[Supervisor] %v", err)
	}
	return nil
}

// Status reports the current lifecycle state.
func (s *Supervisor) Status() Status {
	core := s.reg.Settings.Latest().Core()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		Mode:      s.mode,
		Core:      core,
		Restarts:  s.restarts,
		LastError: s.lastErr,
	}
	if s.current != nil {
		st.PID = s.current.handle.PID()
		st.StartedAt = s.startedAt
	}
	return st
}

// Close stops recovery and the core, then waits for background work.
func (s *Supervisor) Close(ctx context.Context) error {
	s.cancel()
	err := s.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func needsRestart(patch config.Mapping) bool {
	for _, key := range restartKeys {
		if _, ok := patch[key]; ok {
			return true
		}
	}
	return false
}

// finishRuntime commits or drops the runtime draft left by a start.
func (s *Supervisor) finishRuntime(err error) {
	if err != nil {
		s.reg.Runtime.Discard()
		return
	}
	s.reg.Runtime.Apply()
}

// validateLocked regenerates the runtime draft and checks it with the
// working core variant.
func (s *Supervisor) validateLocked(ctx context.Context) error {
	if err := s.reg.Generate(ctx); err != nil {
		return err
	}
	path, err := s.reg.WriteFile(registry.CheckFile)
	if err != nil {
		return err
	}
	err = s.checker.CheckConfig(ctx, s.reg.Settings.Working().Core(), path)
	configOpsTotal.WithLabelValues("check", resultLabel(err)).Inc()
	return err
}

func (s *Supervisor) updateLocked(ctx context.Context) error {
	if err := s.validateLocked(ctx); err != nil {
		s.reg.Runtime.Discard()
		return fmt.Errorf("supervisor: update config: %w", err)
	}
	path, err := s.reg.WriteFile(registry.RuntimeFile)
	if err != nil {
		s.reg.Runtime.Discard()
		return fmt.Errorf("supervisor: update config: %w", err)
	}

	if !s.running() {
		log.Printf("[Supervisor] core not running; config applies on next start")
		s.reg.Runtime.Apply()
		return nil
	}

	clash := s.reg.Clash.Working()
	err = s.newPusher(clash.ControllerAddr(), clash.Secret()).PushConfig(ctx, path)
	configOpsTotal.WithLabelValues("push", resultLabel(err)).Inc()
	if err != nil {
		s.reg.Runtime.Discard()
		return fmt.Errorf("supervisor: update config: %w", err)
	}
	s.reg.Runtime.Apply()
	return nil
}

// startLocked stops any running instance and launches a new one. The
// runtime draft it generates is left for the caller to apply or discard.
func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.setState(StateStarting)

	if prev := s.take(); prev != nil {
		if err := prev.handle.Stop(ctx); err != nil {
			log.Printf("[Supervisor] stop previous core: %v", err)
		}
		if !sleepCtx(ctx, s.opts.SettleDelay) {
			s.fail(ctx.Err())
			return ctx.Err()
		}
	}

	if err := s.launchLocked(ctx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Supervisor) launchLocked(ctx context.Context) error {
	if err := s.reg.PreparePorts(); err != nil {
		return fmt.Errorf("supervisor: start: %w", err)
	}
	if err := s.reg.Generate(ctx); err != nil {
		return fmt.Errorf("supervisor: start: %w", err)
	}
	configPath, err := s.reg.WriteFile(registry.RuntimeFile)
	if err != nil {
		return fmt.Errorf("supervisor: start: %w", err)
	}

	app := s.reg.Settings.Working()
	clash := s.reg.Clash.Working()
	variant := app.Core()

	if app.TunMode() && s.dns != nil {
		if err := s.dns.Set(clash.TunDeviceIP()); err != nil {
			log.Printf("[Supervisor] set tun dns: %v", err)
		}
	}

	paths := s.reg.Paths()
	spec := LaunchSpec{
		Variant:    variant,
		Binary:     config.BinaryPath(s.opts.BinDir, variant.BinaryName()),
		Home:       paths.Home,
		ConfigPath: configPath,
		LogFile:    filepath.Join(paths.Logs, coreLogFileName),
	}

	var inst *instance
	if app.ServiceMode() && s.service != nil {
		h, err := s.service.Start(ctx, spec)
		coreStartsTotal.WithLabelValues(string(ModeService), resultLabel(err)).Inc()
		if err != nil {
			log.Printf("[Supervisor] service start failed, falling back to sidecar: %v", err)
		} else {
			inst = &instance{handle: h, mode: ModeService}
		}
	}
	if inst == nil {
		inst, err = s.startSidecar(ctx, spec)
		coreStartsTotal.WithLabelValues(string(ModeSidecar), resultLabel(err)).Inc()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}
	}

	s.install(inst)
	log.Printf("[Supervisor] %s core started via %s (pid %d)", variant, inst.mode, inst.handle.PID())

	s.wg.Add(1)
	go s.watch(inst)
	return nil
}

func (s *Supervisor) startSidecar(ctx context.Context, spec LaunchSpec) (*instance, error) {
	var file *os.File
	if f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		log.Printf("[Supervisor] open core log file: %v", err)
	} else {
		file = f
	}

	var fileWriter io.Writer
	if file != nil {
		fileWriter = &lockedWriter{w: file}
	}
	stdout := newCoreLogWriter(s.logs, fileWriter, "stdout", s.opts.EchoCoreLogs)
	stderr := newCoreLogWriter(s.logs, fileWriter, "stderr", s.opts.EchoCoreLogs)
	spec.Stdout = stdout
	spec.Stderr = stderr

	closers := []io.Closer{stdout, stderr}
	if file != nil {
		closers = append(closers, file)
	}
	inst := &instance{mode: ModeSidecar, closers: closers}

	h, err := s.sidecar.Start(ctx, spec)
	if err != nil {
		inst.close()
		return nil, err
	}
	inst.handle = h

	if pid := h.PID(); pid > 0 {
		if err := procutil.WritePIDFile(s.reg.Paths().PidFile, pid); err != nil {
			log.Printf("[Supervisor] %v", err)
		}
	}
	return inst, nil
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	s.desired = false
	inst := s.current
	s.current = nil
	s.setStateLocked(StateStopped)
	s.mu.Unlock()

	if s.reg.Settings.Latest().TunMode() && s.dns != nil {
		if err := s.dns.Reset(); err != nil {
			log.Printf("[Supervisor] reset dns: %v", err)
			s.mu.Lock()
			if s.mode == ModeService {
				s.mode = ModeSidecar
			}
			s.mu.Unlock()
		}
	}

	if inst == nil {
		return nil
	}

	log.Printf("[Supervisor] stopping core (pid %d)", inst.handle.PID())
	err := inst.handle.Stop(ctx)
	if inst.mode == ModeSidecar {
		if rmErr := procutil.RemovePIDFile(s.reg.Paths().PidFile); rmErr != nil {
			log.Printf("[Supervisor] %v", rmErr)
		}
	}
	if err != nil {
		return fmt.Errorf("supervisor: stop: %w", err)
	}
	return nil
}

// watch waits for inst to exit. Exits of instances that were already taken
// by a stop or restart are expected; anything else triggers recovery.
func (s *Supervisor) watch(inst *instance) {
	defer s.wg.Done()

	<-inst.handle.Done()
	inst.close()

	s.mu.Lock()
	if s.current != inst {
		s.mu.Unlock()
		return
	}
	s.current = nil
	exitErr := inst.handle.Err()
	if exitErr == nil {
		exitErr = errUnexpectedTermination
	}
	s.lastErr = exitErr.Error()
	s.setStateLocked(StateTerminated)
	s.mu.Unlock()

	coreTerminationsTotal.Inc()
	log.Printf("[Supervisor] core (pid %d) terminated unexpectedly: %v", inst.handle.PID(), exitErr)
	s.scheduleRecovery()
}

// scheduleRecovery starts the recovery loop unless one is already running.
// A running loop re-checks the handle before it exits, so a crash it misses
// here is still picked up.
func (s *Supervisor) scheduleRecovery() {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.recovering {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recoverLoop()
	}()
}

func (s *Supervisor) recoverLoop() {
	delay := s.opts.RecoveryDelay
	for attempt := 1; ; attempt++ {
		if !s.keepRecovering() {
			return
		}

		if !sleepCtx(s.ctx, delay) {
			s.endRecovery()
			return
		}

		s.opMu.Lock()
		if s.ctx.Err() != nil {
			s.opMu.Unlock()
			s.endRecovery()
			return
		}
		if !s.needsRecovery() {
			s.opMu.Unlock()
			continue
		}
		err := s.startLocked(s.ctx)
		s.finishRuntime(err)
		if err == nil {
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
		}
		s.opMu.Unlock()

		coreRecoveriesTotal.WithLabelValues(resultLabel(err)).Inc()
		if err == nil {
			log.Printf("[Supervisor] core recovered after %d attempt(s)", attempt)
			delay = s.opts.RecoveryDelay
			attempt = 0
			continue
		}

		delay *= 2
		if delay > s.opts.MaxRecoveryDelay {
			delay = s.opts.MaxRecoveryDelay
		}
		log.Printf("[Supervisor] recovery attempt %d failed: %v; retrying in %v", attempt, err, delay)
	}
}

// keepRecovering reports whether the core still needs a restart. When it
// does not, the loop gives up ownership in the same critical section so a
// later crash schedules a fresh loop.
func (s *Supervisor) keepRecovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil || !s.desired || s.current != nil {
		s.recovering = false
		return false
	}
	s.setStateLocked(StateRecovering)
	return true
}

func (s *Supervisor) endRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovering = false
}

func (s *Supervisor) needsRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired && s.current == nil
}

func (s *Supervisor) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// take removes the current instance so its exit is not treated as a crash.
func (s *Supervisor) take() *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.current
	s.current = nil
	return inst
}

func (s *Supervisor) install(inst *instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = inst
	s.mode = inst.mode
	s.desired = true
	s.startedAt = time.Now()
	s.lastErr = ""
	s.setStateLocked(StateRunning)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err.Error()
	}
	s.setStateLocked(StateStopped)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

func (s *Supervisor) setStateLocked(state State) {
	s.state = state
	coreState.Set(state.stateValue())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// lockedWriter lets stdout and stderr share one log file.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
