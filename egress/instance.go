// Package egress manages single-instance anonymized egress paths: one tor
// subprocess per instance, constrained to an assigned subset of exit relays,
// with its own health verification loop and controlled restart.
package egress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/rotorproxy/rotor/torctl"
)

var (
	// ErrConfig is returned when an instance's configuration artifacts
	// cannot be written. Fatal to that instance's startup attempt only.
	ErrConfig = errors.New("config error")

	// ErrStart is returned when the tor subprocess cannot be launched.
	ErrStart = errors.New("start error")

	// ErrNotRunning is returned by operations that require a running
	// instance.
	ErrNotRunning = errors.New("instance not running")
)

// ExitProber verifies egress through a SOCKS endpoint and reports the
// observed exit address.
type ExitProber interface {
	ExitAddress(socksAddr string) (string, error)
}

// Config bundles everything an Instance needs. All fields without a noted
// default are required.
type Config struct {
	// SocksPort is the local SOCKS5 port the tor process will listen on.
	SocksPort int

	// ControlPort is the local control port used for reload and circuit
	// rotation signals.
	ControlPort int

	// TorBinary is the tor executable to launch.
	TorBinary string

	// BaseDir is the directory under which the instance keeps its torrc
	// and data directory.
	BaseDir string

	// ExitNodes is the initial exit relay fingerprint set. Empty means
	// unrestricted egress.
	ExitNodes []string

	// MaxFailedChecks is the number of consecutive failed health checks
	// after which ShouldRestart reports true. Defaults to 3.
	MaxFailedChecks int

	// HealthTicker drives the instance's own health check loop. If nil,
	// no loop is run and the owner is expected to call CheckHealth.
	HealthTicker ticker.Ticker

	// Prober performs the exit-address probe through the instance's own
	// SOCKS port.
	Prober ExitProber

	// ReportActive is invoked with the observed exit address after every
	// successful health check.
	ReportActive func(addr string)

	// StopGrace bounds how long Stop waits for the subprocess to exit
	// after SIGTERM before escalating to SIGKILL. Defaults to 5s.
	StopGrace time.Duration
}

// Instance is one subprocess-backed SOCKS egress path. All exported methods
// are safe for concurrent use.
type Instance struct {
	cfg *Config

	torrcPath string
	dataDir   string

	mu           sync.Mutex
	proc         process
	running      bool
	failedChecks int
	lastCheck    time.Time
	exitAddr     string
	exitNodes    map[string]struct{}
	quit         chan struct{}
	wg           sync.WaitGroup

	// ctrlMu guards the lazily established control connection. Separate
	// from mu so control-port I/O never happens under the state lock.
	ctrlMu sync.Mutex
	ctrl   *torctl.Controller

	// newProc constructs the subprocess handle; replaced in tests.
	newProc func() process
}

// New creates an instance from the given config without starting it.
func New(cfg *Config) *Instance {
	if cfg.MaxFailedChecks == 0 {
		cfg.MaxFailedChecks = 3
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}

	nodes := make(map[string]struct{}, len(cfg.ExitNodes))
	for _, fp := range cfg.ExitNodes {
		nodes[fp] = struct{}{}
	}

	instDir := filepath.Join(
		cfg.BaseDir, fmt.Sprintf("inst-%d", cfg.SocksPort),
	)
	i := &Instance{
		cfg:       cfg,
		torrcPath: filepath.Join(instDir, "torrc"),
		dataDir:   filepath.Join(instDir, "data"),
		exitNodes: nodes,
	}
	i.newProc = func() process {
		return newTorProcess(cfg.TorBinary, i.torrcPath)
	}

	return i
}

// Start writes the instance's config and launches the subprocess. It returns
// once the process has been spawned; the instance is not yet known healthy.
func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return nil
	}

	if err := i.writeConfigLocked(); err != nil {
		return err
	}

	proc := i.newProc()
	if err := proc.start(); err != nil {
		return err
	}

	i.proc = proc
	i.running = true
	i.failedChecks = 0
	i.quit = make(chan struct{})

	if i.cfg.HealthTicker != nil {
		i.wg.Add(1)
		go i.healthLoop(i.quit)
	}

	log.Infof("Instance on port %d started, pid=%d, %d exit nodes",
		i.cfg.SocksPort, proc.pid(), len(i.exitNodes))

	return nil
}

// Stop terminates the subprocess, stops the health loop, and removes the
// instance's config and data artifacts.
func (i *Instance) Stop() error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = false
	close(i.quit)
	proc := i.proc
	i.proc = nil
	i.mu.Unlock()

	i.wg.Wait()

	i.ctrlMu.Lock()
	if i.ctrl != nil {
		if err := i.ctrl.Stop(); err != nil {
			log.Debugf("Control conn close on port %d: %v",
				i.cfg.SocksPort, err)
		}
		i.ctrl = nil
	}
	i.ctrlMu.Unlock()

	err := proc.stop(i.cfg.StopGrace)

	if rmErr := os.Remove(i.torrcPath); rmErr != nil &&
		!os.IsNotExist(rmErr) {

		log.Warnf("Unable to remove torrc for port %d: %v",
			i.cfg.SocksPort, rmErr)
	}
	if rmErr := os.RemoveAll(i.dataDir); rmErr != nil {
		log.Warnf("Unable to remove data dir for port %d: %v",
			i.cfg.SocksPort, rmErr)
	}

	log.Infof("Instance on port %d stopped", i.cfg.SocksPort)

	return err
}

// Restart stops then starts the instance, resetting its failure counter.
func (i *Instance) Restart() error {
	log.Infof("Restarting instance on port %d", i.cfg.SocksPort)

	if err := i.Stop(); err != nil {
		log.Warnf("Stop during restart of port %d: %v",
			i.cfg.SocksPort, err)
	}

	return i.Start()
}

// healthLoop runs periodic health checks until the quit channel closes.
func (i *Instance) healthLoop(quit chan struct{}) {
	defer i.wg.Done()

	i.cfg.HealthTicker.Resume()
	defer i.cfg.HealthTicker.Pause()

	for {
		select {
		case <-i.cfg.HealthTicker.Ticks():
			i.CheckHealth()

		case <-quit:
			return
		}
	}
}

// CheckHealth probes egress through the instance's own SOCKS port. On
// success the consecutive failure counter resets, the observed exit address
// is recorded and reported as node activity. On failure the counter
// increments. Ordinary network failure never surfaces as an error.
func (i *Instance) CheckHealth() bool {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return false
	}
	prober := i.cfg.Prober
	i.mu.Unlock()

	// The probe blocks on network I/O, so it happens outside the lock.
	addr, err := prober.ExitAddress(i.SocksAddr())

	i.mu.Lock()
	i.lastCheck = time.Now()

	if err != nil {
		i.failedChecks++
		failed := i.failedChecks
		i.mu.Unlock()

		log.Debugf("Health check failed on port %d (%d consecutive): "+
			"%v", i.cfg.SocksPort, failed, err)

		return false
	}

	i.failedChecks = 0
	i.exitAddr = addr
	report := i.cfg.ReportActive
	i.mu.Unlock()

	log.Tracef("Health check passed on port %d, exit addr %v",
		i.cfg.SocksPort, addr)

	if report != nil {
		report(addr)
	}

	return true
}

// ShouldRestart reports whether the instance has accumulated enough
// consecutive failed checks to warrant a restart.
func (i *Instance) ShouldRestart() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.failedChecks >= i.cfg.MaxFailedChecks
}

// ReloadExitNodes swaps the instance's exit node set, rewrites its config,
// and signals the live process to reload in place. It returns ErrNotRunning
// when the instance is down, and the signal error when the in-place reload
// could not be delivered; the caller decides whether to fall back to a full
// restart.
func (i *Instance) ReloadExitNodes(nodes []string) error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return ErrNotRunning
	}

	set := make(map[string]struct{}, len(nodes))
	for _, fp := range nodes {
		set[fp] = struct{}{}
	}
	i.exitNodes = set

	err := i.writeConfigLocked()
	i.mu.Unlock()
	if err != nil {
		return err
	}

	ctrl, err := i.controller()
	if err != nil {
		return fmt.Errorf("reload unsupported: %w", err)
	}

	if err := ctrl.Signal(torctl.SignalReload); err != nil {
		return fmt.Errorf("reload unsupported: %w", err)
	}

	log.Infof("Instance on port %d reloaded with %d exit nodes",
		i.cfg.SocksPort, len(nodes))

	return nil
}

// RotateCircuit signals the process to establish fresh circuits without
// changing its exit node constraints.
func (i *Instance) RotateCircuit() error {
	i.mu.Lock()
	running := i.running
	i.mu.Unlock()

	if !running {
		return ErrNotRunning
	}

	ctrl, err := i.controller()
	if err != nil {
		return err
	}

	return ctrl.Signal(torctl.SignalNewnym)
}

// controller returns the lazily established control connection, dialing and
// authenticating on first use.
func (i *Instance) controller() (*torctl.Controller, error) {
	i.ctrlMu.Lock()
	defer i.ctrlMu.Unlock()

	if i.ctrl != nil {
		return i.ctrl, nil
	}

	ctrl := torctl.NewController(
		fmt.Sprintf("127.0.0.1:%d", i.cfg.ControlPort), "",
	)
	if err := ctrl.Start(); err != nil {
		return nil, err
	}

	i.ctrl = ctrl

	return ctrl, nil
}

// writeConfigLocked renders and writes the torrc for the current exit node
// set. Callers must hold mu.
func (i *Instance) writeConfigLocked() error {
	return writeTorrc(i.torrcPath, &torrcParams{
		socksPort:   i.cfg.SocksPort,
		controlPort: i.cfg.ControlPort,
		dataDir:     i.dataDir,
		exitNodes:   i.exitNodes,
	})
}

// Running reports whether the instance considers itself running and its
// process was last observed alive.
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.running && i.proc != nil && i.proc.alive()
}

// Port returns the instance's SOCKS port.
func (i *Instance) Port() int {
	return i.cfg.SocksPort
}

// SocksAddr returns the host:port of the instance's SOCKS listener.
func (i *Instance) SocksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", i.cfg.SocksPort)
}

// ExitNodeSet returns the instance's current exit node fingerprints, sorted.
func (i *Instance) ExitNodeSet() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	nodes := make([]string, 0, len(i.exitNodes))
	for fp := range i.exitNodes {
		nodes = append(nodes, fp)
	}
	sort.Strings(nodes)

	return nodes
}

// FailedChecks returns the current consecutive failed check count.
func (i *Instance) FailedChecks() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.failedChecks
}

// LastExitAddress returns the exit address observed by the most recent
// successful health check, or empty if none has passed yet.
func (i *Instance) LastExitAddress() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.exitAddr
}

// LastCheckTime returns when the most recent health check completed.
func (i *Instance) LastCheckTime() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.lastCheck
}
