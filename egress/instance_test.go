package egress

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// fakeProc is an in-memory process handle for instance tests.
type fakeProc struct {
	mu      sync.Mutex
	started bool
	exited  bool
}

func (f *fakeProc) start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeProc) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.exited
}

func (f *fakeProc) stop(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = true
	return nil
}

func (f *fakeProc) pid() int { return 1234 }

// die marks the process as exited out-of-band, simulating a crash.
func (f *fakeProc) die() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = true
}

// fakeProber returns scripted probe results.
type fakeProber struct {
	mu      sync.Mutex
	results []error
	addr    string
	calls   int
}

func (f *fakeProber) ExitAddress(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.results) == 0 {
		return f.addr, nil
	}

	res := f.results[0]
	f.results = f.results[1:]
	if res != nil {
		return "", res
	}

	return f.addr, nil
}

// newTestInstance builds an instance backed by a fake process.
func newTestInstance(t *testing.T, cfg *Config) (*Instance, *fakeProc) {
	t.Helper()

	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	if cfg.SocksPort == 0 {
		cfg.SocksPort = 19050
	}
	if cfg.TorBinary == "" {
		cfg.TorBinary = "tor"
	}

	inst := New(cfg)
	proc := &fakeProc{}
	inst.newProc = func() process { return proc }

	return inst, proc
}

// TestInstanceStartStop checks config artifact creation and removal around
// the lifecycle.
func TestInstanceStartStop(t *testing.T) {
	t.Parallel()

	inst, proc := newTestInstance(t, &Config{
		ExitNodes: []string{"AAAA0000"},
	})

	require.NoError(t, inst.Start())
	require.True(t, inst.Running())
	require.True(t, proc.alive())

	_, err := os.Stat(inst.torrcPath)
	require.NoError(t, err)
	_, err = os.Stat(inst.dataDir)
	require.NoError(t, err)

	require.NoError(t, inst.Stop())
	require.False(t, inst.Running())
	require.False(t, proc.alive())

	// Stop removes the instance's artifacts.
	_, err = os.Stat(inst.torrcPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(inst.dataDir)
	require.True(t, os.IsNotExist(err))
}

// TestInstanceCrashDetection checks that Running reflects an out-of-band
// process death.
func TestInstanceCrashDetection(t *testing.T) {
	t.Parallel()

	inst, proc := newTestInstance(t, &Config{})

	require.NoError(t, inst.Start())
	require.True(t, inst.Running())

	proc.die()
	require.False(t, inst.Running())
}

// TestCheckHealthAccounting checks the consecutive-failure counter, the
// restart threshold, and activity reporting.
func TestCheckHealthAccounting(t *testing.T) {
	t.Parallel()

	probeErr := errors.New("socks timeout")
	prober := &fakeProber{
		results: []error{probeErr, probeErr, probeErr, nil},
		addr:    "185.220.101.4",
	}

	var mu sync.Mutex
	var reported []string

	inst, _ := newTestInstance(t, &Config{
		Prober:          prober,
		MaxFailedChecks: 3,
		ReportActive: func(addr string) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, addr)
		},
	})

	require.NoError(t, inst.Start())
	t.Cleanup(func() { _ = inst.Stop() })

	// Checks before the first success must accumulate failures.
	for i := 1; i <= 3; i++ {
		require.False(t, inst.CheckHealth())
		require.Equal(t, i, inst.FailedChecks())
	}
	require.True(t, inst.ShouldRestart())

	// A success resets the streak, records the exit address and reports
	// activity upstream.
	require.True(t, inst.CheckHealth())
	require.Zero(t, inst.FailedChecks())
	require.False(t, inst.ShouldRestart())
	require.Equal(t, "185.220.101.4", inst.LastExitAddress())
	require.False(t, inst.LastCheckTime().IsZero())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"185.220.101.4"}, reported)
}

// TestHealthLoop checks that a force-fed ticker drives checks through the
// instance's own loop.
func TestHealthLoop(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{addr: "185.220.101.4"}
	force := ticker.NewForce(time.Hour)

	inst, _ := newTestInstance(t, &Config{
		Prober:       prober,
		HealthTicker: force,
	})

	require.NoError(t, inst.Start())

	force.Force <- time.Now()

	// The tick is consumed asynchronously; wait for the check to land.
	require.Eventually(t, func() bool {
		return inst.LastExitAddress() == "185.220.101.4"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, inst.Stop())
}

// TestReloadRequiresRunning checks reload and rotation guards on a stopped
// instance.
func TestReloadRequiresRunning(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, &Config{})

	require.ErrorIs(t, inst.ReloadExitNodes([]string{"AAAA0000"}),
		ErrNotRunning)
	require.ErrorIs(t, inst.RotateCircuit(), ErrNotRunning)
}

// fakeControlPort runs a minimal control-port daemon accepting null auth and
// answering 250 to every subsequent command. The returned function reads the
// commands received so far.
func fakeControlPort(t *testing.T) (int, func() []string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	var mu sync.Mutex
	var commands []string

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			cmd := string(buf[:n])

			mu.Lock()
			commands = append(commands, cmd)
			mu.Unlock()

			var resp string
			if len(cmd) >= 12 && cmd[:12] == "PROTOCOLINFO" {
				resp = "250-PROTOCOLINFO 1\r\n" +
					"250-AUTH METHODS=NULL\r\n" +
					"250 OK\r\n"
			} else {
				resp = "250 OK\r\n"
			}
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()

	received := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), commands...)
	}

	return listener.Addr().(*net.TCPAddr).Port, received
}

// TestReloadExitNodes checks the torrc rewrite plus in-place reload signal,
// and the set round-trip through ExitNodeSet.
func TestReloadExitNodes(t *testing.T) {
	t.Parallel()

	port, commands := fakeControlPort(t)

	inst, _ := newTestInstance(t, &Config{
		ControlPort: port,
		ExitNodes:   []string{"AAAA0000", "BBBB1111"},
	})

	require.NoError(t, inst.Start())
	t.Cleanup(func() { _ = inst.Stop() })

	newSet := []string{"CCCC2222", "DDDD3333", "EEEE4444"}
	require.NoError(t, inst.ReloadExitNodes(newSet))

	// The live set must round-trip exactly.
	require.Equal(t, newSet, inst.ExitNodeSet())

	// The rewritten torrc must bind the new constraint set.
	contents, err := os.ReadFile(inst.torrcPath)
	require.NoError(t, err)
	require.Contains(t, string(contents),
		"ExitNodes $CCCC2222,$DDDD3333,$EEEE4444")

	// The live process must have been told to reload, not restarted.
	require.Eventually(t, func() bool {
		for _, cmd := range commands() {
			if cmd == "SIGNAL RELOAD\r\n" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// TestRotateCircuit checks the NEWNYM signal path.
func TestRotateCircuit(t *testing.T) {
	t.Parallel()

	port, commands := fakeControlPort(t)

	inst, _ := newTestInstance(t, &Config{ControlPort: port})

	require.NoError(t, inst.Start())
	t.Cleanup(func() { _ = inst.Stop() })

	require.NoError(t, inst.RotateCircuit())

	found := false
	for _, cmd := range commands() {
		if cmd == fmt.Sprintf("SIGNAL %s\r\n", "NEWNYM") {
			found = true
		}
	}
	require.True(t, found, "NEWNYM signal not received")
}
