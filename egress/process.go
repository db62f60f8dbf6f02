package egress

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// process is the handle the instance holds on its tor subprocess. It exists
// as an interface so instance tests can substitute a fake.
type process interface {
	// start launches the subprocess.
	start() error

	// alive reports whether the subprocess is still running.
	alive() bool

	// stop terminates the subprocess, escalating from SIGTERM to SIGKILL
	// after the grace period.
	stop(grace time.Duration) error

	// pid returns the subprocess pid, or 0 if not running.
	pid() int
}

// torProcess supervises one tor subprocess launched with a generated torrc.
// The process handle is exclusively owned by the instance that created it;
// nothing else terminates it.
type torProcess struct {
	binary    string
	torrcPath string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func newTorProcess(binary, torrcPath string) *torProcess {
	return &torProcess{
		binary:    binary,
		torrcPath: torrcPath,
	}
}

// start launches the tor binary against the generated torrc. The process is
// reaped by a background goroutine so a crashed tor never lingers as a
// zombie.
func (p *torProcess) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("%w: process already started", ErrStart)
	}

	cmd := exec.Command(p.binary, "-f", p.torrcPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStart, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done

	pid := cmd.Process.Pid
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debugf("Process %v exited: %v", pid, err)
		} else {
			log.Debugf("Process %v exited cleanly", pid)
		}
		close(done)
	}()

	log.Debugf("Launched %v -f %v, pid=%v", p.binary, p.torrcPath,
		cmd.Process.Pid)

	return nil
}

// alive reports whether the subprocess has been started and has not yet
// exited.
func (p *torProcess) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return false
	}

	select {
	case <-p.done:
		return false
	default:
	}

	// The process may have exited without the reaper having run yet, so
	// double check with a null signal.
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// stop sends SIGTERM and waits up to grace for the process to exit, then
// escalates to SIGKILL. Calling stop on a never-started or already-exited
// process is a no-op.
func (p *torProcess) stop(grace time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Raced with process exit.
		return nil
	}

	select {
	case <-done:
		return nil

	case <-time.After(grace):
	}

	log.Warnf("Process %v did not exit within %v, killing",
		cmd.Process.Pid, grace)

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("unable to kill pid %v: %w",
			cmd.Process.Pid, err)
	}
	<-done

	return nil
}

// pid returns the subprocess pid, or 0 when not running.
func (p *torProcess) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}
