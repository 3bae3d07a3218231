// Package engine owns the scoring child process and its three pipe
// endpoints. The handle spawns the child, keeps stderr drained into a
// bounded ring, and guarantees the child is reaped on every exit path.
package engine

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bkral/go-scorepipe/internal/constants"
	"github.com/bkral/go-scorepipe/internal/interfaces"
)

// Config holds engine spawn parameters
type Config struct {
	// Command is the engine argv. Command[0] is the binary.
	Command []string

	// NonBlocking puts the stdin and stdout descriptors into non-blocking
	// mode for the poll scheduler.
	NonBlocking bool

	// WriteOnly disables the read path; stdout is drained to nowhere so
	// an engine that still emits output cannot fill the pipe and stall.
	WriteOnly bool

	Logger interfaces.Logger
}

// Handle owns the scoring child and its pipes. One handle serves one child;
// if the child dies the handle is poisoned and must be replaced.
type Handle struct {
	cmd    *exec.Cmd
	stdin  *os.File // parent write end of the child's stdin
	stdout *os.File // parent read end of the child's stdout
	stderr *Ring

	// Raw descriptors, taken once at spawn: every os.File.Fd call would
	// switch the descriptor back to blocking mode
	stdinFd  int
	stdoutFd int

	logger interfaces.Logger

	// Closed once the child is reaped
	done    chan struct{}
	waitErr error

	stdinClosed atomic.Bool
	poisoned    atomic.Bool
	closeOnce   sync.Once
	closeErr    error

	pid int
}

// Spawn starts the scoring child with anonymous pipes on stdin, stdout and
// stderr. The parent-side ends of the pipes belong to the handle; the
// child-side ends are closed after the fork.
func Spawn(cfg Config) (*Handle, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("empty engine command")
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = procAttr()

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	// The child holds its own copies now
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	h := &Handle{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: NewRing(constants.StderrRingSize),
		// Fd() takes the files out of the runtime poller; the scheduler
		// drives them with raw syscalls from here on.
		stdinFd:  int(stdinW.Fd()),
		stdoutFd: int(stdoutR.Fd()),
		logger:   cfg.Logger,
		done:     make(chan struct{}),
		pid:      cmd.Process.Pid,
	}

	// Keep stderr drained so the engine never blocks writing diagnostics
	go func() {
		_, _ = io.Copy(h.stderr, stderrR)
		stderrR.Close()
	}()

	if cfg.WriteOnly {
		go func() {
			_, _ = io.Copy(io.Discard, stdoutR)
		}()
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
		if h.logger != nil {
			h.logger.Debugf("engine pid %d exited: %v", h.pid, h.waitErr)
		}
	}()

	if cfg.NonBlocking {
		err := unix.SetNonblock(h.stdinFd, true)
		if err == nil {
			err = unix.SetNonblock(h.stdoutFd, true)
		}
		if err != nil {
			h.kill()
			<-h.done
			stdinW.Close()
			stdoutR.Close()
			return nil, fmt.Errorf("set pipes non-blocking: %w", err)
		}
	}

	if cfg.Logger != nil {
		cfg.Logger.Debugf("engine started pid=%d argv=%v", h.pid, cfg.Command)
	}

	return h, nil
}

// Alive reports process liveness for precondition checks
func (h *Handle) Alive() bool {
	if h.poisoned.Load() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Poison marks the handle permanently unusable. Called by the schedulers
// when a mid-call failure leaves the pipe state undefined.
func (h *Handle) Poison() {
	h.poisoned.Store(true)
}

// Poisoned reports whether the handle has been poisoned
func (h *Handle) Poisoned() bool {
	return h.poisoned.Load()
}

// Pid returns the child's process id
func (h *Handle) Pid() int {
	return h.pid
}

// Stdin returns the parent-side write end of the child's stdin
func (h *Handle) Stdin() *os.File {
	return h.stdin
}

// Stdout returns the parent-side read end of the child's stdout
func (h *Handle) Stdout() *os.File {
	return h.stdout
}

// StdinFd returns the raw descriptor for readiness polling
func (h *Handle) StdinFd() int {
	return h.stdinFd
}

// StdoutFd returns the raw descriptor for readiness polling
func (h *Handle) StdoutFd() int {
	return h.stdoutFd
}

// StderrTail returns a copy of the engine's most recent stderr output
func (h *Handle) StderrTail() []byte {
	return h.stderr.Bytes()
}

// CloseStdin signals EOF to the engine. Idempotent.
func (h *Handle) CloseStdin() error {
	if h.stdinClosed.Swap(true) {
		return nil
	}
	return h.stdin.Close()
}

// kill force-terminates the whole engine process group
func (h *Handle) kill() {
	// Negative pid targets the process group set up at spawn
	_ = syscall.Kill(-h.pid, syscall.SIGKILL)
}

// Close closes stdin (EOF to the engine), waits a bounded grace period for
// the child to exit, then force-terminates it. Safe to call more than once
// and safe to call on a poisoned handle.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		_ = h.CloseStdin()

		deadline := time.Now().Add(constants.CloseGraceTimeout)
		for {
			select {
			case <-h.done:
				h.closeErr = h.stdout.Close()
				return
			default:
			}
			if time.Now().After(deadline) {
				break
			}
			time.Sleep(constants.ClosePollInterval)
		}

		if h.logger != nil {
			h.logger.Printf("engine pid %d did not exit in %s, killing", h.pid, constants.CloseGraceTimeout)
		}
		h.kill()
		<-h.done
		h.closeErr = h.stdout.Close()
	})
	return h.closeErr
}
