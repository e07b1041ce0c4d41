// Package trainer supervises the external training subprocess. The trainer
// talks to the worker only through its staging directory and exit status.
package trainer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Environment variables handed to the trainer.
const (
	EnvRunRoot         = "RELAY_RUN_ROOT"
	EnvCkptStagingRoot = "RELAY_CKPT_STAGING_ROOT"
	EnvResumeFrom      = "RELAY_RESUME_FROM"
	EnvMode            = "RELAY_MODE"
)

// streamDrainTimeout bounds how long exit detection waits for the trainer's
// output pipes to reach EOF.
const streamDrainTimeout = time.Second

// ErrNotRunning is returned when signalling a process that already exited.
var ErrNotRunning = errors.New("trainer is not running")

// Spec describes how to start the trainer.
type Spec struct {
	Command []string
	Dir     string
	Env     map[string]string

	// LogPath receives the trainer's stdout and stderr. Empty discards them.
	LogPath string
}

// Process is a running trainer.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Launch starts the trainer in its own process group so signals reach the
// whole tree it spawns.
func Launch(spec Spec, logger *slog.Logger) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty trainer command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	out := io.Discard
	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create trainer log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trainer log: %w", err)
		}
		logFile = f
		out = f
	}

	// The child gets the write ends directly so its exit is observed by
	// cmd.Wait even while a background grandchild keeps them open.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeLog(logFile)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(logFile, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(logFile, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start trainer: %w", err)
	}
	closeFiles(stdoutW, stderrW)

	p := &Process{
		cmd:    cmd,
		logger: logger.With("component", "trainer", "pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	p.logger.Info("trainer started", "command", spec.Command)

	// Mutex protects concurrent writes to the log file from both streams.
	var writeMu sync.Mutex
	var streams sync.WaitGroup
	streams.Go(func() { p.streamLines(out, &writeMu, stdoutR, "stdout") })
	streams.Go(func() { p.streamLines(out, &writeMu, stderrR, "stderr") })

	drained := make(chan struct{})
	go func() {
		streams.Wait()
		closeFiles(logFile, stdoutR, stderrR)
		close(drained)
	}()

	go func() {
		err := cmd.Wait()

		// Give the streams a moment to flush the trainer's last lines. Output
		// still held open by leftover children is not waited for.
		select {
		case <-drained:
		case <-time.After(streamDrainTimeout):
			p.logger.Warn("trainer output still open after exit; not waiting for it")
		}

		p.mu.Lock()
		p.exitCode = exitCode(err)
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)

		p.logger.Info("trainer exited", "exit_code", p.exitCode)
	}()

	return p, nil
}

// Pid returns the trainer's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the trainer has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Poll reports the exit code without blocking. exited is false while the
// trainer is still running.
func (p *Process) Poll() (code int, exited bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the trainer exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		code, _ := p.Poll()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Terminate asks the trainer to exit gracefully with SIGTERM.
func (p *Process) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

// Kill stops the trainer immediately.
func (p *Process) Kill() error {
	return p.signal(syscall.SIGKILL)
}

// RequestCheckpoint asks the trainer to write a checkpoint with SIGUSR1.
func (p *Process) RequestCheckpoint() error {
	return p.signal(syscall.SIGUSR1)
}

func (p *Process) signal(sig syscall.Signal) error {
	if _, exited := p.Poll(); exited {
		return ErrNotRunning
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal trainer: %w", err)
	}
	p.logger.Debug("signalled trainer", "signal", sig.String())
	return nil
}

// streamLines copies lines from r into out (protected by mu) and mirrors
// them to the debug log.
func (p *Process) streamLines(out io.Writer, mu *sync.Mutex, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		buf := make([]byte, 0, len(line)+1)
		buf = append(append(buf, line...), '\n')
		mu.Lock()
		_, err := out.Write(buf)
		mu.Unlock()
		if err != nil {
			p.logger.Warn("write trainer log", "error", err)
		}
		p.logger.Debug("trainer output", "stream", stream, "line", string(line))
	}
	// Drain anything past an over-long line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

// exitCode maps a Wait error onto a shell-style exit status: the process's
// own code, 128+signal when killed by a signal, or 1 when unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	return 1
}

func closeLog(f *os.File) {
	if f != nil {
		f.Close()
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		closeLog(f)
	}
}
