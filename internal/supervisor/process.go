// Package supervisor spawns agent child processes and drives the wire
// protocol over their stdin/stdout. A Process owns the OS-level lifecycle,
// a Conn owns JSON-RPC framing and pending calls, and a Session layers the
// protocol state machine on top. The Supervisor tracks sessions by agent id.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

// ProcessStatus represents the child process lifecycle phase.
type ProcessStatus string

const (
	ProcessStopped  ProcessStatus = "stopped"
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopping ProcessStatus = "stopping"
	ProcessError    ProcessStatus = "error"
)

// DefaultStderrLines bounds the diagnostic stderr ring.
const DefaultStderrLines = 500

// killGrace is how long Stop waits between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// errorWrapper wraps an error so it can be stored in atomic.Value (which
// cannot store nil).
type errorWrapper struct {
	err error
}

// ProcessConfig describes the agent command to spawn.
type ProcessConfig struct {
	Command     []string
	Dir         string
	Env         []string
	StderrLines int
}

// Process manages one agent subprocess: spawn, pipe wiring, stderr capture
// and shutdown escalation.
type Process struct {
	cfg    ProcessConfig
	logger *logger.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	status   atomic.Value // ProcessStatus
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	stderrBuf *OutputBuffer

	wg      sync.WaitGroup
	doneCh  chan struct{}
	startMu sync.Mutex
	stopMu  sync.Mutex
}

// NewProcess creates an unstarted process for the given command.
func NewProcess(cfg ProcessConfig, log *logger.Logger) *Process {
	lines := cfg.StderrLines
	if lines <= 0 {
		lines = DefaultStderrLines
	}
	p := &Process{
		cfg:       cfg,
		logger:    log.WithComponent("agent-process"),
		stderrBuf: NewOutputBuffer(lines),
	}
	p.status.Store(ProcessStopped)
	p.exitCode.Store(-1)
	return p
}

// Status returns the current process status.
func (p *Process) Status() ProcessStatus {
	return p.status.Load().(ProcessStatus)
}

// ExitCode returns the exit code, or -1 while the process has not exited.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the exit error, if any.
func (p *Process) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// Start spawns the child and wires its pipes.
func (p *Process) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if s := p.Status(); s == ProcessRunning || s == ProcessStarting {
		return fmt.Errorf("agent process already running")
	}
	if len(p.cfg.Command) == 0 {
		p.status.Store(ProcessError)
		return fmt.Errorf("no agent command configured")
	}

	p.logger.Info("starting agent process",
		zap.Strings("command", p.cfg.Command),
		zap.String("dir", p.cfg.Dir))

	p.status.Store(ProcessStarting)
	p.exitCode.Store(-1)
	p.exitErr.Store(errorWrapper{})

	// Deliberately not CommandContext: the caller's request context must not
	// kill the agent when the request finishes. Stop owns shutdown.
	p.cmd = exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	p.cmd.Dir = p.cfg.Dir
	p.cmd.Env = p.cfg.Env

	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		p.status.Store(ProcessError)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		p.status.Store(ProcessError)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		p.status.Store(ProcessError)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		p.status.Store(ProcessError)
		return fmt.Errorf("failed to start agent: %w", err)
	}

	p.doneCh = make(chan struct{})
	p.wg.Add(2)
	go p.readStderr()
	go p.waitForExit()

	p.status.Store(ProcessRunning)
	p.logger.Info("agent process started", zap.Int("pid", p.cmd.Process.Pid))
	return nil
}

// Stdin returns the child's stdin writer.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the child's stdout reader.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// StderrTail returns the most recent stderr lines for diagnostics.
func (p *Process) StderrTail(n int) []string {
	lines := p.stderrBuf.GetLast(n)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Content
	}
	return out
}

// Stop shuts the child down: close stdin, SIGTERM, wait up to the grace
// period, then SIGKILL. Safe to call multiple times and after exit.
func (p *Process) Stop(ctx context.Context) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	status := p.Status()
	if status == ProcessStopped || status == ProcessStopping {
		return nil
	}
	p.logger.Info("stopping agent process")
	p.status.Store(ProcessStopping)

	// Start never got far enough to spawn; nothing to reap.
	if p.doneCh == nil {
		p.status.Store(ProcessStopped)
		return nil
	}

	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := time.NewTimer(killGrace)
	defer grace.Stop()

	select {
	case <-p.doneCh:
		p.logger.Info("agent process stopped gracefully")
	case <-grace.C:
		p.forceKill("grace period expired")
	case <-ctx.Done():
		p.forceKill("stop context cancelled")
	}

	p.wg.Wait()
	p.status.Store(ProcessStopped)
	return nil
}

func (p *Process) forceKill(reason string) {
	if p.cmd != nil && p.cmd.Process != nil {
		p.logger.Warn("force killing agent process", zap.String("reason", reason))
		_ = p.cmd.Process.Kill()
	}
	<-p.doneCh
}

// readStderr drains stderr into the diagnostic ring.
func (p *Process) readStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		p.stderrBuf.Add(OutputLine{
			Timestamp: time.Now(),
			Stream:    "stderr",
			Content:   scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// waitForExit reaps the child and records the outcome.
func (p *Process) waitForExit() {
	defer p.wg.Done()
	defer close(p.doneCh)

	err := p.cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode.Store(int32(exitErr.ExitCode()))
		}
		p.logger.Info("agent process exited with error", zap.Error(err))
	} else {
		p.exitCode.Store(0)
		p.logger.Info("agent process exited")
	}
	p.status.Store(ProcessStopped)
}
