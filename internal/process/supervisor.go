// Package process supervises agent subprocesses: spawning with pipes or a
// PTY, output capture, timeout enforcement with a graceful kill escalation,
// and exit tracking.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
)

// PtyHandle is the platform pseudo-terminal attached to a TTY-requiring
// agent process.
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// Status of one supervised process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusExited   Status = "exited"
)

const (
	defaultPTYCols = 120
	defaultPTYRows = 40
)

// Spec describes one subprocess to spawn.
type Spec struct {
	ID      string // tracking key, usually the execution id
	Command string
	Args    []string
	Dir     string
	Env     []string
	// UsePTY runs the process under a pseudo-terminal instead of pipes.
	UsePTY  bool
	PTYCols int
	PTYRows int
	// Timeout bounds the process lifetime; 0 disables it.
	Timeout    time.Duration
	BufferSize int
}

// errorWrapper lets an error live in an atomic.Value, which cannot hold nil.
type errorWrapper struct {
	err error
}

// Process is one supervised subprocess.
type Process struct {
	id  string
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	pty    PtyHandle

	output   *OutputBuffer
	status   atomic.Value // Status
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper
	timedOut atomic.Bool

	timer    *time.Timer
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *logger.Logger
}

// ID returns the tracking key.
func (p *Process) ID() string { return p.id }

// PID returns the OS process id, 0 before start.
func (p *Process) PID() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Status returns the current lifecycle status.
func (p *Process) Status() Status { return p.status.Load().(Status) }

// Stdin returns the process stdin. Nil under a PTY; use PTY() instead.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process stdout. Nil under a PTY; use PTY() instead.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// PTY returns the pseudo-terminal, nil for pipe-backed processes.
func (p *Process) PTY() PtyHandle { return p.pty }

// Output returns the captured output buffer.
func (p *Process) Output() *OutputBuffer { return p.output }

// Done closes when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// ExitCode returns the exit code, -1 while running.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// ExitError returns the error cmd.Wait reported, if any.
func (p *Process) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// TimedOut reports whether the timeout fired before exit.
func (p *Process) TimedOut() bool { return p.timedOut.Load() }

// Wait blocks until exit or context cancellation. A timeout kill surfaces as
// a timeout error; any other nonzero exit surfaces as a crash.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.TimedOut() {
		return apierr.Timeout("process %s killed after timeout", p.id)
	}
	if p.Status() == StatusExited && p.ExitCode() != 0 {
		return apierr.Crashed("process %s exited with code %d", p.id, p.ExitCode())
	}
	return nil
}

// Stop asks the process to exit, escalating to a kill when the context
// expires first. Safe to call more than once.
func (p *Process) Stop(ctx context.Context) error {
	if p.Status() == StatusExited {
		return nil
	}
	p.stopOnce.Do(func() {
		p.status.Store(StatusStopping)
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.cmd.Process != nil {
			if err := terminateProcess(p.cmd.Process); err != nil {
				p.logger.Debug("terminate signal failed", zap.Error(err))
			}
		}
		go func() {
			select {
			case <-p.doneCh:
			case <-ctx.Done():
				p.Kill()
			}
		}()
	})
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill forcefully terminates the process.
func (p *Process) Kill() {
	if p.cmd.Process != nil && p.Status() != StatusExited {
		p.logger.Warn("force killing process", zap.Int("pid", p.PID()))
		_ = p.cmd.Process.Kill()
	}
}

// Resize adjusts the PTY dimensions; a no-op for pipe-backed processes.
func (p *Process) Resize(cols, rows uint16) error {
	if p.pty == nil {
		return nil
	}
	return p.pty.Resize(cols, rows)
}

// Metrics counts supervisor activity since startup.
type Metrics struct {
	Spawned     int64 `json:"spawned"`
	SpawnFailed int64 `json:"spawn_failed"`
	Crashed     int64 `json:"crashed"`
	TimedOut    int64 `json:"timed_out"`
	Active      int   `json:"active"`
}

// Supervisor spawns and tracks subprocesses.
type Supervisor struct {
	grace  time.Duration
	logger *logger.Logger

	mu    sync.RWMutex
	procs map[string]*Process

	spawned     atomic.Int64
	spawnFailed atomic.Int64
	crashed     atomic.Int64
	timeouts    atomic.Int64
}

// NewSupervisor creates a supervisor. The grace period separates the
// terminate signal from the kill during timeouts and shutdown.
func NewSupervisor(grace time.Duration, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{
		grace:  grace,
		logger: log.WithFields(zap.String("component", "process-supervisor")),
		procs:  make(map[string]*Process),
	}
}

// Spawn starts a subprocess and tracks it until exit.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, apierr.SpawnFailed("no command configured", nil)
	}
	s.mu.Lock()
	if _, exists := s.procs[spec.ID]; exists {
		s.mu.Unlock()
		return nil, apierr.SpawnFailed(fmt.Sprintf("process %s already running", spec.ID), nil)
	}
	s.mu.Unlock()

	p := &Process{
		id:     spec.ID,
		output: NewOutputBuffer(spec.BufferSize),
		doneCh: make(chan struct{}),
		logger: s.logger.WithFields(zap.String("process_id", spec.ID)),
	}
	p.status.Store(StatusStarting)
	p.exitCode.Store(-1)
	p.exitErr.Store(errorWrapper{})

	// The parent context must not kill the agent when an HTTP request
	// finishes, so the command is built without it.
	p.cmd = exec.Command(spec.Command, spec.Args...)
	p.cmd.Dir = spec.Dir
	p.cmd.Env = spec.Env

	if spec.UsePTY {
		cols, rows := spec.PTYCols, spec.PTYRows
		if cols <= 0 {
			cols = defaultPTYCols
		}
		if rows <= 0 {
			rows = defaultPTYRows
		}
		handle, err := startPTY(p.cmd, cols, rows)
		if err != nil {
			s.spawnFailed.Add(1)
			return nil, apierr.SpawnFailed("start pty process", err)
		}
		p.pty = handle
	} else {
		var err error
		if p.stdin, err = p.cmd.StdinPipe(); err != nil {
			s.spawnFailed.Add(1)
			return nil, apierr.SpawnFailed("create stdin pipe", err)
		}
		if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
			s.spawnFailed.Add(1)
			return nil, apierr.SpawnFailed("create stdout pipe", err)
		}
		stderr, err := p.cmd.StderrPipe()
		if err != nil {
			s.spawnFailed.Add(1)
			return nil, apierr.SpawnFailed("create stderr pipe", err)
		}
		go p.captureLines(stderr, "stderr")

		if err := p.cmd.Start(); err != nil {
			s.spawnFailed.Add(1)
			return nil, apierr.SpawnFailed(fmt.Sprintf("start %s", spec.Command), err)
		}
	}

	p.status.Store(StatusRunning)
	s.spawned.Add(1)
	s.mu.Lock()
	s.procs[spec.ID] = p
	s.mu.Unlock()

	if spec.Timeout > 0 {
		p.timer = time.AfterFunc(spec.Timeout, func() {
			p.timedOut.Store(true)
			s.timeouts.Add(1)
			p.logger.Warn("process timeout, terminating", zap.Duration("timeout", spec.Timeout))
			killCtx, cancel := context.WithTimeout(context.Background(), s.grace)
			defer cancel()
			_ = p.Stop(killCtx)
		})
	}

	go s.reap(p)

	s.logger.Info("process started",
		zap.String("process_id", spec.ID),
		zap.String("command", spec.Command),
		zap.Int("pid", p.PID()),
		zap.Bool("pty", spec.UsePTY))
	return p, nil
}

// reap waits for exit, records the outcome and unregisters the process.
func (s *Supervisor) reap(p *Process) {
	err := p.cmd.Wait()
	wasStopping := p.Status() == StatusStopping

	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode.Store(int32(exitErr.ExitCode()))
		} else {
			p.exitCode.Store(1)
		}
		if !wasStopping && !p.TimedOut() {
			s.crashed.Add(1)
		}
		p.logger.Info("process exited with error", zap.Error(err), zap.Int("exit_code", p.ExitCode()))
	} else {
		p.exitCode.Store(0)
		p.logger.Info("process exited")
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	if p.pty != nil {
		_ = p.pty.Close()
	}
	s.mu.Lock()
	delete(s.procs, p.id)
	s.mu.Unlock()

	p.status.Store(StatusExited)
	close(p.doneCh)
}

func (p *Process) captureLines(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.output.Add(OutputLine{
			Timestamp: time.Now().UTC(),
			Stream:    stream,
			Content:   scanner.Text(),
		})
	}
}

// Get returns a tracked process.
func (s *Supervisor) Get(id string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	return p, ok
}

// Metrics returns activity counters.
func (s *Supervisor) Metrics() Metrics {
	s.mu.RLock()
	active := len(s.procs)
	s.mu.RUnlock()
	return Metrics{
		Spawned:     s.spawned.Load(),
		SpawnFailed: s.spawnFailed.Load(),
		Crashed:     s.crashed.Load(),
		TimedOut:    s.timeouts.Load(),
		Active:      active,
	}
}

// StopAll terminates every tracked process, used during shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.RLock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			_ = p.Stop(ctx)
		}(p)
	}
	wg.Wait()
}
