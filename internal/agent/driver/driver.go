// Package driver runs one agent session per execution over the Agent Client
// Protocol: spawn the agent, create or resume a session in the execution's
// working directory, stream prompts, and fan updates out to watchers and
// the session log.
package driver

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/agent/registry"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/events/bus"
	"github.com/sudocode-ai/sudocode/internal/process"
)

// Store is the slice of the persistence layer the driver writes through.
type Store interface {
	UpdateExecutionStatus(ctx context.Context, id string, status v1.ExecutionStatus, errMsg *string) error
	SetExecutionSession(ctx context.Context, id, sessionID string) error
	AppendSessionRecord(ctx context.Context, executionID string, record *v1.SessionRecord) error
}

// FinishFunc runs after an execution reaches a terminal status, before the
// final event is published. The coordinator uses it to record the stream
// tip as after_commit.
type FinishFunc func(execID string, status v1.ExecutionStatus)

// Options tune the driver.
type Options struct {
	// PoolSize bounds concurrently running agent sessions.
	PoolSize int64
	// Grace separates cooperative cancel from force kill.
	Grace time.Duration
	// IdleTimeout ends a persistent session after inactivity in waiting.
	// Zero disables the timer.
	IdleTimeout time.Duration
	// EndOnDisconnect ends a waiting session when its last watcher leaves.
	EndOnDisconnect bool
}

// StartRequest carries everything needed to run one execution's session.
type StartRequest struct {
	Execution *v1.Execution
	Def       *registry.Definition
	Workdir   string
	Prompt    string
	McpServers []v1.McpServerEntry
	// ResumeSessionID resumes the parent's agent session for follow-ups.
	ResumeSessionID string
	SessionMode     v1.SessionMode
	SessionEndMode  v1.SessionEndMode
	Timeout         time.Duration
	OnFinish        FinishFunc
}

// session is one live agent connection.
type session struct {
	execID    string
	streamID  string
	sessionID string
	mode      v1.SessionMode
	endMode   v1.SessionEndMode
	onFinish  FinishFunc

	proc *process.Process
	conn *acp.ClientSideConnection
	coal *Coalescer

	prompts chan string
	endCh   chan struct{}
	endOnce sync.Once

	mu     sync.Mutex
	state  v1.ExecutionStatus // running, waiting, paused while live
	turnCancel context.CancelFunc
}

func (s *session) setState(st v1.ExecutionStatus) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) getState() v1.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) end() {
	s.endOnce.Do(func() { close(s.endCh) })
}

// Driver owns all live agent sessions.
type Driver struct {
	sup    *process.Supervisor
	store  Store
	bus    bus.EventBus
	sem    *semaphore.Weighted
	opts   Options
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	queue    *promptQueue
}

// New creates a driver on top of the process supervisor.
func New(sup *process.Supervisor, st Store, eventBus bus.EventBus, opts Options, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Default()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &Driver{
		sup:      sup,
		store:    st,
		bus:      eventBus,
		sem:      semaphore.NewWeighted(opts.PoolSize),
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "agent-driver")),
		sessions: make(map[string]*session),
		queue:    newPromptQueue(),
	}
}

// Start spawns the agent and runs the first turn asynchronously. It returns
// once the execution is queued on the session pool; failures after that
// mark the execution failed and surface on the event stream.
func (d *Driver) Start(ctx context.Context, req StartRequest) error {
	if req.Execution == nil || req.Def == nil {
		return apierr.Validation("driver: execution and agent definition are required")
	}
	exec := req.Execution

	d.setStatus(exec.ID, exec.StreamID, v1.ExecutionStatusPending, nil)

	go func() {
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			d.fail(exec.ID, exec.StreamID, err)
			return
		}
		defer d.sem.Release(1)
		d.run(req)
	}()
	return nil
}

// run drives the whole session on its own goroutine.
func (d *Driver) run(req StartRequest) {
	exec := req.Execution
	log := d.logger.WithExecutionID(exec.ID)

	spec := process.Spec{
		ID:      exec.ID,
		Command: req.Def.Command,
		Args:    req.Def.Args,
		Dir:     req.Workdir,
		Env:     req.Def.Env,
		UsePTY:  req.Def.RequiresTTY,
		Timeout: req.Timeout,
	}
	proc, err := d.sup.Spawn(context.Background(), spec)
	if err != nil {
		d.fail(exec.ID, exec.StreamID, err)
		return
	}

	s := &session{
		execID:   exec.ID,
		streamID: exec.StreamID,
		mode:     req.SessionMode,
		endMode:  req.SessionEndMode,
		onFinish: req.OnFinish,
		proc:     proc,
		coal:     NewCoalescer(),
		prompts:  make(chan string, 1),
		endCh:    make(chan struct{}),
	}
	if s.mode == "" {
		s.mode = v1.SessionModeDiscrete
	}
	if s.endMode == "" {
		s.endMode = v1.SessionEndModeWaiting
	}

	client := &acpClient{
		logger:  log,
		workdir: req.Workdir,
		updates: func(n acp.SessionNotification) { d.handleUpdate(s, n) },
	}
	stdin, stdout := ioPair(proc)
	s.conn = acp.NewClientSideConnection(client, stdin, stdout)
	s.conn.SetLogger(slog.Default().With("component", "acp-conn"))

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	initResp, err := s.conn.Initialize(initCtx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "sudocode",
			Version: "1.0.0",
		},
	})
	if err != nil {
		d.closeProcess(proc)
		d.fail(exec.ID, exec.StreamID, apierr.SpawnFailed("agent initialize handshake failed", err))
		return
	}

	if req.ResumeSessionID != "" && initResp.AgentCapabilities.LoadSession {
		_, err = s.conn.LoadSession(initCtx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(req.ResumeSessionID),
		})
		if err == nil {
			s.sessionID = req.ResumeSessionID
		} else {
			log.Warn("session load failed, starting a fresh session", zap.Error(err))
		}
	}
	if s.sessionID == "" {
		resp, err := s.conn.NewSession(initCtx, acp.NewSessionRequest{
			Cwd:        req.Workdir,
			McpServers: toACPMcpServers(req.McpServers),
		})
		if err != nil {
			d.closeProcess(proc)
			d.fail(exec.ID, exec.StreamID, apierr.SpawnFailed("agent session create failed", err))
			return
		}
		s.sessionID = string(resp.SessionId)
	}
	_ = d.store.SetExecutionSession(context.Background(), exec.ID, s.sessionID)

	d.mu.Lock()
	d.sessions[exec.ID] = s
	d.mu.Unlock()

	s.setState(v1.ExecutionStatusRunning)
	d.setStatus(exec.ID, exec.StreamID, v1.ExecutionStatusRunning, nil)
	d.publish(s, v1.EventRunStarted, nil, string(v1.ExecutionStatusRunning), "")

	d.loop(s, req.Prompt)
}

// loop runs prompt turns until the session ends.
func (d *Driver) loop(s *session, firstPrompt string) {
	defer d.teardown(s)

	prompt := firstPrompt
	for {
		status, err := d.turn(s, prompt)
		if err != nil {
			d.finalize(s, v1.ExecutionStatusFailed, err)
			return
		}
		if status != "" {
			// Cancelled mid-turn.
			d.finalize(s, status, nil)
			return
		}
		if s.mode != v1.SessionModePersistent {
			d.finalize(s, v1.ExecutionStatusCompleted, nil)
			return
		}

		// Turn complete on a persistent session: drain a queued prompt
		// or rest in waiting/paused.
		if queued, ok := d.queue.take(s.execID); ok {
			prompt = queued
			continue
		}

		resting := v1.ExecutionStatusWaiting
		event := v1.EventSessionWaiting
		if s.endMode == v1.SessionEndModePaused {
			resting = v1.ExecutionStatusPaused
			event = v1.EventSessionPaused
		}
		s.setState(resting)
		d.setStatus(s.execID, s.streamID, resting, nil)
		d.publish(s, event, nil, string(resting), "")

		var idleTimer *time.Timer
		var idle <-chan time.Time
		if d.opts.IdleTimeout > 0 && resting == v1.ExecutionStatusWaiting {
			idleTimer = time.NewTimer(d.opts.IdleTimeout)
			idle = idleTimer.C
		}

		select {
		case prompt = <-s.prompts:
			// Only this arm loops; the timer must not linger into the
			// next turn.
			if idleTimer != nil {
				idleTimer.Stop()
			}
			s.setState(v1.ExecutionStatusRunning)
			d.setStatus(s.execID, s.streamID, v1.ExecutionStatusRunning, nil)
		case <-idle:
			d.logger.WithExecutionID(s.execID).Info("idle timeout, ending session")
			d.finalize(s, v1.ExecutionStatusCompleted, nil)
			return
		case <-s.endCh:
			d.finalize(s, v1.ExecutionStatusCompleted, nil)
			return
		case <-s.proc.Done():
			d.finalize(s, v1.ExecutionStatusCrashed,
				apierr.Crashed("agent exited while session was %s: %s", resting, lastStderr(s.proc)))
			return
		}
	}
}

// turn sends one prompt and blocks until the agent finishes it. A non-empty
// status means the turn was interrupted and the session must finalize.
func (d *Driver) turn(s *session, prompt string) (v1.ExecutionStatus, error) {
	turnCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
	}()

	_, err := s.conn.Prompt(turnCtx, acp.PromptRequest{
		SessionId: acp.SessionId(s.sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	})

	// Persist whatever the coalescer still holds; the turn boundary closes
	// every open record.
	d.persistRecords(s, s.coal.FlushAll())

	select {
	case <-s.endCh:
		return v1.ExecutionStatusStopped, nil
	default:
	}
	if err != nil {
		if turnCtx.Err() != nil {
			return v1.ExecutionStatusStopped, nil
		}
		return "", apierr.Crashed("agent turn failed: %v", err)
	}
	return "", nil
}

// handleUpdate forwards one raw update to watchers and feeds the coalescer.
func (d *Driver) handleUpdate(s *session, n acp.SessionNotification) {
	rec := convertNotification(n)
	d.publish(s, v1.EventSessionUpdate, &rec, "", "")
	d.persistRecords(s, s.coal.Feed(rec))
}

func (d *Driver) persistRecords(s *session, recs []v1.SessionRecord) {
	for i := range recs {
		if err := d.store.AppendSessionRecord(context.Background(), s.execID, &recs[i]); err != nil {
			d.logger.WithExecutionID(s.execID).Error("session record append failed", zap.Error(err))
		}
	}
}

// SendPrompt resumes a waiting or paused persistent session. When the
// session is mid-turn the prompt is queued (one slot, replaced on re-send).
func (d *Driver) SendPrompt(execID, text string) error {
	s, ok := d.get(execID)
	if !ok {
		return apierr.NotFound("session", execID)
	}
	if s.mode != v1.SessionModePersistent {
		return apierr.Validation("execution %s is not a persistent session", execID)
	}
	switch s.getState() {
	case v1.ExecutionStatusWaiting, v1.ExecutionStatusPaused:
		select {
		case s.prompts <- text:
			return nil
		default:
			d.queue.put(execID, text)
			return nil
		}
	case v1.ExecutionStatusRunning:
		d.queue.put(execID, text)
		return nil
	default:
		return apierr.Conflict("session %s is not accepting prompts", execID)
	}
}

// EndSession closes a persistent session and finalizes its execution.
func (d *Driver) EndSession(execID string) error {
	s, ok := d.get(execID)
	if !ok {
		return apierr.NotFound("session", execID)
	}
	s.end()
	return nil
}

// Cancel cooperatively cancels the running turn, escalating to a process
// kill after the grace period. Idempotent; canceling an unknown or already
// finished execution is a no-op.
func (d *Driver) Cancel(execID string) error {
	s, ok := d.get(execID)
	if !ok {
		return nil
	}
	s.end()

	cancelCtx, cancel := context.WithTimeout(context.Background(), d.opts.Grace)
	defer cancel()
	_ = s.conn.Cancel(cancelCtx, acp.CancelNotification{SessionId: acp.SessionId(s.sessionID)})

	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.mu.Unlock()

	select {
	case <-s.proc.Done():
	case <-cancelCtx.Done():
		s.proc.Kill()
	}
	return nil
}

// SessionActive reports whether the execution still owns a live session.
func (d *Driver) SessionActive(execID string) bool {
	_, ok := d.get(execID)
	return ok
}

// OnLastSubscriberGone implements the transport's disconnect signal: when
// configured, a waiting session ends once nobody is watching.
func (d *Driver) OnLastSubscriberGone(execID string) {
	if !d.opts.EndOnDisconnect {
		return
	}
	s, ok := d.get(execID)
	if !ok {
		return
	}
	if s.getState() == v1.ExecutionStatusWaiting {
		d.logger.WithExecutionID(execID).Info("last watcher left, ending session")
		s.end()
	}
}

// Shutdown cancels every live session.
func (d *Driver) Shutdown(ctx context.Context) {
	d.mu.RLock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	for _, id := range ids {
		_ = d.Cancel(id)
	}
	d.sup.StopAll(ctx)
}

func (d *Driver) get(execID string) (*session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[execID]
	return s, ok
}

// finalize moves the execution to a terminal status exactly once and emits
// the final event.
func (d *Driver) finalize(s *session, status v1.ExecutionStatus, cause error) {
	var errMsg *string
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg
	}
	if status == v1.ExecutionStatusFailed && s.proc.TimedOut() {
		msg := "agent timed out"
		errMsg = &msg
	}

	d.setStatus(s.execID, s.streamID, status, errMsg)
	if s.onFinish != nil {
		s.onFinish(s.execID, status)
	}
	d.publish(s, v1.EventSessionEnded, nil, string(status), deref(errMsg))
	d.publish(s, v1.EventRunFinished, nil, string(status), deref(errMsg))
}

// teardown releases the session's process and tracking entry.
func (d *Driver) teardown(s *session) {
	d.queue.drop(s.execID)
	d.closeProcess(s.proc)
	d.mu.Lock()
	delete(d.sessions, s.execID)
	d.mu.Unlock()
}

// closeProcess asks the agent to exit by closing stdin, then enforces the
// grace period.
func (d *Driver) closeProcess(p *process.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Grace)
	defer cancel()
	_ = p.Stop(ctx)
}

func (d *Driver) fail(execID, streamID string, cause error) {
	msg := cause.Error()
	d.setStatus(execID, streamID, v1.ExecutionStatusFailed, &msg)
	d.publishRaw(execID, streamID, v1.EventRunFinished, nil, string(v1.ExecutionStatusFailed), msg)
	d.logger.WithExecutionID(execID).Error("execution failed", zap.Error(cause))
}

func (d *Driver) setStatus(execID, streamID string, status v1.ExecutionStatus, errMsg *string) {
	if err := d.store.UpdateExecutionStatus(context.Background(), execID, status, errMsg); err != nil {
		d.logger.WithExecutionID(execID).Error("status update failed",
			zap.String("status", string(status)), zap.Error(err))
	}
}

func (d *Driver) publish(s *session, eventType string, rec *v1.SessionRecord, status, errMsg string) {
	d.publishRaw(s.execID, s.streamID, eventType, rec, status, errMsg)
}

func (d *Driver) publishRaw(execID, streamID, eventType string, rec *v1.SessionRecord, status, errMsg string) {
	evt := v1.ExecutionEvent{
		Type:        eventType,
		ExecutionID: execID,
		StreamID:    streamID,
		Timestamp:   time.Now().UTC(),
		Record:      rec,
		Status:      status,
		Error:       errMsg,
	}
	if err := d.bus.Publish(context.Background(), v1.ExecutionSubject(execID), bus.NewEvent(eventType, "agent-driver", evt)); err != nil {
		d.logger.WithExecutionID(execID).Debug("event publish failed", zap.Error(err))
	}
}

func toACPMcpServers(servers []v1.McpServerEntry) []acp.McpServer {
	out := make([]acp.McpServer, 0, len(servers))
	for _, server := range servers {
		if server.URL != "" {
			out = append(out, acp.McpServer{
				Sse: &acp.McpServerSseInline{
					Name:    server.Name,
					Url:     server.URL,
					Type:    "sse",
					Headers: []acp.HttpHeader{},
				},
			})
			continue
		}
		out = append(out, acp.McpServer{
			Stdio: &acp.McpServerStdio{
				Name:    server.Name,
				Command: server.Command,
				Args:    append([]string{}, server.Args...),
			},
		})
	}
	return out
}

// lastStderr pulls the agent's final stderr lines for crash diagnostics.
func lastStderr(p *process.Process) string {
	var lines []string
	for _, l := range p.Output().GetLast(20) {
		if l.Stream == "stderr" {
			lines = append(lines, l.Content)
		}
	}
	if len(lines) == 0 {
		return "no stderr output"
	}
	return strings.Join(lines, "\n")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
