// Package coordinator owns the lifecycle of executions: it allocates
// streams and worktrees, launches agent sessions, lands finished work
// through the sync engine and the merge queue, and triggers the cascade.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/agent/discovery"
	"github.com/sudocode-ai/sudocode/internal/agent/driver"
	"github.com/sudocode-ai/sudocode/internal/agent/mcpconfig"
	"github.com/sudocode-ai/sudocode/internal/agent/registry"
	"github.com/sudocode-ai/sudocode/internal/cascade"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/git"
	"github.com/sudocode-ai/sudocode/internal/project"
	"github.com/sudocode-ai/sudocode/internal/queue"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/syncer"
	"github.com/sudocode-ai/sudocode/internal/telemetry"
	"github.com/sudocode-ai/sudocode/internal/worktree"
)

// Options tune the coordinator.
type Options struct {
	// DefaultTarget is the branch streams land on when nothing names one.
	DefaultTarget string
	// DefaultAgentKind applies when a create request names no agent.
	DefaultAgentKind string
	// DefaultStrategy applies to queue landings.
	DefaultStrategy v1.SyncStrategy
	// CascadeEnabled triggers dependent-stream rebases after landings.
	CascadeEnabled bool
	// QueueEnabled accepts merge-queue entries.
	QueueEnabled bool
	// DefaultTimeout bounds an agent process. Zero means no timeout.
	DefaultTimeout time.Duration
}

// Coordinator wires the engine together.
type Coordinator struct {
	store    *store.Store
	proj     *project.Project
	wt       *worktree.Manager
	git      git.Runner
	driver   *driver.Driver
	registry *registry.Registry
	injector *mcpconfig.Injector
	syncer   *syncer.Service
	cascade  *cascade.Service
	queue    *queue.Service
	tel      telemetry.Client
	opts     Options
	logger   *logger.Logger

	// pumpLocks serializes queue draining per target.
	mu        sync.Mutex
	pumpLocks map[string]*sync.Mutex
}

// New builds the coordinator.
func New(
	st *store.Store,
	proj *project.Project,
	wt *worktree.Manager,
	g git.Runner,
	drv *driver.Driver,
	reg *registry.Registry,
	injector *mcpconfig.Injector,
	syncSvc *syncer.Service,
	casc *cascade.Service,
	q *queue.Service,
	tel telemetry.Client,
	opts Options,
	log *logger.Logger,
) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	if opts.DefaultTarget == "" {
		opts.DefaultTarget = "main"
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = v1.SyncStrategySquash
	}
	if tel == nil {
		tel = telemetry.NoOpClient{}
	}
	return &Coordinator{
		store:     st,
		proj:      proj,
		wt:        wt,
		git:       g,
		driver:    drv,
		registry:  reg,
		injector:  injector,
		syncer:    syncSvc,
		cascade:   casc,
		queue:     q,
		tel:       tel,
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "coordinator")),
		pumpLocks: make(map[string]*sync.Mutex),
	}
}

// Recover runs at startup: executions that were live when the process died
// are marked crashed, and worktrees no active stream references are removed.
func (c *Coordinator) Recover(ctx context.Context) error {
	active, err := c.store.ListActiveExecutions(ctx)
	if err != nil {
		return err
	}
	for _, exec := range active {
		msg := "control plane restarted while execution was live"
		if err := c.store.UpdateExecutionStatus(ctx, exec.ID, v1.ExecutionStatusCrashed, &msg); err != nil {
			c.logger.WithExecutionID(exec.ID).Warn("crash recovery update failed", zap.Error(err))
		}
	}

	streams, err := c.store.ListStreams(ctx, v1.StreamStateActive)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(streams))
	for _, s := range streams {
		ids = append(ids, s.ID)
	}
	return c.wt.GC(ctx, ids)
}

// CreateExecution validates the request, allocates or reuses the issue's
// stream and worktree, persists the execution in preparing, and launches
// the agent session asynchronously.
func (c *Coordinator) CreateExecution(ctx context.Context, issueID *string, req v1.CreateExecutionRequest) (*v1.Execution, error) {
	if req.Prompt == "" {
		return nil, apierr.Validation("prompt is required")
	}
	kind := req.AgentType
	if kind == "" {
		kind = c.opts.DefaultAgentKind
	}
	def, err := c.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	if err := discovery.RequireAgent(def); err != nil {
		return nil, err
	}
	if issueID != nil && !c.proj.IssueExists(*issueID) {
		return nil, apierr.NotFound("issue", *issueID)
	}

	mode := req.Config.Mode
	if mode == "" {
		mode = v1.ExecutionModeWorktree
	}

	stream, err := c.acquireStream(ctx, issueID)
	if err != nil {
		return nil, err
	}

	exec := &v1.Execution{
		ID:        uuid.New().String(),
		StreamID:  stream.ID,
		IssueID:   issueID,
		AgentKind: kind,
		Mode:      mode,
		Prompt:    req.Prompt,
		Status:    v1.ExecutionStatusPreparing,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, exec, &req.Config); err != nil {
		return nil, err
	}

	workdir, err := c.prepare(ctx, exec, stream, def, &req.Config)
	if err != nil {
		c.failPreparation(exec, err)
		return nil, err
	}

	if issueID != nil {
		status := v1.IssueStatusInProgress
		if _, err := c.proj.UpdateIssue(*issueID, v1.UpdateIssueRequest{Status: &status}); err != nil {
			c.logger.WithIssueID(*issueID).Warn("issue status update failed", zap.Error(err))
		}
	}

	c.tel.Track("execution_created", map[string]any{
		"agent_kind": kind,
		"mode":       string(mode),
		"follow_up":  false,
	})
	return c.launch(exec, stream, def, workdir, req.Prompt, "", &req.Config)
}

// CreateFollowUp continues a finished or resting execution on the same
// stream, worktree and agent session.
func (c *Coordinator) CreateFollowUp(ctx context.Context, parentID, feedback string) (*v1.Execution, error) {
	if feedback == "" {
		return nil, apierr.Validation("feedback is required")
	}
	parent, err := c.store.GetExecution(ctx, parentID)
	if err != nil {
		return nil, err
	}
	switch parent.Status {
	case v1.ExecutionStatusCompleted, v1.ExecutionStatusStopped,
		v1.ExecutionStatusWaiting, v1.ExecutionStatusPaused:
	default:
		return nil, apierr.Conflict("execution %s is %s; follow-ups continue finished or resting work", parentID, parent.Status)
	}

	// A live persistent session is finalized first; the follow-up resumes
	// the same agent session by id.
	if c.driver.SessionActive(parentID) {
		_ = c.driver.EndSession(parentID)
	}

	def, err := c.registry.Get(parent.AgentKind)
	if err != nil {
		return nil, err
	}
	if err := discovery.RequireAgent(def); err != nil {
		return nil, err
	}
	stream, err := c.store.GetStream(ctx, parent.StreamID)
	if err != nil {
		return nil, err
	}
	cfg, err := c.store.GetExecutionConfig(ctx, parentID)
	if err != nil {
		cfg = &v1.ExecutionConfig{Mode: parent.Mode}
	}

	exec := &v1.Execution{
		ID:           uuid.New().String(),
		StreamID:     stream.ID,
		IssueID:      parent.IssueID,
		AgentKind:    parent.AgentKind,
		Mode:         parent.Mode,
		Prompt:       feedback,
		ParentID:     &parentID,
		WorktreePath: parent.WorktreePath,
		Status:       v1.ExecutionStatusPreparing,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, exec, cfg); err != nil {
		return nil, err
	}

	workdir, err := c.prepare(ctx, exec, stream, def, cfg)
	if err != nil {
		c.failPreparation(exec, err)
		return nil, err
	}

	resume := ""
	if parent.SessionID != nil {
		resume = *parent.SessionID
	}
	c.tel.Track("execution_created", map[string]any{
		"agent_kind": parent.AgentKind,
		"mode":       string(parent.Mode),
		"follow_up":  true,
	})
	return c.launch(exec, stream, def, workdir, feedback, resume, cfg)
}

// acquireStream returns the issue's active stream, creating one on first
// execution. Ad-hoc executions (no issue) always get a fresh stream.
func (c *Coordinator) acquireStream(ctx context.Context, issueID *string) (*v1.Stream, error) {
	if issueID != nil {
		if stream, err := c.store.GetStreamByIssue(ctx, *issueID); err == nil {
			return stream, nil
		}
	}
	id := uuid.New().String()
	stream := &v1.Stream{
		ID:         id,
		IssueID:    issueID,
		Branch:     c.wt.BranchFor(id),
		BaseBranch: c.opts.DefaultTarget,
	}
	if err := c.store.CreateStream(ctx, stream); err != nil {
		return nil, err
	}
	return stream, nil
}

// prepare resolves the working directory, records the before commit, and
// binds the worktree to the stream and execution.
func (c *Coordinator) prepare(ctx context.Context, exec *v1.Execution, stream *v1.Stream, def *registry.Definition, cfg *v1.ExecutionConfig) (string, error) {
	var workdir string
	if exec.Mode == v1.ExecutionModeLocal {
		workdir = c.proj.Root()
	} else {
		path, err := c.wt.Acquire(ctx, stream.ID, stream.BaseBranch)
		if err != nil {
			return "", err
		}
		workdir = path
		if err := c.store.SetStreamWorktree(ctx, stream.ID, &path); err != nil {
			return "", err
		}
		if err := c.store.SetExecutionWorktree(ctx, exec.ID, path); err != nil {
			return "", err
		}
		exec.WorktreePath = &path
	}

	before, err := c.git.MergeBase(ctx, stream.BaseBranch, stream.Branch)
	if err != nil {
		// A brand-new stream branch sits on the target tip.
		before, err = c.git.RevParse(ctx, stream.BaseBranch)
		if err != nil {
			return "", apierr.GitFailure("rev-parse", err)
		}
	}
	exec.BeforeCommit = before
	if err := c.store.SetExecutionCommits(ctx, exec.ID, before, nil); err != nil {
		return "", err
	}

	servers, err := c.injector.Prepare(def, cfg.McpServers)
	if err != nil {
		return "", err
	}
	cfg.McpServers = servers
	return workdir, nil
}

// launch hands the prepared execution to the agent driver.
func (c *Coordinator) launch(exec *v1.Execution, stream *v1.Stream, def *registry.Definition, workdir, prompt, resumeSession string, cfg *v1.ExecutionConfig) (*v1.Execution, error) {
	timeout := c.opts.DefaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	req := driver.StartRequest{
		Execution:       exec,
		Def:             def,
		Workdir:         workdir,
		Prompt:          prompt,
		McpServers:      cfg.McpServers,
		ResumeSessionID: resumeSession,
		SessionMode:     cfg.SessionMode,
		SessionEndMode:  cfg.SessionEndMode,
		Timeout:         timeout,
		OnFinish:        c.onFinish(stream),
	}
	if err := c.driver.Start(context.Background(), req); err != nil {
		c.failPreparation(exec, err)
		return nil, err
	}
	return exec, nil
}

// onFinish records the stream tip as after_commit when a session reaches a
// terminal or resting status.
func (c *Coordinator) onFinish(stream *v1.Stream) driver.FinishFunc {
	return func(execID string, status v1.ExecutionStatus) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tip, err := c.git.RevParse(ctx, stream.Branch)
		if err != nil {
			c.logger.WithExecutionID(execID).Debug("stream tip unreadable at finish", zap.Error(err))
		} else {
			exec, gerr := c.store.GetExecution(ctx, execID)
			if gerr == nil {
				if err := c.store.SetExecutionCommits(ctx, execID, exec.BeforeCommit, &tip); err != nil {
					c.logger.WithExecutionID(execID).Warn("after_commit not recorded", zap.Error(err))
				}
			}
		}
		c.tel.Track("execution_finished", map[string]any{"status": string(status)})
	}
}

func (c *Coordinator) failPreparation(exec *v1.Execution, cause error) {
	msg := cause.Error()
	if err := c.store.UpdateExecutionStatus(context.Background(), exec.ID, v1.ExecutionStatusFailed, &msg); err != nil {
		c.logger.WithExecutionID(exec.ID).Error("preparation failure not recorded", zap.Error(err))
	}
	c.logger.WithExecutionID(exec.ID).Warn("execution preparation failed", zap.Error(cause))
}

// Get returns one execution.
func (c *Coordinator) Get(ctx context.Context, execID string) (*v1.Execution, error) {
	return c.store.GetExecution(ctx, execID)
}

// List returns executions matching the filter.
func (c *Coordinator) List(ctx context.Context, filter store.ExecutionFilter) ([]*v1.Execution, error) {
	return c.store.ListExecutions(ctx, filter)
}

// Chain returns the follow-up chain containing the execution, root first.
func (c *Coordinator) Chain(ctx context.Context, execID string) ([]*v1.Execution, error) {
	return c.store.GetExecutionChain(ctx, execID)
}

// SessionRecords replays an execution's coalesced session log.
func (c *Coordinator) SessionRecords(ctx context.Context, execID string, afterSeq int64) ([]*v1.SessionRecord, int64, error) {
	return c.store.ListSessionRecords(ctx, execID, afterSeq)
}

// Cancel stops a non-terminal execution: cooperative session cancel first,
// then process kill after the grace period. Idempotent.
func (c *Coordinator) Cancel(ctx context.Context, execID string) error {
	exec, err := c.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	if c.driver.SessionActive(execID) {
		return c.driver.Cancel(execID)
	}
	// Never reached the driver; close it out directly.
	return c.store.UpdateExecutionStatus(ctx, execID, v1.ExecutionStatusStopped, nil)
}

// SendPrompt resumes a waiting persistent session with another turn.
func (c *Coordinator) SendPrompt(execID, text string) error {
	return c.driver.SendPrompt(execID, text)
}

// EndSession closes a persistent session and finalizes its execution.
func (c *Coordinator) EndSession(execID string) error {
	return c.driver.EndSession(execID)
}

// SyncPreview reports what landing the execution's stream would do.
func (c *Coordinator) SyncPreview(ctx context.Context, execID, target string) (*v1.SyncPreview, error) {
	req, _, err := c.syncRequest(ctx, execID, target, "")
	if err != nil {
		return nil, err
	}
	return c.syncer.Preview(ctx, req)
}

// ExecuteSync lands or stages the execution's stream with the chosen
// strategy and, for landings, runs the cascade.
func (c *Coordinator) ExecuteSync(ctx context.Context, execID string, strategy v1.SyncStrategy, syncReq v1.SyncRequest) (*v1.SyncResponse, error) {
	req, stream, err := c.syncRequest(ctx, execID, syncReq.Target, syncReq.Message)
	if err != nil {
		return nil, err
	}

	var result *v1.SyncResult
	switch strategy {
	case v1.SyncStrategySquash:
		result, err = c.syncer.Squash(ctx, req)
	case v1.SyncStrategyPreserve:
		result, err = c.syncer.Preserve(ctx, req)
	case v1.SyncStrategyStage:
		result, err = c.syncer.Stage(ctx, req)
	default:
		return nil, apierr.Validation("unknown sync strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	if strategy == v1.SyncStrategyStage {
		return &v1.SyncResponse{Result: result}, nil
	}

	return c.afterLanding(ctx, execID, stream, result), nil
}

// Land implements the promotion and queue landing path: sync with the
// strategy, then cascade. Stage is not a landing.
func (c *Coordinator) Land(ctx context.Context, execID string, strategy v1.SyncStrategy, message string) (*v1.SyncResult, *v1.CascadeReport, error) {
	if strategy == "" {
		strategy = c.opts.DefaultStrategy
	}
	if strategy == v1.SyncStrategyStage {
		return nil, nil, apierr.Validation("stage does not land commits; use squash or preserve")
	}
	resp, err := c.ExecuteSync(ctx, execID, strategy, v1.SyncRequest{Message: message})
	if err != nil {
		return nil, nil, err
	}
	return resp.Result, resp.Cascade, nil
}

// afterLanding records the landed commit, marks the stream, ends a resting
// session, and triggers the cascade.
func (c *Coordinator) afterLanding(ctx context.Context, execID string, stream *v1.Stream, result *v1.SyncResult) *v1.SyncResponse {
	log := c.logger.WithExecutionID(execID)

	exec, err := c.store.GetExecution(ctx, execID)
	if err == nil {
		if err := c.store.SetExecutionCommits(ctx, execID, exec.BeforeCommit, &result.Commit); err != nil {
			log.Warn("after_commit not recorded", zap.Error(err))
		}
	}
	if err := c.store.UpdateStreamState(ctx, stream.ID, v1.StreamStateLanded); err != nil {
		log.Warn("stream not marked landed", zap.Error(err))
	}
	// The landing operated on committed stream tips; a session still resting
	// between turns has nothing more to add to this stream.
	if c.driver.SessionActive(execID) {
		_ = c.driver.EndSession(execID)
	}
	c.tel.Track("sync_landed", map[string]any{
		"strategy": string(result.Strategy),
		"commits":  result.CommitsCount,
	})

	resp := &v1.SyncResponse{Result: result}
	if c.opts.CascadeEnabled && exec != nil && exec.IssueID != nil {
		report, err := c.cascade.Run(ctx, stream.ID, *exec.IssueID, result.Commit)
		if err != nil {
			log.Warn("cascade failed", zap.Error(err))
		} else {
			resp.Cascade = report
		}
	}
	return resp
}

func (c *Coordinator) syncRequest(ctx context.Context, execID, target, message string) (syncer.Request, *v1.Stream, error) {
	exec, err := c.store.GetExecution(ctx, execID)
	if err != nil {
		return syncer.Request{}, nil, err
	}
	stream, err := c.store.GetStream(ctx, exec.StreamID)
	if err != nil {
		return syncer.Request{}, nil, err
	}
	if target == "" {
		target = stream.BaseBranch
	}
	return syncer.Request{
		StreamID: stream.ID,
		Branch:   stream.Branch,
		Target:   target,
		Message:  message,
	}, stream, nil
}

// EnqueueExecution adds an execution to its target's merge queue and kicks
// the queue pump.
func (c *Coordinator) EnqueueExecution(ctx context.Context, execID string, priority int) (*v1.QueueEntry, error) {
	if !c.opts.QueueEnabled {
		return nil, apierr.Conflict("merge queue is disabled")
	}
	exec, err := c.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	stream, err := c.store.GetStream(ctx, exec.StreamID)
	if err != nil {
		return nil, err
	}
	entry := &v1.QueueEntry{
		ID:          uuid.New().String(),
		Target:      stream.BaseBranch,
		ExecutionID: execID,
		StreamID:    stream.ID,
		IssueID:     exec.IssueID,
		AgentKind:   exec.AgentKind,
		Priority:    priority,
	}
	entry, err = c.queue.Enqueue(ctx, entry)
	if err != nil {
		return nil, err
	}
	go c.PumpQueue(entry.Target)
	return entry, nil
}

// DequeueExecution cancels an execution's pending queue entry.
func (c *Coordinator) DequeueExecution(ctx context.Context, execID string) error {
	return c.queue.Dequeue(ctx, execID)
}

// PumpQueue drains a target's queue serially. Landings stop at the first
// failure, leaving downstream entries pending for user action.
func (c *Coordinator) PumpQueue(target string) {
	c.mu.Lock()
	l, ok := c.pumpLocks[target]
	if !ok {
		l = &sync.Mutex{}
		c.pumpLocks[target] = l
	}
	c.mu.Unlock()
	l.Lock()
	defer l.Unlock()

	ctx := context.Background()
	_, err := c.queue.Drain(ctx, target, func(ctx context.Context, entry *v1.QueueEntry) (*v1.SyncResult, error) {
		result, _, err := c.Land(ctx, entry.ExecutionID, c.opts.DefaultStrategy, "")
		return result, err
	})
	if err != nil {
		c.logger.Warn("queue pump stopped", zap.String("target", target), zap.Error(err))
	}
}

// WorktreeExists probes the execution's worktree.
func (c *Coordinator) WorktreeExists(ctx context.Context, execID string) (bool, error) {
	exec, err := c.store.GetExecution(ctx, execID)
	if err != nil {
		return false, err
	}
	if exec.WorktreePath == nil {
		return false, nil
	}
	return c.wt.Exists(*exec.WorktreePath), nil
}

// DeleteWorktree removes the execution's stream worktree. The stream branch
// and its commits survive.
func (c *Coordinator) DeleteWorktree(ctx context.Context, execID string) error {
	exec, err := c.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status == v1.ExecutionStatusRunning {
		return apierr.Conflict("execution %s is running; cancel it before removing its worktree", execID)
	}
	if err := c.wt.Delete(ctx, exec.StreamID); err != nil {
		return err
	}
	return c.store.SetStreamWorktree(ctx, exec.StreamID, nil)
}

// Shutdown cancels live sessions and stops queue processing.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.driver.Shutdown(ctx)
}
