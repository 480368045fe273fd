// Package review tracks checkpoints through the review gate and promotes
// approved work onto the target branch. Promotion is blocked while any
// blocking dependency has not landed, unless forced.
package review

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/git"
	"github.com/sudocode-ai/sudocode/internal/project"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// Lander executes the sync strategy for an execution and runs the cascade.
// The coordinator provides it so promotion and queue landings share one path.
type Lander interface {
	Land(ctx context.Context, execID string, strategy v1.SyncStrategy, message string) (*v1.SyncResult, *v1.CascadeReport, error)
}

// Enqueuer adds an execution to its target's merge queue.
type Enqueuer interface {
	EnqueueExecution(ctx context.Context, execID string, priority int) (*v1.QueueEntry, error)
}

// Options tune the review service.
type Options struct {
	// DefaultStrategy applies when a promote request names none.
	DefaultStrategy v1.SyncStrategy
	// QueueEnabled gates autoEnqueue on checkpoint creation.
	QueueEnabled bool
}

// Service is the per-issue checkpoint state machine.
type Service struct {
	store  *store.Store
	proj   *project.Project
	git    git.Runner
	lander Lander
	queue  Enqueuer
	opts   Options
	logger *logger.Logger

	// issueLocks serializes review transitions and promotions per issue.
	mu         sync.Mutex
	issueLocks map[string]*sync.Mutex
}

// New builds a review service. The git runner must be bound to the
// repository root.
func New(st *store.Store, proj *project.Project, g git.Runner, lander Lander, queue Enqueuer, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = v1.SyncStrategySquash
	}
	return &Service{
		store:      st,
		proj:       proj,
		git:        g,
		lander:     lander,
		queue:      queue,
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "review")),
		issueLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockIssue(issueID string) func() {
	s.mu.Lock()
	l, ok := s.issueLocks[issueID]
	if !ok {
		l = &sync.Mutex{}
		s.issueLocks[issueID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateCheckpoint snapshots a finished execution's stream tip as the
// issue's current checkpoint. With autoEnqueue the execution also joins the
// merge queue when one is enabled.
func (s *Service) CreateCheckpoint(ctx context.Context, execID, message string, autoEnqueue bool) (*v1.Checkpoint, error) {
	exec, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case v1.ExecutionStatusCompleted, v1.ExecutionStatusWaiting, v1.ExecutionStatusPaused:
	default:
		return nil, apierr.Conflict("execution %s is %s; checkpoints come from finished work", execID, exec.Status)
	}
	if exec.IssueID == nil {
		return nil, apierr.Validation("execution %s has no issue; ad-hoc work cannot be checkpointed", execID)
	}
	stream, err := s.store.GetStream(ctx, exec.StreamID)
	if err != nil {
		return nil, err
	}

	commit := ""
	if exec.AfterCommit != nil {
		commit = *exec.AfterCommit
	}
	if commit == "" {
		commit, err = s.git.RevParse(ctx, stream.Branch)
		if err != nil {
			return nil, apierr.GitFailure("rev-parse", err)
		}
	}
	base, err := s.git.MergeBase(ctx, stream.BaseBranch, commit)
	if err != nil {
		return nil, apierr.GitFailure("merge-base", err)
	}

	cp := &v1.Checkpoint{
		ID:          uuid.New().String(),
		IssueID:     *exec.IssueID,
		StreamID:    stream.ID,
		ExecutionID: execID,
		Commit:      commit,
		BaseCommit:  base,
		Message:     message,
		Review:      v1.ReviewStatePending,
		CreatedAt:   time.Now().UTC(),
	}
	if stat, err := s.git.DiffStatBetween(ctx, base, commit); err == nil {
		cp.Stats = &v1.DiffStats{
			FilesChanged: stat.FilesChanged,
			Additions:    stat.Additions,
			Deletions:    stat.Deletions,
		}
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	s.logger.WithIssueID(cp.IssueID).Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("commit", commit))

	if autoEnqueue && s.opts.QueueEnabled && s.queue != nil {
		if _, err := s.queue.EnqueueExecution(ctx, execID, 0); err != nil {
			s.logger.Warn("auto-enqueue failed", zap.String("execution_id", execID), zap.Error(err))
		}
	}
	return cp, nil
}

// Current returns the issue's current checkpoint.
func (s *Service) Current(ctx context.Context, issueID string) (*v1.Checkpoint, error) {
	return s.store.CurrentCheckpoint(ctx, issueID)
}

// List returns the issue's checkpoints, newest first.
func (s *Service) List(ctx context.Context, issueID string) ([]*v1.Checkpoint, error) {
	return s.store.ListCheckpoints(ctx, issueID)
}

// Review applies one review action to the issue's current checkpoint.
func (s *Service) Review(ctx context.Context, issueID string, req v1.ReviewRequest) (*v1.Checkpoint, error) {
	defer s.lockIssue(issueID)()

	cp, err := s.store.CurrentCheckpoint(ctx, issueID)
	if err != nil {
		return nil, err
	}

	var next v1.ReviewState
	switch req.Action {
	case v1.ReviewActionApprove:
		if cp.Review != v1.ReviewStatePending {
			return nil, apierr.Conflict("checkpoint is %s; only pending checkpoints can be approved", cp.Review)
		}
		next = v1.ReviewStateApproved
	case v1.ReviewActionRequestChanges:
		if cp.Review != v1.ReviewStatePending {
			return nil, apierr.Conflict("checkpoint is %s; only pending checkpoints can have changes requested", cp.Review)
		}
		next = v1.ReviewStateChangesRequested
	case v1.ReviewActionReset:
		if cp.Review == v1.ReviewStatePending {
			return nil, apierr.Conflict("checkpoint is already pending")
		}
		next = v1.ReviewStatePending
	default:
		return nil, apierr.Validation("unknown review action %q", req.Action)
	}

	var reviewer, notes *string
	if req.Reviewer != "" {
		reviewer = &req.Reviewer
	}
	if req.Notes != "" {
		notes = &req.Notes
	}
	if err := s.store.SetCheckpointReview(ctx, cp.ID, next, reviewer, notes); err != nil {
		return nil, err
	}
	s.logger.WithIssueID(issueID).Info("review applied",
		zap.String("action", string(req.Action)),
		zap.String("state", string(next)))
	return s.store.GetCheckpoint(ctx, cp.ID)
}

// Promote lands the issue's current checkpoint onto its stream's target.
// Gates, in order: a current checkpoint must exist, review must be approved
// (unless forced), and every blocking dependency must have landed (unless
// forced).
func (s *Service) Promote(ctx context.Context, issueID string, req v1.PromoteRequest) (*v1.PromoteResponse, error) {
	defer s.lockIssue(issueID)()

	cp, err := s.store.CurrentCheckpoint(ctx, issueID)
	if err != nil {
		return nil, apierr.Validation("issue %s has no checkpoint to promote", issueID)
	}
	if cp.Landed {
		return nil, apierr.Conflict("checkpoint %s already landed", cp.ID)
	}
	if cp.Review != v1.ReviewStateApproved && !req.Force {
		return nil, apierr.Conflict("checkpoint is %s; approval required to promote", cp.Review).
			WithStatus(403)
	}

	blocked, err := s.unlandedBlockers(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if len(blocked) > 0 && !req.Force {
		return nil, apierr.Conflict("issue %s is blocked by unlanded dependencies", issueID).
			WithBlockedBy(blocked...)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = s.opts.DefaultStrategy
	}
	result, cascadeReport, err := s.lander.Land(ctx, cp.ExecutionID, strategy, req.Message)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkCheckpointLanded(ctx, cp.ID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStreamState(ctx, cp.StreamID, v1.StreamStateLanded); err != nil {
		s.logger.Warn("stream not marked landed", zap.String("stream_id", cp.StreamID), zap.Error(err))
	}
	cp, err = s.store.GetCheckpoint(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	s.logger.WithIssueID(issueID).Info("checkpoint promoted",
		zap.String("checkpoint_id", cp.ID),
		zap.String("strategy", string(strategy)),
		zap.String("commit", result.Commit))

	return &v1.PromoteResponse{
		Checkpoint: cp,
		Result:     result,
		Cascade:    cascadeReport,
	}, nil
}

// unlandedBlockers returns blocking issues without a landed checkpoint.
func (s *Service) unlandedBlockers(ctx context.Context, issueID string) ([]string, error) {
	blockers, err := s.proj.Blockers(issueID)
	if err != nil {
		return nil, err
	}
	var blocked []string
	for _, blockerID := range blockers {
		landed, err := s.hasLandedCheckpoint(ctx, blockerID)
		if err != nil {
			return nil, err
		}
		if !landed {
			blocked = append(blocked, blockerID)
		}
	}
	return blocked, nil
}

func (s *Service) hasLandedCheckpoint(ctx context.Context, issueID string) (bool, error) {
	cps, err := s.store.ListCheckpoints(ctx, issueID)
	if err != nil {
		return false, err
	}
	for _, cp := range cps {
		if cp.Landed {
			return true, nil
		}
	}
	return false, nil
}
