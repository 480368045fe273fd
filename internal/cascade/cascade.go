// Package cascade rebases dependent streams after a landing. Dependents are
// discovered through the project's relationship edges and rebased in their
// own worktrees; a conflict reports and leaves the stream alone, never
// abandons it.
package cascade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/events/bus"
	"github.com/sudocode-ai/sudocode/internal/git"
	"github.com/sudocode-ai/sudocode/internal/merger"
	"github.com/sudocode-ai/sudocode/internal/project"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/worktree"
)

// Service walks and rebases dependent streams.
type Service struct {
	proj   *project.Project
	store  *store.Store
	wt     *worktree.Manager
	git    *git.ExecRunner
	bus    bus.EventBus
	logger *logger.Logger
}

// New builds a cascade service. The git runner must be bound to the
// repository root; per-worktree commands derive from it.
func New(proj *project.Project, st *store.Store, wt *worktree.Manager, g *git.ExecRunner, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		proj:   proj,
		store:  st,
		wt:     wt,
		git:    g,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "cascade")),
	}
}

// Run rebases the landed issue's dependents onto the new tip, then each
// rebased stream's own dependents onto its new tip, breadth first. Visited
// streams are never entered twice, so dependency cycles terminate.
func (s *Service) Run(ctx context.Context, triggeredBy, landedIssueID, newTip string) (*v1.CascadeReport, error) {
	report := &v1.CascadeReport{TriggeredBy: triggeredBy, Complete: true}
	s.publish(triggeredBy, v1.EventCascadeStarted, report)

	type item struct {
		issueID string
		onto    string
	}
	var queue []item
	deps, err := s.proj.Dependents(landedIssueID)
	if err != nil {
		return nil, err
	}
	for _, id := range deps {
		queue = append(queue, item{issueID: id, onto: newTip})
	}

	visited := map[string]bool{landedIssueID: true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next.issueID] {
			continue
		}
		visited[next.issueID] = true

		entry, tip := s.rebaseDependent(ctx, next.issueID, next.onto)
		report.AffectedStreams = append(report.AffectedStreams, entry)
		if entry.Result == v1.CascadeStreamConflict {
			report.Complete = false
		}
		if entry.Result != v1.CascadeStreamRebased {
			// The stream did not move, so its own dependents have nothing
			// new to rebase onto.
			continue
		}
		deps, err := s.proj.Dependents(next.issueID)
		if err != nil {
			s.logger.Warn("dependent lookup failed",
				zap.String("issue_id", next.issueID), zap.Error(err))
			continue
		}
		for _, id := range deps {
			queue = append(queue, item{issueID: id, onto: tip})
		}
	}

	s.publish(triggeredBy, v1.EventCascadeCompleted, report)
	return report, nil
}

// Preflight reports which of the landed issue's direct dependents are ready
// to rebase, checking the worktrees concurrently.
func (s *Service) Preflight(ctx context.Context, landedIssueID string) (map[string]bool, error) {
	deps, err := s.proj.Dependents(landedIssueID)
	if err != nil {
		return nil, err
	}
	ready := make(map[string]bool, len(deps))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, issueID := range deps {
		g.Go(func() error {
			ok := s.dependentReady(ctx, issueID)
			mu.Lock()
			ready[issueID] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ready, nil
}

func (s *Service) dependentReady(ctx context.Context, issueID string) bool {
	stream, err := s.store.GetStreamByIssue(ctx, issueID)
	if err != nil || stream.State != v1.StreamStateActive {
		return false
	}
	path := s.worktreePath(stream)
	if !s.wt.IsValid(path) {
		return false
	}
	dirty, err := s.git.InDir(path).HasChanges(ctx)
	return err == nil && !dirty
}

// rebaseDependent rebases one dependent stream onto the given tip and
// returns the report entry plus the stream's new tip on success.
func (s *Service) rebaseDependent(ctx context.Context, issueID, onto string) (v1.CascadeEntry, string) {
	entry := v1.CascadeEntry{IssueID: issueID}

	stream, err := s.store.GetStreamByIssue(ctx, issueID)
	if err != nil {
		entry.Result = v1.CascadeStreamSkipped
		entry.Detail = "no stream for issue"
		return entry, ""
	}
	entry.StreamID = stream.ID
	if stream.State != v1.StreamStateActive {
		entry.Result = v1.CascadeStreamSkipped
		entry.Detail = fmt.Sprintf("stream is %s", stream.State)
		return entry, ""
	}

	path := s.worktreePath(stream)
	if !s.wt.IsValid(path) {
		entry.Result = v1.CascadeStreamSkipped
		entry.Detail = "worktree missing"
		return entry, ""
	}
	g := s.git.InDir(path)
	dirty, err := g.HasChanges(ctx)
	if err != nil {
		entry.Result = v1.CascadeStreamSkipped
		entry.Detail = "worktree state unreadable"
		return entry, ""
	}
	if dirty {
		entry.Result = v1.CascadeStreamSkipped
		entry.Detail = "worktree dirty"
		return entry, ""
	}

	oldTip, err := g.RevParse(ctx, "HEAD")
	if err != nil {
		entry.Result = v1.CascadeStreamSkipped
		entry.Detail = "head unreadable"
		return entry, ""
	}
	safetyTag := fmt.Sprintf("sudocode/pre-cascade/%s-%d", stream.ID, time.Now().Unix())
	if err := g.CreateTag(ctx, safetyTag, oldTip); err != nil {
		entry.Result = v1.CascadeStreamSkipped
		entry.Detail = "safety tag failed"
		return entry, ""
	}

	conflictFiles, err := s.rebaseWithAutoMerge(ctx, g, onto, oldTip, path)
	if err != nil {
		// Abort already restored the worktree; the tag stays for inspection.
		entry.Result = v1.CascadeStreamConflict
		entry.ConflictFiles = conflictFiles
		entry.Detail = err.Error()
		s.logger.Warn("cascade rebase conflict",
			zap.String("stream_id", stream.ID),
			zap.Strings("files", conflictFiles))
		return entry, ""
	}
	_ = g.DeleteTag(ctx, safetyTag)

	tip, err := g.RevParse(ctx, "HEAD")
	if err != nil {
		tip = ""
	}
	entry.Result = v1.CascadeStreamRebased
	s.logger.Info("dependent stream rebased",
		zap.String("stream_id", stream.ID),
		zap.String("onto", onto),
		zap.String("tip", tip))
	return entry, tip
}

// rebaseWithAutoMerge rebases the worktree's branch onto the given ref,
// resolving record-file conflicts with the structured merger. Any code
// conflict aborts the rebase and returns the conflicted paths.
func (s *Service) rebaseWithAutoMerge(ctx context.Context, g *git.ExecRunner, onto, oldTip, workdir string) ([]string, error) {
	err := g.Rebase(ctx, onto)
	for err != nil {
		conflicts, cerr := g.ConflictedFiles(ctx)
		if cerr != nil || len(conflicts) == 0 {
			_ = g.RebaseAbort(ctx)
			return nil, fmt.Errorf("rebase failed: %w", err)
		}
		for _, path := range conflicts {
			if !s.proj.IsStructuredPath(path) {
				_ = g.RebaseAbort(ctx)
				return conflicts, fmt.Errorf("code conflict in %s", path)
			}
			if merr := s.mergeStructuredFile(ctx, g, path, onto, oldTip, workdir); merr != nil {
				_ = g.RebaseAbort(ctx)
				return conflicts, merr
			}
		}
		err = g.RebaseContinue(ctx)
	}
	return nil, nil
}

func (s *Service) mergeStructuredFile(ctx context.Context, g *git.ExecRunner, path, onto, oldTip, workdir string) error {
	base, err := g.MergeBase(ctx, onto, oldTip)
	if err != nil {
		return fmt.Errorf("merge-base: %w", err)
	}
	baseContent, err := g.ShowFile(ctx, base, path)
	if err != nil {
		baseContent = ""
	}
	oursContent, err := g.ShowFile(ctx, onto, path)
	if err != nil {
		oursContent = ""
	}
	theirsContent, err := g.ShowFile(ctx, oldTip, path)
	if err != nil {
		theirsContent = ""
	}

	opts := merger.MergeOptions{}
	if filepath.Base(path) == project.RelationshipsFile {
		opts.TupleFields = project.RelationshipTupleFields()
	}
	merged, _, err := merger.MergeFiles(
		[]byte(baseContent), []byte(oursContent), []byte(theirsContent), opts)
	if err != nil {
		return fmt.Errorf("structured merge: %w", err)
	}

	abs := filepath.Join(workdir, filepath.FromSlash(path))
	if err := os.WriteFile(abs, merged, 0o644); err != nil {
		return err
	}
	return g.Add(ctx, path)
}

func (s *Service) worktreePath(stream *v1.Stream) string {
	if stream.WorktreePath != nil && *stream.WorktreePath != "" {
		return *stream.WorktreePath
	}
	return s.wt.PathFor(stream.ID)
}

func (s *Service) publish(triggeredBy, eventType string, report *v1.CascadeReport) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), v1.StreamSubject(triggeredBy),
		bus.NewEvent(eventType, "cascade", report)); err != nil {
		s.logger.Debug("cascade event publish failed", zap.Error(err))
	}
}
