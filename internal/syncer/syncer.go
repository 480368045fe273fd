// Package syncer lands stream branches on a target branch. It previews what
// a sync would do, executes the squash, preserve and stage strategies, and
// reconciles record-file conflicts through the structured merger instead of
// failing the operation.
package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/events/bus"
	"github.com/sudocode-ai/sudocode/internal/git"
	"github.com/sudocode-ai/sudocode/internal/merger"
	"github.com/sudocode-ai/sudocode/internal/project"
)

// Request names the stream branch to land and where.
type Request struct {
	StreamID string
	Branch   string
	Target   string
	Message  string
}

// Service executes syncs against the repository root checkout.
type Service struct {
	git    git.Runner
	proj   *project.Project
	bus    bus.EventBus
	logger *logger.Logger
}

// New builds a sync service. The git runner must be bound to the repository
// root.
func New(g git.Runner, proj *project.Project, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		git:    g,
		proj:   proj,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "syncer")),
	}
}

// Preview reports what landing the branch on target would do. Refs are never
// modified.
func (s *Service) Preview(ctx context.Context, req Request) (*v1.SyncPreview, error) {
	if err := s.checkRefs(ctx, req); err != nil {
		return nil, err
	}

	base, err := s.git.MergeBase(ctx, req.Target, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("merge-base", err)
	}

	commits, err := s.git.CommitsBetween(ctx, req.Target, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("log", err)
	}
	behind, err := s.git.CountCommits(ctx, req.Branch, req.Target)
	if err != nil {
		return nil, apierr.GitFailure("rev-list", err)
	}

	preview := &v1.SyncPreview{
		StreamID:     req.StreamID,
		Target:       req.Target,
		Commits:      toCommitInfos(commits),
		UpToDate:     len(commits) == 0,
		BehindTarget: behind,
		CleanMerge:   true,
	}
	if preview.UpToDate {
		return preview, nil
	}

	stat, err := s.git.DiffStatBetween(ctx, base, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("diff", err)
	}
	preview.Stats = v1.DiffStats{
		FilesChanged: stat.FilesChanged,
		Additions:    stat.Additions,
		Deletions:    stat.Deletions,
	}

	mt, err := s.git.MergeTree(ctx, req.Target, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("merge-tree", err)
	}
	for _, path := range mt.ConflictedFiles {
		structured := s.proj.IsStructuredPath(path)
		preview.Conflicts = append(preview.Conflicts, v1.ConflictFile{
			Path:       path,
			Structured: structured,
		})
		if !structured {
			preview.CleanMerge = false
		}
	}
	return preview, nil
}

// Squash lands the stream range as a single commit on target.
func (s *Service) Squash(ctx context.Context, req Request) (*v1.SyncResult, error) {
	return s.land(ctx, v1.SyncStrategySquash, req)
}

// Preserve lands the stream range keeping individual commits.
func (s *Service) Preserve(ctx context.Context, req Request) (*v1.SyncResult, error) {
	return s.land(ctx, v1.SyncStrategyPreserve, req)
}

// Stage applies the stream's changes to the target working tree without
// committing or moving refs.
func (s *Service) Stage(ctx context.Context, req Request) (*v1.SyncResult, error) {
	s.publishSync(req, v1.EventSyncStarted, "")
	res, err := s.stage(ctx, req)
	if err != nil {
		s.publishSync(req, v1.EventSyncFailed, err.Error())
		return nil, err
	}
	s.publishSync(req, v1.EventSyncCompleted, "")
	return res, nil
}

func (s *Service) land(ctx context.Context, strategy v1.SyncStrategy, req Request) (*v1.SyncResult, error) {
	s.publishSync(req, v1.EventSyncStarted, "")
	res, err := s.executeLand(ctx, strategy, req)
	if err != nil {
		s.publishSync(req, v1.EventSyncFailed, err.Error())
		return nil, err
	}
	s.publishSync(req, v1.EventSyncCompleted, "")
	return res, nil
}

// executeLand runs the squash or preserve strategy on a temporary branch cut
// from target, then moves the target ref. The working tree returns to the
// branch it started on.
func (s *Service) executeLand(ctx context.Context, strategy v1.SyncStrategy, req Request) (*v1.SyncResult, error) {
	log := s.logger.WithStreamID(req.StreamID)

	if err := s.checkRefs(ctx, req); err != nil {
		return nil, err
	}
	dirty, err := s.git.HasChanges(ctx)
	if err != nil {
		return nil, apierr.GitFailure("status", err)
	}
	if dirty {
		return nil, apierr.Conflict("target working tree has uncommitted changes")
	}

	base, err := s.git.MergeBase(ctx, req.Target, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("merge-base", err)
	}
	count, err := s.git.CountCommits(ctx, req.Target, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("rev-list", err)
	}
	if count == 0 {
		return nil, apierr.Validation("stream %s has no commits to land on %s", req.StreamID, req.Target)
	}

	safetyTag := safetyTagName(req.StreamID)
	if err := s.git.CreateTag(ctx, safetyTag, req.Target); err != nil {
		return nil, apierr.GitFailure("tag", err)
	}

	prevBranch, err := s.git.CurrentBranch(ctx)
	if err != nil {
		return nil, apierr.GitFailure("rev-parse", err)
	}
	tempBranch := tempBranchName(req.StreamID)
	if err := s.git.CreateBranch(ctx, tempBranch, req.Target); err != nil {
		return nil, apierr.GitFailure("branch", err)
	}
	if err := s.git.CheckoutBranch(ctx, tempBranch); err != nil {
		_ = s.git.DeleteBranch(ctx, tempBranch)
		return nil, apierr.GitFailure("checkout", err)
	}

	cleanup := func() {
		_ = s.git.CheckoutBranch(ctx, prevBranch)
		_ = s.git.DeleteBranch(ctx, tempBranch)
	}

	notes, err := s.replayRange(ctx, base, req.Branch, req.Target)
	if err != nil {
		_ = s.git.CherryPickAbort(ctx)
		_ = s.git.ResetHard(ctx, safetyTag)
		cleanup()
		_ = s.git.DeleteTag(ctx, safetyTag)
		return nil, err
	}

	if strategy == v1.SyncStrategySquash {
		message := req.Message
		if message == "" {
			message = fmt.Sprintf("sync: land stream %s", req.StreamID)
		}
		if _, err := s.git.Run(ctx, "reset", "--soft", req.Target); err != nil {
			cleanup()
			_ = s.git.DeleteTag(ctx, safetyTag)
			return nil, apierr.GitFailure("reset", err)
		}
		if err := s.git.Commit(ctx, message); err != nil {
			cleanup()
			_ = s.git.DeleteTag(ctx, safetyTag)
			return nil, apierr.GitFailure("commit", err)
		}
	}

	tip, err := s.git.RevParse(ctx, "HEAD")
	if err != nil {
		cleanup()
		_ = s.git.DeleteTag(ctx, safetyTag)
		return nil, apierr.GitFailure("rev-parse", err)
	}
	stat, err := s.git.DiffStatBetween(ctx, req.Target, tip)
	if err != nil {
		stat = git.DiffStat{}
	}

	// Move target to the new tip, then restore the original checkout.
	if err := s.git.CheckoutBranch(ctx, prevBranch); err != nil {
		return nil, apierr.GitFailure("checkout", err)
	}
	if prevBranch == req.Target {
		if err := s.git.Merge(ctx, tempBranch); err != nil {
			_ = s.git.ResetHard(ctx, safetyTag)
			_ = s.git.DeleteBranch(ctx, tempBranch)
			return nil, apierr.GitFailure("merge", err)
		}
	} else {
		if err := s.git.UpdateBranchRef(ctx, req.Target, tip); err != nil {
			_ = s.git.DeleteBranch(ctx, tempBranch)
			return nil, apierr.GitFailure("update-ref", err)
		}
	}
	if err := s.git.DeleteBranch(ctx, tempBranch); err != nil {
		log.Warn("temporary sync branch not deleted", zap.String("branch", tempBranch), zap.Error(err))
	}

	log.Info("stream landed",
		zap.String("target", req.Target),
		zap.String("strategy", string(strategy)),
		zap.String("commit", tip),
		zap.Int("commits", count))

	return &v1.SyncResult{
		StreamID:  req.StreamID,
		Target:    req.Target,
		Strategy:  strategy,
		Commit:    tip,
		SafetyTag: safetyTag,
		Stats: v1.DiffStats{
			FilesChanged: stat.FilesChanged,
			Additions:    stat.Additions,
			Deletions:    stat.Deletions,
		},
		Notes:        notes,
		LandedAt:     time.Now().UTC(),
		CommitsCount: count,
	}, nil
}

// replayRange cherry-picks base..branch onto the checked-out temporary
// branch, auto-merging record-file conflicts and failing on any other.
func (s *Service) replayRange(ctx context.Context, base, branch, target string) ([]v1.StructuredMergeNote, error) {
	var notes []v1.StructuredMergeNote

	err := s.git.CherryPickRange(ctx, base, branch)
	for err != nil {
		conflicts, cerr := s.git.ConflictedFiles(ctx)
		if cerr != nil || len(conflicts) == 0 {
			return nil, apierr.GitFailure("cherry-pick", err)
		}
		for _, path := range conflicts {
			if !s.proj.IsStructuredPath(path) {
				return nil, apierr.GitFailure("cherry-pick",
					fmt.Errorf("code conflict in %s", path)).WithBlockedBy(conflicts...)
			}
			fileNotes, merr := s.mergeStructuredFile(ctx, path, base, branch)
			if merr != nil {
				return nil, merr
			}
			notes = append(notes, fileNotes...)
		}
		err = s.git.CherryPickContinue(ctx)
	}
	return notes, nil
}

// mergeStructuredFile reconciles one conflicted record file with the
// three-way merger and stages the result.
func (s *Service) mergeStructuredFile(ctx context.Context, path, baseRef, theirsRef string) ([]v1.StructuredMergeNote, error) {
	baseContent, err := s.git.ShowFile(ctx, baseRef, path)
	if err != nil {
		baseContent = "" // file absent at the merge base
	}
	oursContent, err := s.git.ShowFile(ctx, "HEAD", path)
	if err != nil {
		oursContent = ""
	}
	theirsContent, err := s.git.ShowFile(ctx, theirsRef, path)
	if err != nil {
		theirsContent = ""
	}

	opts := merger.MergeOptions{}
	if filepath.Base(path) == project.RelationshipsFile {
		opts.TupleFields = project.RelationshipTupleFields()
	}
	merged, result, err := merger.MergeFiles(
		[]byte(baseContent), []byte(oursContent), []byte(theirsContent), opts)
	if err != nil {
		return nil, apierr.GitFailure("structured merge", err)
	}

	abs := filepath.Join(s.proj.Root(), filepath.FromSlash(path))
	if err := os.WriteFile(abs, merged, 0o644); err != nil {
		return nil, apierr.GitFailure("structured merge", err)
	}
	if err := s.git.Add(ctx, path); err != nil {
		return nil, apierr.GitFailure("add", err)
	}

	var notes []v1.StructuredMergeNote
	for _, c := range result.Conflicts {
		notes = append(notes, v1.StructuredMergeNote{
			Path:   path,
			Kind:   conflictNoteKind(c.Kind),
			Detail: fmt.Sprintf("%s: %s", c.Key, c.Resolution),
		})
	}
	for _, r := range result.Renames {
		notes = append(notes, v1.StructuredMergeNote{
			Path:    path,
			Kind:    "renumbered",
			OldID:   r.OldID,
			NewID:   r.NewID,
			RecordU: r.UUID,
		})
	}
	return notes, nil
}

// stage applies the stream's aggregate diff to the target working tree.
func (s *Service) stage(ctx context.Context, req Request) (*v1.SyncResult, error) {
	if err := s.checkRefs(ctx, req); err != nil {
		return nil, err
	}
	current, err := s.git.CurrentBranch(ctx)
	if err != nil {
		return nil, apierr.GitFailure("rev-parse", err)
	}
	if current != req.Target {
		return nil, apierr.Conflict("stage requires %s checked out, found %s", req.Target, current)
	}
	dirty, err := s.git.HasChanges(ctx)
	if err != nil {
		return nil, apierr.GitFailure("status", err)
	}
	if dirty {
		return nil, apierr.Conflict("target working tree has uncommitted changes")
	}

	base, err := s.git.MergeBase(ctx, req.Target, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("merge-base", err)
	}
	patch, err := s.git.DiffPatch(ctx, base, req.Branch)
	if err != nil {
		return nil, apierr.GitFailure("diff", err)
	}
	if len(patch) == 0 {
		return nil, apierr.Validation("stream %s has no changes to stage on %s", req.StreamID, req.Target)
	}
	if err := s.git.ApplyPatch(ctx, patch); err != nil {
		return nil, apierr.GitFailure("apply", err)
	}

	stat, err := s.git.DiffStatBetween(ctx, base, req.Branch)
	if err != nil {
		stat = git.DiffStat{}
	}
	return &v1.SyncResult{
		StreamID: req.StreamID,
		Target:   req.Target,
		Strategy: v1.SyncStrategyStage,
		Staged:   true,
		Stats: v1.DiffStats{
			FilesChanged: stat.FilesChanged,
			Additions:    stat.Additions,
			Deletions:    stat.Deletions,
		},
		LandedAt: time.Now().UTC(),
	}, nil
}

func (s *Service) checkRefs(ctx context.Context, req Request) error {
	if req.Branch == "" || req.Target == "" {
		return apierr.Validation("sync requires a stream branch and a target branch")
	}
	for _, name := range []string{req.Branch, req.Target} {
		ok, err := s.git.BranchExists(ctx, name)
		if err != nil {
			return apierr.GitFailure("branch lookup", err)
		}
		if !ok {
			return apierr.NotFound("branch", name)
		}
	}
	return nil
}

func (s *Service) publishSync(req Request, eventType, errMsg string) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"stream_id": req.StreamID,
		"target":    req.Target,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := s.bus.Publish(context.Background(), v1.StreamSubject(req.StreamID),
		bus.NewEvent(eventType, "syncer", payload)); err != nil {
		s.logger.Debug("sync event publish failed", zap.Error(err))
	}
}

func toCommitInfos(commits []git.Commit) []v1.CommitInfo {
	out := make([]v1.CommitInfo, len(commits))
	for i, c := range commits {
		out[i] = v1.CommitInfo{
			Hash:      c.Hash,
			Subject:   c.Subject,
			Author:    c.Author,
			Timestamp: c.Timestamp,
		}
	}
	return out
}

func conflictNoteKind(kind string) string {
	switch kind {
	case "text":
		return "text_merged"
	case "id_collision":
		return "renumbered"
	default:
		return "field_merged"
	}
}

func safetyTagName(streamID string) string {
	return fmt.Sprintf("sudocode/pre-sync/%s-%d", streamID, time.Now().Unix())
}

func tempBranchName(streamID string) string {
	return "sudocode/sync-" + sanitize(streamID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}
