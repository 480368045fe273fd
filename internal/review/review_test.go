package review

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/git"
	"github.com/sudocode-ai/sudocode/internal/project"
	"github.com/sudocode-ai/sudocode/internal/store"
)

type fakeLander struct {
	calls    int
	strategy v1.SyncStrategy
	err      error
}

func (f *fakeLander) Land(ctx context.Context, execID string, strategy v1.SyncStrategy, message string) (*v1.SyncResult, *v1.CascadeReport, error) {
	f.calls++
	f.strategy = strategy
	if f.err != nil {
		return nil, nil, f.err
	}
	return &v1.SyncResult{
		Strategy:     strategy,
		Commit:       "landedcommit",
		LandedAt:     time.Now().UTC(),
		CommitsCount: 1,
	}, &v1.CascadeReport{Complete: true}, nil
}

type fakeEnqueuer struct {
	execIDs []string
}

func (f *fakeEnqueuer) EnqueueExecution(ctx context.Context, execID string, priority int) (*v1.QueueEntry, error) {
	f.execIDs = append(f.execIDs, execID)
	return &v1.QueueEntry{ID: "q-1", ExecutionID: execID}, nil
}

type testEnv struct {
	dir     string
	store   *store.Store
	proj    *project.Project
	svc     *Service
	lander  *fakeLander
	queue   *fakeEnqueuer
	t       *testing.T
	tipHash string
}

func (e *testEnv) git(args ...string) string {
	e.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = e.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		e.t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{dir: t.TempDir(), t: t}
	e.git("init", "-b", "main")
	e.git("config", "user.email", "test@example.com")
	e.git("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "README.md"), []byte("hello\n"), 0o644))
	e.git("add", ".")
	e.git("commit", "-m", "initial")

	// One stream branch with a commit ahead of main.
	e.git("checkout", "-b", "sudocode/stream-1")
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "feature.go"), []byte("package feature\n"), 0o644))
	e.git("add", ".")
	e.git("commit", "-m", "add feature")
	e.tipHash = e.git("rev-parse", "HEAD")
	e.git("checkout", "main")

	proj, err := project.Open(e.dir, ".sudocode", nil)
	require.NoError(t, err)
	e.proj = proj

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "sudocode.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	e.store = st

	e.lander = &fakeLander{}
	e.queue = &fakeEnqueuer{}
	e.svc = New(st, proj, git.NewRunner(e.dir), e.lander, e.queue, Options{QueueEnabled: true}, nil)
	return e
}

// newIssueExecution files an issue and records a completed execution on the
// stream branch.
func (e *testEnv) newIssueExecution(status v1.ExecutionStatus) (*v1.Issue, *v1.Execution) {
	e.t.Helper()
	ctx := context.Background()

	issue, err := e.proj.CreateIssue(v1.CreateIssueRequest{Title: "add feature"})
	require.NoError(e.t, err)

	stream := &v1.Stream{IssueID: &issue.ID, Branch: "sudocode/stream-1", BaseBranch: "main"}
	require.NoError(e.t, e.store.CreateStream(ctx, stream))

	exec := &v1.Execution{
		StreamID:  stream.ID,
		IssueID:   &issue.ID,
		AgentKind: "claude-code",
		Mode:      v1.ExecutionModeWorktree,
		Prompt:    "implement it",
	}
	require.NoError(e.t, e.store.CreateExecution(ctx, exec, &v1.ExecutionConfig{}))
	require.NoError(e.t, e.store.UpdateExecutionStatus(ctx, exec.ID, status, nil))
	return issue, exec
}

func TestCreateCheckpointSnapshotsStreamTip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)

	cp, err := e.svc.CreateCheckpoint(ctx, exec.ID, "first pass", false)
	require.NoError(t, err)
	assert.Equal(t, issue.ID, cp.IssueID)
	assert.Equal(t, e.tipHash, cp.Commit)
	assert.Equal(t, v1.ReviewStatePending, cp.Review)
	assert.False(t, cp.Landed)
	require.NotNil(t, cp.Stats)
	assert.Equal(t, 1, cp.Stats.FilesChanged)

	t.Run("becomes the current checkpoint", func(t *testing.T) {
		current, err := e.svc.Current(ctx, issue.ID)
		require.NoError(t, err)
		assert.Equal(t, cp.ID, current.ID)
	})
}

func TestCreateCheckpointFromWaitingSession(t *testing.T) {
	e := newTestEnv(t)
	_, exec := e.newIssueExecution(v1.ExecutionStatusWaiting)

	_, err := e.svc.CreateCheckpoint(context.Background(), exec.ID, "", false)
	assert.NoError(t, err)
}

func TestCreateCheckpointRejectsLiveExecution(t *testing.T) {
	e := newTestEnv(t)
	_, exec := e.newIssueExecution(v1.ExecutionStatusRunning)

	_, err := e.svc.CreateCheckpoint(context.Background(), exec.ID, "", false)
	require.Error(t, err)
	assert.Equal(t, 409, apierr.HTTPStatus(err))
}

func TestCreateCheckpointAutoEnqueues(t *testing.T) {
	e := newTestEnv(t)
	_, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)

	_, err := e.svc.CreateCheckpoint(context.Background(), exec.ID, "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{exec.ID}, e.queue.execIDs)
}

func TestReviewTransitions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)
	_, err := e.svc.CreateCheckpoint(ctx, exec.ID, "", false)
	require.NoError(t, err)

	t.Run("approve pending", func(t *testing.T) {
		cp, err := e.svc.Review(ctx, issue.ID, v1.ReviewRequest{Action: v1.ReviewActionApprove, Reviewer: "alex"})
		require.NoError(t, err)
		assert.Equal(t, v1.ReviewStateApproved, cp.Review)
		require.NotNil(t, cp.Reviewer)
		assert.Equal(t, "alex", *cp.Reviewer)
		require.NotNil(t, cp.ReviewedAt)
	})

	t.Run("approve twice conflicts", func(t *testing.T) {
		_, err := e.svc.Review(ctx, issue.ID, v1.ReviewRequest{Action: v1.ReviewActionApprove})
		require.Error(t, err)
		assert.Equal(t, 409, apierr.HTTPStatus(err))
	})

	t.Run("reset returns to pending", func(t *testing.T) {
		cp, err := e.svc.Review(ctx, issue.ID, v1.ReviewRequest{Action: v1.ReviewActionReset})
		require.NoError(t, err)
		assert.Equal(t, v1.ReviewStatePending, cp.Review)
	})

	t.Run("request changes with notes", func(t *testing.T) {
		cp, err := e.svc.Review(ctx, issue.ID, v1.ReviewRequest{
			Action: v1.ReviewActionRequestChanges,
			Notes:  "tests missing",
		})
		require.NoError(t, err)
		assert.Equal(t, v1.ReviewStateChangesRequested, cp.Review)
		require.NotNil(t, cp.Notes)
		assert.Equal(t, "tests missing", *cp.Notes)
	})

	t.Run("unknown action is a validation error", func(t *testing.T) {
		_, err := e.svc.Review(ctx, issue.ID, v1.ReviewRequest{Action: "ship-it"})
		require.Error(t, err)
		assert.Equal(t, 400, apierr.HTTPStatus(err))
	})
}

func TestPromoteRequiresApproval(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)
	_, err := e.svc.CreateCheckpoint(ctx, exec.ID, "", false)
	require.NoError(t, err)

	_, err = e.svc.Promote(ctx, issue.ID, v1.PromoteRequest{})
	require.Error(t, err)
	assert.Equal(t, 403, apierr.HTTPStatus(err))
	assert.Zero(t, e.lander.calls)

	t.Run("force overrides the gate", func(t *testing.T) {
		resp, err := e.svc.Promote(ctx, issue.ID, v1.PromoteRequest{Force: true})
		require.NoError(t, err)
		assert.True(t, resp.Checkpoint.Landed)
		assert.Equal(t, 1, e.lander.calls)
	})
}

func TestPromoteLandsApprovedCheckpoint(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)
	_, err := e.svc.CreateCheckpoint(ctx, exec.ID, "", false)
	require.NoError(t, err)
	_, err = e.svc.Review(ctx, issue.ID, v1.ReviewRequest{Action: v1.ReviewActionApprove})
	require.NoError(t, err)

	resp, err := e.svc.Promote(ctx, issue.ID, v1.PromoteRequest{Strategy: v1.SyncStrategyPreserve})
	require.NoError(t, err)
	assert.Equal(t, v1.SyncStrategyPreserve, e.lander.strategy)
	assert.True(t, resp.Checkpoint.Landed)
	require.NotNil(t, resp.Cascade)
	assert.True(t, resp.Cascade.Complete)

	t.Run("stream marked landed", func(t *testing.T) {
		stream, err := e.store.GetStream(ctx, resp.Checkpoint.StreamID)
		require.NoError(t, err)
		assert.Equal(t, v1.StreamStateLanded, stream.State)
	})

	t.Run("promoting again conflicts", func(t *testing.T) {
		_, err := e.svc.Promote(ctx, issue.ID, v1.PromoteRequest{})
		require.Error(t, err)
		assert.Equal(t, 409, apierr.HTTPStatus(err))
	})
}

func TestPromoteDefaultsStrategy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)
	_, err := e.svc.CreateCheckpoint(ctx, exec.ID, "", false)
	require.NoError(t, err)
	_, err = e.svc.Review(ctx, issue.ID, v1.ReviewRequest{Action: v1.ReviewActionApprove})
	require.NoError(t, err)

	_, err = e.svc.Promote(ctx, issue.ID, v1.PromoteRequest{})
	require.NoError(t, err)
	assert.Equal(t, v1.SyncStrategySquash, e.lander.strategy)
}

func TestPromoteBlockedByUnlandedDependency(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)

	blocker, err := e.proj.CreateIssue(v1.CreateIssueRequest{Title: "prerequisite"})
	require.NoError(t, err)
	require.NoError(t, e.proj.AddRelationship(v1.Relationship{
		FromID: blocker.ID, FromType: "issue",
		ToID: issue.ID, ToType: "issue",
		Type: v1.RelationshipBlocks,
	}))

	_, err = e.svc.CreateCheckpoint(ctx, exec.ID, "", false)
	require.NoError(t, err)
	_, err = e.svc.Review(ctx, issue.ID, v1.ReviewRequest{Action: v1.ReviewActionApprove})
	require.NoError(t, err)

	_, err = e.svc.Promote(ctx, issue.ID, v1.PromoteRequest{})
	require.Error(t, err)
	apiErr := apierr.From(err)
	assert.Equal(t, []string{blocker.ID}, apiErr.BlockedBy)
	assert.Zero(t, e.lander.calls)

	t.Run("force bypasses the dependency gate", func(t *testing.T) {
		_, err := e.svc.Promote(ctx, issue.ID, v1.PromoteRequest{Force: true})
		require.NoError(t, err)
		assert.Equal(t, 1, e.lander.calls)
	})
}

func TestPromoteWithoutCheckpoint(t *testing.T) {
	e := newTestEnv(t)
	issue, err := e.proj.CreateIssue(v1.CreateIssueRequest{Title: "nothing yet"})
	require.NoError(t, err)

	_, err = e.svc.Promote(context.Background(), issue.ID, v1.PromoteRequest{})
	require.Error(t, err)
	assert.Equal(t, 400, apierr.HTTPStatus(err))
}

func TestListCheckpointsNewestFirst(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue, exec := e.newIssueExecution(v1.ExecutionStatusCompleted)

	first, err := e.svc.CreateCheckpoint(ctx, exec.ID, "first", false)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := e.svc.CreateCheckpoint(ctx, exec.ID, "second", false)
	require.NoError(t, err)

	cps, err := e.svc.List(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, second.ID, cps[0].ID)
	assert.Equal(t, first.ID, cps[1].ID)
}
