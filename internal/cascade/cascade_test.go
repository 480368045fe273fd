package cascade

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/git"
	"github.com/sudocode-ai/sudocode/internal/project"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/worktree"
)

type testEnv struct {
	t     *testing.T
	dir   string
	proj  *project.Project
	store *store.Store
	wt    *worktree.Manager
	svc   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{t: t, dir: t.TempDir()}
	e.git("init", "-b", "main")
	e.git("config", "user.email", "test@example.com")
	e.git("config", "user.name", "test")
	e.write(e.dir, "README.md", "hello\n")
	e.git("add", ".")
	e.git("commit", "-m", "initial")

	proj, err := project.Open(e.dir, ".sudocode", nil)
	require.NoError(t, err)
	e.proj = proj

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "sudocode.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	e.store = st

	wt, err := worktree.NewManager(e.dir, worktree.Config{
		BasePath: filepath.Join(t.TempDir(), "worktrees"),
	}, nil)
	require.NoError(t, err)
	e.wt = wt

	e.svc = New(proj, st, wt, git.NewRunner(e.dir), nil, nil)
	return e
}

func (e *testEnv) git(args ...string) string {
	return e.gitIn(e.dir, args...)
}

func (e *testEnv) gitIn(dir string, args ...string) string {
	e.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		e.t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func (e *testEnv) write(dir, rel, content string) {
	e.t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *testEnv) read(dir, rel string) string {
	e.t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(e.t, err)
	return string(data)
}

// addStream allocates a worktree for the issue's stream, commits one file on
// the stream branch and registers the stream, returning the worktree path.
func (e *testEnv) addStream(streamID, issueID, rel, content string) string {
	e.t.Helper()
	ctx := context.Background()
	path, err := e.wt.Acquire(ctx, streamID, "main")
	require.NoError(e.t, err)
	e.write(path, rel, content)
	e.gitIn(path, "add", ".")
	e.gitIn(path, "commit", "-m", "work on "+issueID)
	require.NoError(e.t, e.store.CreateStream(ctx, &v1.Stream{
		ID:           streamID,
		IssueID:      &issueID,
		Branch:       e.wt.BranchFor(streamID),
		BaseBranch:   "main",
		WorktreePath: &path,
	}))
	return path
}

func (e *testEnv) dependsOn(from, to string) {
	e.t.Helper()
	require.NoError(e.t, e.proj.AddRelationship(v1.Relationship{
		FromID:   from,
		FromType: "issue",
		ToID:     to,
		ToType:   "issue",
		Type:     v1.RelationshipDependsOn,
	}))
}

// landOnMain commits a file on main and returns the new tip.
func (e *testEnv) landOnMain(rel, content string) string {
	e.t.Helper()
	e.write(e.dir, rel, content)
	e.git("add", ".")
	e.git("commit", "-m", "land "+rel)
	return e.git("rev-parse", "main")
}

func TestRunRebasesCleanDependents(t *testing.T) {
	e := newTestEnv(t)
	wt2 := e.addStream("stream-2", "issue-2", "feature2.go", "package feature2\n")
	wt3 := e.addStream("stream-3", "issue-3", "feature3.go", "package feature3\n")
	e.dependsOn("issue-2", "issue-1")
	e.dependsOn("issue-3", "issue-2")
	tip := e.landOnMain("lib.go", "package lib\n")

	report, err := e.svc.Run(context.Background(), "exec-1", "issue-1", tip)
	require.NoError(t, err)

	assert.True(t, report.Complete)
	require.Len(t, report.AffectedStreams, 2)
	assert.Equal(t, "issue-2", report.AffectedStreams[0].IssueID)
	assert.Equal(t, v1.CascadeStreamRebased, report.AffectedStreams[0].Result)
	assert.Equal(t, "issue-3", report.AffectedStreams[1].IssueID)
	assert.Equal(t, v1.CascadeStreamRebased, report.AffectedStreams[1].Result)

	// The direct dependent sits on the landed tip.
	assert.Equal(t, tip, e.gitIn(wt2, "merge-base", "HEAD", tip))
	assert.Equal(t, "package lib\n", e.read(wt2, "lib.go"))
	// The transitive dependent was rebased onto the rebased stream, so it
	// carries both the landing and the intermediate stream's work.
	assert.Equal(t, "package lib\n", e.read(wt3, "lib.go"))
	assert.Equal(t, "package feature2\n", e.read(wt3, "feature2.go"))
}

func TestRunSkipsDirtyWorktree(t *testing.T) {
	e := newTestEnv(t)
	wt2 := e.addStream("stream-2", "issue-2", "feature2.go", "package feature2\n")
	e.dependsOn("issue-2", "issue-1")
	tip := e.landOnMain("lib.go", "package lib\n")

	e.write(wt2, "scratch.go", "package scratch\n")
	before := e.gitIn(wt2, "rev-parse", "HEAD")

	report, err := e.svc.Run(context.Background(), "exec-1", "issue-1", tip)
	require.NoError(t, err)

	require.Len(t, report.AffectedStreams, 1)
	assert.Equal(t, v1.CascadeStreamSkipped, report.AffectedStreams[0].Result)
	assert.Equal(t, "worktree dirty", report.AffectedStreams[0].Detail)
	assert.True(t, report.Complete)
	// Skipped streams never move.
	assert.Equal(t, before, e.gitIn(wt2, "rev-parse", "HEAD"))
}

func TestRunSkipsMissingStreamAndWorktree(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// issue-2 has no stream at all; issue-3 has a stream row but its
	// worktree directory is gone.
	issue3 := "issue-3"
	require.NoError(t, e.store.CreateStream(ctx, &v1.Stream{
		ID:         "stream-3",
		IssueID:    &issue3,
		Branch:     "sudocode/stream-3",
		BaseBranch: "main",
	}))
	e.dependsOn("issue-2", "issue-1")
	e.dependsOn("issue-3", "issue-1")
	tip := e.landOnMain("lib.go", "package lib\n")

	report, err := e.svc.Run(ctx, "exec-1", "issue-1", tip)
	require.NoError(t, err)

	require.Len(t, report.AffectedStreams, 2)
	details := map[string]string{}
	for _, entry := range report.AffectedStreams {
		assert.Equal(t, v1.CascadeStreamSkipped, entry.Result)
		details[entry.IssueID] = entry.Detail
	}
	assert.Equal(t, "no stream for issue", details["issue-2"])
	assert.Equal(t, "worktree missing", details["issue-3"])
}

func TestRunReportsCodeConflictAndAborts(t *testing.T) {
	e := newTestEnv(t)
	e.write(e.dir, "code.go", "package a\n")
	e.git("add", ".")
	e.git("commit", "-m", "base")

	wt2 := e.addStream("stream-2", "issue-2", "code.go", "package a // stream\n")
	e.dependsOn("issue-2", "issue-1")
	before := e.gitIn(wt2, "rev-parse", "HEAD")
	tip := e.landOnMain("code.go", "package a // main\n")

	report, err := e.svc.Run(context.Background(), "exec-1", "issue-1", tip)
	require.NoError(t, err)

	require.Len(t, report.AffectedStreams, 1)
	entry := report.AffectedStreams[0]
	assert.Equal(t, v1.CascadeStreamConflict, entry.Result)
	assert.Contains(t, entry.ConflictFiles, "code.go")
	assert.False(t, report.Complete)

	// The rebase was aborted: tip restored, tree clean, no rebase state.
	assert.Equal(t, before, e.gitIn(wt2, "rev-parse", "HEAD"))
	assert.Empty(t, e.gitIn(wt2, "status", "--porcelain"))
	assert.Equal(t, "package a // stream\n", e.read(wt2, "code.go"))
}

func issueLine(id, uuid, title string) string {
	return fmt.Sprintf(`{"id":%q,"uuid":%q,"title":%q,"status":"open","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`,
		id, uuid, title) + "\n"
}

func TestRunAutoMergesRecordFiles(t *testing.T) {
	e := newTestEnv(t)
	base := issueLine("issue-10", "u-10", "first")
	e.write(e.dir, ".sudocode/issues.jsonl", base)
	e.git("add", ".")
	e.git("commit", "-m", "base records")

	streamSide := base + issueLine("issue-11", "u-stream", "from stream")
	wt2 := e.addStream("stream-2", "issue-2", ".sudocode/issues.jsonl", streamSide)
	e.dependsOn("issue-2", "issue-1")

	mainSide := base + issueLine("issue-12", "u-main", "from main")
	tip := e.landOnMain(".sudocode/issues.jsonl", mainSide)

	report, err := e.svc.Run(context.Background(), "exec-1", "issue-1", tip)
	require.NoError(t, err)

	require.Len(t, report.AffectedStreams, 1)
	assert.Equal(t, v1.CascadeStreamRebased, report.AffectedStreams[0].Result)
	assert.True(t, report.Complete)

	merged := e.read(wt2, ".sudocode/issues.jsonl")
	assert.Contains(t, merged, "first")
	assert.Contains(t, merged, "from stream")
	assert.Contains(t, merged, "from main")
}

func TestRunTerminatesOnDependencyCycle(t *testing.T) {
	e := newTestEnv(t)
	e.addStream("stream-2", "issue-2", "feature2.go", "package feature2\n")
	e.dependsOn("issue-2", "issue-1")
	e.dependsOn("issue-1", "issue-2")
	tip := e.landOnMain("lib.go", "package lib\n")

	report, err := e.svc.Run(context.Background(), "exec-1", "issue-1", tip)
	require.NoError(t, err)

	// The landed issue is never re-entered through the cycle.
	require.Len(t, report.AffectedStreams, 1)
	assert.Equal(t, "issue-2", report.AffectedStreams[0].IssueID)
	assert.Equal(t, v1.CascadeStreamRebased, report.AffectedStreams[0].Result)
}

func TestPreflightReportsReadiness(t *testing.T) {
	e := newTestEnv(t)
	e.addStream("stream-2", "issue-2", "feature2.go", "package feature2\n")
	wt3 := e.addStream("stream-3", "issue-3", "feature3.go", "package feature3\n")
	e.dependsOn("issue-2", "issue-1")
	e.dependsOn("issue-3", "issue-1")
	e.write(wt3, "scratch.go", "package scratch\n")

	ready, err := e.svc.Preflight(context.Background(), "issue-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"issue-2": true, "issue-3": false}, ready)
}
