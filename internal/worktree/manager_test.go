package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sudocode-ai/sudocode/internal/common/logger"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func newTestManager(t *testing.T, repo string) *Manager {
	t.Helper()
	m, err := NewManager(repo, Config{
		BasePath:     filepath.Join(repo, ".sudocode", "worktrees"),
		BranchPrefix: "sudocode/",
	}, logger.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireCreatesWorktreeOnNewBranch(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	path, err := m.Acquire(ctx, "stream-1", "main")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.IsValid(path) {
		t.Fatalf("expected valid worktree at %s", path)
	}

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out); got != "sudocode/stream-1\n" {
		t.Fatalf("unexpected branch %q", got)
	}
}

func TestAcquireIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "stream-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Acquire(ctx, "stream-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected same path, got %q and %q", first, second)
	}
}

func TestDeleteKeepsBranch(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	path, err := m.Acquire(ctx, "stream-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "stream-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected worktree directory removed")
	}

	cmd := exec.Command("git", "branch", "--list", "sudocode/stream-1")
	cmd.Dir = repo
	out, _ := cmd.Output()
	if len(out) == 0 {
		t.Fatal("expected stream branch to survive worktree deletion")
	}

	// Reacquire reattaches to the surviving branch.
	again, err := m.Acquire(ctx, "stream-1", "main")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if again != path {
		t.Fatalf("expected same path on reacquire")
	}
}

func TestDeleteIsSafeWhenMissing(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	if err := m.Delete(context.Background(), "no-such-stream"); err != nil {
		t.Fatalf("Delete on missing worktree: %v", err)
	}
}

func TestPropagateAgentConfig(t *testing.T) {
	repo := initRepo(t)
	cfgFile := filepath.Join(".claude", "settings.json")
	if err := os.MkdirAll(filepath.Join(repo, ".claude"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, cfgFile), []byte(`{"model":"opus"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(repo, Config{
		BasePath:         filepath.Join(repo, ".sudocode", "worktrees"),
		AgentConfigPaths: []string{cfgFile, filepath.Join(".gemini", "missing.json")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	path, err := m.Acquire(context.Background(), "stream-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(path, cfgFile))
	if err != nil {
		t.Fatalf("propagated config missing: %v", err)
	}
	if string(data) != `{"model":"opus"}` {
		t.Fatalf("unexpected propagated content %q", data)
	}
}

func TestGCRemovesOrphans(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	keep, err := m.Acquire(ctx, "stream-keep", "main")
	if err != nil {
		t.Fatal(err)
	}
	orphan, err := m.Acquire(ctx, "stream-orphan", "main")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.GC(ctx, []string{"stream-keep"}); err != nil {
		t.Fatalf("GC: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("active worktree removed: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("expected orphan worktree removed")
	}
}
