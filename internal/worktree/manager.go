// Package worktree allocates per-stream git worktrees under a storage root,
// each parented on a fresh branch cut from the target's tip.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/git"
)

// Config holds worktree allocation settings.
type Config struct {
	// BasePath is the directory worktrees are created under.
	BasePath string
	// BranchPrefix prefixes stream branch names, e.g. "sudocode/".
	BranchPrefix string
	// MaxPerRepo caps concurrent worktrees. Zero means no cap.
	MaxPerRepo int
	// AgentConfigPaths lists project-relative config files copied into each
	// worktree so agents see the same per-project configuration.
	AgentConfigPaths []string
}

// Manager creates, reuses and removes stream worktrees.
type Manager struct {
	cfg      Config
	repoRoot string
	git      *git.ExecRunner
	logger   *logger.Logger

	// repoLock serializes git worktree mutations; git locks the repo anyway,
	// holding our own lock gives cleaner errors than "index.lock exists".
	repoLock sync.Mutex
}

// NewManager creates a manager for the repository at repoRoot.
func NewManager(repoRoot string, cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("worktree: base path is required")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "sudocode/"
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		repoRoot: repoRoot,
		git:      git.NewRunner(repoRoot),
		logger:   log.WithFields(zap.String("component", "worktree-manager")),
	}, nil
}

// BranchFor returns the branch name a stream works on.
func (m *Manager) BranchFor(streamID string) string {
	return m.cfg.BranchPrefix + streamID
}

// PathFor returns the directory a stream's worktree lives in.
func (m *Manager) PathFor(streamID string) string {
	return filepath.Join(m.cfg.BasePath, streamID)
}

// Acquire returns a worktree directory for the stream, creating it on a new
// branch cut from target's tip when none exists. Idempotent: an existing
// valid worktree is reused.
func (m *Manager) Acquire(ctx context.Context, streamID, target string) (string, error) {
	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	path := m.PathFor(streamID)
	if m.IsValid(path) {
		m.logger.Debug("reusing existing worktree",
			zap.String("stream_id", streamID), zap.String("path", path))
		return path, nil
	}

	if inside, parent := m.insideWorktree(path); inside {
		return "", fmt.Errorf("worktree path %s is inside worktree %s", path, parent)
	}
	if m.cfg.MaxPerRepo > 0 {
		infos, err := m.git.WorktreeList(ctx)
		if err == nil && len(infos) > m.cfg.MaxPerRepo {
			return "", apierr.Conflict("worktree limit reached (%d)", m.cfg.MaxPerRepo)
		}
	}

	// A stale registration without a directory blocks worktree add.
	_ = m.git.WorktreePrune(ctx)

	branch := m.BranchFor(streamID)
	exists, err := m.git.BranchExists(ctx, branch)
	if err != nil {
		return "", err
	}
	if exists {
		// Stream branch survives worktree deletion; reattach to it.
		if err := m.git.WorktreeAdd(ctx, path, branch); err != nil {
			return "", apierr.GitFailure("worktree add", err)
		}
	} else {
		if err := m.git.WorktreeAddNewBranch(ctx, path, branch, target); err != nil {
			return "", apierr.GitFailure("worktree add", err)
		}
	}

	if err := m.PropagateAgentConfig(m.repoRoot, path); err != nil {
		m.logger.Warn("agent config propagation failed", zap.Error(err))
	}

	m.logger.Info("created worktree",
		zap.String("stream_id", streamID),
		zap.String("branch", branch),
		zap.String("path", path))
	return path, nil
}

// Exists reports whether the path is a live worktree directory.
func (m *Manager) Exists(path string) bool {
	return path != "" && m.IsValid(path)
}

// IsValid reports whether path holds a linked worktree (a .git file pointing
// back into the repository, not a .git directory).
func (m *Manager) IsValid(path string) bool {
	gitFile := filepath.Join(path, ".git")
	info, err := os.Stat(gitFile)
	if err != nil || info.IsDir() {
		return false
	}
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(content)), "gitdir:")
}

// Delete removes a stream's worktree directory and registration. The stream
// branch is kept; only the checkout goes away. Safe to call when the
// worktree is already gone.
func (m *Manager) Delete(ctx context.Context, streamID string) error {
	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	path := m.PathFor(streamID)
	if sameFile(path, m.repoRoot) {
		return fmt.Errorf("refusing to remove project root %s", m.repoRoot)
	}
	if err := m.git.WorktreeRemove(ctx, path, true); err != nil {
		// Registration may already be gone; clear the directory regardless.
		m.logger.Debug("worktree remove reported error", zap.Error(err))
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove worktree directory: %w", err)
	}
	return m.git.WorktreePrune(ctx)
}

// List returns the worktree directories currently under the storage root.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(m.cfg.BasePath, e.Name())
		if m.IsValid(p) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// PropagateAgentConfig copies the configured per-project agent config files
// from the project root into the worktree. A missing source is not an error.
func (m *Manager) PropagateAgentConfig(projectRoot, worktreePath string) error {
	for _, rel := range m.cfg.AgentConfigPaths {
		src := filepath.Join(projectRoot, rel)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", src, err)
		}
		dst := filepath.Join(worktreePath, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
	}
	return nil
}

// GC removes worktree directories no active stream references. Run at
// startup before executions start claiming directories.
func (m *Manager) GC(ctx context.Context, activeStreamIDs []string) error {
	active := make(map[string]bool, len(activeStreamIDs))
	for _, id := range activeStreamIDs {
		active[id] = true
	}
	paths, err := m.List()
	if err != nil {
		return err
	}
	for _, p := range paths {
		streamID := filepath.Base(p)
		if active[streamID] {
			continue
		}
		m.logger.Info("garbage collecting orphaned worktree",
			zap.String("stream_id", streamID), zap.String("path", p))
		if err := m.Delete(ctx, streamID); err != nil {
			m.logger.Warn("orphan removal failed", zap.String("path", p), zap.Error(err))
		}
	}
	return nil
}

// insideWorktree walks up from path looking for an enclosing linked worktree.
func (m *Manager) insideWorktree(path string) (bool, string) {
	dir := filepath.Dir(path)
	for {
		if m.IsValid(dir) {
			return true, dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false, ""
		}
		dir = parent
	}
}

func sameFile(a, b string) bool {
	ai, err1 := os.Stat(a)
	bi, err2 := os.Stat(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return os.SameFile(ai, bi)
}
