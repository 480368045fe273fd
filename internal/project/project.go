// Package project manages the per-repository dot-directory: line-delimited
// record files for specs, issues, relationships and feedback, the worktree
// storage root, and the embedded store file. The dot-directory is the
// project's single source of truth and is committed to the user's repository.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/common/logger"
)

// Record file names inside the dot-directory.
const (
	SpecsFile         = "specs.jsonl"
	IssuesFile        = "issues.jsonl"
	RelationshipsFile = "relationships.jsonl"
	FeedbackFile      = "feedback.jsonl"
	StoreFile         = "sudocode.db"
	WorktreesDirName  = "worktrees"
)

// Stable-id prefixes for display keys.
const (
	IssueIDPrefix = "issue-"
	SpecIDPrefix  = "spec-"
)

// Project is one repository under control-plane management. All record-file
// mutations serialize on the project mutex; git owns concurrency for
// everything else in the dot-directory.
type Project struct {
	root   string
	dotDir string
	logger *logger.Logger

	mu sync.Mutex
}

// Open binds a project at the repository root. The dot-directory is created
// if missing.
func Open(root, dotDirName string, log *logger.Logger) (*Project, error) {
	if root == "" {
		return nil, fmt.Errorf("project root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	if dotDirName == "" {
		dotDirName = ".sudocode"
	}
	if log == nil {
		log = logger.Default()
	}
	p := &Project{
		root:   abs,
		dotDir: filepath.Join(abs, dotDirName),
		logger: log.WithFields(zap.String("component", "project")),
	}
	if err := p.ensureLayout(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Project) ensureLayout() error {
	if err := os.MkdirAll(p.dotDir, 0o755); err != nil {
		return fmt.Errorf("create dot-directory: %w", err)
	}
	if err := os.MkdirAll(p.WorktreesDir(), 0o755); err != nil {
		return fmt.Errorf("create worktrees directory: %w", err)
	}
	return nil
}

// Root returns the repository root path.
func (p *Project) Root() string {
	return p.root
}

// DotDir returns the dot-directory path.
func (p *Project) DotDir() string {
	return p.dotDir
}

// WorktreesDir returns the per-stream worktree storage root.
func (p *Project) WorktreesDir() string {
	return filepath.Join(p.dotDir, WorktreesDirName)
}

// StorePath returns the embedded store file path.
func (p *Project) StorePath() string {
	return filepath.Join(p.dotDir, StoreFile)
}

// SpecsPath returns the spec record file path.
func (p *Project) SpecsPath() string {
	return filepath.Join(p.dotDir, SpecsFile)
}

// IssuesPath returns the issue record file path.
func (p *Project) IssuesPath() string {
	return filepath.Join(p.dotDir, IssuesFile)
}

// RelationshipsPath returns the relationship record file path.
func (p *Project) RelationshipsPath() string {
	return filepath.Join(p.dotDir, RelationshipsFile)
}

// FeedbackPath returns the feedback record file path.
func (p *Project) FeedbackPath() string {
	return filepath.Join(p.dotDir, FeedbackFile)
}

// RecordFiles lists the record files relative to the repository root, in
// their canonical order.
func (p *Project) RecordFiles() []string {
	rel, _ := filepath.Rel(p.root, p.dotDir)
	return []string{
		filepath.Join(rel, SpecsFile),
		filepath.Join(rel, IssuesFile),
		filepath.Join(rel, RelationshipsFile),
		filepath.Join(rel, FeedbackFile),
	}
}

// IsStructuredPath reports whether a repository-relative path is one of the
// project's line-delimited record files. The sync engine auto-merges
// conflicts on these paths instead of failing.
func (p *Project) IsStructuredPath(relPath string) bool {
	rel, err := filepath.Rel(p.root, p.dotDir)
	if err != nil {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(relPath))
	prefix := filepath.ToSlash(rel) + "/"
	if !strings.HasPrefix(clean, prefix) {
		return false
	}
	switch filepath.Base(clean) {
	case SpecsFile, IssuesFile, RelationshipsFile, FeedbackFile:
		return true
	}
	return false
}

// StructuredPrefixOf returns the merge prefix ("issue-" or "spec-") for a
// record file path, empty for relationship and feedback files.
func StructuredPrefixOf(path string) string {
	switch filepath.Base(path) {
	case IssuesFile:
		return IssueIDPrefix
	case SpecsFile:
		return SpecIDPrefix
	}
	return ""
}
