// Package git shells out to the git CLI for branch, worktree, merge and
// history operations. All commands run against a single repository path.
package git

import (
	"context"
	"time"
)

// Commit is one commit parsed from git log output.
type Commit struct {
	Hash      string
	Subject   string
	Author    string
	Timestamp time.Time
}

// DiffStat summarizes a diff.
type DiffStat struct {
	FilesChanged int
	Additions    int
	Deletions    int
}

// WorktreeInfo is one entry from git worktree list --porcelain.
type WorktreeInfo struct {
	Path     string
	Head     string
	Branch   string
	Detached bool
	Locked   bool
}

// MergeTreeResult is the outcome of an in-memory merge (git merge-tree).
type MergeTreeResult struct {
	Clean           bool
	TreeOID         string
	ConflictedFiles []string
}

// BranchOperations covers branch creation, lookup and deletion.
type BranchOperations interface {
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name, base string) error
	CheckoutBranch(ctx context.Context, name string) error
	BranchExists(ctx context.Context, name string) (bool, error)
	DeleteBranch(ctx context.Context, name string) error
}

// WorktreeOperations covers git worktree management.
type WorktreeOperations interface {
	WorktreeAdd(ctx context.Context, path, branch string) error
	// WorktreeAddNewBranch creates the worktree on a new branch cut from base.
	WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error
	WorktreeRemove(ctx context.Context, path string, force bool) error
	WorktreeList(ctx context.Context) ([]WorktreeInfo, error)
	WorktreePrune(ctx context.Context) error
}

// HistoryOperations covers read-only inspection of commits and diffs.
type HistoryOperations interface {
	RevParse(ctx context.Context, ref string) (string, error)
	MergeBase(ctx context.Context, a, b string) (string, error)
	// IsAncestor reports whether ancestor is reachable from ref.
	IsAncestor(ctx context.Context, ancestor, ref string) (bool, error)
	// CommitsBetween lists commits on head that base does not have, newest first.
	CommitsBetween(ctx context.Context, base, head string) ([]Commit, error)
	CountCommits(ctx context.Context, base, head string) (int, error)
	DiffStatBetween(ctx context.Context, base, head string) (DiffStat, error)
	ChangedFilesBetween(ctx context.Context, base, head string) ([]string, error)
	ShowFile(ctx context.Context, ref, path string) (string, error)
	// DiffPatch produces an apply-able binary patch between two refs.
	DiffPatch(ctx context.Context, base, head string) ([]byte, error)
	Status(ctx context.Context) (string, error)
	HasChanges(ctx context.Context) (bool, error)
}

// MergeOperations covers merges, rebases and conflict handling. Mutating
// operations act on the checked-out branch of the runner's directory.
type MergeOperations interface {
	Merge(ctx context.Context, branch string) error
	MergeNoFF(ctx context.Context, branch, message string) error
	// MergeSquash stages the branch's changes without committing.
	MergeSquash(ctx context.Context, branch string) error
	MergeAbort(ctx context.Context) error
	// MergeTree merges two refs in memory without touching the working tree.
	MergeTree(ctx context.Context, target, branch string) (MergeTreeResult, error)
	ConflictedFiles(ctx context.Context) ([]string, error)
	CheckoutOurs(ctx context.Context, path string) error
	CheckoutTheirs(ctx context.Context, path string) error
	// CherryPickRange replays base..head onto the checked-out branch.
	CherryPickRange(ctx context.Context, base, head string) error
	CherryPickContinue(ctx context.Context) error
	CherryPickAbort(ctx context.Context) error
	Rebase(ctx context.Context, onto string) error
	// RebaseOnto replays branch commits after oldBase onto newBase.
	RebaseOnto(ctx context.Context, newBase, oldBase, branch string) error
	RebaseContinue(ctx context.Context) error
	RebaseAbort(ctx context.Context) error
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	ResetHard(ctx context.Context, ref string) error
	// ApplyPatch applies a patch to the working tree and index.
	ApplyPatch(ctx context.Context, patch []byte) error
	// UpdateBranchRef moves a branch ref to a commit without a checkout.
	UpdateBranchRef(ctx context.Context, branch, commit string) error
}

// TagOperations covers lightweight tags, used for pre-sync safety points.
type TagOperations interface {
	CreateTag(ctx context.Context, name, ref string) error
	DeleteTag(ctx context.Context, name string) error
	ListTags(ctx context.Context, pattern string) ([]string, error)
}

// Runner is the complete git surface. Consumers should prefer the focused
// interfaces when possible.
type Runner interface {
	BranchOperations
	WorktreeOperations
	HistoryOperations
	MergeOperations
	TagOperations
	// Run executes an arbitrary git command and returns its trimmed output.
	Run(ctx context.Context, args ...string) (string, error)
}
