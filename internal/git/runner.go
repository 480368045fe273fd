package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ExecRunner implements Runner using exec.CommandContext.
type ExecRunner struct {
	dir string
}

// NewRunner creates a git runner for the repository at the given path.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir}
}

// Dir returns the directory commands run in.
func (r *ExecRunner) Dir() string {
	return r.dir
}

// InDir returns a runner that executes in a different directory, typically
// a worktree of the same repository.
func (r *ExecRunner) InDir(dir string) *ExecRunner {
	return &ExecRunner{dir: dir}
}

// run executes a git command and returns its trimmed combined output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// CurrentBranch returns the name of the checked-out branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranch creates a branch at base without checking it out.
func (r *ExecRunner) CreateBranch(ctx context.Context, name, base string) error {
	if base == "" {
		return r.runSilent(ctx, "branch", name)
	}
	return r.runSilent(ctx, "branch", name, base)
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "checkout", name)
}

// BranchExists returns true if a local branch with the name exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means the branch doesn't exist
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch force-deletes the specified branch.
func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "branch", "-D", name)
}

// WorktreeAdd creates a worktree at path for an existing branch.
func (r *ExecRunner) WorktreeAdd(ctx context.Context, path, branch string) error {
	return r.runSilent(ctx, "worktree", "add", path, branch)
}

// WorktreeAddNewBranch creates a worktree at path on a new branch cut from base.
func (r *ExecRunner) WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", path, "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	return r.runSilent(ctx, args...)
}

// WorktreeRemove removes the worktree at path, optionally with force.
func (r *ExecRunner) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return r.runSilent(ctx, args...)
}

// WorktreeList parses git worktree list --porcelain into entries.
func (r *ExecRunner) WorktreeList(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// WorktreePrune removes stale worktree bookkeeping.
func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	return r.runSilent(ctx, "worktree", "prune")
}

// RevParse resolves a ref to a full object id.
func (r *ExecRunner) RevParse(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "rev-parse", "--verify", ref)
}

// MergeBase returns the common ancestor of two refs.
func (r *ExecRunner) MergeBase(ctx context.Context, a, b string) (string, error) {
	return r.run(ctx, "merge-base", a, b)
}

// IsAncestor reports whether ancestor is reachable from ref.
func (r *ExecRunner) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ancestor, ref)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("git merge-base --is-ancestor %s %s: %w", ancestor, ref, err)
	}
	return true, nil
}

// logFormat packs hash, subject, author and author date with unit separators.
const logFormat = "--format=%H%x1f%s%x1f%an%x1f%aI"

// CommitsBetween lists commits on head that base does not have, newest first.
func (r *ExecRunner) CommitsBetween(ctx context.Context, base, head string) ([]Commit, error) {
	out, err := r.run(ctx, "log", logFormat, base+".."+head)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\x1f")
		if len(fields) != 4 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, fields[3])
		if err != nil {
			return nil, fmt.Errorf("parse commit date %q: %w", fields[3], err)
		}
		commits = append(commits, Commit{
			Hash:      fields[0],
			Subject:   fields[1],
			Author:    fields[2],
			Timestamp: ts,
		})
	}
	return commits, nil
}

// CountCommits counts commits on head that base does not have.
func (r *ExecRunner) CountCommits(ctx context.Context, base, head string) (int, error) {
	out, err := r.run(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// DiffStatBetween summarizes changes on head since its merge base with base.
func (r *ExecRunner) DiffStatBetween(ctx context.Context, base, head string) (DiffStat, error) {
	out, err := r.run(ctx, "diff", "--shortstat", base+"..."+head)
	if err != nil {
		return DiffStat{}, err
	}
	return parseShortStat(out), nil
}

// ChangedFilesBetween lists files changed on head since its merge base with base.
func (r *ExecRunner) ChangedFilesBetween(ctx context.Context, base, head string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ShowFile returns the contents of a file at a specific ref.
func (r *ExecRunner) ShowFile(ctx context.Context, ref, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "show", ref+":"+path)
	cmd.Dir = r.dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git show %s:%s: %w", ref, path, err)
	}
	return string(out), nil
}

// Status returns git status --porcelain output.
func (r *ExecRunner) Status(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// Merge merges the branch into the checked-out branch, fast-forward if possible.
func (r *ExecRunner) Merge(ctx context.Context, branch string) error {
	return r.runSilent(ctx, "merge", branch)
}

// MergeNoFF merges the branch with a merge commit and custom message.
func (r *ExecRunner) MergeNoFF(ctx context.Context, branch, message string) error {
	return r.runSilent(ctx, "merge", "--no-ff", "-m", message, branch)
}

// MergeSquash stages the branch's changes without committing.
func (r *ExecRunner) MergeSquash(ctx context.Context, branch string) error {
	return r.runSilent(ctx, "merge", "--squash", branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort(ctx context.Context) error {
	return r.runSilent(ctx, "merge", "--abort")
}

// MergeTree merges two refs in memory and reports conflicts without touching
// the working tree. Requires git 2.38 or newer.
func (r *ExecRunner) MergeTree(ctx context.Context, target, branch string) (MergeTreeResult, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-tree", "--write-tree", "--no-messages", "--name-only", target, branch)
	cmd.Dir = r.dir
	out, err := cmd.Output()
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		// Exit code 1 signals a conflicted merge, anything else is a failure
		if !ok || exitErr.ExitCode() != 1 {
			return MergeTreeResult{}, fmt.Errorf("git merge-tree %s %s: %w", target, branch, err)
		}
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		result := MergeTreeResult{Clean: false}
		if len(lines) > 0 {
			result.TreeOID = lines[0]
		}
		seen := make(map[string]bool)
		for _, f := range lines[1:] {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			result.ConflictedFiles = append(result.ConflictedFiles, f)
		}
		return result, nil
	}
	return MergeTreeResult{Clean: true, TreeOID: strings.TrimSpace(string(out))}, nil
}

// ConflictedFiles lists files with unmerged changes.
func (r *ExecRunner) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CheckoutOurs checks out the "ours" version of a conflicted file.
func (r *ExecRunner) CheckoutOurs(ctx context.Context, path string) error {
	return r.runSilent(ctx, "checkout", "--ours", path)
}

// CheckoutTheirs checks out the "theirs" version of a conflicted file.
func (r *ExecRunner) CheckoutTheirs(ctx context.Context, path string) error {
	return r.runSilent(ctx, "checkout", "--theirs", path)
}

// CherryPickRange replays base..head onto the checked-out branch.
func (r *ExecRunner) CherryPickRange(ctx context.Context, base, head string) error {
	return r.runSilent(ctx, "cherry-pick", base+".."+head)
}

// CherryPickContinue resumes a cherry-pick after conflicts were staged.
func (r *ExecRunner) CherryPickContinue(ctx context.Context) error {
	return r.runSilent(ctx, "-c", "core.editor=true", "cherry-pick", "--continue")
}

// CherryPickAbort aborts an in-progress cherry-pick.
func (r *ExecRunner) CherryPickAbort(ctx context.Context) error {
	return r.runSilent(ctx, "cherry-pick", "--abort")
}

// Rebase rebases the checked-out branch onto the given ref.
func (r *ExecRunner) Rebase(ctx context.Context, onto string) error {
	return r.runSilent(ctx, "rebase", onto)
}

// RebaseOnto replays branch commits after oldBase onto newBase.
func (r *ExecRunner) RebaseOnto(ctx context.Context, newBase, oldBase, branch string) error {
	return r.runSilent(ctx, "rebase", "--onto", newBase, oldBase, branch)
}

// RebaseContinue resumes a rebase after conflicts were staged.
func (r *ExecRunner) RebaseContinue(ctx context.Context) error {
	return r.runSilent(ctx, "-c", "core.editor=true", "rebase", "--continue")
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort(ctx context.Context) error {
	return r.runSilent(ctx, "rebase", "--abort")
}

// Add stages the specified paths.
func (r *ExecRunner) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add"}, paths...)
	return r.runSilent(ctx, args...)
}

// Commit creates a commit with the given message.
func (r *ExecRunner) Commit(ctx context.Context, message string) error {
	return r.runSilent(ctx, "commit", "-m", message)
}

// ResetHard resets the working tree and index to the given ref.
func (r *ExecRunner) ResetHard(ctx context.Context, ref string) error {
	return r.runSilent(ctx, "reset", "--hard", ref)
}

// DiffPatch produces an apply-able binary patch between two refs.
func (r *ExecRunner) DiffPatch(ctx context.Context, base, head string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--binary", base, head)
	cmd.Dir = r.dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --binary %s %s: %w", base, head, err)
	}
	return out, nil
}

// ApplyPatch applies a patch to the working tree and index.
func (r *ExecRunner) ApplyPatch(ctx context.Context, patch []byte) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "--index", "-")
	cmd.Dir = r.dir
	cmd.Stdin = bytes.NewReader(patch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git apply: %w: %s", err, string(out))
	}
	return nil
}

// UpdateBranchRef moves a branch ref to a commit without a checkout. The
// branch must not be checked out anywhere.
func (r *ExecRunner) UpdateBranchRef(ctx context.Context, branch, commit string) error {
	return r.runSilent(ctx, "branch", "-f", branch, commit)
}

// CreateTag creates a lightweight tag at the given ref.
func (r *ExecRunner) CreateTag(ctx context.Context, name, ref string) error {
	return r.runSilent(ctx, "tag", name, ref)
}

// DeleteTag deletes a tag.
func (r *ExecRunner) DeleteTag(ctx context.Context, name string) error {
	return r.runSilent(ctx, "tag", "-d", name)
}

// ListTags lists tags matching the glob pattern, all tags if empty.
func (r *ExecRunner) ListTags(ctx context.Context, pattern string) ([]string, error) {
	args := []string{"tag", "--list"}
	if pattern != "" {
		args = append(args, pattern)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// parseShortStat parses git diff --shortstat output, for example
// "3 files changed, 10 insertions(+), 2 deletions(-)".
func parseShortStat(out string) DiffStat {
	var stat DiffStat
	for _, part := range strings.Split(out, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			stat.FilesChanged = n
		case strings.HasPrefix(fields[1], "insertion"):
			stat.Additions = n
		case strings.HasPrefix(fields[1], "deletion"):
			stat.Deletions = n
		}
	}
	return stat
}

// parseWorktreeList parses git worktree list --porcelain output.
func parseWorktreeList(out string) []WorktreeInfo {
	var infos []WorktreeInfo
	var cur *WorktreeInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if cur != nil {
				infos = append(infos, *cur)
				cur = nil
			}
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				infos = append(infos, *cur)
			}
			cur = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		case line == "detached":
			if cur != nil {
				cur.Detached = true
			}
		case line == "locked" || strings.HasPrefix(line, "locked "):
			if cur != nil {
				cur.Locked = true
			}
		}
	}
	if cur != nil {
		infos = append(infos, *cur)
	}
	return infos
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
