package git

import (
	"reflect"
	"testing"
)

func TestParseShortStat(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected DiffStat
	}{
		{
			name:     "full stat line",
			input:    "3 files changed, 10 insertions(+), 2 deletions(-)",
			expected: DiffStat{FilesChanged: 3, Additions: 10, Deletions: 2},
		},
		{
			name:     "singular forms",
			input:    "1 file changed, 1 insertion(+)",
			expected: DiffStat{FilesChanged: 1, Additions: 1},
		},
		{
			name:     "deletions only",
			input:    "2 files changed, 5 deletions(-)",
			expected: DiffStat{FilesChanged: 2, Deletions: 5},
		},
		{
			name:     "empty diff",
			input:    "",
			expected: DiffStat{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseShortStat(tt.input)
			if got != tt.expected {
				t.Errorf("parseShortStat(%q) = %+v, want %+v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseWorktreeList(t *testing.T) {
	input := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /repo/.sudocode/worktrees/stream-a
HEAD 2222222222222222222222222222222222222222
branch refs/heads/sudocode/stream-a

worktree /repo/.sudocode/worktrees/detached-one
HEAD 3333333333333333333333333333333333333333
detached
locked`

	got := parseWorktreeList(input)
	expected := []WorktreeInfo{
		{Path: "/repo", Head: "1111111111111111111111111111111111111111", Branch: "main"},
		{Path: "/repo/.sudocode/worktrees/stream-a", Head: "2222222222222222222222222222222222222222", Branch: "sudocode/stream-a"},
		{Path: "/repo/.sudocode/worktrees/detached-one", Head: "3333333333333333333333333333333333333333", Detached: true, Locked: true},
	}

	if !reflect.DeepEqual(got, expected) {
		t.Errorf("parseWorktreeList() = %+v, want %+v", got, expected)
	}
}

func TestParseWorktreeListEmpty(t *testing.T) {
	if got := parseWorktreeList(""); len(got) != 0 {
		t.Errorf("expected no entries for empty output, got %+v", got)
	}
}
